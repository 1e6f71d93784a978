package custodia

import (
	"archive/tar"
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"

	"southwinds.dev/custodia/internal/backup"
	"southwinds.dev/custodia/persist"
)

func newTestBackupManager(t *testing.T) (*BackupManager, *Vault, *persist.MemoryStore) {
	t.Helper()
	vault, store := newTestVault(t)
	manager, err := NewBackupManager(store, nil, nil)
	require.NoError(t, err)
	return manager, vault, store
}

func testBackupConfig() BackupConfig {
	return BackupConfig{
		Frequency:        FrequencyDaily,
		Retention:        30,
		EncryptBackups:   true,
		Location:         "test-location",
		IncludeMedia:     false,
		CompressionLevel: 6,
	}
}

func TestBackupEngine(t *testing.T) {
	tests := []struct {
		name string
		fn   func(*testing.T)
	}{
		{"EncryptedRoundTrip", testEncryptedBackupRoundTrip},
		{"UnencryptedRoundTrip", testUnencryptedBackupRoundTrip},
		{"CorruptionRejection", testCorruptionRejection},
		{"ZeroValueOptionsValidate", testZeroValueOptionsValidateChecksum},
		{"IDUniqueness", testBackupIDUniqueness},
		{"RetentionInvariant", testRetentionInvariant},
		{"RetentionScenario", testRetentionScenario},
		{"DeleteBackup", testDeleteBackup},
		{"KeyCleanup", testBackupKeyCleanup},
		{"MediaRoundTrip", testMediaRoundTrip},
		{"MediaUnsafeEntry", testMediaUnsafeEntryRejected},
		{"ConcurrencyGuards", testBackupConcurrencyGuards},
		{"ListFiltering", testListFiltering},
		{"ConfigValidation", testBackupConfigValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, tt.fn)
	}
}

func testEncryptedBackupRoundTrip(t *testing.T) {
	manager, vault, store := newTestBackupManager(t)

	summary, err := vault.Store("alice", "pii", []byte("backed-up payload"), SensitivityConfidential)
	require.NoError(t, err)
	grant, err := vault.GrantAccess(summary.ID, "alice", "bob", nil)
	require.NoError(t, err)

	meta, err := manager.CreateFullBackup(testBackupConfig())
	require.NoError(t, err)
	require.NotEmpty(t, meta.ID)
	require.NotEmpty(t, meta.EncryptionKeyID, "encrypted backup must record a key reference")
	require.NotEmpty(t, meta.Checksum)
	require.Equal(t, string(BackupKindFull), meta.Kind)
	require.Greater(t, meta.Size, int64(0))

	// Drift the store, then restore the snapshot
	_, err = vault.Store("mallory", "junk", []byte("post-backup write"), SensitivityInternal)
	require.NoError(t, err)
	require.NoError(t, vault.RevokeAccess(grant.ID, "alice"))

	require.NoError(t, manager.RestoreFromBackup(meta.ID, DefaultRestoreOptions()))

	records, err := store.ListRecords()
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, summary.ID, records[0].ID)

	restoredGrant, err := store.GetGrant(grant.ID)
	require.NoError(t, err)
	require.True(t, restoredGrant.Active, "restore must bring back the pre-revocation grant state")

	// Record keys survive the restore, so decryption still works
	plaintext, err := vault.Retrieve(summary.ID, "alice")
	require.NoError(t, err)
	require.Equal(t, []byte("backed-up payload"), plaintext)
}

func testUnencryptedBackupRoundTrip(t *testing.T) {
	manager, vault, store := newTestBackupManager(t)

	_, err := vault.Store("alice", "pii", []byte("plain archive payload"), SensitivityInternal)
	require.NoError(t, err)

	config := testBackupConfig()
	config.EncryptBackups = false

	meta, err := manager.CreateFullBackup(config)
	require.NoError(t, err)
	require.Empty(t, meta.EncryptionKeyID)

	require.NoError(t, manager.RestoreFromBackup(meta.ID, DefaultRestoreOptions()))

	records, err := store.ListRecords()
	require.NoError(t, err)
	require.Len(t, records, 1)
}

func testCorruptionRejection(t *testing.T) {
	manager, vault, store := newTestBackupManager(t)

	summary, err := vault.Store("alice", "pii", []byte("payload"), SensitivityInternal)
	require.NoError(t, err)

	meta, err := manager.CreateFullBackup(testBackupConfig())
	require.NoError(t, err)

	// Flip the last byte of the archive
	archiveName := backup.ArchiveName(meta.ID)
	data, err := store.ReadArchive(archiveName)
	require.NoError(t, err)
	data[len(data)-1] ^= 0x01
	require.NoError(t, store.WriteArchive(archiveName, data))

	err = manager.RestoreFromBackup(meta.ID, DefaultRestoreOptions())
	require.ErrorIs(t, err, ErrIntegrityCheckFailed)

	// The failed restore must not have mutated anything
	records, err := store.ListRecords()
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, summary.ID, records[0].ID)
}

// A caller passing RestoreOptions{} gets checksum validation: the zero
// value must not silently skip integrity checking.
func testZeroValueOptionsValidateChecksum(t *testing.T) {
	manager, vault, store := newTestBackupManager(t)

	_, err := vault.Store("alice", "pii", []byte("payload"), SensitivityInternal)
	require.NoError(t, err)

	meta, err := manager.CreateFullBackup(testBackupConfig())
	require.NoError(t, err)

	archiveName := backup.ArchiveName(meta.ID)
	data, err := store.ReadArchive(archiveName)
	require.NoError(t, err)
	data[0] ^= 0x01
	require.NoError(t, store.WriteArchive(archiveName, data))

	err = manager.RestoreFromBackup(meta.ID, RestoreOptions{})
	require.ErrorIs(t, err, ErrIntegrityCheckFailed)
}

// Back-to-back runs land in the same millisecond; each must still get its
// own ID instead of overwriting the previous archive and metadata.
func testBackupIDUniqueness(t *testing.T) {
	manager, vault, _ := newTestBackupManager(t)

	_, err := vault.Store("alice", "pii", []byte("payload"), SensitivityInternal)
	require.NoError(t, err)

	config := testBackupConfig()
	config.EncryptBackups = false

	seen := make(map[string]bool)
	for i := 0; i < 5; i++ {
		meta, err := manager.CreateFullBackup(config)
		require.NoError(t, err)
		require.False(t, seen[meta.ID], "backup ID %s reused", meta.ID)
		seen[meta.ID] = true
	}

	backups, err := manager.ListBackups(nil)
	require.NoError(t, err)
	require.Len(t, backups, 5)
}

func testRetentionInvariant(t *testing.T) {
	manager, vault, _ := newTestBackupManager(t)

	_, err := vault.Store("alice", "pii", []byte("payload"), SensitivityInternal)
	require.NoError(t, err)

	config := testBackupConfig()
	config.EncryptBackups = false
	config.Retention = 3

	var ids []string
	for i := 0; i < 5; i++ {
		meta, err := manager.CreateFullBackup(config)
		require.NoError(t, err)
		ids = append(ids, meta.ID)
	}

	backups, err := manager.ListBackups(nil)
	require.NoError(t, err)
	require.Len(t, backups, 3)

	// The three most recent survive, newest first
	require.Equal(t, ids[4], backups[0].ID)
	require.Equal(t, ids[3], backups[1].ID)
	require.Equal(t, ids[2], backups[2].ID)
}

func testRetentionScenario(t *testing.T) {
	manager, vault, _ := newTestBackupManager(t)

	_, err := vault.Store("alice", "pii", []byte("payload"), SensitivityInternal)
	require.NoError(t, err)

	config := testBackupConfig()
	config.EncryptBackups = false
	config.Retention = 2

	var ids []string
	for i := 0; i < 3; i++ {
		meta, err := manager.CreateFullBackup(config)
		require.NoError(t, err)
		ids = append(ids, meta.ID)
	}

	backups, err := manager.ListBackups(nil)
	require.NoError(t, err)
	require.Len(t, backups, 2)
	for _, m := range backups {
		require.NotEqual(t, ids[0], m.ID, "oldest backup must have been deleted")
	}

	err = manager.DeleteBackup("backup_2000-01-01T00-00-00-000Z")
	require.ErrorIs(t, err, ErrBackupNotFound)
}

func testDeleteBackup(t *testing.T) {
	manager, vault, store := newTestBackupManager(t)

	_, err := vault.Store("alice", "pii", []byte("payload"), SensitivityInternal)
	require.NoError(t, err)

	meta, err := manager.CreateFullBackup(testBackupConfig())
	require.NoError(t, err)

	require.NoError(t, manager.DeleteBackup(meta.ID))

	_, err = store.GetBackupMetadata(meta.ID)
	require.ErrorIs(t, err, persist.ErrNotFound)
	_, err = store.ReadArchive(backup.ArchiveName(meta.ID))
	require.ErrorIs(t, err, persist.ErrNotFound)

	// Restore after delete fails cleanly
	err = manager.RestoreFromBackup(meta.ID, DefaultRestoreOptions())
	require.ErrorIs(t, err, ErrBackupNotFound)
}

// Backup encryption keys never outlive the run that created them: a failed
// pipeline removes its key row, and DeleteBackup removes the key with the
// archive.
func testBackupKeyCleanup(t *testing.T) {
	manager, vault, store := newTestBackupManager(t)

	_, err := vault.Store("alice", "pii", []byte("payload"), SensitivityInternal)
	require.NoError(t, err)

	// Fail the run after key creation: the media path is a file, not a
	// directory
	mediaFile := filepath.Join(t.TempDir(), "media")
	require.NoError(t, os.WriteFile(mediaFile, []byte("x"), 0600))

	config := testBackupConfig()
	config.IncludeMedia = true
	config.MediaPath = mediaFile
	_, err = manager.CreateFullBackup(config)
	require.Error(t, err)

	snap, err := store.Export()
	require.NoError(t, err)
	require.Len(t, snap.Keys, 1, "failed run must not leave an orphan backup key")

	meta, err := manager.CreateFullBackup(testBackupConfig())
	require.NoError(t, err)

	keys, err := store.KeysForRecord(meta.ID)
	require.NoError(t, err)
	require.Len(t, keys, 1)

	require.NoError(t, manager.DeleteBackup(meta.ID))

	keys, err = store.KeysForRecord(meta.ID)
	require.NoError(t, err)
	require.Empty(t, keys, "deleted backup must not leave key material behind")
}

func testMediaRoundTrip(t *testing.T) {
	manager, vault, store := newTestBackupManager(t)

	_, err := vault.Store("alice", "pii", []byte("payload"), SensitivityInternal)
	require.NoError(t, err)

	mediaDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(mediaDir, "scans"), 0700))
	require.NoError(t, os.WriteFile(filepath.Join(mediaDir, "note.txt"), []byte("top-level file"), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(mediaDir, "scans", "page1.bin"), []byte{0x00, 0xff, 0x10}, 0600))

	config := testBackupConfig()
	config.IncludeMedia = true
	config.MediaPath = mediaDir

	meta, err := manager.CreateFullBackup(config)
	require.NoError(t, err)
	require.True(t, meta.HasMedia)

	target := t.TempDir()
	require.NoError(t, manager.RestoreFromBackup(meta.ID, RestoreOptions{
		RestoreMedia: true,
		MediaPath:    target,
	}))

	got, err := os.ReadFile(filepath.Join(target, "note.txt"))
	require.NoError(t, err)
	require.Equal(t, []byte("top-level file"), got)
	got, err = os.ReadFile(filepath.Join(target, "scans", "page1.bin"))
	require.NoError(t, err)
	require.Equal(t, []byte{0x00, 0xff, 0x10}, got)

	// Deleting the backup removes the media archive with it
	require.NoError(t, manager.DeleteBackup(meta.ID))
	_, err = store.ReadArchive(backup.MediaArchiveName(meta.ID))
	require.ErrorIs(t, err, persist.ErrNotFound)
}

// A media archive entry that points outside the target directory must be
// rejected before anything is written.
func testMediaUnsafeEntryRejected(t *testing.T) {
	manager, _, store := newTestBackupManager(t)

	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gw)
	content := []byte("escape attempt")
	require.NoError(t, tw.WriteHeader(&tar.Header{
		Name:     "../escape.txt",
		Mode:     0600,
		Size:     int64(len(content)),
		Typeflag: tar.TypeReg,
	}))
	_, err := tw.Write(content)
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, gw.Close())

	const backupID = "backup_2030-01-01T00-00-00-000Z"
	require.NoError(t, store.WriteArchive(backup.MediaArchiveName(backupID), buf.Bytes()))

	target := t.TempDir()
	err = manager.restoreMediaArchive(backupID, target)
	require.Error(t, err)
	require.Contains(t, err.Error(), "unsafe")

	_, statErr := os.Stat(filepath.Join(filepath.Dir(target), "escape.txt"))
	require.True(t, os.IsNotExist(statErr))
}

// A backup ID with a restore or delete in flight rejects concurrent
// operations, and a location with a backup running rejects a second run.
func testBackupConcurrencyGuards(t *testing.T) {
	manager, vault, _ := newTestBackupManager(t)

	_, err := vault.Store("alice", "pii", []byte("payload"), SensitivityInternal)
	require.NoError(t, err)

	meta, err := manager.CreateFullBackup(testBackupConfig())
	require.NoError(t, err)

	require.NoError(t, manager.acquireBackup(meta.ID))
	require.ErrorIs(t, manager.DeleteBackup(meta.ID), ErrBackupBusy)
	require.ErrorIs(t, manager.RestoreFromBackup(meta.ID, DefaultRestoreOptions()), ErrBackupBusy)
	manager.releaseBackup(meta.ID)

	config := testBackupConfig()
	require.NoError(t, manager.acquireLocation(config.Location))
	_, err = manager.CreateFullBackup(config)
	require.ErrorIs(t, err, ErrBackupInProgress)
	manager.releaseLocation(config.Location)

	// Guards released: the same operations now go through
	require.NoError(t, manager.DeleteBackup(meta.ID))
}

func testListFiltering(t *testing.T) {
	manager, vault, _ := newTestBackupManager(t)

	_, err := vault.Store("alice", "pii", []byte("payload"), SensitivityInternal)
	require.NoError(t, err)

	config := testBackupConfig()
	config.EncryptBackups = false

	before := time.Now().UTC().Add(-time.Minute)
	meta, err := manager.CreateFullBackup(config)
	require.NoError(t, err)
	after := time.Now().UTC().Add(time.Minute)

	backups, err := manager.ListBackups(&BackupFilter{Kind: BackupKindFull, From: before, To: after})
	require.NoError(t, err)
	require.Len(t, backups, 1)
	require.Equal(t, meta.ID, backups[0].ID)

	backups, err = manager.ListBackups(&BackupFilter{Kind: BackupKindIncremental})
	require.NoError(t, err)
	require.Empty(t, backups)

	backups, err = manager.ListBackups(&BackupFilter{To: before})
	require.NoError(t, err)
	require.Empty(t, backups)
}

func testBackupConfigValidation(t *testing.T) {
	manager, _, _ := newTestBackupManager(t)

	bad := testBackupConfig()
	bad.CompressionLevel = 11
	_, err := manager.CreateFullBackup(bad)
	require.Error(t, err)

	bad = testBackupConfig()
	bad.Retention = 0
	_, err = manager.CreateFullBackup(bad)
	require.Error(t, err)

	bad = testBackupConfig()
	bad.Frequency = Frequency("fortnightly")
	_, err = manager.CreateFullBackup(bad)
	require.Error(t, err)

	bad = testBackupConfig()
	bad.IncludeMedia = true
	bad.MediaPath = ""
	_, err = manager.CreateFullBackup(bad)
	require.Error(t, err)

	var errCheck error = manager.RestoreFromBackup("", DefaultRestoreOptions())
	require.Error(t, errCheck)
	require.False(t, errors.Is(errCheck, ErrBackupNotFound))
}
