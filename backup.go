package custodia

import (
	"archive/tar"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"

	"southwinds.dev/custodia/audit"
	"southwinds.dev/custodia/internal/backup"
	"southwinds.dev/custodia/internal/crypto"
	"southwinds.dev/custodia/internal/debug"
	"southwinds.dev/custodia/persist"
)

const (
	// FormatVersion identifies the archive layout: gzip over an optionally
	// passphrase-encrypted JSON snapshot.
	FormatVersion = "1.0"

	compressionGzip = "gzip"

	// maxRestoreBytes bounds decompression so a crafted archive cannot
	// exhaust memory.
	maxRestoreBytes = 1 << 30 // 1 GiB

	decompressChunkSize = 64 * 1024

	defaultMediaRestorePath = "./media"
)

// BackupManager serializes full snapshots of the store into compressed,
// optionally encrypted archives, restores from them, and enforces the
// retention policy after every successful run.
//
// Two overlapping full backups for the same target location are prevented,
// as are concurrent restore/delete operations against the same backup ID. A
// backup run is not cancellable once started; operators bound its duration
// via compression level and media inclusion.
type BackupManager struct {
	store persist.Store
	keys  KeyProvider
	audit audit.Logger

	mu      sync.Mutex
	running map[string]bool // target locations with a backup in progress
	busy    map[string]bool // backup IDs with a restore or delete in flight
}

// NewBackupManager creates a manager over the given store. A nil keys
// argument selects the store-backed KeyProvider; a nil auditLogger selects
// the no-op logger.
func NewBackupManager(store persist.Store, keys KeyProvider, auditLogger audit.Logger) (*BackupManager, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if keys == nil {
		keys = NewStoreKeyProvider(store)
	}
	if auditLogger == nil {
		auditLogger = audit.NewNoOpLogger()
	}
	return &BackupManager{
		store:   store,
		keys:    keys,
		audit:   auditLogger,
		running: make(map[string]bool),
		busy:    make(map[string]bool),
	}, nil
}

// CreateFullBackup exports a consistent snapshot of the store and writes it
// as one archive.
//
// The pipeline is: export, serialize to JSON, optionally encrypt the whole
// document with a freshly generated password held by the KeyProvider under
// the backup ID, then compress at the configured level. The checksum is
// computed over the bytes actually written, after encryption and
// compression, so any later bit-level corruption is detected before a
// restore touches the payload. Metadata is persisted last: a backup whose
// archive write did not complete leaves no metadata behind.
//
// After a successful run the retention policy deletes the oldest archives
// beyond config.Retention; retention failures are logged and never fail the
// backup that triggered them.
func (b *BackupManager) CreateFullBackup(config BackupConfig) (*persist.BackupMetadata, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid backup config: %w", err)
	}

	if err := b.acquireLocation(config.Location); err != nil {
		return nil, err
	}
	defer b.releaseLocation(config.Location)

	startedAt := time.Now().UTC()
	backupID, startedAt, err := b.reserveBackupID(startedAt)
	if err != nil {
		return nil, err
	}

	meta, err := b.runFullBackup(backupID, startedAt, config)
	if err != nil {
		_ = b.audit.Log("backup_create", false, map[string]interface{}{
			"backup_id": backupID,
			"location":  config.Location,
			"error":     err.Error(),
		})
		return nil, err
	}

	_ = b.audit.Log("backup_create", true, map[string]interface{}{
		"backup_id":   meta.ID,
		"location":    config.Location,
		"size_bytes":  meta.Size,
		"encrypted":   meta.EncryptionKeyID != "",
		"has_media":   meta.HasMedia,
		"duration_ms": time.Since(startedAt).Milliseconds(),
	})

	b.applyRetentionPolicy(config)

	return meta, nil
}

// reserveBackupID derives a time-based ID for startedAt, advancing the
// timestamp a millisecond at a time while an existing backup already owns
// the ID. Back-to-back runs within one millisecond would otherwise clobber
// each other's archive and metadata without any error. The adjusted
// timestamp is returned so the metadata Timestamp sorts consistently with
// the ID.
func (b *BackupManager) reserveBackupID(startedAt time.Time) (string, time.Time, error) {
	const maxAttempts = 1000

	ts := startedAt
	for i := 0; i < maxAttempts; i++ {
		id := backup.GenerateBackupID(ts)
		_, err := b.store.GetBackupMetadata(id)
		if persist.IsNotFound(err) {
			return id, ts, nil
		}
		if err != nil {
			return "", time.Time{}, fmt.Errorf("failed to check backup ID %s: %w", id, err)
		}
		ts = ts.Add(time.Millisecond)
	}
	return "", time.Time{}, fmt.Errorf("no free backup ID near %s after %d attempts", startedAt.Format(time.RFC3339), maxAttempts)
}

func (b *BackupManager) runFullBackup(backupID string, startedAt time.Time, config BackupConfig) (*persist.BackupMetadata, error) {
	snapshot, err := b.store.Export()
	if err != nil {
		return nil, fmt.Errorf("failed to export snapshot: %w", err)
	}

	payload, err := json.Marshal(snapshot)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize snapshot: %w", err)
	}

	var encryptionKeyID string
	if config.EncryptBackups {
		password, err := crypto.GenerateSecurePassword(32)
		if err != nil {
			return nil, fmt.Errorf("failed to generate backup password: %w", err)
		}
		payload, err = crypto.EncryptWithPassphrase(payload, password)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt backup: %w", err)
		}
		encryptionKeyID, err = b.keys.Create(backupID, []byte(password))
		if err != nil {
			return nil, fmt.Errorf("failed to store backup key: %w", err)
		}
	}

	compressed, err := compressPayload(payload, config.CompressionLevel)
	if err != nil {
		b.discardBackupKey(backupID, encryptionKeyID)
		return nil, fmt.Errorf("failed to compress backup: %w", err)
	}

	archiveName := backup.ArchiveName(backupID)
	if err = b.store.WriteArchive(archiveName, compressed); err != nil {
		b.discardBackupKey(backupID, encryptionKeyID)
		return nil, fmt.Errorf("failed to write archive: %w", err)
	}

	checksum := crypto.CalculateChecksum(compressed)

	hasMedia := false
	if config.IncludeMedia {
		hasMedia, err = b.writeMediaArchive(backupID, config)
		if err != nil {
			// The run failed; do not leave an orphan archive or key behind
			if delErr := b.store.DeleteArchive(archiveName); delErr != nil && !persist.IsNotFound(delErr) {
				debug.Print("runFullBackup: failed to clean up archive %s: %v\n", archiveName, delErr)
			}
			b.discardBackupKey(backupID, encryptionKeyID)
			return nil, fmt.Errorf("failed to archive media: %w", err)
		}
	}

	meta := &persist.BackupMetadata{
		ID:              backupID,
		Timestamp:       startedAt,
		Size:            int64(len(compressed)),
		Kind:            string(BackupKindFull),
		EncryptionKeyID: encryptionKeyID,
		Compression:     compressionGzip,
		SchemaVersion:   persist.SchemaVersion,
		FormatVersion:   FormatVersion,
		Checksum:        checksum,
		HasMedia:        hasMedia,
	}
	if err = b.store.SaveBackupMetadata(meta); err != nil {
		if delErr := b.store.DeleteArchive(archiveName); delErr != nil && !persist.IsNotFound(delErr) {
			debug.Print("runFullBackup: failed to clean up archive %s: %v\n", archiveName, delErr)
		}
		b.discardBackupKey(backupID, encryptionKeyID)
		return nil, fmt.Errorf("failed to persist backup metadata: %w", err)
	}

	return meta, nil
}

// discardBackupKey removes the key row created for a failed or deleted
// backup, so key material never outlives the archive it protected. Best
// effort: a leftover row is logged, not fatal.
func (b *BackupManager) discardBackupKey(backupID, keyID string) {
	if keyID == "" {
		return
	}
	if err := b.keys.Destroy(backupID); err != nil {
		debug.Print("discardBackupKey: failed to remove key for %s: %v\n", backupID, err)
	}
}

// RestoreFromBackup replaces the store's contents with the snapshot held in
// the named archive.
//
// The checksum is verified before any decompression or decryption is
// attempted; corrupted bytes fail with ErrIntegrityCheckFailed instead of
// surfacing as cryptic lower-level errors, and no data is mutated. The
// snapshot is applied to the store in one Import call, so a failure at any
// earlier step leaves the pre-restore state unchanged.
func (b *BackupManager) RestoreFromBackup(backupID string, opts RestoreOptions) error {
	if backupID == "" {
		return fmt.Errorf("backup ID cannot be empty")
	}

	if err := b.acquireBackup(backupID); err != nil {
		return err
	}
	defer b.releaseBackup(backupID)

	err := b.runRestore(backupID, opts)
	if err != nil {
		_ = b.audit.Log("backup_restore", false, map[string]interface{}{
			"backup_id": backupID,
			"error":     err.Error(),
		})
		return err
	}

	_ = b.audit.Log("backup_restore", true, map[string]interface{}{
		"backup_id": backupID,
	})
	return nil
}

func (b *BackupManager) runRestore(backupID string, opts RestoreOptions) error {
	meta, err := b.store.GetBackupMetadata(backupID)
	if err != nil {
		if persist.IsNotFound(err) {
			return fmt.Errorf("backup %s: %w", backupID, ErrBackupNotFound)
		}
		return fmt.Errorf("failed to load backup metadata: %w", err)
	}

	data, err := b.store.ReadArchive(backup.ArchiveName(backupID))
	if err != nil {
		if persist.IsNotFound(err) {
			return fmt.Errorf("archive for backup %s: %w", backupID, ErrBackupNotFound)
		}
		return fmt.Errorf("failed to read archive: %w", err)
	}

	if !opts.SkipChecksumValidation {
		if actual := crypto.CalculateChecksum(data); actual != meta.Checksum {
			return fmt.Errorf("archive checksum mismatch for backup %s: %w", backupID, ErrIntegrityCheckFailed)
		}
	}

	payload, err := decompressPayload(data, maxRestoreBytes)
	if err != nil {
		return fmt.Errorf("failed to decompress archive: %w", err)
	}

	if meta.EncryptionKeyID != "" {
		payload, err = b.decryptPayload(backupID, meta.EncryptionKeyID, payload)
		if err != nil {
			return err
		}
	}

	var snapshot persist.Snapshot
	if err = json.Unmarshal(payload, &snapshot); err != nil {
		return fmt.Errorf("failed to parse snapshot: %w", err)
	}

	if err = b.store.Import(&snapshot); err != nil {
		return fmt.Errorf("failed to apply snapshot: %w", err)
	}

	if opts.RestoreMedia && meta.HasMedia {
		target := opts.MediaPath
		if target == "" {
			target = defaultMediaRestorePath
		}
		if err = b.restoreMediaArchive(backupID, target); err != nil {
			return fmt.Errorf("failed to restore media: %w", err)
		}
	}

	return nil
}

func (b *BackupManager) decryptPayload(backupID, keyID string, payload []byte) ([]byte, error) {
	enclave, activeKeyID, err := b.keys.Active(backupID)
	if err != nil {
		return nil, fmt.Errorf("failed to obtain backup key: %w", err)
	}
	if activeKeyID != keyID {
		return nil, fmt.Errorf("backup key %s does not match metadata reference %s", activeKeyID, keyID)
	}

	password, err := enclave.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open backup key enclave: %w", err)
	}
	defer password.Destroy()

	plaintext, err := crypto.DecryptWithPassphrase(payload, password.String())
	if err != nil {
		return nil, fmt.Errorf("backup decryption failed: %w: %w", ErrDecryptionFailed, err)
	}
	return plaintext, nil
}

// ListBackups returns backup metadata matching the filter, newest first. A
// nil filter matches everything.
func (b *BackupManager) ListBackups(filter *BackupFilter) ([]persist.BackupMetadata, error) {
	backups, err := b.store.ListBackupMetadata()
	if err != nil {
		return nil, fmt.Errorf("failed to list backups: %w", err)
	}

	var out []persist.BackupMetadata
	for _, m := range backups {
		if filter != nil {
			if filter.Kind != "" && m.Kind != string(filter.Kind) {
				continue
			}
			if !filter.From.IsZero() && m.Timestamp.Before(filter.From) {
				continue
			}
			if !filter.To.IsZero() && m.Timestamp.After(filter.To) {
				continue
			}
		}
		out = append(out, m)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out, nil
}

// DeleteBackup removes the archive, any media archive, the metadata record
// and the backup's encryption key, in that order, so metadata never
// outlives its backing file and key material never outlives its archive. A
// media archive that is already absent is not an error. Fails with
// ErrBackupNotFound when no metadata exists for the ID.
func (b *BackupManager) DeleteBackup(backupID string) error {
	if backupID == "" {
		return fmt.Errorf("backup ID cannot be empty")
	}

	if err := b.acquireBackup(backupID); err != nil {
		return err
	}
	defer b.releaseBackup(backupID)

	meta, err := b.store.GetBackupMetadata(backupID)
	if err != nil {
		if persist.IsNotFound(err) {
			return fmt.Errorf("backup %s: %w", backupID, ErrBackupNotFound)
		}
		return fmt.Errorf("failed to load backup metadata: %w", err)
	}

	if err := b.store.DeleteArchive(backup.ArchiveName(backupID)); err != nil && !persist.IsNotFound(err) {
		return fmt.Errorf("failed to delete archive: %w", err)
	}
	if err := b.store.DeleteArchive(backup.MediaArchiveName(backupID)); err != nil && !persist.IsNotFound(err) {
		return fmt.Errorf("failed to delete media archive: %w", err)
	}
	if err := b.store.DeleteBackupMetadata(backupID); err != nil {
		return fmt.Errorf("failed to delete backup metadata: %w", err)
	}
	b.discardBackupKey(backupID, meta.EncryptionKeyID)

	_ = b.audit.Log("backup_delete", true, map[string]interface{}{
		"backup_id": backupID,
	})
	return nil
}

// applyRetentionPolicy deletes the oldest backups beyond the retention
// count. Failures here are housekeeping problems: they are logged but never
// propagated, since the backup that triggered the policy already succeeded.
func (b *BackupManager) applyRetentionPolicy(config BackupConfig) {
	backups, err := b.store.ListBackupMetadata()
	if err != nil {
		_ = b.audit.Log("retention_apply", false, map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	if len(backups) <= config.Retention {
		return
	}

	// Oldest first
	sort.Slice(backups, func(i, j int) bool { return backups[i].Timestamp.Before(backups[j].Timestamp) })

	excess := len(backups) - config.Retention
	for _, m := range backups[:excess] {
		if err = b.DeleteBackup(m.ID); err != nil {
			_ = b.audit.Log("retention_delete", false, map[string]interface{}{
				"backup_id": m.ID,
				"error":     err.Error(),
			})
			continue
		}
		_ = b.audit.Log("retention_delete", true, map[string]interface{}{
			"backup_id": m.ID,
		})
	}
}

// Concurrency guards

func (b *BackupManager) acquireLocation(location string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running[location] {
		return fmt.Errorf("location %s: %w", location, ErrBackupInProgress)
	}
	b.running[location] = true
	return nil
}

func (b *BackupManager) releaseLocation(location string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.running, location)
}

func (b *BackupManager) acquireBackup(backupID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.busy[backupID] {
		return fmt.Errorf("backup %s: %w", backupID, ErrBackupBusy)
	}
	b.busy[backupID] = true
	return nil
}

func (b *BackupManager) releaseBackup(backupID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.busy, backupID)
}

// Compression

func compressPayload(payload []byte, level int) ([]byte, error) {
	var buf bytes.Buffer
	gw, err := gzip.NewWriterLevel(&buf, level)
	if err != nil {
		return nil, fmt.Errorf("invalid compression level %d: %w", level, err)
	}
	if _, err = gw.Write(payload); err != nil {
		return nil, fmt.Errorf("compression failed: %w", err)
	}
	if err = gw.Close(); err != nil {
		return nil, fmt.Errorf("compression failed: %w", err)
	}
	return buf.Bytes(), nil
}

// decompressPayload inflates data with a hard output bound, reading in
// fixed-size chunks so a crafted archive cannot balloon memory.
func decompressPayload(data []byte, limit int64) ([]byte, error) {
	gr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("invalid gzip stream: %w", err)
	}
	defer gr.Close()

	var out bytes.Buffer
	chunk := make([]byte, decompressChunkSize)
	for {
		n, err := gr.Read(chunk)
		if n > 0 {
			if int64(out.Len())+int64(n) > limit {
				return nil, fmt.Errorf("decompressed payload exceeds %d bytes", limit)
			}
			out.Write(chunk[:n])
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("decompression failed: %w", err)
		}
	}
	return out.Bytes(), nil
}

// Media archives

// writeMediaArchive tars the media directory into <id>_media.tar.gz. A
// missing media directory yields no archive and no error, so a fresh
// deployment can still back up.
func (b *BackupManager) writeMediaArchive(backupID string, config BackupConfig) (bool, error) {
	info, err := os.Stat(config.MediaPath)
	if err != nil {
		if os.IsNotExist(err) {
			debug.Print("writeMediaArchive: media path %s does not exist, skipping\n", config.MediaPath)
			return false, nil
		}
		return false, fmt.Errorf("failed to stat media path: %w", err)
	}
	if !info.IsDir() {
		return false, fmt.Errorf("media path %s is not a directory", config.MediaPath)
	}

	var buf bytes.Buffer
	gw, err := gzip.NewWriterLevel(&buf, config.CompressionLevel)
	if err != nil {
		return false, fmt.Errorf("invalid compression level %d: %w", config.CompressionLevel, err)
	}
	tw := tar.NewWriter(gw)

	fileCount := 0
	err = filepath.Walk(config.MediaPath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(config.MediaPath, path)
		if err != nil {
			return err
		}
		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(rel)
		if err = tw.WriteHeader(header); err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		if _, err = io.Copy(tw, f); err != nil {
			return err
		}
		fileCount++
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to walk media path: %w", err)
	}

	if err = tw.Close(); err != nil {
		return false, fmt.Errorf("failed to finalize media archive: %w", err)
	}
	if err = gw.Close(); err != nil {
		return false, fmt.Errorf("failed to finalize media archive: %w", err)
	}

	if fileCount == 0 {
		return false, nil
	}

	if err = b.store.WriteArchive(backup.MediaArchiveName(backupID), buf.Bytes()); err != nil {
		return false, fmt.Errorf("failed to write media archive: %w", err)
	}
	return true, nil
}

func (b *BackupManager) restoreMediaArchive(backupID, targetPath string) error {
	data, err := b.store.ReadArchive(backup.MediaArchiveName(backupID))
	if err != nil {
		if persist.IsNotFound(err) {
			return fmt.Errorf("media archive for backup %s: %w", backupID, ErrBackupNotFound)
		}
		return fmt.Errorf("failed to read media archive: %w", err)
	}

	gr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("invalid media archive: %w", err)
	}
	defer gr.Close()

	tr := tar.NewReader(gr)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read media archive: %w", err)
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}

		name := filepath.FromSlash(header.Name)
		if filepath.IsAbs(name) || strings.Contains(name, "..") {
			return fmt.Errorf("media archive entry %q has an unsafe path", header.Name)
		}

		dest := filepath.Join(targetPath, name)
		if err = os.MkdirAll(filepath.Dir(dest), 0700); err != nil {
			return fmt.Errorf("failed to create media directory: %w", err)
		}

		f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
		if err != nil {
			return fmt.Errorf("failed to create media file: %w", err)
		}
		written, err := io.Copy(f, io.LimitReader(tr, maxRestoreBytes+1))
		closeErr := f.Close()
		if err != nil {
			return fmt.Errorf("failed to restore media file %s: %w", header.Name, err)
		}
		if closeErr != nil {
			return fmt.Errorf("failed to restore media file %s: %w", header.Name, closeErr)
		}
		if written > maxRestoreBytes {
			return fmt.Errorf("media file %s exceeds %d bytes", header.Name, int64(maxRestoreBytes))
		}
	}
	return nil
}
