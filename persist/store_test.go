package persist

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// The suite runs against every backend so all implementations satisfy the
// same semantics. S3 has its own container-backed test.
func TestStoreBackends(t *testing.T) {
	backends := []struct {
		name string
		make func(t *testing.T) Store
	}{
		{"Memory", func(t *testing.T) Store {
			return NewMemoryStore("test-tenant")
		}},
		{"FileSystem", func(t *testing.T) Store {
			s, err := NewFileSystemStore(t.TempDir(), "test-tenant")
			require.NoError(t, err)
			return s
		}},
	}

	tests := []struct {
		name string
		fn   func(*testing.T, Store)
	}{
		{"RecordLifecycle", testRecordLifecycle},
		{"KeysNewestFirst", testKeysNewestFirst},
		{"GrantLifecycle", testGrantLifecycle},
		{"AccessLogAppendOnly", testAccessLogAppendOnly},
		{"ExportImport", testExportImport},
		{"Archives", testArchives},
		{"BackupMetadata", testBackupMetadata},
	}

	for _, backend := range backends {
		t.Run(backend.name, func(t *testing.T) {
			for _, tt := range tests {
				t.Run(tt.name, func(t *testing.T) {
					store := backend.make(t)
					defer store.Close()
					tt.fn(t, store)
				})
			}
		})
	}
}

func makeRecord(id, owner string) *Record {
	return &Record{
		ID:          id,
		OwnerID:     owner,
		DataType:    "credentials",
		Sensitivity: "confidential",
		Ciphertext:  []byte{0x01, 0x02, 0x03},
		Nonce:       []byte{0x04, 0x05, 0x06},
		AuthTag:     []byte{0x07, 0x08, 0x09},
		KeySalt:     []byte{0x0a, 0x0b, 0x0c},
		CreatedAt:   time.Now().UTC().Truncate(time.Millisecond),
	}
}

func testRecordLifecycle(t *testing.T, store Store) {
	record := makeRecord("rec-1", "alice")
	require.NoError(t, store.SaveRecord(record))

	loaded, err := store.GetRecord("rec-1")
	require.NoError(t, err)
	require.Equal(t, record.OwnerID, loaded.OwnerID)
	require.Equal(t, record.Ciphertext, loaded.Ciphertext)
	require.Equal(t, record.Nonce, loaded.Nonce)
	require.Equal(t, record.AuthTag, loaded.AuthTag)
	require.Equal(t, record.KeySalt, loaded.KeySalt)

	_, err = store.GetRecord("missing")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.SaveRecord(makeRecord("rec-2", "bob")))
	records, err := store.ListRecords()
	require.NoError(t, err)
	require.Len(t, records, 2)

	require.NoError(t, store.DeleteRecord("rec-1"))
	_, err = store.GetRecord("rec-1")
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorIs(t, store.DeleteRecord("rec-1"), ErrNotFound)
}

func testKeysNewestFirst(t *testing.T, store Store) {
	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		require.NoError(t, store.SaveKey(&EncryptionKey{
			ID:        fmt.Sprintf("key-%d", i),
			RecordID:  "rec-1",
			Material:  []byte(fmt.Sprintf("material-%d", i)),
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}
	require.NoError(t, store.SaveKey(&EncryptionKey{
		ID:        "other",
		RecordID:  "rec-2",
		Material:  []byte("other"),
		CreatedAt: base,
	}))

	keys, err := store.KeysForRecord("rec-1")
	require.NoError(t, err)
	require.Len(t, keys, 3)
	require.Equal(t, "key-2", keys[0].ID, "newest key must come first")
	require.Equal(t, "key-0", keys[2].ID)

	keys, err = store.KeysForRecord("unknown")
	require.NoError(t, err)
	require.Empty(t, keys)

	// Deletion removes only the named record's keys and is idempotent
	require.NoError(t, store.DeleteKeysForRecord("rec-1"))
	keys, err = store.KeysForRecord("rec-1")
	require.NoError(t, err)
	require.Empty(t, keys)

	keys, err = store.KeysForRecord("rec-2")
	require.NoError(t, err)
	require.Len(t, keys, 1)

	require.NoError(t, store.DeleteKeysForRecord("rec-1"))
	require.NoError(t, store.DeleteKeysForRecord("never-existed"))
}

func testGrantLifecycle(t *testing.T, store Store) {
	now := time.Now().UTC().Truncate(time.Millisecond)
	grant := &AccessGrant{
		ID:        "grant-1",
		RecordID:  "rec-1",
		GrantorID: "alice",
		GranteeID: "bob",
		GrantedAt: now,
		Active:    true,
	}
	require.NoError(t, store.SaveGrant(grant))

	loaded, err := store.GetGrant("grant-1")
	require.NoError(t, err)
	require.True(t, loaded.Active)
	require.True(t, loaded.EffectiveAt(now))

	// Revocation is an update, not a delete
	loaded.Active = false
	loaded.RevokedAt = &now
	loaded.RevokedBy = "alice"
	require.NoError(t, store.SaveGrant(loaded))

	revoked, err := store.GetGrant("grant-1")
	require.NoError(t, err)
	require.False(t, revoked.Active)
	require.False(t, revoked.EffectiveAt(now))
	require.Equal(t, "alice", revoked.RevokedBy)

	grants, err := store.GrantsForRecord("rec-1")
	require.NoError(t, err)
	require.Len(t, grants, 1)

	_, err = store.GetGrant("missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func testAccessLogAppendOnly(t *testing.T, store Store) {
	now := time.Now().UTC().Truncate(time.Millisecond)
	for i := 0; i < 3; i++ {
		require.NoError(t, store.AppendAccessEntry(&AccessLogEntry{
			ID:          fmt.Sprintf("entry-%d", i),
			RecordID:    "rec-1",
			PrincipalID: "bob",
			AccessedAt:  now.Add(time.Duration(i) * time.Second),
			Purpose:     "user_request",
		}))
	}
	require.NoError(t, store.AppendAccessEntry(&AccessLogEntry{
		ID:          "entry-other",
		RecordID:    "rec-2",
		PrincipalID: "carol",
		AccessedAt:  now,
		Purpose:     "analytics",
	}))

	entries, err := store.AccessEntriesForRecord("rec-1")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	require.Equal(t, "entry-0", entries[0].ID)

	all, err := store.AccessEntriesForRecord("")
	require.NoError(t, err)
	require.Len(t, all, 4)
}

func testExportImport(t *testing.T, store Store) {
	require.NoError(t, store.SaveRecord(makeRecord("rec-1", "alice")))
	require.NoError(t, store.SaveKey(&EncryptionKey{
		ID:        "key-1",
		RecordID:  "rec-1",
		Material:  []byte("secret material"),
		CreatedAt: time.Now().UTC(),
	}))
	require.NoError(t, store.SaveGrant(&AccessGrant{
		ID: "grant-1", RecordID: "rec-1", GrantorID: "alice", GranteeID: "bob",
		GrantedAt: time.Now().UTC(), Active: true,
	}))
	require.NoError(t, store.AppendAccessEntry(&AccessLogEntry{
		ID: "entry-1", RecordID: "rec-1", PrincipalID: "bob",
		AccessedAt: time.Now().UTC(), Purpose: "user_request",
	}))

	snapshot, err := store.Export()
	require.NoError(t, err)
	require.Equal(t, SchemaVersion, snapshot.SchemaVersion)
	require.Len(t, snapshot.Records, 1)
	require.Len(t, snapshot.Grants, 1)
	require.Len(t, snapshot.AccessLog, 1)

	// Snapshots carry key references, never material
	require.Len(t, snapshot.Keys, 1)
	require.Equal(t, "key-1", snapshot.Keys[0].ID)

	// Mutate, then import the snapshot back
	require.NoError(t, store.SaveRecord(makeRecord("rec-2", "mallory")))
	require.NoError(t, store.Import(snapshot))

	records, err := store.ListRecords()
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "rec-1", records[0].ID)

	// Import must not touch stored key material
	keys, err := store.KeysForRecord("rec-1")
	require.NoError(t, err)
	require.Len(t, keys, 1)
	require.Equal(t, []byte("secret material"), keys[0].Material)
}

func testArchives(t *testing.T, store Store) {
	data := []byte("compressed archive bytes")
	require.NoError(t, store.WriteArchive("backup_a.json.gz", data))

	loaded, err := store.ReadArchive("backup_a.json.gz")
	require.NoError(t, err)
	require.Equal(t, data, loaded)

	_, err = store.ReadArchive("missing.json.gz")
	require.ErrorIs(t, err, ErrNotFound)

	require.Error(t, store.WriteArchive("../escape.gz", data))
	_, err = store.ReadArchive("../../etc/passwd")
	require.Error(t, err)

	require.NoError(t, store.DeleteArchive("backup_a.json.gz"))
	require.ErrorIs(t, store.DeleteArchive("backup_a.json.gz"), ErrNotFound)
}

func testBackupMetadata(t *testing.T, store Store) {
	meta := &BackupMetadata{
		ID:            "backup_2026-01-02T03-04-05-000Z",
		Timestamp:     time.Now().UTC().Truncate(time.Millisecond),
		Size:          4096,
		Kind:          "full",
		Compression:   "gzip",
		SchemaVersion: SchemaVersion,
		FormatVersion: "1.0",
		Checksum:      "abc123",
	}
	require.NoError(t, store.SaveBackupMetadata(meta))

	loaded, err := store.GetBackupMetadata(meta.ID)
	require.NoError(t, err)
	require.Equal(t, meta.Checksum, loaded.Checksum)
	require.Equal(t, meta.Size, loaded.Size)

	list, err := store.ListBackupMetadata()
	require.NoError(t, err)
	require.Len(t, list, 1)

	_, err = store.GetBackupMetadata("missing")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.DeleteBackupMetadata(meta.ID))
	require.ErrorIs(t, store.DeleteBackupMetadata(meta.ID), ErrNotFound)
}
