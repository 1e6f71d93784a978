package persist

import (
	"errors"
	"time"
)

// ErrNotFound is returned by lookups for entities that do not exist. Backends
// wrap it so callers can test with errors.Is.
var ErrNotFound = errors.New("not found")

// IsNotFound reports whether err wraps ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// SchemaVersion identifies the shape of the persisted collections and of
// exported snapshots.
const SchemaVersion = "1.0"

// Record is a stored secret: ciphertext plus the cryptographic parameters
// needed to decrypt it. The nonce, ciphertext and authentication tag are
// written together in one entity so a record can never exist with only part
// of the triple.
type Record struct {
	ID          string    `json:"id"`
	OwnerID     string    `json:"owner_id"`
	DataType    string    `json:"data_type"`
	Sensitivity string    `json:"sensitivity"`
	Ciphertext  []byte    `json:"ciphertext"`
	Nonce       []byte    `json:"nonce"`
	AuthTag     []byte    `json:"auth_tag"`
	KeySalt     []byte    `json:"key_salt"`
	CreatedAt   time.Time `json:"created_at"`
}

// EncryptionKey is the key material used to produce one Record's ciphertext.
// It is persisted as its own entity so the custody boundary can be moved to a
// separate store without touching the record schema. Material is never
// included in snapshot exports.
type EncryptionKey struct {
	ID        string    `json:"id"`
	RecordID  string    `json:"record_id"`
	Material  []byte    `json:"material"`
	CreatedAt time.Time `json:"created_at"`
}

// KeyInfo is the exportable portion of an EncryptionKey: the reference
// without the material.
type KeyInfo struct {
	ID        string    `json:"id"`
	RecordID  string    `json:"record_id"`
	CreatedAt time.Time `json:"created_at"`
}

// AccessGrant is a revocable permission for a non-owner principal to decrypt
// a record. Revocation stamps metadata instead of deleting the row, so the
// grant history stays auditable.
type AccessGrant struct {
	ID        string     `json:"id"`
	RecordID  string     `json:"record_id"`
	GrantorID string     `json:"grantor_id"`
	GranteeID string     `json:"grantee_id"`
	GrantedAt time.Time  `json:"granted_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Active    bool       `json:"active"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
	RevokedBy string     `json:"revoked_by,omitempty"`
}

// EffectiveAt reports whether the grant authorizes access at the given time.
// An expired grant is treated as revoked even if no revocation was written.
func (g *AccessGrant) EffectiveAt(now time.Time) bool {
	if !g.Active {
		return false
	}
	if g.ExpiresAt != nil && now.After(*g.ExpiresAt) {
		return false
	}
	return true
}

// AccessLogEntry is one append-only audit row, written on every successful
// decrypt. Entries are never updated or deleted.
type AccessLogEntry struct {
	ID          string    `json:"id"`
	RecordID    string    `json:"record_id"`
	PrincipalID string    `json:"principal_id"`
	AccessedAt  time.Time `json:"accessed_at"`
	Purpose     string    `json:"purpose"`
}

// BackupMetadata describes one backup archive. It is persisted separately
// from the archive bytes and must be readable before the archive can be
// safely decoded. Checksum covers the final archive bytes as written, after
// compression and encryption.
type BackupMetadata struct {
	ID              string    `json:"id"`
	Timestamp       time.Time `json:"timestamp"`
	Size            int64     `json:"size"`
	Kind            string    `json:"kind"` // "full" or "incremental"
	EncryptionKeyID string    `json:"encryption_key_id,omitempty"`
	Compression     string    `json:"compression"`
	SchemaVersion   string    `json:"schema_version"`
	FormatVersion   string    `json:"format_version"`
	Checksum        string    `json:"checksum"`
	HasMedia        bool      `json:"has_media"`
	TenantID        string    `json:"tenant_id,omitempty"`
}

// Snapshot is a consistent export of all structured vault data. Keys appear
// only as references; the material stays under the key provider's custody
// and never enters an archive.
type Snapshot struct {
	SchemaVersion string           `json:"schema_version"`
	ExportedAt    time.Time        `json:"exported_at"`
	TenantID      string           `json:"tenant_id,omitempty"`
	Records       []Record         `json:"records"`
	Grants        []AccessGrant    `json:"grants"`
	AccessLog     []AccessLogEntry `json:"access_log"`
	Keys          []KeyInfo        `json:"keys"`
}

// Store is the persistence contract for vault data, grants, the access log,
// backup archives and backup metadata. Implementations must make Export a
// consistent point-in-time view and Import effectively atomic: a failed
// Import leaves the previous collections in place to the extent the backend
// allows.
type Store interface {
	// Records

	SaveRecord(record *Record) error
	GetRecord(id string) (*Record, error)
	ListRecords() ([]Record, error)
	DeleteRecord(id string) error

	// Encryption keys

	SaveKey(key *EncryptionKey) error

	// KeysForRecord returns the keys for a record ordered newest first.
	KeysForRecord(recordID string) ([]EncryptionKey, error)

	// DeleteKeysForRecord removes every key held for a record. Removing no
	// rows is not an error, so cleanup paths can call it unconditionally.
	DeleteKeysForRecord(recordID string) error

	// Grants

	SaveGrant(grant *AccessGrant) error
	GetGrant(id string) (*AccessGrant, error)
	GrantsForRecord(recordID string) ([]AccessGrant, error)

	// Access log (append-only; no update or delete exists on purpose)

	// AppendAccessEntry durably appends one audit row. It must not return
	// until the entry has been flushed to the backend.
	AppendAccessEntry(entry *AccessLogEntry) error
	AccessEntriesForRecord(recordID string) ([]AccessLogEntry, error)

	// Snapshots

	Export() (*Snapshot, error)
	Import(snapshot *Snapshot) error

	// Backup archives (opaque bytes, written atomically)

	WriteArchive(name string, data []byte) error
	ReadArchive(name string) ([]byte, error)
	DeleteArchive(name string) error

	// Backup metadata

	SaveBackupMetadata(meta *BackupMetadata) error
	GetBackupMetadata(backupID string) (*BackupMetadata, error)
	ListBackupMetadata() ([]BackupMetadata, error)
	DeleteBackupMetadata(backupID string) error

	// Health and utilities

	Ping() error
	Close() error
	GetType() string
}
