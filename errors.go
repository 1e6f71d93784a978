package custodia

import (
	"errors"

	"southwinds.dev/custodia/internal/crypto"
)

// Sentinel errors returned by vault and backup operations. Callers should
// match them with errors.Is since they are usually wrapped with context.
var (
	// ErrRecordNotFound is returned when the referenced record does not exist.
	ErrRecordNotFound = errors.New("record not found")

	// ErrBackupNotFound is returned when the referenced backup does not exist.
	ErrBackupNotFound = errors.New("backup not found")

	// ErrAccessDenied is returned when a principal is neither the owner of a
	// record nor the holder of an effective grant for it.
	ErrAccessDenied = errors.New("access denied")

	// ErrNotOwner is returned when a non-owner attempts an owner-only
	// operation such as granting access.
	ErrNotOwner = errors.New("principal is not the record owner")

	// ErrNotAuthorized is returned when a principal attempts to revoke a
	// grant they neither issued nor own the record for.
	ErrNotAuthorized = errors.New("principal is not authorized to revoke this grant")

	// ErrIntegrityCheckFailed is returned when a backup archive does not
	// match its recorded checksum.
	ErrIntegrityCheckFailed = errors.New("backup integrity check failed")

	// ErrBackupInProgress is returned when a backup is requested for a
	// location that already has one running.
	ErrBackupInProgress = errors.New("backup already in progress for this location")

	// ErrBackupBusy is returned when a restore or delete targets a backup
	// that another operation is currently using.
	ErrBackupBusy = errors.New("backup is in use by another operation")
)

// Re-exported crypto sentinels so callers do not need to import the internal
// crypto package to classify failures.
var (
	// ErrAuthenticationFailed indicates ciphertext authentication failure:
	// wrong key, or tampered nonce, ciphertext or tag.
	ErrAuthenticationFailed = crypto.ErrAuthenticationFailed

	// ErrDecryptionFailed indicates a decryption failure that is not an
	// authentication failure, such as malformed input framing.
	ErrDecryptionFailed = crypto.ErrDecryptionFailed
)
