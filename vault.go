package custodia

import (
	"fmt"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"

	"southwinds.dev/custodia/audit"
	"southwinds.dev/custodia/internal/crypto"
	"southwinds.dev/custodia/internal/debug"
	"southwinds.dev/custodia/internal/mem"
	"southwinds.dev/custodia/persist"
)

// Initialize memguard in init function to ensure it's set up before any vault operation
func init() {
	memguard.CatchInterrupt()
}

// Vault stores encrypted records with per-record keys, enforces ownership
// and grant checks on reads, and appends a durable access log entry for
// every successful decrypt.
//
// All methods are safe for concurrent use. Mutations (Store, GrantAccess,
// RevokeAccess) are serialized against each other; a RevokeAccess racing a
// Retrieve resolves so the read sees the grant either fully active or fully
// revoked, never an intermediate state.
type Vault struct {
	store persist.Store
	keys  KeyProvider
	mu    sync.RWMutex

	// Memory protection
	memoryProtectionLevel mem.ProtectionLevel

	// Audit logging
	audit audit.Logger

	tenantID       string
	defaultPurpose string

	closed bool
}

// New creates a vault on the given storage backend.
//
// The store is owned by the caller and is not closed by Vault.Close. A nil
// keys argument selects the store-backed KeyProvider, which keeps key
// material in the same storage boundary as the ciphertext; pass a provider
// backed by an external key service to harden custody. A nil auditLogger
// selects the no-op logger.
//
// Initialization verifies storage connectivity and, when
// options.EnableMemoryLock is set, attempts to lock process memory so key
// material cannot be paged to disk. A failed lock is reported through the
// audit logger but is not fatal.
func New(options Options, store persist.Store, keys KeyProvider, auditLogger audit.Logger) (*Vault, error) {
	if err := options.Validate(); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if err := store.Ping(); err != nil {
		return nil, fmt.Errorf("storage backend is not reachable: %w", err)
	}
	if keys == nil {
		keys = NewStoreKeyProvider(store)
	}
	if auditLogger == nil {
		auditLogger = audit.NewNoOpLogger()
	}

	tenantID := options.TenantID
	if tenantID == "" {
		tenantID = "default"
	}

	v := &Vault{
		store:                 store,
		keys:                  keys,
		audit:                 auditLogger,
		tenantID:              tenantID,
		defaultPurpose:        options.DefaultPurpose,
		memoryProtectionLevel: mem.ProtectionNone,
	}

	if options.EnableMemoryLock {
		level, err := mem.Lock()
		v.memoryProtectionLevel = level
		if err != nil {
			_ = auditLogger.Log("memory_lock", false, map[string]interface{}{
				"error": err.Error(),
			})
		} else {
			debug.Print("vault: memory protection level %s\n", level)
		}
	}

	_ = auditLogger.Log("vault_open", true, map[string]interface{}{
		"tenant_id":         tenantID,
		"store_type":        store.GetType(),
		"memory_protection": v.memoryProtectionLevel.String(),
	})

	return v, nil
}

// MemoryProtectionLevel reports the protection achieved at construction.
func (v *Vault) MemoryProtectionLevel() mem.ProtectionLevel {
	return v.memoryProtectionLevel
}

// Store encrypts plaintext and persists it as a new record owned by ownerID.
//
// A fresh random password and salt are generated per record; the derived
// key encrypts the plaintext and the password is handed to the KeyProvider
// under the record's ID. The returned summary carries only non-sensitive
// fields; plaintext and key material are never returned.
func (v *Vault) Store(ownerID, dataType string, plaintext []byte, sensitivity Sensitivity) (*RecordSummary, error) {
	if ownerID == "" {
		return nil, fmt.Errorf("owner ID cannot be empty")
	}
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("plaintext cannot be empty")
	}
	if !sensitivity.Valid() {
		return nil, fmt.Errorf("invalid sensitivity level: %q", sensitivity)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return nil, fmt.Errorf("vault is closed")
	}

	password, err := crypto.GenerateSecurePassword(32)
	if err != nil {
		return nil, fmt.Errorf("failed to generate record password: %w", err)
	}
	salt, err := crypto.GenerateSalt()
	if err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	key, err := crypto.DeriveKey([]byte(password), salt)
	if err != nil {
		return nil, fmt.Errorf("key derivation failed: %w", err)
	}
	defer key.Destroy()

	nonce, ciphertext, tag, err := crypto.Encrypt(plaintext, key)
	if err != nil {
		return nil, fmt.Errorf("encryption failed: %w", err)
	}

	record := &persist.Record{
		ID:          uuid.NewString(),
		OwnerID:     ownerID,
		DataType:    dataType,
		Sensitivity: string(sensitivity),
		Ciphertext:  ciphertext,
		Nonce:       nonce,
		AuthTag:     tag,
		KeySalt:     salt,
		CreatedAt:   time.Now().UTC(),
	}

	if err = v.store.SaveRecord(record); err != nil {
		return nil, fmt.Errorf("failed to persist record: %w", err)
	}

	if _, err = v.keys.Create(record.ID, []byte(password)); err != nil {
		// A record without a key is undecryptable garbage; remove it
		if delErr := v.store.DeleteRecord(record.ID); delErr != nil {
			debug.Print("Store: failed to roll back record %s: %v\n", record.ID, delErr)
		}
		return nil, fmt.Errorf("failed to persist record key: %w", err)
	}

	_ = v.audit.Log("record_store", true, map[string]interface{}{
		"record_id":   record.ID,
		"owner_id":    ownerID,
		"data_type":   dataType,
		"sensitivity": string(sensitivity),
	})

	return &RecordSummary{
		ID:          record.ID,
		OwnerID:     record.OwnerID,
		DataType:    record.DataType,
		Sensitivity: sensitivity,
		CreatedAt:   record.CreatedAt,
	}, nil
}

// Retrieve decrypts a record on behalf of a principal, recording the access
// with the vault's default purpose. See RetrieveForPurpose.
func (v *Vault) Retrieve(recordID, principalID string) ([]byte, error) {
	return v.RetrieveForPurpose(recordID, principalID, "")
}

// RetrieveForPurpose decrypts a record on behalf of a principal.
//
// A principal other than the owner needs an active, unexpired grant for
// the record; otherwise the call fails with ErrAccessDenied. Every
// successful read appends exactly one access log entry, written durably
// before the plaintext is returned; if the entry cannot be written the
// read fails. Failed reads append nothing.
//
// Cryptographic failures surface as ErrAuthenticationFailed (tampered or
// mismatched ciphertext) or ErrDecryptionFailed and are fatal; retrying
// cannot succeed.
func (v *Vault) RetrieveForPurpose(recordID, principalID, purpose string) ([]byte, error) {
	if recordID == "" || principalID == "" {
		return nil, fmt.Errorf("record ID and principal ID are required")
	}
	if purpose == "" {
		purpose = v.defaultPurpose
	}

	v.mu.RLock()
	defer v.mu.RUnlock()

	if v.closed {
		return nil, fmt.Errorf("vault is closed")
	}

	record, err := v.store.GetRecord(recordID)
	if err != nil {
		if persist.IsNotFound(err) {
			return nil, fmt.Errorf("record %s: %w", recordID, ErrRecordNotFound)
		}
		return nil, fmt.Errorf("failed to load record: %w", err)
	}

	if record.OwnerID != principalID {
		authorized, err := v.hasEffectiveGrant(recordID, principalID)
		if err != nil {
			return nil, err
		}
		if !authorized {
			_ = v.audit.Log("access_denied", false, map[string]interface{}{
				"record_id":    recordID,
				"principal_id": principalID,
			})
			return nil, fmt.Errorf("principal %s has no effective grant for record %s: %w",
				principalID, recordID, ErrAccessDenied)
		}
	}

	plaintext, err := v.decryptRecord(record)
	if err != nil {
		_ = v.audit.Log("record_access", false, map[string]interface{}{
			"record_id":    recordID,
			"principal_id": principalID,
			"error":        err.Error(),
		})
		return nil, err
	}

	// The access log is the compliance control: it must be durable before
	// the plaintext leaves the vault
	entry := &persist.AccessLogEntry{
		ID:          uuid.NewString(),
		RecordID:    recordID,
		PrincipalID: principalID,
		AccessedAt:  time.Now().UTC(),
		Purpose:     purpose,
	}
	if err = v.store.AppendAccessEntry(entry); err != nil {
		return nil, fmt.Errorf("failed to write access log entry: %w", err)
	}

	_ = v.audit.Log("record_access", true, map[string]interface{}{
		"record_id":    recordID,
		"principal_id": principalID,
		"purpose":      purpose,
	})

	return plaintext, nil
}

func (v *Vault) hasEffectiveGrant(recordID, principalID string) (bool, error) {
	grants, err := v.store.GrantsForRecord(recordID)
	if err != nil {
		return false, fmt.Errorf("failed to load grants: %w", err)
	}
	now := time.Now().UTC()
	for _, g := range grants {
		if g.GranteeID == principalID && g.EffectiveAt(now) {
			return true, nil
		}
	}
	return false, nil
}

func (v *Vault) decryptRecord(record *persist.Record) ([]byte, error) {
	enclave, _, err := v.keys.Active(record.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to obtain record key: %w", err)
	}

	password, err := enclave.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open key enclave: %w", err)
	}
	defer password.Destroy()

	key, err := crypto.DeriveKey(password.Bytes(), record.KeySalt)
	if err != nil {
		return nil, fmt.Errorf("key derivation failed: %w", err)
	}
	defer key.Destroy()

	return crypto.Decrypt(record.Nonce, record.Ciphertext, record.AuthTag, key)
}

// GrantAccess creates an active grant allowing granteeID to decrypt the
// record. Fails with ErrNotOwner unless ownerID matches the record's owner.
// A nil expiresAt creates a grant with no expiry.
func (v *Vault) GrantAccess(recordID, ownerID, granteeID string, expiresAt *time.Time) (*persist.AccessGrant, error) {
	if recordID == "" || ownerID == "" || granteeID == "" {
		return nil, fmt.Errorf("record ID, owner ID and grantee ID are required")
	}
	if ownerID == granteeID {
		return nil, fmt.Errorf("owner already has access to their own records")
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return nil, fmt.Errorf("vault is closed")
	}

	record, err := v.store.GetRecord(recordID)
	if err != nil {
		if persist.IsNotFound(err) {
			return nil, fmt.Errorf("record %s: %w", recordID, ErrRecordNotFound)
		}
		return nil, fmt.Errorf("failed to load record: %w", err)
	}

	if record.OwnerID != ownerID {
		_ = v.audit.Log("grant_create", false, map[string]interface{}{
			"record_id":    recordID,
			"principal_id": ownerID,
			"error":        "not owner",
		})
		return nil, fmt.Errorf("principal %s does not own record %s: %w", ownerID, recordID, ErrNotOwner)
	}

	grant := &persist.AccessGrant{
		ID:        uuid.NewString(),
		RecordID:  recordID,
		GrantorID: ownerID,
		GranteeID: granteeID,
		GrantedAt: time.Now().UTC(),
		ExpiresAt: expiresAt,
		Active:    true,
	}
	if err = v.store.SaveGrant(grant); err != nil {
		return nil, fmt.Errorf("failed to persist grant: %w", err)
	}

	_ = v.audit.Log("grant_create", true, map[string]interface{}{
		"record_id":  recordID,
		"grant_id":   grant.ID,
		"grantor_id": ownerID,
		"grantee_id": granteeID,
	})

	return grant, nil
}

// RevokeAccess deactivates a grant and stamps revocation metadata. Only the
// original grantor or the record owner may revoke; anyone else gets
// ErrNotAuthorized. The grant record is kept for the audit trail, never
// deleted. Revoking an already-revoked grant is a no-op.
func (v *Vault) RevokeAccess(grantID, actingPrincipalID string) error {
	if grantID == "" || actingPrincipalID == "" {
		return fmt.Errorf("grant ID and acting principal ID are required")
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return fmt.Errorf("vault is closed")
	}

	grant, err := v.store.GetGrant(grantID)
	if err != nil {
		return fmt.Errorf("failed to load grant %s: %w", grantID, err)
	}

	record, err := v.store.GetRecord(grant.RecordID)
	if err != nil {
		return fmt.Errorf("failed to load record for grant %s: %w", grantID, err)
	}

	if actingPrincipalID != grant.GrantorID && actingPrincipalID != record.OwnerID {
		_ = v.audit.Log("grant_revoke", false, map[string]interface{}{
			"record_id":    grant.RecordID,
			"grant_id":     grantID,
			"principal_id": actingPrincipalID,
			"error":        "not authorized",
		})
		return fmt.Errorf("principal %s may not revoke grant %s: %w", actingPrincipalID, grantID, ErrNotAuthorized)
	}

	if !grant.Active {
		return nil
	}

	now := time.Now().UTC()
	grant.Active = false
	grant.RevokedAt = &now
	grant.RevokedBy = actingPrincipalID
	if err = v.store.SaveGrant(grant); err != nil {
		return fmt.Errorf("failed to persist revocation: %w", err)
	}

	_ = v.audit.Log("grant_revoke", true, map[string]interface{}{
		"record_id":    grant.RecordID,
		"grant_id":     grantID,
		"principal_id": actingPrincipalID,
	})

	return nil
}

// ListRecords returns non-sensitive summaries of all stored records.
func (v *Vault) ListRecords() ([]RecordSummary, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if v.closed {
		return nil, fmt.Errorf("vault is closed")
	}

	records, err := v.store.ListRecords()
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}

	summaries := make([]RecordSummary, 0, len(records))
	for _, r := range records {
		summaries = append(summaries, RecordSummary{
			ID:          r.ID,
			OwnerID:     r.OwnerID,
			DataType:    r.DataType,
			Sensitivity: Sensitivity(r.Sensitivity),
			CreatedAt:   r.CreatedAt,
		})
	}
	return summaries, nil
}

// AccessLog returns the access log entries for a record, oldest first. An
// empty recordID returns the whole log.
func (v *Vault) AccessLog(recordID string) ([]persist.AccessLogEntry, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if v.closed {
		return nil, fmt.Errorf("vault is closed")
	}

	return v.store.AccessEntriesForRecord(recordID)
}

// Close releases memory locks and closes the audit logger. The storage
// backend is owned by the caller and stays open. Close is idempotent.
func (v *Vault) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return nil
	}
	v.closed = true

	_ = v.audit.Log("vault_close", true, map[string]interface{}{
		"tenant_id": v.tenantID,
	})

	if v.memoryProtectionLevel == mem.ProtectionFull {
		if err := mem.Unlock(); err != nil {
			debug.Print("Close: failed to unlock memory: %v\n", err)
		}
	}

	return v.audit.Close()
}
