package custodia

import (
	"fmt"
	"time"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"

	"southwinds.dev/custodia/persist"
)

// KeyProvider is the custody boundary for symmetric key material. The vault
// depends only on this interface, never on raw key bytes held alongside
// ciphertext, so the provider can be swapped for an external KMS without
// touching vault logic.
//
// A subject is whatever the key protects: a record ID or a backup ID. A
// subject has exactly one key, created once; Create refuses a second key
// because silent rotation would strand ciphertext produced under the old key.
type KeyProvider interface {
	// Create stores key material for a subject and returns the key ID.
	// Fails if the subject already has a key.
	Create(subjectID string, material []byte) (string, error)

	// Active returns the newest key for a subject as a sealed enclave,
	// along with its key ID. Returns ErrRecordNotFound when the subject
	// has no key.
	Active(subjectID string) (*memguard.Enclave, string, error)

	// Destroy removes all key material held for a subject. A subject with
	// no key is not an error. Once destroyed, ciphertext produced under
	// the key is unrecoverable.
	Destroy(subjectID string) error
}

// storeKeyProvider keeps key material in the persistence layer. This mirrors
// the weak single-boundary custody model of a self-contained deployment;
// production hardening means replacing it with a provider backed by a
// separate trust boundary.
type storeKeyProvider struct {
	store persist.Store
}

// NewStoreKeyProvider returns a KeyProvider backed by the given store.
func NewStoreKeyProvider(store persist.Store) KeyProvider {
	return &storeKeyProvider{store: store}
}

func (p *storeKeyProvider) Create(subjectID string, material []byte) (string, error) {
	if subjectID == "" {
		return "", fmt.Errorf("subject ID cannot be empty")
	}
	if len(material) == 0 {
		return "", fmt.Errorf("key material cannot be empty")
	}

	existing, err := p.store.KeysForRecord(subjectID)
	if err != nil {
		return "", fmt.Errorf("failed to check existing keys: %w", err)
	}
	if len(existing) > 0 {
		return "", fmt.Errorf("subject %s already has a key", subjectID)
	}

	key := &persist.EncryptionKey{
		ID:        uuid.NewString(),
		RecordID:  subjectID,
		Material:  append([]byte(nil), material...),
		CreatedAt: time.Now().UTC(),
	}
	if err = p.store.SaveKey(key); err != nil {
		return "", fmt.Errorf("failed to save key: %w", err)
	}
	return key.ID, nil
}

func (p *storeKeyProvider) Active(subjectID string) (*memguard.Enclave, string, error) {
	keys, err := p.store.KeysForRecord(subjectID)
	if err != nil {
		return nil, "", fmt.Errorf("failed to load keys: %w", err)
	}
	if len(keys) == 0 {
		return nil, "", fmt.Errorf("no key for subject %s: %w", subjectID, ErrRecordNotFound)
	}

	// KeysForRecord returns newest first. NewEnclave wipes its input, so
	// seal a copy rather than the store's slice.
	newest := keys[0]
	material := append([]byte(nil), newest.Material...)
	return memguard.NewEnclave(material), newest.ID, nil
}

func (p *storeKeyProvider) Destroy(subjectID string) error {
	if subjectID == "" {
		return fmt.Errorf("subject ID cannot be empty")
	}
	if err := p.store.DeleteKeysForRecord(subjectID); err != nil {
		return fmt.Errorf("failed to delete keys: %w", err)
	}
	return nil
}
