package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/pbkdf2"

	"southwinds.dev/custodia/internal/misc"
)

// TagSize is the size of the Poly1305 authentication tag appended by Seal.
const TagSize = chacha20poly1305.Overhead

// NonceSize is the size of the ChaCha20-Poly1305 nonce.
const NonceSize = chacha20poly1305.NonceSize

var (
	// ErrAuthenticationFailed indicates the authentication tag did not verify:
	// the ciphertext or tag was tampered with, or the wrong key was used.
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrDecryptionFailed indicates a cryptographic failure other than tag
	// verification (malformed input, cipher setup).
	ErrDecryptionFailed = errors.New("decryption failed")
)

// DeriveKey stretches a password and salt into a 256-bit key using Argon2id.
// The derived key is returned in a locked buffer; the caller must Destroy it.
// Identical inputs always produce the identical key.
func DeriveKey(password, salt []byte) (*memguard.LockedBuffer, error) {
	if len(password) == 0 {
		return nil, errors.New("password cannot be empty")
	}
	if len(salt) == 0 {
		return nil, errors.New("salt cannot be empty")
	}

	derived := argon2.IDKey(
		password,
		salt,
		misc.ArgonTime,
		misc.ArgonMemory,
		misc.ArgonThreads,
		misc.ArgonKeyLen,
	)

	// Move the key into protected memory and wipe the unprotected copy
	protected := memguard.NewBufferFromBytes(derived)
	memguard.WipeBytes(derived)

	return protected, nil
}

// Encrypt seals plaintext under key with ChaCha20-Poly1305. A fresh random
// nonce is generated on every call; callers cannot supply one, which rules out
// nonce reuse by construction. The authentication tag is returned separately
// from the ciphertext so storage layers can enforce the all-or-nothing
// invariant on (nonce, ciphertext, tag).
func Encrypt(plaintext []byte, key *memguard.LockedBuffer) (nonce, ciphertext, tag []byte, err error) {
	if len(plaintext) == 0 {
		return nil, nil, nil, errors.New("empty plaintext")
	}

	aead, err := chacha20poly1305.New(key.Bytes())
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	nonce = make([]byte, aead.NonceSize())
	if _, err = rand.Read(nonce); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := aead.Seal(nil, nonce, plaintext, nil)

	// Seal appends the tag to the ciphertext; split them apart
	split := len(sealed) - TagSize
	ciphertext = sealed[:split:split]
	tag = sealed[split:]

	return nonce, ciphertext, tag, nil
}

// Decrypt opens a (nonce, ciphertext, tag) triple produced by Encrypt.
// A tag verification failure returns ErrAuthenticationFailed; any other
// cryptographic problem returns ErrDecryptionFailed. Both are terminal for
// the calling operation.
func Decrypt(nonce, ciphertext, tag []byte, key *memguard.LockedBuffer) ([]byte, error) {
	if len(nonce) != NonceSize {
		return nil, fmt.Errorf("%w: invalid nonce size %d", ErrDecryptionFailed, len(nonce))
	}
	if len(tag) != TagSize {
		return nil, fmt.Errorf("%w: invalid tag size %d", ErrDecryptionFailed, len(tag))
	}

	aead, err := chacha20poly1305.New(key.Bytes())
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create cipher: %v", ErrDecryptionFailed, err)
	}

	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		// chacha20poly1305 reports all open failures as authentication errors
		return nil, fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}

	return plaintext, nil
}

// GenerateSecurePassword returns length characters of cryptographically random
// material, base64-encoded so it is printable.
func GenerateSecurePassword(length int) (string, error) {
	if length <= 0 {
		return "", errors.New("password length must be positive")
	}

	raw := make([]byte, length)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate random material: %w", err)
	}

	encoded := base64.RawStdEncoding.EncodeToString(raw)
	return encoded[:length], nil
}

// GenerateSalt returns a fresh random derivation salt.
func GenerateSalt() ([]byte, error) {
	salt := make([]byte, misc.SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	return salt, nil
}

// EncryptWithPassphrase encrypts data under a passphrase using
// PBKDF2-SHA256 + ChaCha20-Poly1305. Output framing: salt || nonce || sealed.
// Used for whole-archive encryption where the key is not per-record.
func EncryptWithPassphrase(data []byte, passphrase string) ([]byte, error) {
	if passphrase == "" {
		return nil, errors.New("passphrase cannot be empty")
	}

	salt := make([]byte, misc.PassphraseSaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	key := pbkdf2.Key([]byte(passphrase), salt, misc.PassphraseIterations, 32, sha256.New)
	defer memguard.WipeBytes(key)

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err = rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := aead.Seal(nil, nonce, data, nil)

	out := make([]byte, 0, len(salt)+len(nonce)+len(sealed))
	out = append(out, salt...)
	out = append(out, nonce...)
	out = append(out, sealed...)
	return out, nil
}

// DecryptWithPassphrase reverses EncryptWithPassphrase. Tag verification
// failures (wrong passphrase, tampering) return ErrAuthenticationFailed.
func DecryptWithPassphrase(encrypted []byte, passphrase string) ([]byte, error) {
	minLen := misc.PassphraseSaltSize + NonceSize + TagSize
	if len(encrypted) < minLen {
		return nil, fmt.Errorf("%w: encrypted data too short", ErrDecryptionFailed)
	}

	salt := encrypted[:misc.PassphraseSaltSize]
	nonce := encrypted[misc.PassphraseSaltSize : misc.PassphraseSaltSize+NonceSize]
	sealed := encrypted[misc.PassphraseSaltSize+NonceSize:]

	key := pbkdf2.Key([]byte(passphrase), salt, misc.PassphraseIterations, 32, sha256.New)
	defer memguard.WipeBytes(key)

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create cipher: %v", ErrDecryptionFailed, err)
	}

	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}

	return plaintext, nil
}

// CalculateChecksum returns the SHA-256 checksum of data as a hex string.
func CalculateChecksum(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}
