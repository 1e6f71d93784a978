package misc

import "os"

const (
	// Argon2id key derivation parameters, sized for an application server
	// rather than an interactive login path.
	ArgonTime    uint32 = 4
	ArgonMemory  uint32 = 128 * 1024
	ArgonThreads uint8  = 4
	ArgonKeyLen  uint32 = 32

	// SaltSize is the size in bytes of per-record derivation salts.
	SaltSize = 16

	// PassphraseSaltSize is the salt size for the passphrase-based
	// (whole-archive) encryption path.
	PassphraseSaltSize = 32

	// PassphraseIterations is the PBKDF2 iteration count for archive keys.
	PassphraseIterations = 100_000

	FilePermissions os.FileMode = 0600 // user read + write
	DirPermissions  os.FileMode = 0700
)
