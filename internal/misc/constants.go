package misc

const (
	// KeyDerivationIterations is the PBKDF2 iteration count for every
	// password-derived key. Lowering it breaks compatibility with data
	// already persisted.
	KeyDerivationIterations = 100_000

	// ChaCha20-Poly1305 key and nonce geometry
	KeySize   = 32
	NonceSize = 12

	// BackupSaltSize is the per-backup random salt length
	BackupSaltSize = 16

	// SecretValueSize is the length of a satellite server shared secret
	SecretValueSize = 64

	// Argon2id parameters for operator password hashing
	ArgonTime    uint32 = 4
	ArgonMemory  uint32 = 128 * 1024
	ArgonThreads uint8  = 4
	ArgonKeyLen  uint32 = 32

	FilePermissions = 0600 // user read + write
	DirPermissions  = 0700 // user read + write + execute
)
