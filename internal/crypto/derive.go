package crypto

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/pbkdf2"

	"github.com/sheep-shaker/Shugo-sub004/internal/misc"
)

// wrappingKeySalt is deliberately fixed. The wrapping key must be
// reproducible from the master key alone after a restart, so the salt
// cannot be random per instance. Changing this value orphans every
// keyring already persisted.
var wrappingKeySalt = []byte("shugo/vault/wrapping-key/v1")

// MinMasterKeyLength is the smallest master key accepted for derivation.
const MinMasterKeyLength = 32

// DeriveWrappingKey stretches the master key into the 256-bit wrapping
// key used to encrypt the keyring and secrets at rest. The derived key
// is returned in a locked buffer and never touches unprotected memory.
func DeriveWrappingKey(masterKey []byte) (*memguard.LockedBuffer, error) {
	if len(masterKey) == 0 {
		return nil, errors.New("master key is empty")
	}
	if len(masterKey) < MinMasterKeyLength {
		return nil, fmt.Errorf("master key too short: %d bytes (minimum %d)", len(masterKey), MinMasterKeyLength)
	}

	derived := pbkdf2.Key(masterKey, wrappingKeySalt, misc.KeyDerivationIterations, misc.KeySize, sha256.New)

	protected := memguard.NewBufferFromBytes(derived)
	memguard.WipeBytes(derived)

	return protected, nil
}

// DeriveBackupKey stretches a backup passphrase with a per-backup random
// salt. Unlike the wrapping key, backups carry their salt alongside the
// ciphertext, so each backup gets a fresh one.
func DeriveBackupKey(passphrase, salt []byte) []byte {
	return pbkdf2.Key(passphrase, salt, misc.KeyDerivationIterations, misc.KeySize, sha256.New)
}
