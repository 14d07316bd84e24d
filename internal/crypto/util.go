package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/sheep-shaker/Shugo-sub004/internal/misc"
)

// ErrAuthentication marks ciphertext that failed AEAD verification: either
// the data was tampered with or the key is wrong. The two cases are
// cryptographically indistinguishable.
var ErrAuthentication = errors.New("message authentication failed")

// EncryptValue encrypts a value with ChaCha20-Poly1305 under a 256-bit key.
// The output is nonce || ciphertext+tag with a fresh random nonce per call.
func EncryptValue(value, key []byte) ([]byte, error) {
	if len(key) != misc.KeySize {
		return nil, fmt.Errorf("invalid key length: %d bytes (want %d)", len(key), misc.KeySize)
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	// Generate nonce
	nonce := make([]byte, aead.NonceSize())
	if _, err = rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	// Encrypt value
	ciphertext := aead.Seal(nil, nonce, value, nil)

	// Combine nonce and ciphertext
	encrypted := make([]byte, len(nonce)+len(ciphertext))
	copy(encrypted[:len(nonce)], nonce)
	copy(encrypted[len(nonce):], ciphertext)

	return encrypted, nil
}

// DecryptValue decrypts data produced by EncryptValue. Authentication
// failures are reported as errors, never as best-effort plaintext.
func DecryptValue(encryptedData, key []byte) ([]byte, error) {
	if len(key) != misc.KeySize {
		return nil, fmt.Errorf("invalid key length: %d bytes (want %d)", len(key), misc.KeySize)
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	if len(encryptedData) < aead.NonceSize()+aead.Overhead() {
		return nil, errors.New("encrypted data too short")
	}

	// Extract the nonce from the beginning of the encrypted data
	nonceSize := aead.NonceSize()
	nonce := encryptedData[:nonceSize]
	ciphertext := encryptedData[nonceSize:]

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthentication, err)
	}

	return plaintext, nil
}

// EncryptWithPassphrase encrypts data under a key derived from the given
// passphrase with PBKDF2 and a random per-call salt.
//
// Output layout: salt || nonce || ciphertext+tag.
func EncryptWithPassphrase(data, passphrase []byte) ([]byte, error) {
	salt := make([]byte, misc.BackupSaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	key := DeriveBackupKey(passphrase, salt)
	defer wipe(key)

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err = rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := aead.Seal(nil, nonce, data, nil)

	// Combine: salt + nonce + ciphertext
	result := make([]byte, len(salt)+len(nonce)+len(ciphertext))
	copy(result[:len(salt)], salt)
	copy(result[len(salt):len(salt)+len(nonce)], nonce)
	copy(result[len(salt)+len(nonce):], ciphertext)

	return result, nil
}

// DecryptWithPassphrase reverses EncryptWithPassphrase.
func DecryptWithPassphrase(encryptedData, passphrase []byte) ([]byte, error) {
	if len(encryptedData) < misc.BackupSaltSize+misc.NonceSize {
		return nil, errors.New("encrypted data too short")
	}

	// Extract components
	salt := encryptedData[:misc.BackupSaltSize]
	nonce := encryptedData[misc.BackupSaltSize : misc.BackupSaltSize+misc.NonceSize]
	ciphertext := encryptedData[misc.BackupSaltSize+misc.NonceSize:]

	key := DeriveBackupKey(passphrase, salt)
	defer wipe(key)

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthentication, err)
	}

	return plaintext, nil
}

// CalculateChecksum calculates SHA-256 checksum of data
func CalculateChecksum(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// IsWeakKey reports whether key material is obviously unsuitable:
// too short, constant, or with too little byte variety.
func IsWeakKey(key []byte) bool {
	if len(key) < misc.KeySize {
		return true
	}

	// Check for all zeros
	allZero := true
	for _, b := range key {
		if b != 0 {
			allZero = false
			break
		}
	}
	if allZero {
		return true
	}

	// Check for all same byte
	firstByte := key[0]
	allSame := true
	for _, b := range key[1:] {
		if b != firstByte {
			allSame = false
			break
		}
	}
	if allSame {
		return true
	}

	// Count unique bytes; real key material has reasonable variety
	uniqueBytes := make(map[byte]bool)
	for _, b := range key {
		uniqueBytes[b] = true
	}

	return len(uniqueBytes) < 16
}
