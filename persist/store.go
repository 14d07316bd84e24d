package persist

import (
	"fmt"
	"time"
)

// VersionedData represents data with its version information
type VersionedData struct {
	Data      []byte
	Version   string // ETag, version number, or hash
	Timestamp time.Time
}

// Store defines the interface for persisting vault data.
// The vault owns three durable data planes (the keyring, the satellite
// secrets and the generic item collection) plus an independent backup
// area. All payloads handed to this interface are already encrypted by
// the vault layer; a store never sees plaintext and never needs to.
//
// Save operations take an expectedVersion for optimistic concurrency:
// pass the version obtained from the last load, or the empty string to
// overwrite unconditionally. A mismatch fails with ConcurrencyError.
type Store interface {

	// Keyring operations

	// SaveKeyring persists the encrypted keyring blob.
	// Parameters:
	// - encryptedKeyring: The keyring ciphertext to persist.
	// - expectedVersion: The version this write is based on, or "" to force.
	// Returns:
	// - The new version of the stored keyring.
	// - An error if the operation fails or the version check does not hold.
	SaveKeyring(encryptedKeyring []byte, expectedVersion string) (newVersion string, err error)

	// LoadKeyring retrieves the encrypted keyring blob.
	// Returns:
	// - The keyring ciphertext together with its version and timestamp.
	// - An error if the operation fails or no keyring exists.
	LoadKeyring() (*VersionedData, error)

	// KeyringExists checks if a keyring is present.
	KeyringExists() (bool, error)

	// Secrets operations

	// SaveSecrets persists the encrypted satellite-secrets blob.
	SaveSecrets(encryptedSecrets []byte, expectedVersion string) (newVersion string, err error)

	// LoadSecrets retrieves the encrypted satellite-secrets blob.
	// Returns:
	// - The secrets ciphertext together with its version and timestamp.
	// - An error if the operation fails or no secrets data exists.
	LoadSecrets() (*VersionedData, error)

	// SecretsExist checks if a secrets blob is present.
	SecretsExist() (bool, error)

	// Item operations

	// SaveItems persists the encrypted item collection.
	SaveItems(encryptedItems []byte, expectedVersion string) (newVersion string, err error)

	// LoadItems retrieves the encrypted item collection.
	LoadItems() (*VersionedData, error)

	// ItemsExist checks if an item collection is present.
	ItemsExist() (bool, error)

	// Backup operations

	// SaveBackup stores a backup record under the given name.
	// Parameters:
	// - name: A store-relative name for the backup (no extension).
	// - record: The backup record to persist.
	// Returns:
	// - An error if the operation fails.
	SaveBackup(name string, record *BackupRecord) error

	// LoadBackup retrieves a backup record by name.
	// Parameters:
	// - name: The name the backup was saved under.
	// Returns:
	// - The backup record.
	// - An error if the operation fails or the backup does not exist.
	LoadBackup(name string) (*BackupRecord, error)

	// ListBackups retrieves summaries of every stored backup, including
	// ones whose metadata can no longer be read (flagged invalid).
	ListBackups() ([]BackupRecordInfo, error)

	// DeleteBackup removes a backup by its backup ID.
	DeleteBackup(backupID string) error

	// Health and utilities

	// Ping tests connectivity for remote backends.
	Ping() error

	// Close releases any resources the store holds.
	Close() error

	// GetType returns the store type, e.g. "filesystem" or "s3".
	GetType() string
}

// BackupRecord is the outer, store-agnostic backup format. Everything
// sensitive lives inside EncryptedData; the remaining fields exist so a
// backup can be inventoried and integrity-checked without the backup key.
type BackupRecord struct {
	// BackupID uniquely identifies this backup across stores.
	BackupID string `json:"backup_id"`

	// Type records which planes the backup covers: "full", "keys_only"
	// or "secrets_only".
	Type string `json:"type"`

	// CreatedAt is the moment the backup payload was sealed.
	CreatedAt time.Time `json:"created_at"`

	// VaultVersion is the vault release that produced the backup.
	VaultVersion string `json:"vault_version"`

	// BackupVersion is the version of this container format.
	BackupVersion string `json:"backup_version"`

	// EncryptionMethod names the scheme protecting EncryptedData,
	// e.g. "pbkdf2-chacha20poly1305+gzip".
	EncryptionMethod string `json:"encryption_method"`

	// EncryptedData is the base64-encoded encrypted payload.
	EncryptedData string `json:"encrypted_data"`

	// Checksum is the SHA-256 hex digest of the raw (pre-base64)
	// encrypted payload. It detects corruption without the backup key.
	Checksum string `json:"checksum"`
}

// BackupRecordInfo holds the metadata of a stored backup that can be
// produced without decrypting it. Used for inventory and retention.
type BackupRecordInfo struct {
	BackupID         string    `json:"backup_id"`
	Type             string    `json:"type"`
	CreatedAt        time.Time `json:"created_at"`
	VaultVersion     string    `json:"vault_version"`
	BackupVersion    string    `json:"backup_version"`
	EncryptionMethod string    `json:"encryption_method"`
	Checksum         string    `json:"checksum"`

	// FileSize is the on-store size of the record in bytes.
	FileSize int64 `json:"file_size"`

	// IsValid reports whether the record could be read and its checksum
	// matched the encrypted payload.
	IsValid bool `json:"is_valid"`

	// StorePath is the store-specific location of the record.
	StorePath string `json:"store_path"`
}

// StoreConfig provides configuration for different storage backends.
//
// Example usage:
//
//	config := StoreConfig{
//	    Type:   StoreTypeFileSystem,
//	    Config: map[string]interface{}{"base_path": "/var/lib/shugo"},
//	}
type StoreConfig struct {
	// Type specifies the storage backend to be used.
	Type StoreType `json:"type"`

	// Config contains backend-specific settings. For StoreTypeS3 this
	// includes keys like "endpoint", "bucket" and credentials; for
	// StoreTypeFileSystem a "base_path".
	Config map[string]interface{} `json:"config"`
}

// StoreType represents the different types of storage backends that can be used.
type StoreType string

const (
	// StoreTypeFileSystem stores vault data under a local directory.
	StoreTypeFileSystem StoreType = "filesystem"

	// StoreTypeS3 stores vault data in an S3-compatible object store.
	StoreTypeS3 StoreType = "s3"
)

// ConcurrencyError represents version conflict errors
type ConcurrencyError struct {
	ExpectedVersion string
	ActualVersion   string
	Operation       string
}

func (e ConcurrencyError) Error() string {
	return fmt.Sprintf("version conflict in %s: expected version %s, but found %s",
		e.Operation, e.ExpectedVersion, e.ActualVersion)
}

func (e ConcurrencyError) IsConcurrencyError() bool {
	return true
}
