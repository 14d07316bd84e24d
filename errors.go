package shugo

import "errors"

// Error taxonomy for vault operations. Callers match with errors.Is; every
// failure path wraps one of these sentinels so the class of failure survives
// wrapping with call-site context.
var (
	// ErrSealed is returned when a cryptographic or store operation is
	// attempted while the vault is sealed, locked, or in maintenance.
	ErrSealed = errors.New("vault is sealed")

	// ErrVaultLocked is returned by Initialize after too many consecutive
	// failed unseal attempts. Only Reset clears it.
	ErrVaultLocked = errors.New("vault is locked")

	// ErrKeyNotFound is returned when a key version does not exist.
	ErrKeyNotFound = errors.New("key not found")

	// ErrKeyRevoked is returned when a key exists but its material has been
	// erased by an explicit revocation.
	ErrKeyRevoked = errors.New("key has been revoked")

	// ErrSecretNotFound is returned when no secret exists for a server.
	ErrSecretNotFound = errors.New("secret not found")

	// ErrSecretRevoked is returned when a server's secret has been revoked.
	ErrSecretRevoked = errors.New("secret has been revoked")

	// ErrAuthenticationFailed is returned when an AEAD tag does not verify:
	// tampering, the wrong key, or corruption. It is a security event, never
	// downgraded to a generic I/O error.
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrInvalidMasterKey is returned when the supplied master key is too
	// short or otherwise unusable.
	ErrInvalidMasterKey = errors.New("invalid master key")

	// ErrMissingMasterKey is returned when no master key was supplied.
	ErrMissingMasterKey = errors.New("missing master key")

	// ErrAlreadyInitialized is returned by Initialize when the vault is
	// already unsealed.
	ErrAlreadyInitialized = errors.New("vault already initialized")

	// ErrMaxConcurrentAccess is returned when the access gate is full.
	// Excess callers fail fast instead of queueing.
	ErrMaxConcurrentAccess = errors.New("maximum concurrent access reached")

	// ErrCodeNotFound is returned for an unknown emergency series or
	// position label.
	ErrCodeNotFound = errors.New("emergency code not found")

	// ErrCodeAlreadyUsed is returned when a single-use emergency code is
	// presented a second time.
	ErrCodeAlreadyUsed = errors.New("emergency code already used")

	// ErrInvalidEmergencyCode is the deliberately generic rejection for
	// emergency validation. It never reveals which check failed.
	ErrInvalidEmergencyCode = errors.New("invalid emergency code")

	// ErrBackupIntegrity is returned when a backup's checksum or structure
	// does not verify.
	ErrBackupIntegrity = errors.New("backup integrity check failed")

	// ErrCannotRevokeActiveKey is returned when revocation targets the
	// currently active key version.
	ErrCannotRevokeActiveKey = errors.New("cannot revoke active key")

	// ErrActiveAccessInProgress is returned by Seal and EnterMaintenance
	// while any access token is outstanding.
	ErrActiveAccessInProgress = errors.New("active access in progress")

	// ErrItemNotFound is returned when a vault item id does not exist.
	ErrItemNotFound = errors.New("item not found")

	// ErrMaintenanceMode is returned for normal operations while the vault
	// is held in maintenance, typically during a restore.
	ErrMaintenanceMode = errors.New("vault is in maintenance mode")
)
