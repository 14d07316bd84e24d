package shugo

import "time"

// VaultStatus is a point-in-time operator snapshot. Counts and versions are
// only populated while the vault is unsealed; a sealed vault reveals nothing
// about its contents.
type VaultStatus struct {
	State            VaultState `json:"state"`
	StoreType        string     `json:"store_type"`
	MemoryProtection string     `json:"memory_protection"`

	ActiveKeyVersion   string     `json:"active_key_version,omitempty"`
	ActiveKeyExpiresAt *time.Time `json:"active_key_expires_at,omitempty"`
	TotalKeys          int        `json:"total_keys,omitempty"`
	DeprecatedKeys     int        `json:"deprecated_keys,omitempty"`
	SecretServers      int        `json:"secret_servers,omitempty"`
	RotationNeeded     bool       `json:"rotation_needed,omitempty"`

	FailedAttempts int        `json:"failed_attempts,omitempty"`
	InFlight       int        `json:"in_flight"`
	MaxConcurrent  int        `json:"max_concurrent"`
	InitializedAt  *time.Time `json:"initialized_at,omitempty"`
}
