package shugo

import (
	"fmt"
	"time"
)

// Options configures a vault service instance.
//
// The zero value is not usable: construction applies the documented defaults
// to any field left at zero, but the master key source must be decided by the
// caller. Sensitive fields carry `json:"-"` so an Options value can be echoed
// into logs or configuration dumps without leaking key material.
//
// MASTER KEY DELIVERY:
// The master key is never persisted by the vault. It arrives either directly
// (MasterKey, for callers that obtained it from a secret-injection system) or
// through a named environment variable (EnvMasterKeyVar, preferred for
// deployments where process arguments and config files are visible to
// operators). When both are set, MasterKey wins. Initialize derives the
// actual wrapping key from it with a slow KDF; losing the master key makes
// the stored keyring permanently unreadable.
//
// CONCURRENCY:
// MaxConcurrentAccess bounds simultaneously in-flight vault operations.
// Calls beyond the ceiling fail fast with ErrMaxConcurrentAccess instead of
// queueing, which bounds how much decrypted key material is ever resident.
//
// ROTATION POLICY:
// KeyRotationPeriod sets the expiry horizon stamped on new keys.
// KeyRotationGrace is the remaining-lifetime threshold below which
// CheckRotationNeeded starts answering true. Neither triggers rotation by
// itself; an external scheduler calls the rotation operation.
type Options struct {
	// MasterKey is the raw master key. Never serialized.
	MasterKey []byte `json:"-"`

	// EnvMasterKeyVar names an environment variable holding the master key
	// (hex or raw). Used when MasterKey is empty.
	EnvMasterKeyVar string `json:"env_master_key_var,omitempty"`

	// Actor identifies who drives this vault instance in audit events.
	// Defaults to "system".
	Actor string `json:"actor,omitempty"`

	// MaxConcurrentAccess bounds in-flight operations. Default 10.
	MaxConcurrentAccess int `json:"max_concurrent_access,omitempty"`

	// KeyRotationPeriod controls new-key expiry. Default 365 days.
	KeyRotationPeriod time.Duration `json:"key_rotation_period,omitempty"`

	// KeyRotationGrace is the remaining lifetime below which rotation is
	// recommended. Default 30 days.
	KeyRotationGrace time.Duration `json:"key_rotation_grace,omitempty"`

	// CacheTTL is the expiry of the read cache holding encrypted item
	// envelopes. Default 5 minutes. The cache never holds plaintext and is
	// flushed immediately on rotation or restore regardless of TTL.
	CacheTTL time.Duration `json:"cache_ttl,omitempty"`

	// MaxBackups is the retention ceiling; older backups are pruned after
	// each successful backup. Default 30.
	MaxBackups int `json:"max_backups,omitempty"`

	// EnableMemoryLock requests that the process locks its pages in RAM so
	// key material cannot be swapped to disk.
	EnableMemoryLock bool `json:"enable_memory_lock"`
}

const (
	defaultMaxConcurrentAccess = 10
	defaultKeyRotationPeriod   = 365 * 24 * time.Hour
	defaultKeyRotationGrace    = 30 * 24 * time.Hour
	defaultCacheTTL            = 5 * time.Minute
	defaultMaxBackups          = 30
)

// Validate checks the Options configuration.
func (o Options) Validate() error {
	if len(o.MasterKey) == 0 && o.EnvMasterKeyVar == "" {
		return fmt.Errorf("either MasterKey or EnvMasterKeyVar must be provided")
	}

	if o.EnvMasterKeyVar != "" && !isValidEnvVarName(o.EnvMasterKeyVar) {
		return fmt.Errorf("invalid environment variable name: %s", o.EnvMasterKeyVar)
	}

	if o.MaxConcurrentAccess < 0 {
		return fmt.Errorf("MaxConcurrentAccess cannot be negative")
	}

	if o.MaxBackups < 0 {
		return fmt.Errorf("MaxBackups cannot be negative")
	}

	return nil
}

// withDefaults returns a copy with zero-valued tunables replaced by defaults.
func (o Options) withDefaults() Options {
	if o.Actor == "" {
		o.Actor = "system"
	}
	if o.MaxConcurrentAccess == 0 {
		o.MaxConcurrentAccess = defaultMaxConcurrentAccess
	}
	if o.KeyRotationPeriod == 0 {
		o.KeyRotationPeriod = defaultKeyRotationPeriod
	}
	if o.KeyRotationGrace == 0 {
		o.KeyRotationGrace = defaultKeyRotationGrace
	}
	if o.CacheTTL == 0 {
		o.CacheTTL = defaultCacheTTL
	}
	if o.MaxBackups == 0 {
		o.MaxBackups = defaultMaxBackups
	}
	return o
}
