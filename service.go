package shugo

import (
	"errors"
	"fmt"
	mrand "math/rand"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	gocache "github.com/patrickmn/go-cache"

	"github.com/sheep-shaker/Shugo-sub004/audit"
	"github.com/sheep-shaker/Shugo-sub004/internal/mem"
	"github.com/sheep-shaker/Shugo-sub004/persist"
)

const (
	maxRetries = 3
	baseDelay  = 50 * time.Millisecond
	maxDelay   = 1 * time.Second
)

// Service is the orchestration facade over the vault: it binds the manager
// to durable storage, adds item storage with double encryption, emergency
// access tables, backups, and the security protocol log.
//
// A Service starts sealed. Initialize unseals it with the configured master
// key; Seal or Close drops key material again. All methods are safe for
// concurrent use; the manager's access gate bounds in-flight operations.
type Service struct {
	manager *Manager
	store   persist.Store
	audit   audit.Logger
	options Options

	// cache holds encrypted item envelopes keyed by item name. Plaintext is
	// never cached. Flushed on rotation and restore.
	cache *gocache.Cache

	// itemsMu serializes mutations of the items container within this
	// process; cross-process conflicts surface as concurrency errors and
	// are retried.
	itemsMu sync.Mutex
}

// RotationKind names what a rotation run replaced.
type RotationKind string

const (
	RotationDataKey       RotationKind = "data_key"
	RotationServerSecrets RotationKind = "server_secrets"
)

// RotationResult summarizes one completed rotation unit.
//
// For RotationServerSecrets, NewSecrets carries the freshly minted secret
// values keyed by server ID. This is the only time they are visible;
// distribute them before dropping the result.
type RotationResult struct {
	Kind          RotationKind      `json:"kind"`
	NewKeyVersion string            `json:"new_key_version,omitempty"`
	OldKeyVersion string            `json:"old_key_version,omitempty"`
	RotatedItems  int               `json:"rotated_items"`
	NewSecrets    map[string]string `json:"-"`
	CompletedAt   time.Time         `json:"completed_at"`
}

// New creates a vault service bound to the given store and audit logger.
// The service starts sealed; call Initialize to unseal it. A nil audit
// logger is replaced with a no-op implementation.
func New(options Options, store persist.Store, auditLogger audit.Logger) (*Service, error) {
	manager, err := newManager(options, store, auditLogger)
	if err != nil {
		return nil, err
	}

	return &Service{
		manager: manager,
		store:   store,
		audit:   manager.audit,
		options: manager.options,
		cache:   gocache.New(manager.options.CacheTTL, time.Minute),
	}, nil
}

// Initialize unseals the vault. See Manager.Initialize.
func (s *Service) Initialize() error {
	return s.manager.Initialize()
}

// Seal drops key material and flushes the read cache.
func (s *Service) Seal() error {
	if err := s.manager.Seal(); err != nil {
		return err
	}
	s.cache.Flush()
	return nil
}

// Reset clears the failed-attempt lockout. Administrative action.
func (s *Service) Reset() error {
	return s.manager.Reset()
}

// Close seals the vault and shuts down the audit logger. It refuses while
// operations are in flight, like Seal.
func (s *Service) Close() error {
	if err := s.Seal(); err != nil {
		return err
	}
	return s.audit.Close()
}

// Encrypt seals a payload under the active key.
func (s *Service) Encrypt(data []byte) (string, error) {
	return s.manager.Encrypt(data)
}

// EncryptWithVersion seals a payload under a pinned key version.
func (s *Service) EncryptWithVersion(data []byte, version string) (string, error) {
	return s.manager.EncryptWithVersion(data, version)
}

// Decrypt opens an envelope under the key version it names.
func (s *Service) Decrypt(envelope string) ([]byte, error) {
	return s.manager.Decrypt(envelope)
}

// Reencrypt reseals an envelope's payload under the active key.
func (s *Service) Reencrypt(envelope string) (string, error) {
	return s.manager.Reencrypt(envelope)
}

// GetStatus reports the operator snapshot.
func (s *Service) GetStatus() VaultStatus {
	return s.manager.Status()
}

// HealthCheck verifies storage and, when unsealed, a cipher round trip.
func (s *Service) HealthCheck() error {
	return s.manager.HealthCheck()
}

// MemoryProtection reports the achieved page-locking level.
func (s *Service) MemoryProtection() mem.ProtectionLevel {
	return s.manager.MemoryProtection()
}

// EnterMaintenance suspends normal operations without dropping keys.
func (s *Service) EnterMaintenance(reason string) error {
	return s.manager.EnterMaintenance(reason)
}

// ExitMaintenance resumes normal operations.
func (s *Service) ExitMaintenance() error {
	return s.manager.ExitMaintenance()
}

// ListKeys returns metadata for every key version.
func (s *Service) ListKeys() ([]KeyMetadata, error) {
	token, err := s.manager.acquire()
	if err != nil {
		return nil, err
	}
	defer token.Release()

	return s.manager.keystore().ListKeys(), nil
}

// CheckRotationNeeded reports whether the active key is inside its rotation
// grace window.
func (s *Service) CheckRotationNeeded() (bool, error) {
	token, err := s.manager.acquire()
	if err != nil {
		return false, err
	}
	defer token.Release()

	return s.manager.keystore().CheckRotationNeeded()
}

// RotateKey runs one rotation unit of the given kind. Kinds are a closed
// set; an unknown kind is an error, never a silent no-op.
func (s *Service) RotateKey(kind RotationKind, actor, reason string) (*RotationResult, error) {
	switch kind {
	case RotationDataKey:
		return s.rotateDataKey(actor, reason)
	case RotationServerSecrets:
		return s.rotateServerSecrets(actor, reason)
	default:
		return nil, fmt.Errorf("unknown rotation kind: %q", kind)
	}
}

// rotateDataKey rotates the data key as one atomic unit: generate a new key
// version, re-encrypt every stored item under it, persist them in a single
// container write, then activate the new version and demote the old.
//
// If any step fails before activation the staged key is revoked and the old
// key remains active; no item is ever persisted half-migrated because the
// container write is all-or-nothing. New Encrypt calls block for the
// duration; Decrypt proceeds throughout.
func (s *Service) rotateDataKey(actor, reason string) (*RotationResult, error) {
	requestID := newRequestID()
	start := time.Now()

	fields := map[string]interface{}{
		audit.FieldActor:  actorOrDefault(actor, s.options.Actor),
		audit.FieldReason: reason,
	}

	token, err := s.manager.acquire()
	if err != nil {
		s.manager.logProtocol(requestID, ProtocolRotateKey, err, fields, start)
		return nil, err
	}
	defer token.Release()

	s.manager.rotationMu.Lock()
	defer s.manager.rotationMu.Unlock()

	s.itemsMu.Lock()
	defer s.itemsMu.Unlock()

	keys := s.manager.keystore()

	oldMeta, err := keys.ActiveKey()
	if err != nil {
		s.manager.logProtocol(requestID, ProtocolRotateKey, err, fields, start)
		return nil, err
	}

	newMeta, err := keys.GenerateKey(false)
	if err != nil {
		s.manager.logProtocol(requestID, ProtocolRotateKey, err, fields, start)
		return nil, err
	}
	fields[audit.FieldKeyVersion] = newMeta.Version
	fields["previous_version"] = oldMeta.Version

	migrated, err := s.reencryptItemsPinned(newMeta.Version)
	if err != nil {
		// The staged key has nothing persisted under it; erase it so the
		// ring does not accumulate orphans. The old key stays active.
		if revokeErr := keys.RevokeKey(newMeta.Version); revokeErr != nil {
			err = fmt.Errorf("%w (staged key cleanup also failed: %v)", err, revokeErr)
		}
		s.manager.logProtocol(requestID, ProtocolRotateKey, err, fields, start)
		return nil, err
	}

	if _, err = keys.ActivateKey(newMeta.Version); err != nil {
		s.manager.logProtocol(requestID, ProtocolRotateKey, err, fields, start)
		return nil, err
	}

	s.cache.Flush()

	fields["reencrypted_items"] = migrated
	s.manager.logProtocol(requestID, ProtocolRotateKey, nil, fields, start)

	return &RotationResult{
		Kind:          RotationDataKey,
		NewKeyVersion: newMeta.Version,
		OldKeyVersion: oldMeta.Version,
		RotatedItems:  migrated,
		CompletedAt:   time.Now().UTC(),
	}, nil
}

// rotateServerSecrets mints a fresh secret for every server that currently
// holds a live one. Each server keeps its old secret as the previous slot
// for the usual grace window.
//
// On failure the returned result still carries the secrets rotated so far;
// they are not retrievable again, so distribute them before retrying.
func (s *Service) rotateServerSecrets(actor, reason string) (*RotationResult, error) {
	requestID := newRequestID()
	start := time.Now()

	fields := map[string]interface{}{
		audit.FieldActor:  actorOrDefault(actor, s.options.Actor),
		audit.FieldReason: reason,
	}

	token, err := s.manager.acquire()
	if err != nil {
		s.manager.logProtocol(requestID, ProtocolRotateSecret, err, fields, start)
		return nil, err
	}
	defer token.Release()

	secrets := s.manager.secretstore()
	result := &RotationResult{
		Kind:       RotationServerSecrets,
		NewSecrets: make(map[string]string),
	}

	for _, meta := range secrets.ListSecrets() {
		if meta.Status == SecretStatusRevoked {
			continue
		}
		value, rotateErr := secrets.RotateSecret(meta.ServerID)
		if rotateErr != nil {
			err = fmt.Errorf("failed to rotate secret for %s: %w", meta.ServerID, rotateErr)
			fields["rotated_servers"] = result.RotatedItems
			s.manager.logProtocol(requestID, ProtocolRotateSecret, err, fields, start)
			return result, err
		}
		result.NewSecrets[meta.ServerID] = value
		result.RotatedItems++
	}

	result.CompletedAt = time.Now().UTC()
	fields["rotated_servers"] = result.RotatedItems
	s.manager.logProtocol(requestID, ProtocolRotateSecret, nil, fields, start)
	return result, nil
}

// reencryptItemsPinned rewrites every stored item envelope under the given
// key version and persists the container once. Callers hold the rotation
// and items locks.
func (s *Service) reencryptItemsPinned(version string) (int, error) {
	vault, storeVersion, err := s.loadItemsContainer()
	if err != nil {
		return 0, err
	}
	if len(vault.Items) == 0 {
		return 0, nil
	}

	migrated := 0
	updated := make(map[string]storedItem, len(vault.Items))
	for name, item := range vault.Items {
		plaintext, _, decErr := s.manager.decryptRaw(item.Envelope)
		if decErr != nil {
			return 0, fmt.Errorf("failed to re-encrypt item %s: %w", name, decErr)
		}

		envelope, encErr := s.manager.encryptPinned(plaintext, version)
		memguard.WipeBytes(plaintext)
		if encErr != nil {
			return 0, fmt.Errorf("failed to re-encrypt item %s: %w", name, encErr)
		}

		item.Envelope = envelope
		item.Meta.KeyVersion = version
		updated[name] = item
		migrated++
	}
	vault.Items = updated

	if _, err = s.saveItemsContainer(vault, storeVersion); err != nil {
		return 0, err
	}
	return migrated, nil
}

// RotateSecret provisions a fresh shared secret for a satellite server and
// returns its hex encoding exactly once. The previous secret keeps
// validating until DiscardPreviousSecret or the next rotation.
func (s *Service) RotateSecret(serverID string) (string, error) {
	requestID := newRequestID()
	start := time.Now()

	fields := map[string]interface{}{
		audit.FieldActor: s.options.Actor,
		audit.FieldScope: serverID,
	}

	token, err := s.manager.acquire()
	if err != nil {
		s.manager.logProtocol(requestID, ProtocolRotateSecret, err, fields, start)
		return "", err
	}
	defer token.Release()

	secrets := s.manager.secretstore()
	value, err := secrets.RotateSecret(serverID)
	if err != nil {
		s.manager.logProtocol(requestID, ProtocolRotateSecret, err, fields, start)
		return "", err
	}

	if meta, metaErr := secrets.CurrentSecret(serverID); metaErr == nil {
		fields[audit.FieldSecretID] = meta.ID
	}
	s.manager.logProtocol(requestID, ProtocolRotateSecret, nil, fields, start)
	return value, nil
}

// ValidateSecret checks a candidate secret for a server. Mismatches are a
// normal outcome (SecretMatchNone, nil); only unknown or revoked servers
// error. Validation itself is not a protocol event.
func (s *Service) ValidateSecret(serverID string, candidate []byte) (SecretMatch, error) {
	token, err := s.manager.acquire()
	if err != nil {
		return SecretMatchNone, err
	}
	defer token.Release()

	return s.manager.secretstore().ValidateSecret(serverID, candidate)
}

// RevokeSecret erases a server's secret material.
func (s *Service) RevokeSecret(serverID string) error {
	requestID := newRequestID()
	start := time.Now()

	fields := map[string]interface{}{
		audit.FieldActor: s.options.Actor,
		audit.FieldScope: serverID,
	}

	token, err := s.manager.acquire()
	if err != nil {
		s.manager.logProtocol(requestID, ProtocolRevokeSecret, err, fields, start)
		return err
	}
	defer token.Release()

	err = s.manager.secretstore().RevokeSecret(serverID)
	s.manager.logProtocol(requestID, ProtocolRevokeSecret, err, fields, start)
	return err
}

// DiscardPreviousSecret ends a server's rotation grace window.
func (s *Service) DiscardPreviousSecret(serverID string) error {
	requestID := newRequestID()
	start := time.Now()

	fields := map[string]interface{}{
		audit.FieldActor:  s.options.Actor,
		audit.FieldScope:  serverID,
		audit.FieldReason: "grace window ended",
	}

	token, err := s.manager.acquire()
	if err != nil {
		s.manager.logProtocol(requestID, ProtocolRotateSecret, err, fields, start)
		return err
	}
	defer token.Release()

	err = s.manager.secretstore().DiscardPreviousSecret(serverID)
	s.manager.logProtocol(requestID, ProtocolRotateSecret, err, fields, start)
	return err
}

// ListSecrets returns current-slot metadata for every server.
func (s *Service) ListSecrets() ([]SecretMetadata, error) {
	token, err := s.manager.acquire()
	if err != nil {
		return nil, err
	}
	defer token.Release()

	return s.manager.secretstore().ListSecrets(), nil
}

// RevokeKey permanently erases a non-active key version.
func (s *Service) RevokeKey(version, actor, reason string) error {
	requestID := newRequestID()
	start := time.Now()

	fields := map[string]interface{}{
		audit.FieldActor:      actorOrDefault(actor, s.options.Actor),
		audit.FieldReason:     reason,
		audit.FieldKeyVersion: version,
	}

	token, err := s.manager.acquire()
	if err != nil {
		s.manager.logProtocol(requestID, ProtocolRevokeKey, err, fields, start)
		return err
	}
	defer token.Release()

	err = s.manager.keystore().RevokeKey(version)
	s.manager.logProtocol(requestID, ProtocolRevokeKey, err, fields, start)
	return err
}

// QueryAuditLog exposes the audit trail to operator tooling.
func (s *Service) QueryAuditLog(options audit.QueryOptions) (audit.QueryResult, error) {
	return s.audit.Query(options)
}

// withRetry executes fn, retrying with jittered exponential backoff when the
// failure is an optimistic-concurrency conflict.
func (s *Service) withRetry(operation string, fn func() error) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		var concErr persist.ConcurrencyError
		if !errors.As(err, &concErr) {
			return err
		}
		if attempt == maxRetries {
			return fmt.Errorf("operation %s failed after %d attempts due to concurrent modifications", operation, maxRetries+1)
		}

		delay := baseDelay * (1 << attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(float64(delay) * 0.25 * (2*mrand.Float64() - 1))
		time.Sleep(delay + jitter)
	}

	return fmt.Errorf("operation %s exhausted all retry attempts", operation)
}

func actorOrDefault(actor, fallback string) string {
	if actor != "" {
		return actor
	}
	return fallback
}
