package shugo

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"

	"github.com/sheep-shaker/Shugo-sub004/audit"
	"github.com/sheep-shaker/Shugo-sub004/internal/crypto"
	"github.com/sheep-shaker/Shugo-sub004/internal/mem"
	"github.com/sheep-shaker/Shugo-sub004/persist"
)

func init() {
	memguard.CatchInterrupt()
}

// VaultState is the coarse lifecycle state of a vault instance.
//
// sealed      key material is absent from memory; only Initialize works.
// unsealed    normal operation.
// locked      too many failed Initialize attempts; only Reset clears it.
// maintenance normal operations suspended for a restore or migration.
type VaultState string

const (
	StateSealed      VaultState = "sealed"
	StateUnsealed    VaultState = "unsealed"
	StateLocked      VaultState = "locked"
	StateMaintenance VaultState = "maintenance"
)

// Protocol names recorded in the audit trail. Every security-sensitive
// operation logs exactly one event under its protocol name, success or
// failure. Routine per-payload encrypt/decrypt calls are not protocol
// events; they would drown the trail.
const (
	ProtocolInitialize         = "initialize"
	ProtocolSeal               = "seal"
	ProtocolRotateKey          = "rotate_key"
	ProtocolRotateSecret       = "rotate_secret"
	ProtocolRevokeKey          = "revoke_key"
	ProtocolRevokeSecret       = "revoke_secret"
	ProtocolStoreItem          = "store_item"
	ProtocolRetrieveItem       = "retrieve_item"
	ProtocolDeleteItem         = "delete_item"
	ProtocolEmergencyGenerate  = "emergency_generate"
	ProtocolEmergencyActivate  = "emergency_activate"
	ProtocolEmergencyValidate  = "emergency_validate"
	ProtocolEmergencyExhausted = "emergency_exhausted"
	ProtocolBackupCreate       = "backup_create"
	ProtocolBackupRestore      = "backup_restore"
	ProtocolBackupVerify       = "backup_verify"
	ProtocolMaintenanceEnter   = "maintenance_enter"
	ProtocolMaintenanceExit    = "maintenance_exit"
)

// maxInitializeAttempts is how many consecutive failed unseal attempts are
// tolerated before the vault locks itself.
const maxInitializeAttempts = 5

// accessGate bounds concurrently in-flight operations. Acquisition fails
// fast when the gate is full; callers never queue.
type accessGate struct {
	slots chan struct{}
}

func newAccessGate(limit int) *accessGate {
	return &accessGate{slots: make(chan struct{}, limit)}
}

func (g *accessGate) acquire() (*AccessToken, error) {
	select {
	case g.slots <- struct{}{}:
		return &AccessToken{gate: g}, nil
	default:
		return nil, ErrMaxConcurrentAccess
	}
}

func (g *accessGate) inFlight() int {
	return len(g.slots)
}

// AccessToken represents one admitted operation. Release is idempotent.
type AccessToken struct {
	gate *accessGate
	once sync.Once
}

func (t *AccessToken) Release() {
	if t == nil {
		return
	}
	t.once.Do(func() { <-t.gate.slots })
}

// Manager owns the vault lifecycle and the cipher operations. It holds the
// wrapping key and the two stores while unsealed, admits operations through
// the access gate, and records protocol events in the audit trail.
type Manager struct {
	mu    sync.RWMutex
	state VaultState

	options Options
	store   persist.Store
	audit   audit.Logger

	wrappingKey *memguard.Enclave
	keys        *KeyStore
	secrets     *SecretStore

	gate *accessGate

	// rotationMu serializes encryption against key rotation: Encrypt and
	// EncryptWithVersion hold it shared, rotation holds it exclusively while
	// re-encrypting and flipping the active key. Decrypt never takes it;
	// old ciphertext stays readable throughout a rotation.
	rotationMu sync.RWMutex

	memoryProtection mem.ProtectionLevel
	failedAttempts   int
	initializedAt    time.Time
}

func newManager(options Options, store persist.Store, auditLogger audit.Logger) (*Manager, error) {
	if err := options.Validate(); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}
	options = options.withDefaults()

	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if err := store.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to storage backend: %w", err)
	}

	if auditLogger == nil {
		auditLogger = audit.NewNoOpLogger()
	}

	m := &Manager{
		state:            StateSealed,
		options:          options,
		store:            store,
		audit:            auditLogger,
		gate:             newAccessGate(options.MaxConcurrentAccess),
		memoryProtection: mem.ProtectionNone,
	}

	if options.EnableMemoryLock {
		level, err := mem.Lock()
		if err != nil {
			// Enclave protection still applies; page locking is best effort.
			log.Printf("WARNING: cannot fully protect memory: %v", err)
		}
		m.memoryProtection = level
	}

	return m, nil
}

// resolveMasterKey produces a caller-owned copy of the master key from the
// configured source. The caller must wipe it.
func (m *Manager) resolveMasterKey() ([]byte, error) {
	if len(m.options.MasterKey) > 0 {
		out := make([]byte, len(m.options.MasterKey))
		copy(out, m.options.MasterKey)
		return out, nil
	}

	if m.options.EnvMasterKeyVar == "" {
		return nil, ErrMissingMasterKey
	}
	raw := os.Getenv(m.options.EnvMasterKeyVar)
	if raw == "" {
		return nil, fmt.Errorf("environment variable %s is empty: %w", m.options.EnvMasterKeyVar, ErrMissingMasterKey)
	}

	// Accept hex for keys produced by tooling; anything else is raw bytes.
	if decoded, err := hex.DecodeString(raw); err == nil && len(decoded) >= crypto.MinMasterKeyLength {
		return decoded, nil
	}
	return []byte(raw), nil
}

// Initialize unseals the vault: it derives the wrapping key from the master
// key and hydrates the keyring and secrets ledger, bootstrapping both on
// first use. A wrong master key surfaces as ErrInvalidMasterKey because the
// persisted keyring fails authentication during unwrap.
//
// Consecutive failures count toward the lockout ceiling; reaching it moves
// the vault to the locked state, where every further attempt returns
// ErrVaultLocked until Reset. A missing master key is a configuration
// problem, not an attack signal, and does not count.
func (m *Manager) Initialize() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	requestID := newRequestID()
	start := time.Now()

	switch m.state {
	case StateLocked:
		m.logProtocol(requestID, ProtocolInitialize, ErrVaultLocked, nil, start)
		return ErrVaultLocked
	case StateUnsealed, StateMaintenance:
		return ErrAlreadyInitialized
	}

	masterKey, err := m.resolveMasterKey()
	if err != nil {
		m.logProtocol(requestID, ProtocolInitialize, err, nil, start)
		return err
	}
	defer memguard.WipeBytes(masterKey)

	if len(masterKey) < crypto.MinMasterKeyLength {
		err = fmt.Errorf("master key must be at least %d bytes: %w", crypto.MinMasterKeyLength, ErrInvalidMasterKey)
		m.failedInitializeLocked(requestID, start, err)
		return err
	}
	if crypto.IsWeakKey(masterKey) {
		err = fmt.Errorf("master key failed entropy check: %w", ErrInvalidMasterKey)
		m.failedInitializeLocked(requestID, start, err)
		return err
	}

	wrapBuf, err := crypto.DeriveWrappingKey(masterKey)
	if err != nil {
		err = fmt.Errorf("key derivation failed: %w", ErrInvalidMasterKey)
		m.failedInitializeLocked(requestID, start, err)
		return err
	}
	wrappingKey := wrapBuf.Seal()

	keys, err := newKeyStore(m.store, wrappingKey, m.options.KeyRotationPeriod, m.options.KeyRotationGrace)
	if err != nil {
		if errors.Is(err, crypto.ErrAuthentication) {
			err = fmt.Errorf("keyring did not unwrap: %w", ErrInvalidMasterKey)
			m.failedInitializeLocked(requestID, start, err)
			return err
		}
		m.logProtocol(requestID, ProtocolInitialize, err, nil, start)
		return err
	}

	secrets, err := newSecretStore(m.store, wrappingKey, m.options.KeyRotationPeriod)
	if err != nil {
		if errors.Is(err, crypto.ErrAuthentication) {
			err = fmt.Errorf("secrets ledger did not unwrap: %w", ErrInvalidMasterKey)
			m.failedInitializeLocked(requestID, start, err)
			return err
		}
		m.logProtocol(requestID, ProtocolInitialize, err, nil, start)
		return err
	}

	m.wrappingKey = wrappingKey
	m.keys = keys
	m.secrets = secrets
	m.state = StateUnsealed
	m.failedAttempts = 0
	m.initializedAt = time.Now().UTC()

	fields := map[string]interface{}{
		audit.FieldActor: m.options.Actor,
	}
	if meta, metaErr := keys.ActiveKey(); metaErr == nil {
		fields[audit.FieldKeyVersion] = meta.Version
	}
	total, _ := keys.keyCount()
	fields["key_count"] = total

	m.logProtocol(requestID, ProtocolInitialize, nil, fields, start)
	return nil
}

func (m *Manager) failedInitializeLocked(requestID string, start time.Time, cause error) {
	m.failedAttempts++

	fields := map[string]interface{}{
		audit.FieldActor:  m.options.Actor,
		"failed_attempts": m.failedAttempts,
	}
	if m.failedAttempts >= maxInitializeAttempts {
		m.state = StateLocked
		fields[audit.FieldReason] = "failed attempt limit reached"
	}
	m.logProtocol(requestID, ProtocolInitialize, cause, fields, start)
}

// Reset clears the failure counter and returns a locked vault to sealed.
// It is an explicit administrative action, never automatic.
func (m *Manager) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateUnsealed || m.state == StateMaintenance {
		return fmt.Errorf("vault must be sealed before resetting the failure counter")
	}
	m.failedAttempts = 0
	m.state = StateSealed
	return nil
}

// Seal drops all key material from memory and returns the vault to the
// sealed state. It refuses while any operation is in flight or while
// maintenance is running, so no caller ever loses its keys mid-operation.
// Sealing a sealed vault is a no-op.
func (m *Manager) Seal() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateSealed || m.state == StateLocked {
		return nil
	}

	requestID := newRequestID()
	start := time.Now()

	if m.state == StateMaintenance {
		err := fmt.Errorf("maintenance in progress: %w", ErrActiveAccessInProgress)
		m.logProtocol(requestID, ProtocolSeal, err, nil, start)
		return err
	}
	if inFlight := m.gate.inFlight(); inFlight > 0 {
		err := fmt.Errorf("%d operations in flight: %w", inFlight, ErrActiveAccessInProgress)
		m.logProtocol(requestID, ProtocolSeal, err, nil, start)
		return err
	}

	m.keys.destroy()
	m.secrets.destroy()
	m.keys = nil
	m.secrets = nil
	m.wrappingKey = nil
	m.state = StateSealed
	runtime.GC()

	m.logProtocol(requestID, ProtocolSeal, nil, map[string]interface{}{
		audit.FieldActor: m.options.Actor,
	}, start)
	return nil
}

// EnterMaintenance suspends normal operations, keeping key material in
// memory. Used around restores. Refuses while operations are in flight and
// refuses to nest, so two maintenance-mode procedures cannot interleave.
func (m *Manager) EnterMaintenance(reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	requestID := newRequestID()
	start := time.Now()

	if m.state == StateMaintenance {
		err := fmt.Errorf("vault is already in maintenance mode")
		m.logProtocol(requestID, ProtocolMaintenanceEnter, err, nil, start)
		return err
	}
	if m.state != StateUnsealed {
		err := fmt.Errorf("vault is %s: %w", m.state, ErrSealed)
		m.logProtocol(requestID, ProtocolMaintenanceEnter, err, nil, start)
		return err
	}
	if inFlight := m.gate.inFlight(); inFlight > 0 {
		err := fmt.Errorf("%d operations in flight: %w", inFlight, ErrActiveAccessInProgress)
		m.logProtocol(requestID, ProtocolMaintenanceEnter, err, nil, start)
		return err
	}

	m.state = StateMaintenance
	m.logProtocol(requestID, ProtocolMaintenanceEnter, nil, map[string]interface{}{
		audit.FieldActor:  m.options.Actor,
		audit.FieldReason: reason,
	}, start)
	return nil
}

// ExitMaintenance resumes normal operations.
func (m *Manager) ExitMaintenance() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateMaintenance {
		return nil
	}

	requestID := newRequestID()
	start := time.Now()

	m.state = StateUnsealed
	m.logProtocol(requestID, ProtocolMaintenanceExit, nil, map[string]interface{}{
		audit.FieldActor: m.options.Actor,
	}, start)
	return nil
}

// acquire admits one operation: the vault must be unsealed and the gate must
// have a free slot. The returned token must be released.
func (m *Manager) acquire() (*AccessToken, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	switch m.state {
	case StateUnsealed:
	case StateLocked:
		return nil, ErrVaultLocked
	case StateMaintenance:
		return nil, ErrMaintenanceMode
	default:
		return nil, ErrSealed
	}

	return m.gate.acquire()
}

// keystore returns the live KeyStore. Valid only while the caller holds an
// access token or the rotation lock: both keep Seal out.
func (m *Manager) keystore() *KeyStore {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.keys
}

func (m *Manager) secretstore() *SecretStore {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.secrets
}

// Encrypt seals data under the active key and returns the versioned
// envelope. Empty payloads are legal; callers round-trip zero-length values.
func (m *Manager) Encrypt(data []byte) (string, error) {
	token, err := m.acquire()
	if err != nil {
		return "", err
	}
	defer token.Release()

	m.rotationMu.RLock()
	defer m.rotationMu.RUnlock()

	version, enclave, err := m.keystore().activeKeyEnclave()
	if err != nil {
		return "", err
	}
	return sealEnvelope(data, version, enclave)
}

// EncryptWithVersion seals data under a specific key version. The version
// must exist and not be revoked; deprecated versions are accepted so
// re-encryption flows can pin their outputs.
func (m *Manager) EncryptWithVersion(data []byte, version string) (string, error) {
	token, err := m.acquire()
	if err != nil {
		return "", err
	}
	defer token.Release()

	m.rotationMu.RLock()
	defer m.rotationMu.RUnlock()

	return m.encryptPinned(data, version)
}

// encryptPinned is the lock-free core of versioned encryption. Callers hold
// whatever admission and rotation locks their context requires.
func (m *Manager) encryptPinned(data []byte, version string) (string, error) {
	enclave, err := m.keystore().keyEnclave(version)
	if err != nil {
		return "", err
	}
	return sealEnvelope(data, version, enclave)
}

// Decrypt opens an envelope under whichever key version it names. It works
// during rotation: deprecated keys keep decrypting everything written under
// them.
func (m *Manager) Decrypt(envelope string) ([]byte, error) {
	token, err := m.acquire()
	if err != nil {
		return nil, err
	}
	defer token.Release()

	plaintext, _, err := m.decryptRaw(envelope)
	return plaintext, err
}

// decryptRaw opens an envelope without admission control, for callers that
// already hold a token or the rotation lock. It reports the key version the
// envelope was sealed under.
func (m *Manager) decryptRaw(envelope string) ([]byte, string, error) {
	version, payload, err := decodeEnvelope(envelope)
	if err != nil {
		return nil, "", err
	}

	enclave, err := m.keystore().keyEnclave(version)
	if err != nil {
		return nil, "", err
	}

	buf, err := enclave.Open()
	if err != nil {
		return nil, "", fmt.Errorf("failed to access key %s: %w", version, err)
	}
	defer buf.Destroy()

	plaintext, err := crypto.DecryptValue(payload, buf.Bytes())
	if err != nil {
		if errors.Is(err, crypto.ErrAuthentication) {
			return nil, "", fmt.Errorf("envelope under key %s: %w", version, ErrAuthenticationFailed)
		}
		return nil, "", err
	}
	return plaintext, version, nil
}

// Reencrypt opens an envelope and reseals its payload under the active key.
// The plaintext exists only inside this call and is wiped before returning.
func (m *Manager) Reencrypt(envelope string) (string, error) {
	token, err := m.acquire()
	if err != nil {
		return "", err
	}
	defer token.Release()

	m.rotationMu.RLock()
	defer m.rotationMu.RUnlock()

	plaintext, _, err := m.decryptRaw(envelope)
	if err != nil {
		return "", err
	}
	defer memguard.WipeBytes(plaintext)

	version, enclave, err := m.keystore().activeKeyEnclave()
	if err != nil {
		return "", err
	}
	return sealEnvelope(plaintext, version, enclave)
}

// sealEnvelope encrypts data under the key in the enclave and frames the
// result as a versioned envelope.
func sealEnvelope(data []byte, version string, enclave *memguard.Enclave) (string, error) {
	buf, err := enclave.Open()
	if err != nil {
		return "", fmt.Errorf("failed to access key %s: %w", version, err)
	}
	defer buf.Destroy()

	payload, err := crypto.EncryptValue(data, buf.Bytes())
	if err != nil {
		return "", err
	}
	return encodeEnvelope(version, payload)
}

// wrapContainer encrypts a persisted container under the wrapping key.
func (m *Manager) wrapContainer(plaintext []byte) ([]byte, error) {
	m.mu.RLock()
	wrappingKey := m.wrappingKey
	m.mu.RUnlock()

	if wrappingKey == nil {
		return nil, ErrSealed
	}

	buf, err := wrappingKey.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to access wrapping key: %w", err)
	}
	defer buf.Destroy()

	return crypto.EncryptValue(plaintext, buf.Bytes())
}

// unwrapContainer reverses wrapContainer.
func (m *Manager) unwrapContainer(wrapped []byte) ([]byte, error) {
	m.mu.RLock()
	wrappingKey := m.wrappingKey
	m.mu.RUnlock()

	if wrappingKey == nil {
		return nil, ErrSealed
	}

	buf, err := wrappingKey.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to access wrapping key: %w", err)
	}
	defer buf.Destroy()

	plaintext, err := crypto.DecryptValue(wrapped, buf.Bytes())
	if err != nil {
		if errors.Is(err, crypto.ErrAuthentication) {
			return nil, fmt.Errorf("container did not unwrap: %w", ErrAuthenticationFailed)
		}
		return nil, err
	}
	return plaintext, nil
}

// State returns the current lifecycle state.
func (m *Manager) State() VaultState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Status reports a point-in-time snapshot for operators.
func (m *Manager) Status() VaultStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := VaultStatus{
		State:            m.state,
		StoreType:        m.store.GetType(),
		MemoryProtection: m.memoryProtection.String(),
		FailedAttempts:   m.failedAttempts,
		InFlight:         m.gate.inFlight(),
		MaxConcurrent:    m.options.MaxConcurrentAccess,
	}

	if m.state != StateUnsealed && m.state != StateMaintenance {
		return status
	}

	initialized := m.initializedAt
	status.InitializedAt = &initialized

	if meta, err := m.keys.ActiveKey(); err == nil {
		status.ActiveKeyVersion = meta.Version
		expires := meta.ExpiresAt
		status.ActiveKeyExpiresAt = &expires
	}
	status.TotalKeys, status.DeprecatedKeys = m.keys.keyCount()
	status.SecretServers = m.secrets.serverCount()
	if needed, err := m.keys.CheckRotationNeeded(); err == nil {
		status.RotationNeeded = needed
	}

	return status
}

// HealthCheck verifies the store is reachable and, when unsealed, that a
// small payload survives an encrypt/decrypt round trip under the active key.
func (m *Manager) HealthCheck() error {
	if err := m.store.Ping(); err != nil {
		return fmt.Errorf("store unreachable: %w", err)
	}

	if m.State() != StateUnsealed {
		return nil
	}

	probe := []byte("health-probe")
	envelope, err := m.Encrypt(probe)
	if err != nil {
		return fmt.Errorf("encrypt probe failed: %w", err)
	}
	plaintext, err := m.Decrypt(envelope)
	if err != nil {
		return fmt.Errorf("decrypt probe failed: %w", err)
	}
	defer memguard.WipeBytes(plaintext)

	if !bytes.Equal(plaintext, probe) {
		return fmt.Errorf("probe round trip mismatch")
	}
	return nil
}

// MemoryProtection reports the page-locking level achieved at construction.
func (m *Manager) MemoryProtection() mem.ProtectionLevel {
	return m.memoryProtection
}

func (m *Manager) logProtocol(requestID, protocol string, err error, fields map[string]interface{}, start time.Time) {
	if m.audit == nil {
		return
	}
	if fields == nil {
		fields = make(map[string]interface{})
	}
	fields[audit.FieldRequestID] = requestID
	fields[audit.FieldDuration] = time.Since(start).Milliseconds()
	if err != nil {
		fields[audit.FieldError] = err.Error()
	}

	if logErr := m.audit.Log(protocol, err == nil, fields); logErr != nil {
		log.Printf("ERROR: audit logging failed for protocol %s: %v", protocol, logErr)
	}
}

func newRequestID() string {
	return "req-" + uuid.New().String()
}
