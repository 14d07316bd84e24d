package shugo

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"

	"github.com/sheep-shaker/Shugo-sub004/internal/crypto"
	"github.com/sheep-shaker/Shugo-sub004/internal/debug"
	"github.com/sheep-shaker/Shugo-sub004/internal/misc"
	"github.com/sheep-shaker/Shugo-sub004/persist"
)

// SecretStatus tracks a shared secret through its lifecycle. A fresh secret
// is pending until its first successful validation proves the satellite
// received it; the predecessor rides out the grace window as rotating.
type SecretStatus string

const (
	SecretStatusPending  SecretStatus = "pending"
	SecretStatusActive   SecretStatus = "active"
	SecretStatusRotating SecretStatus = "rotating"
	SecretStatusRevoked  SecretStatus = "revoked"
)

// SecretMatch reports which slot a candidate secret matched, so callers can
// prompt satellites still presenting the previous secret to refresh.
type SecretMatch int

const (
	SecretMatchNone SecretMatch = iota
	SecretMatchCurrent
	SecretMatchPrevious
)

func (m SecretMatch) String() string {
	switch m {
	case SecretMatchCurrent:
		return "current"
	case SecretMatchPrevious:
		return "previous"
	default:
		return "none"
	}
}

// SecretMetadata describes one generation of a satellite server's shared
// secret. The value itself is 64 bytes in a memory enclave and is returned
// in cleartext exactly once, by the rotation that created it.
type SecretMetadata struct {
	ID          string       `json:"id"`
	ServerID    string       `json:"server_id"`
	Status      SecretStatus `json:"status"`
	CreatedAt   time.Time    `json:"created_at"`
	ExpiresAt   time.Time    `json:"expires_at"`
	LastUsedAt  *time.Time   `json:"last_used_at,omitempty"`
	RotatedFrom string       `json:"rotated_from,omitempty"`
}

type secretRecord struct {
	meta  SecretMetadata
	value *memguard.Enclave
}

// serverSecretSlots is the explicit two-slot transition structure: the
// current secret plus, during a rotation grace window, its predecessor.
type serverSecretSlots struct {
	current  *secretRecord
	previous *secretRecord
}

// Persisted container shapes. Secret values are wrapped under the vault
// wrapping key before the container is itself wrapped and stored.
type secretEntry struct {
	Meta           SecretMetadata `json:"meta"`
	EncryptedValue []byte         `json:"encrypted_value,omitempty"`
}

type serverSecretsEntry struct {
	Current  *secretEntry `json:"current,omitempty"`
	Previous *secretEntry `json:"previous,omitempty"`
}

type secretsLedger struct {
	Version int                           `json:"version"`
	Servers map[string]serverSecretsEntry `json:"servers"`
}

const secretsLedgerFormatVersion = 1

// SecretStore is the versioned repository of shared authentication secrets,
// keyed by satellite server identity.
type SecretStore struct {
	mu           sync.RWMutex
	store        persist.Store
	wrappingKey  *memguard.Enclave
	servers      map[string]*serverSecretSlots
	storeVersion string
	secretLife   time.Duration
}

func newSecretStore(store persist.Store, wrappingKey *memguard.Enclave, secretLife time.Duration) (*SecretStore, error) {
	if wrappingKey == nil {
		return nil, fmt.Errorf("wrapping key not initialized")
	}

	ss := &SecretStore{
		store:       store,
		wrappingKey: wrappingKey,
		servers:     make(map[string]*serverSecretSlots),
		secretLife:  secretLife,
	}

	exists, err := store.SecretsExist()
	if err != nil {
		return nil, fmt.Errorf("failed to check for existing secrets: %w", err)
	}
	if exists {
		if err = ss.load(); err != nil {
			return nil, err
		}
	}

	return ss, nil
}

func (ss *SecretStore) load() error {
	versioned, err := ss.store.LoadSecrets()
	if err != nil {
		return fmt.Errorf("failed to load secrets: %w", err)
	}

	wrapBuf, err := ss.wrappingKey.Open()
	if err != nil {
		return fmt.Errorf("failed to access wrapping key: %w", err)
	}
	defer wrapBuf.Destroy()

	ledgerJSON, err := crypto.DecryptValue(versioned.Data, wrapBuf.Bytes())
	if err != nil {
		return fmt.Errorf("failed to unwrap secrets: %w", err)
	}
	defer memguard.WipeBytes(ledgerJSON)

	var ledger secretsLedger
	if err = json.Unmarshal(ledgerJSON, &ledger); err != nil {
		return fmt.Errorf("failed to parse secrets ledger: %w", err)
	}

	servers := make(map[string]*serverSecretSlots, len(ledger.Servers))
	for serverID, entry := range ledger.Servers {
		slots := &serverSecretSlots{}

		if entry.Current != nil {
			record, recErr := hydrateSecretRecord(entry.Current, wrapBuf.Bytes())
			if recErr != nil {
				return fmt.Errorf("server %s: %w", serverID, recErr)
			}
			slots.current = record
		}
		if entry.Previous != nil {
			record, recErr := hydrateSecretRecord(entry.Previous, wrapBuf.Bytes())
			if recErr != nil {
				return fmt.Errorf("server %s: %w", serverID, recErr)
			}
			slots.previous = record
		}

		servers[serverID] = slots
	}

	ss.servers = servers
	ss.storeVersion = versioned.Version

	debug.Print("Secrets ledger loaded: %d servers\n", len(ss.servers))
	return nil
}

func hydrateSecretRecord(entry *secretEntry, wrapKey []byte) (*secretRecord, error) {
	record := &secretRecord{meta: entry.Meta}

	// Revoked secrets have no material
	if len(entry.EncryptedValue) == 0 {
		return record, nil
	}

	value, err := crypto.DecryptValue(entry.EncryptedValue, wrapKey)
	if err != nil {
		return nil, fmt.Errorf("failed to unwrap secret %s: %w", entry.Meta.ID, err)
	}
	record.value = memguard.NewEnclave(value)
	return record, nil
}

// RotateSecret generates a fresh 64-byte secret for a satellite server and
// returns its hex encoding. This is the only time the value is ever visible
// in cleartext: it cannot be retrieved again through any path.
//
// The previous secret, if any, moves into the grace slot with status
// rotating, so in-flight satellites presenting it keep validating until
// DiscardPreviousSecret or the next rotation. A server with no prior secret
// is provisioned by its first rotation.
func (ss *SecretStore) RotateSecret(serverID string) (string, error) {
	if err := validateServerID(serverID); err != nil {
		return "", err
	}

	ss.mu.Lock()
	defer ss.mu.Unlock()

	slots := ss.servers[serverID]
	if slots == nil {
		slots = &serverSecretSlots{}
	}

	value := make([]byte, misc.SecretValueSize)
	if _, err := rand.Read(value); err != nil {
		return "", fmt.Errorf("failed to generate secret value: %w", err)
	}
	if crypto.IsWeakKey(value) {
		memguard.WipeBytes(value)
		return "", fmt.Errorf("generated secret failed entropy check")
	}

	now := time.Now().UTC()
	meta := SecretMetadata{
		ID:        uuid.New().String(),
		ServerID:  serverID,
		Status:    SecretStatusPending,
		CreatedAt: now,
		ExpiresAt: now.Add(ss.secretLife),
	}

	staged := &serverSecretSlots{}
	if slots.current != nil && slots.current.meta.Status != SecretStatusRevoked {
		demoted := *slots.current
		demoted.meta.Status = SecretStatusRotating
		staged.previous = &demoted
		meta.RotatedFrom = demoted.meta.ID
	}

	encoded := hex.EncodeToString(value)
	staged.current = &secretRecord{meta: meta, value: memguard.NewEnclave(value)}

	if err := ss.persistLocked(serverID, staged); err != nil {
		return "", err
	}

	ss.servers[serverID] = staged
	runtime.GC()
	return encoded, nil
}

// ValidateSecret checks a candidate value (raw bytes, decoded from whatever
// transport encoding carried it) against the server's current secret, then
// against the grace-window predecessor. Comparison is constant time in both
// slots. A mismatch is a normal outcome, reported as SecretMatchNone with no
// error; errors are reserved for unknown or revoked servers.
//
// The first successful match against a pending secret promotes it to active.
func (ss *SecretStore) ValidateSecret(serverID string, candidate []byte) (SecretMatch, error) {
	if err := validateServerID(serverID); err != nil {
		return SecretMatchNone, err
	}

	ss.mu.Lock()
	defer ss.mu.Unlock()

	slots := ss.servers[serverID]
	if slots == nil || slots.current == nil {
		return SecretMatchNone, fmt.Errorf("server %s: %w", serverID, ErrSecretNotFound)
	}
	if slots.current.meta.Status == SecretStatusRevoked {
		return SecretMatchNone, fmt.Errorf("server %s: %w", serverID, ErrSecretRevoked)
	}

	now := time.Now().UTC()

	match, err := secretMatches(slots.current, candidate)
	if err != nil {
		return SecretMatchNone, err
	}
	if match {
		slots.current.meta.LastUsedAt = &now
		if slots.current.meta.Status == SecretStatusPending {
			slots.current.meta.Status = SecretStatusActive
		}
		if err = ss.persistLocked(serverID, slots); err != nil {
			return SecretMatchNone, err
		}
		return SecretMatchCurrent, nil
	}

	if slots.previous != nil && slots.previous.value != nil {
		match, err = secretMatches(slots.previous, candidate)
		if err != nil {
			return SecretMatchNone, err
		}
		if match {
			slots.previous.meta.LastUsedAt = &now
			if err = ss.persistLocked(serverID, slots); err != nil {
				return SecretMatchNone, err
			}
			return SecretMatchPrevious, nil
		}
	}

	return SecretMatchNone, nil
}

func secretMatches(record *secretRecord, candidate []byte) (bool, error) {
	if record.value == nil {
		return false, nil
	}

	buf, err := record.value.Open()
	if err != nil {
		return false, fmt.Errorf("failed to access secret value: %w", err)
	}
	defer buf.Destroy()

	return crypto.ConstantTimeCompare(buf.Bytes(), candidate), nil
}

// RevokeSecret erases a server's secret material and discards any grace
// predecessor. Revocation is idempotent.
func (ss *SecretStore) RevokeSecret(serverID string) error {
	if err := validateServerID(serverID); err != nil {
		return err
	}

	ss.mu.Lock()
	defer ss.mu.Unlock()

	slots := ss.servers[serverID]
	if slots == nil || slots.current == nil {
		return fmt.Errorf("server %s: %w", serverID, ErrSecretNotFound)
	}
	if slots.current.meta.Status == SecretStatusRevoked {
		return nil
	}

	staged := &serverSecretSlots{
		current: &secretRecord{meta: slots.current.meta},
	}
	staged.current.meta.Status = SecretStatusRevoked

	if err := ss.persistLocked(serverID, staged); err != nil {
		return err
	}

	ss.servers[serverID] = staged
	runtime.GC()
	return nil
}

// DiscardPreviousSecret ends a server's rotation grace window: the previous
// secret stops validating immediately. A server with no grace window is a
// no-op.
func (ss *SecretStore) DiscardPreviousSecret(serverID string) error {
	if err := validateServerID(serverID); err != nil {
		return err
	}

	ss.mu.Lock()
	defer ss.mu.Unlock()

	slots := ss.servers[serverID]
	if slots == nil || slots.current == nil {
		return fmt.Errorf("server %s: %w", serverID, ErrSecretNotFound)
	}
	if slots.previous == nil {
		return nil
	}

	staged := &serverSecretSlots{current: slots.current}

	if err := ss.persistLocked(serverID, staged); err != nil {
		return err
	}

	ss.servers[serverID] = staged
	runtime.GC()
	return nil
}

// CurrentSecret returns the current-slot metadata for one server.
func (ss *SecretStore) CurrentSecret(serverID string) (*SecretMetadata, error) {
	ss.mu.RLock()
	defer ss.mu.RUnlock()

	slots := ss.servers[serverID]
	if slots == nil || slots.current == nil {
		return nil, fmt.Errorf("server %s: %w", serverID, ErrSecretNotFound)
	}
	meta := slots.current.meta
	return &meta, nil
}

// ListSecrets returns the current-slot metadata for every known server.
func (ss *SecretStore) ListSecrets() []SecretMetadata {
	ss.mu.RLock()
	defer ss.mu.RUnlock()

	out := make([]SecretMetadata, 0, len(ss.servers))
	for _, slots := range ss.servers {
		if slots.current != nil {
			out = append(out, slots.current.meta)
		}
	}
	return out
}

// serverCount reports how many servers hold a non-revoked secret.
func (ss *SecretStore) serverCount() int {
	ss.mu.RLock()
	defer ss.mu.RUnlock()

	count := 0
	for _, slots := range ss.servers {
		if slots.current != nil && slots.current.meta.Status != SecretStatusRevoked {
			count++
		}
	}
	return count
}

// persistLocked writes the full ledger with the given server's slots staged
// in place of the committed ones.
func (ss *SecretStore) persistLocked(serverID string, staged *serverSecretSlots) error {
	wrapBuf, err := ss.wrappingKey.Open()
	if err != nil {
		return fmt.Errorf("failed to access wrapping key: %w", err)
	}
	defer wrapBuf.Destroy()

	ledger := secretsLedger{
		Version: secretsLedgerFormatVersion,
		Servers: make(map[string]serverSecretsEntry, len(ss.servers)+1),
	}

	for id, slots := range ss.servers {
		if id == serverID {
			continue
		}
		entry, entryErr := buildSecretsEntry(slots, wrapBuf.Bytes())
		if entryErr != nil {
			return entryErr
		}
		ledger.Servers[id] = entry
	}

	entry, err := buildSecretsEntry(staged, wrapBuf.Bytes())
	if err != nil {
		return err
	}
	ledger.Servers[serverID] = entry

	ledgerJSON, err := json.Marshal(&ledger)
	if err != nil {
		return fmt.Errorf("failed to serialize secrets ledger: %w", err)
	}
	defer memguard.WipeBytes(ledgerJSON)

	wrapped, err := crypto.EncryptValue(ledgerJSON, wrapBuf.Bytes())
	if err != nil {
		return fmt.Errorf("failed to wrap secrets ledger: %w", err)
	}

	storeVersion, err := ss.store.SaveSecrets(wrapped, ss.storeVersion)
	if err != nil {
		return fmt.Errorf("failed to save secrets: %w", err)
	}
	ss.storeVersion = storeVersion
	return nil
}

func buildSecretsEntry(slots *serverSecretSlots, wrapKey []byte) (serverSecretsEntry, error) {
	var entry serverSecretsEntry

	if slots.current != nil {
		wrapped, err := wrapSecretRecord(slots.current, wrapKey)
		if err != nil {
			return entry, err
		}
		entry.Current = wrapped
	}
	if slots.previous != nil {
		wrapped, err := wrapSecretRecord(slots.previous, wrapKey)
		if err != nil {
			return entry, err
		}
		entry.Previous = wrapped
	}
	return entry, nil
}

func wrapSecretRecord(record *secretRecord, wrapKey []byte) (*secretEntry, error) {
	entry := &secretEntry{Meta: record.meta}

	if record.value == nil {
		return entry, nil
	}

	buf, err := record.value.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to access secret %s: %w", record.meta.ID, err)
	}
	defer buf.Destroy()

	wrapped, err := crypto.EncryptValue(buf.Bytes(), wrapKey)
	if err != nil {
		return nil, fmt.Errorf("failed to wrap secret %s: %w", record.meta.ID, err)
	}
	entry.EncryptedValue = wrapped
	return entry, nil
}

// exportContainer returns the plaintext ledger JSON for backup snapshots.
// Secret values inside remain wrapped under the vault wrapping key.
func (ss *SecretStore) exportContainer() ([]byte, error) {
	ss.mu.RLock()
	defer ss.mu.RUnlock()

	wrapBuf, err := ss.wrappingKey.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to access wrapping key: %w", err)
	}
	defer wrapBuf.Destroy()

	ledger := secretsLedger{
		Version: secretsLedgerFormatVersion,
		Servers: make(map[string]serverSecretsEntry, len(ss.servers)),
	}
	for id, slots := range ss.servers {
		entry, entryErr := buildSecretsEntry(slots, wrapBuf.Bytes())
		if entryErr != nil {
			return nil, entryErr
		}
		ledger.Servers[id] = entry
	}

	return json.Marshal(&ledger)
}

// importContainer replaces the ledger with one recovered from a backup
// snapshot. Every wrapped value must unwrap under the vault's current
// wrapping key. Nothing is committed until the restored ledger persists.
func (ss *SecretStore) importContainer(ledgerJSON []byte) error {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	var ledger secretsLedger
	if err := json.Unmarshal(ledgerJSON, &ledger); err != nil {
		return fmt.Errorf("failed to parse secrets snapshot: %w", err)
	}

	wrapBuf, err := ss.wrappingKey.Open()
	if err != nil {
		return fmt.Errorf("failed to access wrapping key: %w", err)
	}
	defer wrapBuf.Destroy()

	servers := make(map[string]*serverSecretSlots, len(ledger.Servers))
	for serverID, entry := range ledger.Servers {
		slots := &serverSecretSlots{}

		if entry.Current != nil {
			record, recErr := hydrateSecretRecord(entry.Current, wrapBuf.Bytes())
			if recErr != nil {
				return fmt.Errorf("server %s snapshot: %w", serverID, recErr)
			}
			slots.current = record
		}
		if entry.Previous != nil {
			record, recErr := hydrateSecretRecord(entry.Previous, wrapBuf.Bytes())
			if recErr != nil {
				return fmt.Errorf("server %s snapshot: %w", serverID, recErr)
			}
			slots.previous = record
		}

		servers[serverID] = slots
	}

	wrapped, err := crypto.EncryptValue(ledgerJSON, wrapBuf.Bytes())
	if err != nil {
		return fmt.Errorf("failed to wrap secrets ledger: %w", err)
	}
	storeVersion, err := ss.store.SaveSecrets(wrapped, ss.storeVersion)
	if err != nil {
		return fmt.Errorf("failed to save restored secrets: %w", err)
	}

	ss.servers = servers
	ss.storeVersion = storeVersion
	runtime.GC()
	return nil
}

// destroy drops every enclave reference. Called on seal.
func (ss *SecretStore) destroy() {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	ss.servers = make(map[string]*serverSecretSlots)
	runtime.GC()
}
