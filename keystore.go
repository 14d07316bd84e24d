package shugo

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/awnumar/memguard"

	"github.com/sheep-shaker/Shugo-sub004/internal/crypto"
	"github.com/sheep-shaker/Shugo-sub004/internal/debug"
	"github.com/sheep-shaker/Shugo-sub004/internal/misc"
	"github.com/sheep-shaker/Shugo-sub004/persist"
)

// KeyStatus tracks a key version through its lifecycle. Exactly one version
// is active at a time; deprecated versions keep their material so old
// ciphertext stays readable; revoked versions have had their material erased
// and can never return to service.
type KeyStatus string

const (
	KeyStatusPending    KeyStatus = "pending"
	KeyStatusActive     KeyStatus = "active"
	KeyStatusDeprecated KeyStatus = "deprecated"
	KeyStatusRevoked    KeyStatus = "revoked"
)

const keyAlgorithm = "chacha20poly1305"

// KeyMetadata describes one immutable key version.
//
// Once created, everything except the status field and the deactivation and
// revocation stamps is frozen. The material itself never appears here: it
// lives in a memory enclave while the vault is unsealed and is persisted
// only wrapped under the vault's derived wrapping key.
//
// RotatedFrom links a version to its predecessor, which gives the keyring a
// complete rotation chain for audit reconstruction: walking RotatedFrom from
// the active version visits every generation back to bootstrap.
type KeyMetadata struct {
	// Version uniquely identifies this key generation. Opaque, never reused.
	Version string `json:"version"`

	// Algorithm names the cipher this key drives.
	Algorithm string `json:"algorithm"`

	// Status is the only mutable lifecycle field.
	Status KeyStatus `json:"status"`

	// CreatedAt and ExpiresAt bound the key's intended service life.
	// Expiry is advisory: it drives rotation recommendations, it does not
	// disable the key.
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`

	// RotatedFrom is the version this key replaced, empty for the first key.
	RotatedFrom string `json:"rotated_from,omitempty"`

	// DeactivatedAt is set when the key is demoted from active.
	DeactivatedAt *time.Time `json:"deactivated_at,omitempty"`

	// RevokedAt is set when the key material is erased.
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}

// keyRing is the persisted keyring container. It is serialized to JSON,
// encrypted under the wrapping key, and stored as a single versioned object
// so keyring updates are all-or-nothing.
type keyRing struct {
	Version        int                    `json:"version"`
	CurrentVersion string                 `json:"current_version"`
	LastRotation   time.Time              `json:"last_rotation"`
	Keys           map[string]KeyMetadata `json:"keys"`
	EncryptedKeys  map[string][]byte      `json:"encrypted_keys"`
}

const keyRingFormatVersion = 1

// KeyStore is the versioned repository of data-encryption keys. It owns
// rotation and expiry policy; the manager routes every cipher operation
// through it to resolve key versions into enclaves.
type KeyStore struct {
	mu             sync.RWMutex
	store          persist.Store
	wrappingKey    *memguard.Enclave
	keys           map[string]KeyMetadata
	enclaves       map[string]*memguard.Enclave
	currentVersion string
	storeVersion   string
	rotationPeriod time.Duration
	rotationGrace  time.Duration
}

// newKeyStore loads the persisted keyring, or bootstraps a fresh one with a
// single active key when none exists. A wrong wrapping key surfaces as an
// authentication failure from the container decryption.
func newKeyStore(store persist.Store, wrappingKey *memguard.Enclave, rotationPeriod, rotationGrace time.Duration) (*KeyStore, error) {
	if wrappingKey == nil {
		return nil, fmt.Errorf("wrapping key not initialized")
	}

	ks := &KeyStore{
		store:          store,
		wrappingKey:    wrappingKey,
		keys:           make(map[string]KeyMetadata),
		enclaves:       make(map[string]*memguard.Enclave),
		rotationPeriod: rotationPeriod,
		rotationGrace:  rotationGrace,
	}

	exists, err := store.KeyringExists()
	if err != nil {
		return nil, fmt.Errorf("failed to check for existing keyring: %w", err)
	}

	if exists {
		if err = ks.load(); err != nil {
			return nil, err
		}
		return ks, nil
	}

	if _, err = ks.GenerateKey(true); err != nil {
		return nil, fmt.Errorf("failed to bootstrap keyring: %w", err)
	}
	return ks, nil
}

// load decrypts the persisted keyring and hydrates every non-revoked key
// into a memory enclave.
func (ks *KeyStore) load() error {
	versioned, err := ks.store.LoadKeyring()
	if err != nil {
		return fmt.Errorf("failed to load keyring: %w", err)
	}

	wrapBuf, err := ks.wrappingKey.Open()
	if err != nil {
		return fmt.Errorf("failed to access wrapping key: %w", err)
	}
	defer wrapBuf.Destroy()

	ringJSON, err := crypto.DecryptValue(versioned.Data, wrapBuf.Bytes())
	if err != nil {
		return fmt.Errorf("failed to unwrap keyring: %w", err)
	}
	defer memguard.WipeBytes(ringJSON)

	var ring keyRing
	if err = json.Unmarshal(ringJSON, &ring); err != nil {
		return fmt.Errorf("failed to parse keyring: %w", err)
	}

	for version, encrypted := range ring.EncryptedKeys {
		meta, ok := ring.Keys[version]
		if !ok || meta.Status == KeyStatusRevoked {
			continue
		}

		material, decErr := crypto.DecryptValue(encrypted, wrapBuf.Bytes())
		if decErr != nil {
			return fmt.Errorf("failed to unwrap key %s: %w", version, decErr)
		}
		ks.enclaves[version] = memguard.NewEnclave(material)
	}

	ks.keys = ring.Keys
	if ks.keys == nil {
		ks.keys = make(map[string]KeyMetadata)
	}
	ks.currentVersion = ring.CurrentVersion
	ks.storeVersion = versioned.Version

	debug.Print("Keyring loaded: %d keys, %d hydrated, current %s\n",
		len(ks.keys), len(ks.enclaves), ks.currentVersion)
	return nil
}

// GenerateKey creates a new 256-bit key. The key starts pending unless
// setActive is true, in which case it becomes the current version and any
// previous active key is demoted to deprecated.
func (ks *KeyStore) GenerateKey(setActive bool) (*KeyMetadata, error) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	return ks.generateKeyLocked(setActive, "")
}

// RotateKeys atomically activates a fresh key, demotes the previous active
// key to deprecated, and links the succession. The deprecated key is never
// deleted: envelopes written under it must stay readable.
func (ks *KeyStore) RotateKeys() (*KeyMetadata, error) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	return ks.generateKeyLocked(true, ks.currentVersion)
}

func (ks *KeyStore) generateKeyLocked(setActive bool, rotatedFrom string) (*KeyMetadata, error) {
	version := generateKeyVersion()
	if version == "" || len(version) < 16 {
		return nil, fmt.Errorf("invalid key version generated")
	}
	if _, exists := ks.keys[version]; exists {
		return nil, fmt.Errorf("duplicate key version generated: %s", version)
	}

	material := make([]byte, misc.KeySize)
	if _, err := rand.Read(material); err != nil {
		return nil, fmt.Errorf("failed to generate key material: %w", err)
	}

	if crypto.IsWeakKey(material) {
		memguard.WipeBytes(material)
		return nil, fmt.Errorf("generated key failed entropy check")
	}

	now := time.Now().UTC()
	meta := KeyMetadata{
		Version:     version,
		Algorithm:   keyAlgorithm,
		Status:      KeyStatusPending,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ks.rotationPeriod),
		RotatedFrom: rotatedFrom,
	}

	// Stage the metadata changes on a copy so a failed persist leaves the
	// in-memory state untouched.
	staged := copyKeyMetadataMap(ks.keys)
	current := ks.currentVersion

	if setActive {
		meta.Status = KeyStatusActive
		if current != "" {
			prev := staged[current]
			prev.Status = KeyStatusDeprecated
			prev.DeactivatedAt = &now
			staged[current] = prev
		}
		current = version
	}
	staged[version] = meta

	newStoreVersion, err := ks.persistLocked(staged, current, version, material)
	if err != nil {
		memguard.WipeBytes(material)
		return nil, err
	}

	// Commit. NewEnclave wipes the source slice.
	ks.enclaves[version] = memguard.NewEnclave(material)
	runtime.GC()
	ks.keys = staged
	ks.currentVersion = current
	ks.storeVersion = newStoreVersion

	out := meta
	return &out, nil
}

// ActivateKey promotes a pending key to active, demoting the previous active
// version. Used by staged rotation flows that re-encrypt data under the new
// key before flipping it live.
func (ks *KeyStore) ActivateKey(version string) (*KeyMetadata, error) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	meta, ok := ks.keys[version]
	if !ok {
		return nil, fmt.Errorf("key %s: %w", version, ErrKeyNotFound)
	}
	if meta.Status == KeyStatusRevoked {
		return nil, fmt.Errorf("key %s: %w", version, ErrKeyRevoked)
	}
	if version == ks.currentVersion {
		out := meta
		return &out, nil
	}

	now := time.Now().UTC()
	staged := copyKeyMetadataMap(ks.keys)

	if ks.currentVersion != "" {
		prev := staged[ks.currentVersion]
		prev.Status = KeyStatusDeprecated
		prev.DeactivatedAt = &now
		staged[ks.currentVersion] = prev

		if meta.RotatedFrom == "" {
			meta.RotatedFrom = ks.currentVersion
		}
	}
	meta.Status = KeyStatusActive
	meta.DeactivatedAt = nil
	staged[version] = meta

	newStoreVersion, err := ks.persistLocked(staged, version, "", nil)
	if err != nil {
		return nil, err
	}

	ks.keys = staged
	ks.currentVersion = version
	ks.storeVersion = newStoreVersion

	out := meta
	return &out, nil
}

// ActiveKey returns the metadata of the current active key.
func (ks *KeyStore) ActiveKey() (*KeyMetadata, error) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()

	if ks.currentVersion == "" {
		return nil, fmt.Errorf("no active key: %w", ErrKeyNotFound)
	}
	meta, ok := ks.keys[ks.currentVersion]
	if !ok {
		return nil, fmt.Errorf("active key %s: %w", ks.currentVersion, ErrKeyNotFound)
	}
	out := meta
	return &out, nil
}

// Key returns the metadata for a specific version.
func (ks *KeyStore) Key(version string) (*KeyMetadata, error) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()

	meta, ok := ks.keys[version]
	if !ok {
		return nil, fmt.Errorf("key %s: %w", version, ErrKeyNotFound)
	}
	if meta.Status == KeyStatusRevoked {
		return nil, fmt.Errorf("key %s: %w", version, ErrKeyRevoked)
	}
	out := meta
	return &out, nil
}

// ListKeys returns metadata for every key version, including revoked ones.
func (ks *KeyStore) ListKeys() []KeyMetadata {
	ks.mu.RLock()
	defer ks.mu.RUnlock()

	out := make([]KeyMetadata, 0, len(ks.keys))
	for _, meta := range ks.keys {
		out = append(out, meta)
	}
	return out
}

// RevokeKey permanently erases a key version's material. The active key
// cannot be revoked; rotate first. Revoking an already-revoked key is a
// no-op.
func (ks *KeyStore) RevokeKey(version string) error {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	if version == ks.currentVersion {
		return fmt.Errorf("key %s: %w", version, ErrCannotRevokeActiveKey)
	}

	meta, ok := ks.keys[version]
	if !ok {
		return fmt.Errorf("key %s: %w", version, ErrKeyNotFound)
	}
	if meta.Status == KeyStatusRevoked {
		return nil
	}

	now := time.Now().UTC()
	staged := copyKeyMetadataMap(ks.keys)
	meta.Status = KeyStatusRevoked
	meta.RevokedAt = &now
	staged[version] = meta

	// The persisted ring drops the wrapped material for revoked versions;
	// the enclave reference is dropped after a successful persist.
	enclave := ks.enclaves[version]
	delete(ks.enclaves, version)

	newStoreVersion, err := ks.persistLocked(staged, ks.currentVersion, "", nil)
	if err != nil {
		if enclave != nil {
			ks.enclaves[version] = enclave
		}
		return err
	}

	ks.keys = staged
	ks.storeVersion = newStoreVersion

	return nil
}

// CheckRotationNeeded reports whether the active key is missing or within
// the rotation grace window of its expiry.
func (ks *KeyStore) CheckRotationNeeded() (bool, error) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()

	if ks.currentVersion == "" {
		return true, nil
	}
	meta, ok := ks.keys[ks.currentVersion]
	if !ok {
		return true, nil
	}

	return time.Until(meta.ExpiresAt) < ks.rotationGrace, nil
}

// keyEnclave resolves a version to its material enclave. Internal: material
// never leaves the package.
func (ks *KeyStore) keyEnclave(version string) (*memguard.Enclave, error) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()

	meta, ok := ks.keys[version]
	if !ok {
		return nil, fmt.Errorf("key %s: %w", version, ErrKeyNotFound)
	}
	if meta.Status == KeyStatusRevoked {
		return nil, fmt.Errorf("key %s: %w", version, ErrKeyRevoked)
	}

	enclave, ok := ks.enclaves[version]
	if !ok {
		return nil, fmt.Errorf("key %s not resident in memory: %w", version, ErrKeyNotFound)
	}
	return enclave, nil
}

// activeKeyEnclave resolves the current active key.
func (ks *KeyStore) activeKeyEnclave() (string, *memguard.Enclave, error) {
	ks.mu.RLock()
	current := ks.currentVersion
	ks.mu.RUnlock()

	if current == "" {
		return "", nil, fmt.Errorf("no active key: %w", ErrKeyNotFound)
	}

	enclave, err := ks.keyEnclave(current)
	if err != nil {
		return "", nil, err
	}
	return current, enclave, nil
}

// exportContainer returns the plaintext keyring JSON for backup snapshots.
// Key material inside remains wrapped under the vault wrapping key.
func (ks *KeyStore) exportContainer() ([]byte, error) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()

	wrapBuf, err := ks.wrappingKey.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to access wrapping key: %w", err)
	}
	defer wrapBuf.Destroy()

	ring, err := ks.buildRingLocked(ks.keys, ks.currentVersion, wrapBuf.Bytes(), "", nil)
	if err != nil {
		return nil, err
	}
	return json.Marshal(ring)
}

// importContainer replaces the keyring with one recovered from a backup
// snapshot. Every wrapped key must unwrap under the vault's current wrapping
// key, which ties restores to the master key in force when the backup was
// made. Nothing is committed until the restored ring persists.
func (ks *KeyStore) importContainer(ringJSON []byte) error {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	var ring keyRing
	if err := json.Unmarshal(ringJSON, &ring); err != nil {
		return fmt.Errorf("failed to parse keyring snapshot: %w", err)
	}
	if ring.Keys == nil {
		ring.Keys = make(map[string]KeyMetadata)
	}

	wrapBuf, err := ks.wrappingKey.Open()
	if err != nil {
		return fmt.Errorf("failed to access wrapping key: %w", err)
	}
	defer wrapBuf.Destroy()

	enclaves := make(map[string]*memguard.Enclave, len(ring.EncryptedKeys))
	for version, encrypted := range ring.EncryptedKeys {
		meta, ok := ring.Keys[version]
		if !ok || meta.Status == KeyStatusRevoked {
			continue
		}

		material, decErr := crypto.DecryptValue(encrypted, wrapBuf.Bytes())
		if decErr != nil {
			return fmt.Errorf("failed to unwrap key %s from snapshot: %w", version, decErr)
		}
		enclaves[version] = memguard.NewEnclave(material)
	}

	wrapped, err := crypto.EncryptValue(ringJSON, wrapBuf.Bytes())
	if err != nil {
		return fmt.Errorf("failed to wrap keyring: %w", err)
	}
	storeVersion, err := ks.store.SaveKeyring(wrapped, ks.storeVersion)
	if err != nil {
		return fmt.Errorf("failed to save restored keyring: %w", err)
	}

	ks.keys = ring.Keys
	ks.enclaves = enclaves
	ks.currentVersion = ring.CurrentVersion
	ks.storeVersion = storeVersion
	runtime.GC()
	return nil
}

// keyCount returns total and active counts for status reporting.
func (ks *KeyStore) keyCount() (total int, deprecated int) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()

	for _, meta := range ks.keys {
		total++
		if meta.Status == KeyStatusDeprecated {
			deprecated++
		}
	}
	return total, deprecated
}

// persistLocked wraps and saves the keyring built from the staged metadata
// map. newVersion/newMaterial carry the not-yet-committed material for a key
// being created in the same transaction.
func (ks *KeyStore) persistLocked(staged map[string]KeyMetadata, current, newVersion string, newMaterial []byte) (string, error) {
	wrapBuf, err := ks.wrappingKey.Open()
	if err != nil {
		return "", fmt.Errorf("failed to access wrapping key: %w", err)
	}
	defer wrapBuf.Destroy()

	ring, err := ks.buildRingLocked(staged, current, wrapBuf.Bytes(), newVersion, newMaterial)
	if err != nil {
		return "", err
	}

	ringJSON, err := json.Marshal(ring)
	if err != nil {
		return "", fmt.Errorf("failed to serialize keyring: %w", err)
	}
	defer memguard.WipeBytes(ringJSON)

	wrapped, err := crypto.EncryptValue(ringJSON, wrapBuf.Bytes())
	if err != nil {
		return "", fmt.Errorf("failed to wrap keyring: %w", err)
	}

	storeVersion, err := ks.store.SaveKeyring(wrapped, ks.storeVersion)
	if err != nil {
		return "", fmt.Errorf("failed to save keyring: %w", err)
	}
	return storeVersion, nil
}

// buildRingLocked re-wraps every resident key under the wrapping key and
// assembles the persisted container.
func (ks *KeyStore) buildRingLocked(staged map[string]KeyMetadata, current string, wrapKey []byte, newVersion string, newMaterial []byte) (*keyRing, error) {
	encryptedKeys := make(map[string][]byte, len(staged))
	for version, meta := range staged {
		if meta.Status == KeyStatusRevoked {
			continue
		}

		if version == newVersion && newMaterial != nil {
			wrapped, err := crypto.EncryptValue(newMaterial, wrapKey)
			if err != nil {
				return nil, fmt.Errorf("failed to wrap key %s: %w", version, err)
			}
			encryptedKeys[version] = wrapped
			continue
		}

		enclave, ok := ks.enclaves[version]
		if !ok {
			return nil, fmt.Errorf("key %s not resident in memory", version)
		}

		buf, err := enclave.Open()
		if err != nil {
			return nil, fmt.Errorf("failed to access key %s: %w", version, err)
		}

		wrapped, err := crypto.EncryptValue(buf.Bytes(), wrapKey)
		buf.Destroy()
		if err != nil {
			return nil, fmt.Errorf("failed to wrap key %s: %w", version, err)
		}
		encryptedKeys[version] = wrapped
	}

	return &keyRing{
		Version:        keyRingFormatVersion,
		CurrentVersion: current,
		LastRotation:   time.Now().UTC(),
		Keys:           staged,
		EncryptedKeys:  encryptedKeys,
	}, nil
}

// destroy drops every enclave reference. Called on seal.
func (ks *KeyStore) destroy() {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	for version := range ks.enclaves {
		delete(ks.enclaves, version)
	}
	ks.keys = make(map[string]KeyMetadata)
	ks.currentVersion = ""
	runtime.GC()
}

func copyKeyMetadataMap(src map[string]KeyMetadata) map[string]KeyMetadata {
	dst := make(map[string]KeyMetadata, len(src)+1)
	for version, meta := range src {
		dst[version] = meta
	}
	return dst
}
