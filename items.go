package shugo

import (
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"

	"github.com/sheep-shaker/Shugo-sub004/audit"
)

// reservedItemPrefix fences the namespace used for internal records such as
// emergency series sheets. User items cannot read or write under it.
const reservedItemPrefix = "sys/"

// ItemMetadata describes a stored vault item. The payload itself is held
// only as an envelope under a data key; the whole items container is wrapped
// under the vault wrapping key on top of that.
type ItemMetadata struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Type         string     `json:"type,omitempty"`
	Size         int        `json:"size"`
	Active       bool       `json:"active"`
	KeyVersion   string     `json:"key_version"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	AccessCount  int64      `json:"access_count"`
	LastAccessAt *time.Time `json:"last_access_at,omitempty"`
}

type storedItem struct {
	Meta     ItemMetadata `json:"meta"`
	Envelope string       `json:"envelope"`
}

type itemsVault struct {
	Version int                   `json:"version"`
	Items   map[string]storedItem `json:"items"`
}

const itemsVaultFormatVersion = 1

// loadItemsContainer reads and unwraps the items container, returning an
// empty container when none has been persisted yet.
func (s *Service) loadItemsContainer() (*itemsVault, string, error) {
	exists, err := s.store.ItemsExist()
	if err != nil {
		return nil, "", fmt.Errorf("failed to check for items: %w", err)
	}
	if !exists {
		return &itemsVault{Version: itemsVaultFormatVersion, Items: make(map[string]storedItem)}, "", nil
	}

	versioned, err := s.store.LoadItems()
	if err != nil {
		return nil, "", fmt.Errorf("failed to load items: %w", err)
	}

	containerJSON, err := s.manager.unwrapContainer(versioned.Data)
	if err != nil {
		return nil, "", fmt.Errorf("failed to unwrap items container: %w", err)
	}
	defer memguard.WipeBytes(containerJSON)

	var vault itemsVault
	if err = json.Unmarshal(containerJSON, &vault); err != nil {
		return nil, "", fmt.Errorf("failed to parse items container: %w", err)
	}
	if vault.Items == nil {
		vault.Items = make(map[string]storedItem)
	}
	return &vault, versioned.Version, nil
}

func (s *Service) saveItemsContainer(vault *itemsVault, expectedVersion string) (string, error) {
	containerJSON, err := json.Marshal(vault)
	if err != nil {
		return "", fmt.Errorf("failed to serialize items container: %w", err)
	}
	defer memguard.WipeBytes(containerJSON)

	wrapped, err := s.manager.wrapContainer(containerJSON)
	if err != nil {
		return "", err
	}

	storeVersion, err := s.store.SaveItems(wrapped, expectedVersion)
	if err != nil {
		return "", fmt.Errorf("failed to save items: %w", err)
	}
	return storeVersion, nil
}

func (s *Service) cachedItem(name string) (storedItem, bool) {
	if entry, ok := s.cache.Get(name); ok {
		if item, isItem := entry.(storedItem); isItem {
			return item, true
		}
	}
	return storedItem{}, false
}

// StoreItem encrypts a payload under the active key and upserts it into the
// items container. Storing to an existing name replaces its payload while
// preserving identity, creation time and access counters.
//
// Lock order here and in every item path: rotation lock before items lock.
func (s *Service) StoreItem(name string, data []byte, itemType string) (*ItemMetadata, error) {
	requestID := newRequestID()
	start := time.Now()

	fields := map[string]interface{}{
		audit.FieldActor: s.options.Actor,
		audit.FieldScope: name,
	}

	if err := validateItemName(name); err != nil {
		s.manager.logProtocol(requestID, ProtocolStoreItem, err, fields, start)
		return nil, err
	}
	if strings.HasPrefix(name, reservedItemPrefix) {
		err := fmt.Errorf("item name %s uses the reserved %s namespace", name, reservedItemPrefix)
		s.manager.logProtocol(requestID, ProtocolStoreItem, err, fields, start)
		return nil, err
	}

	token, err := s.manager.acquire()
	if err != nil {
		s.manager.logProtocol(requestID, ProtocolStoreItem, err, fields, start)
		return nil, err
	}
	defer token.Release()

	s.manager.rotationMu.RLock()
	defer s.manager.rotationMu.RUnlock()

	s.itemsMu.Lock()
	defer s.itemsMu.Unlock()

	version, enclave, err := s.manager.keystore().activeKeyEnclave()
	if err != nil {
		s.manager.logProtocol(requestID, ProtocolStoreItem, err, fields, start)
		return nil, err
	}
	envelope, err := sealEnvelope(data, version, enclave)
	if err != nil {
		s.manager.logProtocol(requestID, ProtocolStoreItem, err, fields, start)
		return nil, err
	}

	var meta ItemMetadata
	err = s.withRetry("storeItem", func() error {
		vault, storeVersion, loadErr := s.loadItemsContainer()
		if loadErr != nil {
			return loadErr
		}

		now := time.Now().UTC()
		if existing, ok := vault.Items[name]; ok {
			meta = existing.Meta
			meta.UpdatedAt = now
		} else {
			meta = ItemMetadata{
				ID:        uuid.New().String(),
				Name:      name,
				Active:    true,
				CreatedAt: now,
				UpdatedAt: now,
			}
		}
		meta.Type = itemType
		meta.Size = len(data)
		meta.KeyVersion = version

		vault.Items[name] = storedItem{Meta: meta, Envelope: envelope}
		_, saveErr := s.saveItemsContainer(vault, storeVersion)
		return saveErr
	})
	if err != nil {
		s.manager.logProtocol(requestID, ProtocolStoreItem, err, fields, start)
		return nil, err
	}

	s.cache.SetDefault(name, storedItem{Meta: meta, Envelope: envelope})

	fields[audit.FieldKeyVersion] = version
	fields["size"] = meta.Size
	s.manager.logProtocol(requestID, ProtocolStoreItem, nil, fields, start)

	out := meta
	return &out, nil
}

// RetrieveItem decrypts a stored item and bumps its access counters. The
// counter write is best effort: a failure to persist tracking is logged but
// never fails the read. When the container itself cannot be loaded, a
// cached envelope within its TTL still serves the read.
func (s *Service) RetrieveItem(name string) ([]byte, *ItemMetadata, error) {
	requestID := newRequestID()
	start := time.Now()

	fields := map[string]interface{}{
		audit.FieldActor: s.options.Actor,
		audit.FieldScope: name,
	}

	if err := validateItemName(name); err != nil {
		s.manager.logProtocol(requestID, ProtocolRetrieveItem, err, fields, start)
		return nil, nil, err
	}
	if strings.HasPrefix(name, reservedItemPrefix) {
		err := fmt.Errorf("item name %s uses the reserved %s namespace", name, reservedItemPrefix)
		s.manager.logProtocol(requestID, ProtocolRetrieveItem, err, fields, start)
		return nil, nil, err
	}

	token, err := s.manager.acquire()
	if err != nil {
		s.manager.logProtocol(requestID, ProtocolRetrieveItem, err, fields, start)
		return nil, nil, err
	}
	defer token.Release()

	s.itemsMu.Lock()
	defer s.itemsMu.Unlock()

	vault, storeVersion, err := s.loadItemsContainer()
	if err != nil {
		if cached, ok := s.cachedItem(name); ok {
			data, decErr := s.decryptCachedItem(cached)
			if decErr == nil {
				fields["served_from_cache"] = true
				s.manager.logProtocol(requestID, ProtocolRetrieveItem, nil, fields, start)
				meta := cached.Meta
				return data, &meta, nil
			}
		}
		s.manager.logProtocol(requestID, ProtocolRetrieveItem, err, fields, start)
		return nil, nil, err
	}

	item, ok := vault.Items[name]
	if !ok {
		s.cache.Delete(name)
		err = fmt.Errorf("item %s: %w", name, ErrItemNotFound)
		s.manager.logProtocol(requestID, ProtocolRetrieveItem, err, fields, start)
		return nil, nil, err
	}

	data, _, err := s.manager.decryptRaw(item.Envelope)
	if err != nil {
		s.manager.logProtocol(requestID, ProtocolRetrieveItem, err, fields, start)
		return nil, nil, err
	}

	now := time.Now().UTC()
	item.Meta.AccessCount++
	item.Meta.LastAccessAt = &now
	vault.Items[name] = item

	tracked := true
	if _, saveErr := s.saveItemsContainer(vault, storeVersion); saveErr != nil {
		tracked = false
		log.Printf("WARNING: failed to persist access tracking for item %s: %v", name, saveErr)
	}
	s.cache.SetDefault(name, item)

	fields["access_tracking"] = tracked
	fields["access_count"] = item.Meta.AccessCount
	s.manager.logProtocol(requestID, ProtocolRetrieveItem, nil, fields, start)

	meta := item.Meta
	return data, &meta, nil
}

func (s *Service) decryptCachedItem(item storedItem) ([]byte, error) {
	data, _, err := s.manager.decryptRaw(item.Envelope)
	return data, err
}

// DeleteItem removes an item from the container. Deletion is a protocol
// event; the payload is unrecoverable once the container write commits.
func (s *Service) DeleteItem(name string) error {
	requestID := newRequestID()
	start := time.Now()

	fields := map[string]interface{}{
		audit.FieldActor: s.options.Actor,
		audit.FieldScope: name,
	}

	if err := validateItemName(name); err != nil {
		s.manager.logProtocol(requestID, ProtocolDeleteItem, err, fields, start)
		return err
	}
	if strings.HasPrefix(name, reservedItemPrefix) {
		err := fmt.Errorf("item name %s uses the reserved %s namespace", name, reservedItemPrefix)
		s.manager.logProtocol(requestID, ProtocolDeleteItem, err, fields, start)
		return err
	}

	token, err := s.manager.acquire()
	if err != nil {
		s.manager.logProtocol(requestID, ProtocolDeleteItem, err, fields, start)
		return err
	}
	defer token.Release()

	s.itemsMu.Lock()
	defer s.itemsMu.Unlock()

	err = s.withRetry("deleteItem", func() error {
		vault, storeVersion, loadErr := s.loadItemsContainer()
		if loadErr != nil {
			return loadErr
		}
		if _, ok := vault.Items[name]; !ok {
			return fmt.Errorf("item %s: %w", name, ErrItemNotFound)
		}
		delete(vault.Items, name)
		_, saveErr := s.saveItemsContainer(vault, storeVersion)
		return saveErr
	})

	s.cache.Delete(name)
	s.manager.logProtocol(requestID, ProtocolDeleteItem, err, fields, start)
	return err
}

// ListItems returns metadata for every user item, sorted by name. Internal
// records under the reserved namespace are not listed.
func (s *Service) ListItems() ([]ItemMetadata, error) {
	token, err := s.manager.acquire()
	if err != nil {
		return nil, err
	}
	defer token.Release()

	s.itemsMu.Lock()
	defer s.itemsMu.Unlock()

	vault, _, err := s.loadItemsContainer()
	if err != nil {
		return nil, err
	}

	out := make([]ItemMetadata, 0, len(vault.Items))
	for name, item := range vault.Items {
		if strings.HasPrefix(name, reservedItemPrefix) {
			continue
		}
		out = append(out, item.Meta)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// putSystemItem upserts a record in the reserved namespace. Callers hold
// the rotation read lock and the items lock and have already been admitted;
// system records skip access tracking and per-item protocol events.
func (s *Service) putSystemItem(name string, payload []byte, itemType string) error {
	version, enclave, err := s.manager.keystore().activeKeyEnclave()
	if err != nil {
		return err
	}
	envelope, err := sealEnvelope(payload, version, enclave)
	if err != nil {
		return err
	}

	return s.withRetry("putSystemItem", func() error {
		vault, storeVersion, loadErr := s.loadItemsContainer()
		if loadErr != nil {
			return loadErr
		}

		now := time.Now().UTC()
		meta := ItemMetadata{
			ID:        uuid.New().String(),
			Name:      name,
			Type:      itemType,
			Active:    true,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if existing, ok := vault.Items[name]; ok {
			meta = existing.Meta
			meta.UpdatedAt = now
		}
		meta.Size = len(payload)
		meta.KeyVersion = version

		vault.Items[name] = storedItem{Meta: meta, Envelope: envelope}
		_, saveErr := s.saveItemsContainer(vault, storeVersion)
		return saveErr
	})
}

// getSystemItem loads and decrypts one reserved-namespace record.
func (s *Service) getSystemItem(name string) ([]byte, error) {
	vault, _, err := s.loadItemsContainer()
	if err != nil {
		return nil, err
	}
	item, ok := vault.Items[name]
	if !ok {
		return nil, fmt.Errorf("item %s: %w", name, ErrItemNotFound)
	}
	payload, _, err := s.manager.decryptRaw(item.Envelope)
	return payload, err
}

// systemItemsByType decrypts every reserved-namespace record of a type,
// keyed by item name.
func (s *Service) systemItemsByType(itemType string) (map[string][]byte, error) {
	vault, _, err := s.loadItemsContainer()
	if err != nil {
		return nil, err
	}

	out := make(map[string][]byte)
	for name, item := range vault.Items {
		if !strings.HasPrefix(name, reservedItemPrefix) || item.Meta.Type != itemType {
			continue
		}
		payload, _, decErr := s.manager.decryptRaw(item.Envelope)
		if decErr != nil {
			return nil, fmt.Errorf("failed to open %s: %w", name, decErr)
		}
		out[name] = payload
	}
	return out, nil
}
