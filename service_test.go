package shugo

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/sheep-shaker/Shugo-sub004/audit"
	"github.com/sheep-shaker/Shugo-sub004/persist"
)

// failingStore passes everything through to the wrapped store but fails the
// next items write when armed.
type failingStore struct {
	persist.Store
	failNextSaveItems bool
}

func (f *failingStore) SaveItems(encryptedItems []byte, expectedVersion string) (string, error) {
	if f.failNextSaveItems {
		f.failNextSaveItems = false
		return "", fmt.Errorf("simulated write failure")
	}
	return f.Store.SaveItems(encryptedItems, expectedVersion)
}

func TestRotateDataKey(t *testing.T) {
	service := newTestService(t)

	if _, err := service.StoreItem("db/primary", []byte("dsn-1"), "credential"); err != nil {
		t.Fatalf("StoreItem failed: %v", err)
	}
	if _, err := service.StoreItem("db/replica", []byte("dsn-2"), "credential"); err != nil {
		t.Fatalf("StoreItem failed: %v", err)
	}

	before := service.GetStatus().ActiveKeyVersion
	oldEnvelope, err := service.Encrypt([]byte("sealed before the rotation"))
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	result, err := service.RotateKey(RotationDataKey, "admin", "scheduled rotation")
	if err != nil {
		t.Fatalf("RotateKey failed: %v", err)
	}
	if result.Kind != RotationDataKey {
		t.Errorf("kind = %s", result.Kind)
	}
	if result.OldKeyVersion != before {
		t.Errorf("old version = %s, want %s", result.OldKeyVersion, before)
	}
	if result.NewKeyVersion == "" || result.NewKeyVersion == before {
		t.Errorf("new version = %q", result.NewKeyVersion)
	}
	if result.RotatedItems != 2 {
		t.Errorf("rotated %d items, want 2", result.RotatedItems)
	}

	status := service.GetStatus()
	if status.ActiveKeyVersion != result.NewKeyVersion {
		t.Errorf("active key = %s, want %s", status.ActiveKeyVersion, result.NewKeyVersion)
	}
	if status.TotalKeys != 2 || status.DeprecatedKeys != 1 {
		t.Errorf("key counts = (%d, %d), want (2, 1)", status.TotalKeys, status.DeprecatedKeys)
	}

	// Stored items were re-encrypted under the new version
	data, meta, err := service.RetrieveItem("db/primary")
	if err != nil {
		t.Fatalf("RetrieveItem failed: %v", err)
	}
	if string(data) != "dsn-1" {
		t.Errorf("payload = %q after rotation", data)
	}
	if meta.KeyVersion != result.NewKeyVersion {
		t.Errorf("item pinned to %s, want %s", meta.KeyVersion, result.NewKeyVersion)
	}

	// Envelopes sealed before the rotation still decrypt
	plaintext, err := service.Decrypt(oldEnvelope)
	if err != nil {
		t.Fatalf("Decrypt of pre-rotation envelope failed: %v", err)
	}
	if string(plaintext) != "sealed before the rotation" {
		t.Errorf("plaintext = %q", plaintext)
	}

	// New envelopes carry the new version
	envelope, err := service.Encrypt([]byte("post"))
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	version, _, err := decodeEnvelope(envelope)
	if err != nil {
		t.Fatalf("decodeEnvelope failed: %v", err)
	}
	if version != result.NewKeyVersion {
		t.Errorf("new envelope under %s, want %s", version, result.NewKeyVersion)
	}
}

func TestRotateDataKeyFailureKeepsOldKeyActive(t *testing.T) {
	store := &failingStore{Store: newTestStore(t)}
	service := newTestServiceOn(t, testOptions(), store, audit.NewNoOpLogger())

	if _, err := service.StoreItem("db/primary", []byte("dsn-1"), "credential"); err != nil {
		t.Fatalf("StoreItem failed: %v", err)
	}
	before := service.GetStatus().ActiveKeyVersion

	store.failNextSaveItems = true
	if _, err := service.RotateKey(RotationDataKey, "admin", "scheduled"); err == nil {
		t.Fatal("expected rotation to fail when the container write fails")
	}

	// The old key is still active and the staged key was erased
	if active := service.GetStatus().ActiveKeyVersion; active != before {
		t.Fatalf("active key changed to %s after failed rotation", active)
	}
	keys, err := service.ListKeys()
	if err != nil {
		t.Fatalf("ListKeys failed: %v", err)
	}
	for _, key := range keys {
		if key.Version != before && key.Status != KeyStatusRevoked {
			t.Errorf("staged key %s left in status %s", key.Version, key.Status)
		}
	}

	// Stored data still reads under the old key
	data, meta, err := service.RetrieveItem("db/primary")
	if err != nil {
		t.Fatalf("RetrieveItem after failed rotation: %v", err)
	}
	if string(data) != "dsn-1" {
		t.Errorf("payload = %q", data)
	}
	if meta.KeyVersion != before {
		t.Errorf("item pinned to %s, want %s", meta.KeyVersion, before)
	}

	// The next attempt goes through
	result, err := service.RotateKey(RotationDataKey, "admin", "retry")
	if err != nil {
		t.Fatalf("retry rotation failed: %v", err)
	}
	if result.RotatedItems != 1 {
		t.Errorf("retry rotated %d items, want 1", result.RotatedItems)
	}
}

func TestRotateServerSecrets(t *testing.T) {
	service := newTestService(t)

	oldValues := make(map[string][]byte)
	for _, serverID := range []string{"app-01", "app-02", "app-03"} {
		value, err := service.RotateSecret(serverID)
		if err != nil {
			t.Fatalf("RotateSecret(%s) failed: %v", serverID, err)
		}
		oldValues[serverID] = decodeSecret(t, value)
	}

	// Revoked servers are skipped by bulk rotation
	if err := service.RevokeSecret("app-03"); err != nil {
		t.Fatalf("RevokeSecret failed: %v", err)
	}

	result, err := service.RotateKey(RotationServerSecrets, "admin", "quarterly")
	if err != nil {
		t.Fatalf("RotateKey failed: %v", err)
	}
	if result.Kind != RotationServerSecrets {
		t.Errorf("kind = %s", result.Kind)
	}
	if result.RotatedItems != 2 {
		t.Errorf("rotated %d servers, want 2", result.RotatedItems)
	}
	if len(result.NewSecrets) != 2 {
		t.Fatalf("result carries %d new secrets, want 2", len(result.NewSecrets))
	}
	if _, ok := result.NewSecrets["app-03"]; ok {
		t.Error("revoked server was rotated")
	}

	for _, serverID := range []string{"app-01", "app-02"} {
		value, ok := result.NewSecrets[serverID]
		if !ok {
			t.Errorf("no new secret for %s", serverID)
			continue
		}
		match, err := service.ValidateSecret(serverID, decodeSecret(t, value))
		if err != nil || match != SecretMatchCurrent {
			t.Errorf("%s new secret: match = %s, err = %v", serverID, match, err)
		}
		match, err = service.ValidateSecret(serverID, oldValues[serverID])
		if err != nil || match != SecretMatchPrevious {
			t.Errorf("%s old secret: match = %s, err = %v", serverID, match, err)
		}
	}
}

func TestRotateKeyUnknownKind(t *testing.T) {
	service := newTestService(t)

	_, err := service.RotateKey(RotationKind("widgets"), "admin", "")
	if err == nil || !strings.Contains(err.Error(), "unknown rotation kind") {
		t.Fatalf("expected unknown-kind error, got %v", err)
	}
}

func TestSealedServiceRefusesOperations(t *testing.T) {
	service := newTestService(t)
	if err := service.Seal(); err != nil {
		t.Fatalf("Seal failed: %v", err)
	}

	operations := map[string]func() error{
		"Encrypt":   func() error { _, err := service.Encrypt([]byte("x")); return err },
		"Decrypt":   func() error { _, err := service.Decrypt("ZW52"); return err },
		"StoreItem": func() error { _, err := service.StoreItem("n", []byte("x"), ""); return err },
		"RetrieveItem": func() error {
			_, _, err := service.RetrieveItem("n")
			return err
		},
		"DeleteItem":   func() error { return service.DeleteItem("n") },
		"ListItems":    func() error { _, err := service.ListItems(); return err },
		"ListKeys":     func() error { _, err := service.ListKeys(); return err },
		"RotateKey":    func() error { _, err := service.RotateKey(RotationDataKey, "a", "r"); return err },
		"RotateSecret": func() error { _, err := service.RotateSecret("app-01"); return err },
		"ValidateSecret": func() error {
			_, err := service.ValidateSecret("app-01", []byte("x"))
			return err
		},
		"GenerateEmergencyTable": func() error {
			_, err := service.GenerateEmergencyTable("prod", "op")
			return err
		},
		"CreateBackup": func() error {
			_, err := service.CreateBackup([]byte("0123456789abcdef"), BackupOptions{})
			return err
		},
	}

	for name, operation := range operations {
		if err := operation(); !errors.Is(err, ErrSealed) {
			t.Errorf("%s on sealed vault returned %v, want ErrSealed", name, err)
		}
	}
}

func TestWithRetryRecoversFromVersionConflict(t *testing.T) {
	service := newTestService(t)

	calls := 0
	err := service.withRetry("storeItem", func() error {
		calls++
		if calls == 1 {
			// Stores surface conflicts wrapped, the way saveItemsContainer does.
			return fmt.Errorf("failed to save items: %w", persist.ConcurrencyError{
				ExpectedVersion: "v1",
				ActualVersion:   "v2",
				Operation:       "SaveItems",
			})
		}
		return nil
	})
	if err != nil {
		t.Fatalf("withRetry failed: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected a retry after the conflict, got %d call(s)", calls)
	}
}

func TestWithRetryStopsOnOtherErrors(t *testing.T) {
	service := newTestService(t)

	calls := 0
	wantErr := errors.New("disk full")
	err := service.withRetry("storeItem", func() error {
		calls++
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected the original error back, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("non-conflict errors must not be retried, got %d call(s)", calls)
	}
}
