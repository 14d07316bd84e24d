package shugo

import (
	"encoding/hex"
	"errors"
	"testing"

	"github.com/sheep-shaker/Shugo-sub004/internal/misc"
)

func decodeSecret(t *testing.T, value string) []byte {
	t.Helper()

	raw, err := hex.DecodeString(value)
	if err != nil {
		t.Fatalf("secret is not hex: %v", err)
	}
	if len(raw) != misc.SecretValueSize {
		t.Fatalf("secret is %d bytes, want %d", len(raw), misc.SecretValueSize)
	}
	return raw
}

func TestRotateSecretProvisionsServer(t *testing.T) {
	service := newTestService(t)

	value, err := service.RotateSecret("app-server-01")
	if err != nil {
		t.Fatalf("RotateSecret failed: %v", err)
	}
	raw := decodeSecret(t, value)

	secrets, err := service.ListSecrets()
	if err != nil {
		t.Fatalf("ListSecrets failed: %v", err)
	}
	if len(secrets) != 1 {
		t.Fatalf("listed %d secrets, want 1", len(secrets))
	}
	if secrets[0].ServerID != "app-server-01" {
		t.Errorf("server ID = %s", secrets[0].ServerID)
	}
	if secrets[0].Status != SecretStatusPending {
		t.Errorf("fresh secret status = %s, want %s", secrets[0].Status, SecretStatusPending)
	}
	if secrets[0].RotatedFrom != "" {
		t.Errorf("first secret has predecessor %q", secrets[0].RotatedFrom)
	}

	match, err := service.ValidateSecret("app-server-01", raw)
	if err != nil {
		t.Fatalf("ValidateSecret failed: %v", err)
	}
	if match != SecretMatchCurrent {
		t.Fatalf("match = %s, want current", match)
	}

	// The first successful validation promotes pending to active
	secrets, err = service.ListSecrets()
	if err != nil {
		t.Fatalf("ListSecrets failed: %v", err)
	}
	if secrets[0].Status != SecretStatusActive {
		t.Errorf("status after validation = %s, want %s", secrets[0].Status, SecretStatusActive)
	}
	if secrets[0].LastUsedAt == nil {
		t.Error("LastUsedAt not stamped by validation")
	}

	if count := service.GetStatus().SecretServers; count != 1 {
		t.Errorf("status reports %d secret servers, want 1", count)
	}
}

func TestSecretRotationGraceWindow(t *testing.T) {
	service := newTestService(t)

	oldValue, err := service.RotateSecret("app-server-01")
	if err != nil {
		t.Fatalf("first rotation failed: %v", err)
	}
	oldRaw := decodeSecret(t, oldValue)

	newValue, err := service.RotateSecret("app-server-01")
	if err != nil {
		t.Fatalf("second rotation failed: %v", err)
	}
	newRaw := decodeSecret(t, newValue)

	if oldValue == newValue {
		t.Fatal("rotation returned the same secret twice")
	}

	secrets, err := service.ListSecrets()
	if err != nil {
		t.Fatalf("ListSecrets failed: %v", err)
	}
	if secrets[0].RotatedFrom == "" {
		t.Error("rotated secret does not link its predecessor")
	}

	match, err := service.ValidateSecret("app-server-01", newRaw)
	if err != nil || match != SecretMatchCurrent {
		t.Fatalf("new secret: match = %s, err = %v", match, err)
	}

	// The predecessor validates through the grace window
	match, err = service.ValidateSecret("app-server-01", oldRaw)
	if err != nil || match != SecretMatchPrevious {
		t.Fatalf("old secret: match = %s, err = %v", match, err)
	}

	// A mismatch is a normal outcome, not an error
	match, err = service.ValidateSecret("app-server-01", make([]byte, misc.SecretValueSize))
	if err != nil {
		t.Fatalf("mismatch returned error: %v", err)
	}
	if match != SecretMatchNone {
		t.Fatalf("match = %s, want none", match)
	}

	if err = service.DiscardPreviousSecret("app-server-01"); err != nil {
		t.Fatalf("DiscardPreviousSecret failed: %v", err)
	}
	match, err = service.ValidateSecret("app-server-01", oldRaw)
	if err != nil {
		t.Fatalf("ValidateSecret failed: %v", err)
	}
	if match != SecretMatchNone {
		t.Fatalf("discarded secret still matches as %s", match)
	}
	if err = service.DiscardPreviousSecret("app-server-01"); err != nil {
		t.Fatalf("discard without a grace window should be a no-op: %v", err)
	}
}

func TestValidateSecretUnknownServer(t *testing.T) {
	service := newTestService(t)

	_, err := service.ValidateSecret("never-provisioned", []byte("anything"))
	if !errors.Is(err, ErrSecretNotFound) {
		t.Fatalf("expected ErrSecretNotFound, got %v", err)
	}
}

func TestRevokeSecret(t *testing.T) {
	service := newTestService(t)

	value, err := service.RotateSecret("app-server-01")
	if err != nil {
		t.Fatalf("RotateSecret failed: %v", err)
	}
	raw := decodeSecret(t, value)

	if err = service.RevokeSecret("app-server-01"); err != nil {
		t.Fatalf("RevokeSecret failed: %v", err)
	}
	if _, err = service.ValidateSecret("app-server-01", raw); !errors.Is(err, ErrSecretRevoked) {
		t.Fatalf("expected ErrSecretRevoked, got %v", err)
	}
	if err = service.RevokeSecret("app-server-01"); err != nil {
		t.Fatalf("re-revocation should be a no-op: %v", err)
	}
	if err = service.RevokeSecret("never-provisioned"); !errors.Is(err, ErrSecretNotFound) {
		t.Fatalf("expected ErrSecretNotFound, got %v", err)
	}

	if count := service.GetStatus().SecretServers; count != 0 {
		t.Errorf("revoked server still counted: %d", count)
	}

	// Rotation after revocation provisions a fresh secret
	replacement, err := service.RotateSecret("app-server-01")
	if err != nil {
		t.Fatalf("rotation after revocation failed: %v", err)
	}
	match, err := service.ValidateSecret("app-server-01", decodeSecret(t, replacement))
	if err != nil || match != SecretMatchCurrent {
		t.Fatalf("replacement secret: match = %s, err = %v", match, err)
	}

	// The revoked material is gone for good
	match, err = service.ValidateSecret("app-server-01", raw)
	if err != nil {
		t.Fatalf("ValidateSecret failed: %v", err)
	}
	if match != SecretMatchNone {
		t.Fatalf("revoked secret still matches as %s", match)
	}
}

func TestRotateSecretRejectsInvalidServerID(t *testing.T) {
	service := newTestService(t)

	for _, serverID := range []string{"", "has spaces", "semi;colon", "päron"} {
		if _, err := service.RotateSecret(serverID); err == nil {
			t.Errorf("server ID %q was accepted", serverID)
		}
	}

	// Hostname-style identifiers are fine
	if _, err := service.RotateSecret("edge-7.eu-west.example.com:8443"); err != nil {
		t.Errorf("hostname-style server ID rejected: %v", err)
	}
}

func TestSecretsSurviveReseal(t *testing.T) {
	service := newTestService(t)

	value, err := service.RotateSecret("app-server-01")
	if err != nil {
		t.Fatalf("RotateSecret failed: %v", err)
	}
	raw := decodeSecret(t, value)

	if err = service.Seal(); err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	if _, err = service.ValidateSecret("app-server-01", raw); !errors.Is(err, ErrSealed) {
		t.Fatalf("expected ErrSealed, got %v", err)
	}
	if err = service.Initialize(); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	match, err := service.ValidateSecret("app-server-01", raw)
	if err != nil || match != SecretMatchCurrent {
		t.Fatalf("secret did not survive reseal: match = %s, err = %v", match, err)
	}
}
