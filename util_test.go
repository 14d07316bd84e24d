package shugo

import (
	"strings"
	"testing"
)

func TestGenerateKeyVersion(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		version := generateKeyVersion()
		if len(version) != 16 || !isHex(version) {
			t.Fatalf("version = %q, want 16 hex chars", version)
		}
		if seen[version] {
			t.Fatalf("version %q repeated", version)
		}
		seen[version] = true
	}
}

func TestValidateServerID(t *testing.T) {
	valid := []string{
		"app-01",
		"edge-7.eu-west.example.com:8443",
		"A_b.c:9",
		strings.Repeat("x", 255),
	}
	for _, id := range valid {
		if err := validateServerID(id); err != nil {
			t.Errorf("validateServerID(%q) = %v", id, err)
		}
	}

	invalid := []string{
		"",
		strings.Repeat("x", 256),
		"has space",
		"semi;colon",
		"päron",
		"slash/id",
	}
	for _, id := range invalid {
		if err := validateServerID(id); err == nil {
			t.Errorf("validateServerID(%q) accepted", id)
		}
	}
}

func TestValidateItemName(t *testing.T) {
	valid := []string{
		"db/postgres/main",
		"a",
		strings.Repeat("n", 255),
	}
	for _, name := range valid {
		if err := validateItemName(name); err != nil {
			t.Errorf("validateItemName(%q) = %v", name, err)
		}
	}

	invalid := []string{
		"",
		"   ",
		strings.Repeat("n", 256),
		"../escape",
		"nested/../elsewhere",
	}
	for _, name := range invalid {
		if err := validateItemName(name); err == nil {
			t.Errorf("validateItemName(%q) accepted", name)
		}
	}
}

func TestValidateScope(t *testing.T) {
	valid := []string{
		"prod",
		"datacenter-east",
		"tier_2",
		strings.Repeat("s", 64),
	}
	for _, scope := range valid {
		if err := validateScope(scope); err != nil {
			t.Errorf("validateScope(%q) = %v", scope, err)
		}
	}

	invalid := []string{
		"",
		strings.Repeat("s", 65),
		"has space",
		"slash/scope",
		"dot.scope",
	}
	for _, scope := range invalid {
		if err := validateScope(scope); err == nil {
			t.Errorf("validateScope(%q) accepted", scope)
		}
	}
}
