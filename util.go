package shugo

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"time"
)

// Generate a random key version identifier
func generateKeyVersion() string {
	buf := make([]byte, 8)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		// Fall back to timestamp if random fails
		return fmt.Sprintf("key-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf)
}

func isValidEnvVarName(name string) bool {
	if len(name) == 0 || len(name) > 128 {
		return false
	}

	// Must start with letter or underscore
	if !((name[0] >= 'A' && name[0] <= 'Z') || (name[0] >= 'a' && name[0] <= 'z') || name[0] == '_') {
		return false
	}

	// Rest can be letters, numbers, or underscores
	for i := 1; i < len(name); i++ {
		c := name[i]
		if !((c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '_') {
			return false
		}
	}

	return true
}

func validateServerID(serverID string) error {
	if serverID == "" {
		return fmt.Errorf("server ID cannot be empty")
	}
	if len(serverID) > 255 {
		return fmt.Errorf("server ID too long (max 255 characters)")
	}

	for _, r := range serverID {
		if !((r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') || r == '-' || r == '_' || r == '.' || r == ':') {
			return fmt.Errorf("server ID %q contains invalid characters (allowed: a-z, A-Z, 0-9, -, _, ., :)", serverID)
		}
	}

	return nil
}

func validateItemName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("item name cannot be empty")
	}
	if len(name) > 255 {
		return fmt.Errorf("item name too long (max 255 characters)")
	}
	if strings.Contains(name, "..") {
		return fmt.Errorf("item name contains invalid path traversal sequence")
	}
	return nil
}

func validateScope(scope string) error {
	if scope == "" {
		return fmt.Errorf("scope cannot be empty")
	}
	if len(scope) > 64 {
		return fmt.Errorf("scope too long (max 64 characters)")
	}

	for _, r := range scope {
		if !((r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') || r == '-' || r == '_') {
			return fmt.Errorf("scope %q contains invalid characters (allowed: a-z, A-Z, 0-9, -, _)", scope)
		}
	}

	return nil
}
