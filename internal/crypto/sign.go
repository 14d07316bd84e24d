package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"

	"github.com/sheep-shaker/Shugo-sub004/internal/misc"
)

// Sign computes an HMAC-SHA256 tag over data.
func Sign(data, key []byte) ([]byte, error) {
	if len(key) != misc.KeySize {
		return nil, fmt.Errorf("invalid signing key length: %d bytes (want %d)", len(key), misc.KeySize)
	}

	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil), nil
}

// VerifySignature checks an HMAC-SHA256 tag in constant time.
func VerifySignature(data, signature, key []byte) (bool, error) {
	expected, err := Sign(data, key)
	if err != nil {
		return false, err
	}
	return hmac.Equal(signature, expected), nil
}

// ConstantTimeCompare reports whether a and b are equal without leaking
// where they differ. Unequal lengths return false immediately; length is
// not considered secret here.
func ConstantTimeCompare(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}
