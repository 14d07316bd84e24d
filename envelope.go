package shugo

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/sheep-shaker/Shugo-sub004/internal/misc"
)

// Envelope wire format, base64 std encoded:
//
//	[2 bytes: key version length (big-endian)]
//	[N bytes: key version (UTF-8)]
//	[12 bytes: nonce]
//	[M bytes: ciphertext + authentication tag]
//
// The embedded version is authoritative: decryption always resolves the key
// that produced the ciphertext, never "the current key". A version survives
// any number of rotations, so envelopes written years ago stay readable
// until their key is explicitly revoked.

const aeadTagSize = 16

// encodeEnvelope frames an encrypted payload (nonce || ciphertext+tag, as
// produced by crypto.EncryptValue) with its key version and base64-encodes
// the result.
func encodeEnvelope(keyVersion string, encryptedPayload []byte) (string, error) {
	if keyVersion == "" {
		return "", errors.New("key version cannot be empty")
	}

	versionBytes := []byte(keyVersion)
	if len(versionBytes) > 65535 {
		return "", errors.New("key version too long")
	}

	if len(encryptedPayload) < misc.NonceSize+aeadTagSize {
		return "", errors.New("encrypted payload too short")
	}

	framed := make([]byte, 2+len(versionBytes)+len(encryptedPayload))
	binary.BigEndian.PutUint16(framed[0:2], uint16(len(versionBytes)))
	copy(framed[2:2+len(versionBytes)], versionBytes)
	copy(framed[2+len(versionBytes):], encryptedPayload)

	return base64.StdEncoding.EncodeToString(framed), nil
}

// decodeEnvelope splits a base64 envelope into its key version and the
// encrypted payload (nonce || ciphertext+tag). Format violations are
// reported as plain errors; authentication is the cipher's job.
func decodeEnvelope(envelope string) (string, []byte, error) {
	if envelope == "" {
		return "", nil, errors.New("envelope cannot be empty")
	}

	framed, err := base64.StdEncoding.DecodeString(envelope)
	if err != nil {
		return "", nil, fmt.Errorf("invalid envelope encoding: %w", err)
	}

	if len(framed) < 2 {
		return "", nil, errors.New("envelope too short")
	}

	versionLength := binary.BigEndian.Uint16(framed[0:2])
	if versionLength == 0 {
		return "", nil, errors.New("envelope missing key version")
	}

	// Minimum remainder after the version: nonce plus authentication tag
	if int(versionLength) > len(framed)-2-misc.NonceSize-aeadTagSize {
		return "", nil, errors.New("envelope truncated")
	}

	keyVersion := string(framed[2 : 2+versionLength])
	encryptedPayload := framed[2+versionLength:]

	return keyVersion, encryptedPayload, nil
}
