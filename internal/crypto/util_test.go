package crypto

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/sheep-shaker/Shugo-sub004/internal/misc"
)

func testKey() []byte {
	key := make([]byte, misc.KeySize)
	for i := range key {
		key[i] = byte(i*7 + 13)
	}
	return key
}

func TestEncryptDecryptValue(t *testing.T) {
	key := testKey()
	plaintext := []byte("the quick brown fox")

	encrypted, err := EncryptValue(plaintext, key)
	if err != nil {
		t.Fatalf("EncryptValue failed: %v", err)
	}

	if bytes.Contains(encrypted, plaintext) {
		t.Error("ciphertext contains plaintext")
	}

	decrypted, err := DecryptValue(encrypted, key)
	if err != nil {
		t.Fatalf("DecryptValue failed: %v", err)
	}

	if !bytes.Equal(decrypted, plaintext) {
		t.Errorf("round-trip mismatch: got %q, want %q", decrypted, plaintext)
	}
}

func TestEncryptValueUniqueNonces(t *testing.T) {
	key := testKey()
	plaintext := []byte("same input twice")

	first, err := EncryptValue(plaintext, key)
	if err != nil {
		t.Fatalf("first encryption failed: %v", err)
	}
	second, err := EncryptValue(plaintext, key)
	if err != nil {
		t.Fatalf("second encryption failed: %v", err)
	}

	if bytes.Equal(first, second) {
		t.Error("two encryptions of the same plaintext produced identical output")
	}
	if bytes.Equal(first[:misc.NonceSize], second[:misc.NonceSize]) {
		t.Error("nonce was reused across encryptions")
	}
}

func TestDecryptValueRejectsTampering(t *testing.T) {
	key := testKey()
	encrypted, err := EncryptValue([]byte("integrity matters"), key)
	if err != nil {
		t.Fatalf("EncryptValue failed: %v", err)
	}

	// Flip one ciphertext bit
	tampered := make([]byte, len(encrypted))
	copy(tampered, encrypted)
	tampered[len(tampered)-1] ^= 0x01

	if _, err = DecryptValue(tampered, key); !errors.Is(err, ErrAuthentication) {
		t.Fatalf("expected ErrAuthentication for tampered ciphertext, got %v", err)
	}

	// Wrong key must fail the same way
	wrongKey := testKey()
	wrongKey[0] ^= 0xFF
	if _, err = DecryptValue(encrypted, wrongKey); !errors.Is(err, ErrAuthentication) {
		t.Fatalf("expected ErrAuthentication for wrong key, got %v", err)
	}
}

func TestEncryptValueRejectsBadKeyLength(t *testing.T) {
	for _, n := range []int{0, 16, 31, 33, 64} {
		key := make([]byte, n)
		if _, err := EncryptValue([]byte("data"), key); err == nil {
			t.Errorf("expected error for %d-byte key", n)
		}
		if _, err := DecryptValue([]byte("data"), key); err == nil {
			t.Errorf("expected decrypt error for %d-byte key", n)
		}
	}
}

func TestDecryptValueTooShort(t *testing.T) {
	if _, err := DecryptValue([]byte{0x01, 0x02, 0x03}, testKey()); err == nil {
		t.Fatal("expected error for truncated input")
	}
}

func TestEncryptWithPassphraseRoundTrip(t *testing.T) {
	passphrase := []byte("correct horse battery staple")
	data := []byte(`{"keys":["a","b"]}`)

	encrypted, err := EncryptWithPassphrase(data, passphrase)
	if err != nil {
		t.Fatalf("EncryptWithPassphrase failed: %v", err)
	}

	decrypted, err := DecryptWithPassphrase(encrypted, passphrase)
	if err != nil {
		t.Fatalf("DecryptWithPassphrase failed: %v", err)
	}
	if !bytes.Equal(decrypted, data) {
		t.Errorf("round-trip mismatch: got %q, want %q", decrypted, data)
	}

	if _, err = DecryptWithPassphrase(encrypted, []byte("wrong passphrase!")); err == nil {
		t.Fatal("expected failure with wrong passphrase")
	}
}

func TestEncryptWithPassphraseUniqueSalts(t *testing.T) {
	passphrase := []byte("correct horse battery staple")
	data := []byte("payload")

	first, err := EncryptWithPassphrase(data, passphrase)
	if err != nil {
		t.Fatalf("first encryption failed: %v", err)
	}
	second, err := EncryptWithPassphrase(data, passphrase)
	if err != nil {
		t.Fatalf("second encryption failed: %v", err)
	}

	if bytes.Equal(first[:misc.BackupSaltSize], second[:misc.BackupSaltSize]) {
		t.Error("salt was reused across encryptions")
	}
}

func TestDeriveWrappingKey(t *testing.T) {
	masterKey := testKey()

	first, err := DeriveWrappingKey(masterKey)
	if err != nil {
		t.Fatalf("DeriveWrappingKey failed: %v", err)
	}
	defer first.Destroy()

	second, err := DeriveWrappingKey(masterKey)
	if err != nil {
		t.Fatalf("second derivation failed: %v", err)
	}
	defer second.Destroy()

	// Same master key must yield the same wrapping key across restarts
	if !bytes.Equal(first.Bytes(), second.Bytes()) {
		t.Error("derivation is not deterministic")
	}
	if len(first.Bytes()) != misc.KeySize {
		t.Errorf("derived key has %d bytes, want %d", len(first.Bytes()), misc.KeySize)
	}
	if bytes.Equal(first.Bytes(), masterKey) {
		t.Error("derived key equals master key")
	}
}

func TestDeriveWrappingKeyRejectsShortKeys(t *testing.T) {
	if _, err := DeriveWrappingKey(nil); err == nil {
		t.Error("expected error for empty master key")
	}
	if _, err := DeriveWrappingKey(make([]byte, MinMasterKeyLength-1)); err == nil {
		t.Error("expected error for short master key")
	}
}

func TestSignAndVerify(t *testing.T) {
	key := testKey()
	data := []byte("message to authenticate")

	sig, err := Sign(data, key)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}

	ok, err := VerifySignature(data, sig, key)
	if err != nil {
		t.Fatalf("VerifySignature failed: %v", err)
	}
	if !ok {
		t.Error("valid signature did not verify")
	}

	ok, err = VerifySignature([]byte("different message"), sig, key)
	if err != nil {
		t.Fatalf("VerifySignature failed: %v", err)
	}
	if ok {
		t.Error("signature verified against the wrong message")
	}

	if _, err = Sign(data, make([]byte, 8)); err == nil {
		t.Error("expected error for short signing key")
	}
}

func TestConstantTimeCompare(t *testing.T) {
	if !ConstantTimeCompare([]byte("abc"), []byte("abc")) {
		t.Error("equal values compared unequal")
	}
	if ConstantTimeCompare([]byte("abc"), []byte("abd")) {
		t.Error("unequal values compared equal")
	}
	if ConstantTimeCompare([]byte("abc"), []byte("abcd")) {
		t.Error("values of different length compared equal")
	}
}

func TestRandomNumericCode(t *testing.T) {
	code, err := RandomNumericCode(10)
	if err != nil {
		t.Fatalf("RandomNumericCode failed: %v", err)
	}
	if len(code) != 10 {
		t.Errorf("code has %d digits, want 10", len(code))
	}
	for _, r := range code {
		if r < '0' || r > '9' {
			t.Errorf("code contains non-digit %q", r)
		}
	}

	if _, err = RandomNumericCode(0); err == nil {
		t.Error("expected error for zero-length code")
	}
}

func TestRandomToken(t *testing.T) {
	first, err := RandomToken(16)
	if err != nil {
		t.Fatalf("RandomToken failed: %v", err)
	}
	second, err := RandomToken(16)
	if err != nil {
		t.Fatalf("RandomToken failed: %v", err)
	}

	if len(first) != 32 {
		t.Errorf("token has %d hex chars, want 32", len(first))
	}
	if first == second {
		t.Error("two tokens are identical")
	}
}

func TestHashPasswordVerify(t *testing.T) {
	encoded, err := HashPassword("s3cret-operator-code")
	if err != nil {
		t.Fatalf("HashPassword failed: %v", err)
	}
	if !strings.HasPrefix(encoded, "$argon2id$") {
		t.Errorf("unexpected hash format: %s", encoded)
	}

	ok, err := VerifyPassword("s3cret-operator-code", encoded)
	if err != nil {
		t.Fatalf("VerifyPassword failed: %v", err)
	}
	if !ok {
		t.Error("correct password did not verify")
	}

	ok, err = VerifyPassword("wrong-code", encoded)
	if err != nil {
		t.Fatalf("VerifyPassword failed: %v", err)
	}
	if ok {
		t.Error("wrong password verified")
	}

	if _, err = VerifyPassword("anything", "not-a-hash"); err == nil {
		t.Error("expected error for malformed hash")
	}
}

func TestPasswordNeedsUpgrade(t *testing.T) {
	encoded, err := HashPassword("s3cret-operator-code")
	if err != nil {
		t.Fatalf("HashPassword failed: %v", err)
	}
	if PasswordNeedsUpgrade(encoded) {
		t.Error("fresh hash reported as needing upgrade")
	}

	// Hash produced with weaker parameters than the current ones
	legacy := "$argon2id$v=19$m=65536,t=1,p=1$c29tZXNhbHQ$aGFzaGhhc2hoYXNoaGFzaGhhc2hoYXNoaGFzaGhhc2g"
	if !PasswordNeedsUpgrade(legacy) {
		t.Error("legacy hash not reported as needing upgrade")
	}

	if !PasswordNeedsUpgrade("garbage") {
		t.Error("malformed hash should need upgrade")
	}
}

func TestIsWeakKey(t *testing.T) {
	if !IsWeakKey(make([]byte, misc.KeySize)) {
		t.Error("all-zero key not detected as weak")
	}
	if !IsWeakKey(bytes.Repeat([]byte{0xAB}, misc.KeySize)) {
		t.Error("constant key not detected as weak")
	}
	if !IsWeakKey([]byte("short")) {
		t.Error("short key not detected as weak")
	}
	if IsWeakKey(testKey()) {
		t.Error("varied key flagged as weak")
	}
}

func TestCalculateChecksum(t *testing.T) {
	sum := CalculateChecksum([]byte("hello"))
	if len(sum) != 64 {
		t.Errorf("checksum has %d hex chars, want 64", len(sum))
	}
	if sum != CalculateChecksum([]byte("hello")) {
		t.Error("checksum is not deterministic")
	}
	if sum == CalculateChecksum([]byte("hellp")) {
		t.Error("different inputs produced the same checksum")
	}
}
