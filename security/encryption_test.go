package security

import (
	"errors"
	"strings"
	"testing"
)

func testKey(b byte) []byte {
	key := make([]byte, KeySize)
	for i := range key {
		key[i] = b
	}
	return key
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	enc, err := NewEncryptor(testKey('a'))
	if err != nil {
		t.Fatalf("NewEncryptor failed: %v", err)
	}

	plaintext := "upstream-refresh-token-value"
	ciphertext, err := enc.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	if ciphertext == plaintext {
		t.Fatal("ciphertext equals plaintext")
	}
	if strings.Contains(ciphertext, "refresh") {
		t.Fatal("plaintext visible in ciphertext")
	}

	decrypted, err := enc.Decrypt(ciphertext)
	if err != nil {
		t.Fatalf("Decrypt failed: %v", err)
	}
	if decrypted != plaintext {
		t.Errorf("Decrypt = %q, want %q", decrypted, plaintext)
	}
}

func TestEncryptProducesUniqueCiphertexts(t *testing.T) {
	enc, err := NewEncryptor(testKey('a'))
	if err != nil {
		t.Fatalf("NewEncryptor failed: %v", err)
	}

	first, err := enc.Encrypt("same input")
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	second, err := enc.Encrypt("same input")
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	if first == second {
		t.Error("two encryptions produced identical ciphertext, nonce reuse?")
	}
}

func TestDecryptWithFallbackKey(t *testing.T) {
	oldEnc, err := NewEncryptor(testKey('o'))
	if err != nil {
		t.Fatalf("NewEncryptor failed: %v", err)
	}
	ciphertext, err := oldEnc.Encrypt("written under the old key")
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	// Rotated: new primary, old key demoted to fallback.
	rotated, err := NewEncryptor(testKey('n'), testKey('o'))
	if err != nil {
		t.Fatalf("NewEncryptor failed: %v", err)
	}

	decrypted, err := rotated.Decrypt(ciphertext)
	if err != nil {
		t.Fatalf("Decrypt with fallback failed: %v", err)
	}
	if decrypted != "written under the old key" {
		t.Errorf("Decrypt = %q", decrypted)
	}

	// New writes use the new primary, which the old encryptor cannot read.
	fresh, err := rotated.Encrypt("written under the new key")
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	if _, err := oldEnc.Decrypt(fresh); !errors.Is(err, ErrDecryptFailed) {
		t.Errorf("old key decrypted new data: err = %v", err)
	}
}

func TestDecryptWrongKey(t *testing.T) {
	enc, err := NewEncryptor(testKey('a'))
	if err != nil {
		t.Fatalf("NewEncryptor failed: %v", err)
	}
	other, err := NewEncryptor(testKey('b'))
	if err != nil {
		t.Fatalf("NewEncryptor failed: %v", err)
	}

	ciphertext, err := enc.Encrypt("secret")
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	if _, err := other.Decrypt(ciphertext); !errors.Is(err, ErrDecryptFailed) {
		t.Errorf("err = %v, want ErrDecryptFailed", err)
	}
}

func TestDisabledEncryptorPassesThrough(t *testing.T) {
	enc, err := NewEncryptor(nil)
	if err != nil {
		t.Fatalf("NewEncryptor failed: %v", err)
	}
	if enc.IsEnabled() {
		t.Error("encryptor with nil key reports enabled")
	}

	out, err := enc.Encrypt("plaintext")
	if err != nil || out != "plaintext" {
		t.Errorf("Encrypt = %q, %v", out, err)
	}
	out, err = enc.Decrypt("plaintext")
	if err != nil || out != "plaintext" {
		t.Errorf("Decrypt = %q, %v", out, err)
	}
}

func TestNewEncryptorRejectsBadKeySizes(t *testing.T) {
	if _, err := NewEncryptor([]byte("short")); err == nil {
		t.Error("expected error for short primary key")
	}
	if _, err := NewEncryptor(testKey('a'), []byte("short")); err == nil {
		t.Error("expected error for short fallback key")
	}
}

func TestKeyBase64RoundTrip(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	if len(key) != KeySize {
		t.Fatalf("key length = %d", len(key))
	}

	decoded, err := KeyFromBase64(KeyToBase64(key))
	if err != nil {
		t.Fatalf("KeyFromBase64 failed: %v", err)
	}
	if string(decoded) != string(key) {
		t.Error("round trip changed the key")
	}

	if _, err := KeyFromBase64("not base64!!!"); err == nil {
		t.Error("expected error for invalid base64")
	}
	if _, err := KeyFromBase64("c2hvcnQ="); err == nil {
		t.Error("expected error for wrong-size key")
	}
}
