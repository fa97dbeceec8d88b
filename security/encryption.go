// Package security provides the security primitives used by the bridge:
// token encryption at rest, audit logging, rate limiting, and HTTP security
// headers.
package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

// KeySize is the required key length for AES-256.
const KeySize = 32

// ErrDecryptFailed indicates that no configured key could decrypt the input.
var ErrDecryptFailed = errors.New("decryption failed with all configured keys")

// Encryptor encrypts token material at rest using AES-256-GCM.
//
// It supports operator key rotation: the primary key encrypts all new data,
// while any number of fallback keys can still decrypt data written under a
// previous key. Rotating is therefore: add the old key as a fallback, set the
// new key as primary, re-encrypt lazily as records are updated.
type Encryptor struct {
	primary   cipher.AEAD
	fallbacks []cipher.AEAD
	enabled   bool
}

// NewEncryptor creates an encryptor from a primary key and optional fallback
// decryption keys. A nil or empty primary key disables encryption entirely;
// every key supplied must be exactly KeySize bytes.
func NewEncryptor(primaryKey []byte, fallbackKeys ...[]byte) (*Encryptor, error) {
	if len(primaryKey) == 0 {
		return &Encryptor{enabled: false}, nil
	}

	primary, err := newAEAD(primaryKey)
	if err != nil {
		return nil, fmt.Errorf("primary key: %w", err)
	}

	fallbacks := make([]cipher.AEAD, 0, len(fallbackKeys))
	for i, key := range fallbackKeys {
		aead, err := newAEAD(key)
		if err != nil {
			return nil, fmt.Errorf("fallback key %d: %w", i, err)
		}
		fallbacks = append(fallbacks, aead)
	}

	return &Encryptor{
		primary:   primary,
		fallbacks: fallbacks,
		enabled:   true,
	}, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("encryption key must be exactly %d bytes for AES-256, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// Encrypt encrypts plaintext with the primary key and returns base64-encoded
// ciphertext in the storage format [nonce][ciphertext]. A disabled encryptor
// passes the plaintext through unchanged.
func (e *Encryptor) Encrypt(plaintext string) (string, error) {
	if !e.enabled {
		return plaintext, nil
	}

	nonce := make([]byte, e.primary.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := e.primary.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt decrypts base64-encoded ciphertext, trying the primary key first
// and then each fallback key in order. Returns ErrDecryptFailed if no key
// can open the ciphertext.
func (e *Encryptor) Decrypt(encoded string) (string, error) {
	if !e.enabled {
		return encoded, nil
	}

	ciphertext, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("failed to decode base64: %w", err)
	}

	for _, aead := range append([]cipher.AEAD{e.primary}, e.fallbacks...) {
		nonceSize := aead.NonceSize()
		if len(ciphertext) < nonceSize {
			continue
		}
		plaintext, err := aead.Open(nil, ciphertext[:nonceSize], ciphertext[nonceSize:], nil)
		if err == nil {
			return string(plaintext), nil
		}
	}

	return "", ErrDecryptFailed
}

// IsEnabled reports whether encryption is active.
func (e *Encryptor) IsEnabled() bool {
	return e.enabled
}

// GenerateKey generates a new random AES-256 key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return key, nil
}

// KeyFromBase64 decodes a base64-encoded encryption key.
func KeyFromBase64(s string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64 key: %w", err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("key must be %d bytes, got %d", KeySize, len(key))
	}
	return key, nil
}

// KeyToBase64 encodes an encryption key to base64.
func KeyToBase64(key []byte) string {
	return base64.StdEncoding.EncodeToString(key)
}
