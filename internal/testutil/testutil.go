// Package testutil holds small helpers shared by the bridge's tests.
package testutil

import (
	"crypto/rand"
	"encoding/hex"

	"golang.org/x/oauth2"
)

// PKCEPair returns a fresh RFC 7636 verifier and its S256 challenge.
func PKCEPair() (verifier, challenge string) {
	verifier = oauth2.GenerateVerifier()
	return verifier, oauth2.S256ChallengeFromVerifier(verifier)
}

// RandomState returns a random hex string long enough for any state
// parameter minimum.
func RandomState() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b)
}

// SigningKey returns a deterministic 32-byte HS256 signing key for tests.
func SigningKey() []byte {
	return []byte("0123456789abcdef0123456789abcdef")
}
