package oidckit

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/oauth2"
)

// randomToken returns n bytes from crypto/rand, base64url encoded without padding.
func randomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// GenerateState returns an unguessable OAuth state value.
func GenerateState() (string, error) { return randomToken(24) }

// GenerateNonce returns an unguessable OIDC nonce.
func GenerateNonce() (string, error) { return randomToken(24) }

// PKCE holds a code verifier and its S256 challenge.
type PKCE struct {
	Verifier  string
	Challenge string
	Method    string
}

// NewPKCE generates a fresh verifier (RFC 7636, 32 random bytes).
func NewPKCE() PKCE {
	v := oauth2.GenerateVerifier()
	return PKCE{Verifier: v, Challenge: oauth2.S256ChallengeFromVerifier(v), Method: "S256"}
}
