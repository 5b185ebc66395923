package jwtkit

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// KeySource provides the client's request-signing key and the JWKS that
// authorization servers fetch to verify signed authentication requests.
type KeySource interface {
	ActiveSigner() Signer
	JWKS() JWKS
}

// StaticKeySource is a simple in-memory implementation. Retired keys stay in
// Extra so requests signed before a rotation remain verifiable.
type StaticKeySource struct {
	Active Signer
	Extra  []JWK
}

func (s StaticKeySource) ActiveSigner() Signer { return s.Active }

func (s StaticKeySource) JWKS() JWKS {
	keys := make([]JWK, 0, len(s.Extra)+1)
	if s.Active != nil {
		keys = append(keys, s.Active.PublicJWK())
	}
	keys = append(keys, s.Extra...)
	return JWKS{Keys: keys}
}

// LoadSignerFile reads a PEM private key from disk. When kid is empty it is
// read from a sibling "<path>.kid" file, falling back to the file name.
func LoadSignerFile(kid, path string) (Signer, error) {
	pemBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read signing key: %w", err)
	}
	kid = strings.TrimSpace(kid)
	if kid == "" {
		if b, err := os.ReadFile(path + ".kid"); err == nil {
			kid = strings.TrimSpace(string(b))
		}
	}
	if kid == "" {
		kid = strings.TrimSuffix(filepath.Base(path), ".pem")
	}
	s, err := NewSignerFromPEM(kid, pemBytes)
	if err != nil {
		return nil, fmt.Errorf("parse signing key %s: %w", path, err)
	}
	return s, nil
}
