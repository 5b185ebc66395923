package oidckit

import (
	"encoding/json"
	"errors"
	"fmt"

	jwtkit "github.com/PaulFidika/oidcflow/jwt"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

// SigningKey is a public verification key fetched from an issuer's JWKS.
// It keeps the raw JWK parameters so it can round-trip through durable stores.
type SigningKey struct {
	KeyID     string `json:"kid"`
	Algorithm string `json:"alg,omitempty"`
	KeyType   string `json:"kty"`
	Issuer    string `json:"iss"`

	N   string `json:"n,omitempty"`
	E   string `json:"e,omitempty"`
	Crv string `json:"crv,omitempty"`
	X   string `json:"x,omitempty"`
	Y   string `json:"y,omitempty"`
}

// SigningKeyFromJWK copies the public parameters of j.
func SigningKeyFromJWK(issuer string, j jwtkit.JWK) SigningKey {
	return SigningKey{
		KeyID:     j.Kid,
		Algorithm: j.Alg,
		KeyType:   j.Kty,
		Issuer:    issuer,
		N:         j.N,
		E:         j.E,
		Crv:       j.Crv,
		X:         j.X,
		Y:         j.Y,
	}
}

// JWK returns the key in JWK form.
func (k SigningKey) JWK() jwtkit.JWK {
	return jwtkit.JWK{Kty: k.KeyType, Use: "sig", Kid: k.KeyID, Alg: k.Algorithm, N: k.N, E: k.E, Crv: k.Crv, X: k.X, Y: k.Y}
}

// PublicKey materializes the key as *rsa.PublicKey, *ecdsa.PublicKey or ed25519.PublicKey.
func (k SigningKey) PublicKey() (any, error) {
	switch k.KeyType {
	case "RSA", "EC", "OKP":
	case "":
		return nil, errors.New("signing key has no kty")
	default:
		return nil, fmt.Errorf("unsupported key type %q", k.KeyType)
	}
	b, err := json.Marshal(k.JWK())
	if err != nil {
		return nil, err
	}
	key, err := jwk.ParseKey(b)
	if err != nil {
		return nil, fmt.Errorf("parse jwk %q: %w", k.KeyID, err)
	}
	var raw any
	if err := key.Raw(&raw); err != nil {
		return nil, fmt.Errorf("materialize jwk %q: %w", k.KeyID, err)
	}
	return raw, nil
}
