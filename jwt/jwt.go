package jwtkit

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"

	jwt "github.com/golang-jwt/jwt/v5"
)

// Signer signs JWTs with an asymmetric key and publishes the matching public JWK.
type Signer interface {
	// Algorithm returns the JWS algorithm (e.g., RS256, ES256).
	Algorithm() string
	// KID returns current key id.
	KID() string
	// Sign creates a signed JWT with provided claims.
	Sign(ctx context.Context, claims jwt.MapClaims) (token string, err error)
	// PublicJWK returns the verification key for publication in a JWKS.
	PublicJWK() JWK
}

// RSASigner signs with RS256.
type RSASigner struct {
	key *rsa.PrivateKey
	kid string
}

func NewRSASigner(bits int, kid string) (*RSASigner, error) {
	if bits == 0 {
		bits = 2048
	}
	k, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, err
	}
	return &RSASigner{key: k, kid: kid}, nil
}

func (s *RSASigner) Algorithm() string         { return jwt.SigningMethodRS256.Alg() }
func (s *RSASigner) KID() string               { return s.kid }
func (s *RSASigner) PublicKey() *rsa.PublicKey { return &s.key.PublicKey }
func (s *RSASigner) PublicJWK() JWK            { return RSAPublicToJWK(s.PublicKey(), s.kid, s.Algorithm()) }

func (s *RSASigner) Sign(_ context.Context, claims jwt.MapClaims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = s.kid
	return token.SignedString(s.key)
}

// ECSigner signs with ES256/ES384/ES512 depending on the key's curve.
type ECSigner struct {
	key    *ecdsa.PrivateKey
	kid    string
	method *jwt.SigningMethodECDSA
}

// NewECSigner generates a fresh P-256 key (ES256).
func NewECSigner(kid string) (*ECSigner, error) {
	k, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	return newECSigner(kid, k)
}

func newECSigner(kid string, k *ecdsa.PrivateKey) (*ECSigner, error) {
	var m *jwt.SigningMethodECDSA
	switch k.Curve {
	case elliptic.P256():
		m = jwt.SigningMethodES256
	case elliptic.P384():
		m = jwt.SigningMethodES384
	case elliptic.P521():
		m = jwt.SigningMethodES512
	default:
		return nil, errors.New("ecdsa key uses an unsupported curve")
	}
	return &ECSigner{key: k, kid: kid, method: m}, nil
}

func (s *ECSigner) Algorithm() string           { return s.method.Alg() }
func (s *ECSigner) KID() string                 { return s.kid }
func (s *ECSigner) PublicKey() *ecdsa.PublicKey { return &s.key.PublicKey }

func (s *ECSigner) PublicJWK() JWK {
	j, _ := ECPublicToJWK(s.PublicKey(), s.kid, s.Algorithm())
	return j
}

func (s *ECSigner) Sign(_ context.Context, claims jwt.MapClaims) (string, error) {
	token := jwt.NewWithClaims(s.method, claims)
	token.Header["kid"] = s.kid
	return token.SignedString(s.key)
}

// NewSignerFromPEM builds a Signer from a PEM-encoded RSA or ECDSA private key
// (PKCS#1, SEC1 or PKCS#8).
func NewSignerFromPEM(kid string, pemBytes []byte) (Signer, error) {
	if len(pemBytes) == 0 {
		return nil, errors.New("empty private key pem")
	}
	blk, _ := pem.Decode(pemBytes)
	if blk == nil {
		return nil, errors.New("failed to decode private key pem")
	}
	switch blk.Type {
	case "RSA PRIVATE KEY":
		k, err := x509.ParsePKCS1PrivateKey(blk.Bytes)
		if err != nil {
			return nil, err
		}
		return &RSASigner{key: k, kid: kid}, nil
	case "EC PRIVATE KEY":
		k, err := x509.ParseECPrivateKey(blk.Bytes)
		if err != nil {
			return nil, err
		}
		return newECSigner(kid, k)
	}
	key, err := x509.ParsePKCS8PrivateKey(blk.Bytes)
	if err != nil {
		return nil, err
	}
	switch k := key.(type) {
	case *rsa.PrivateKey:
		return &RSASigner{key: k, kid: kid}, nil
	case *ecdsa.PrivateKey:
		return newECSigner(kid, k)
	default:
		return nil, fmt.Errorf("pkcs8 key type %T is not supported", key)
	}
}
