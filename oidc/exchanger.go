package oidckit

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/oauth2"
)

// ErrInvalidIDToken is returned when the exchanged ID token fails validation.
// The accompanying outcome lists every failed check.
var ErrInvalidIDToken = errors.New("oidc: id_token failed validation")

// ExchangeCode redeems an authorization code (with its PKCE verifier) and
// validates the returned ID token, including the per-request nonce.
func ExchangeCode(ctx context.Context, rp *RelyingParty, v *TokenValidator, code, verifier, nonce string) (Claims, *ValidationOutcome, error) {
	var opts []oauth2.AuthCodeOption
	if verifier != "" {
		opts = append(opts, oauth2.VerifierOption(verifier))
	}
	tok, err := rp.OAuthConfig().Exchange(ctx, code, opts...)
	if err != nil {
		return Claims{}, nil, fmt.Errorf("token exchange failed for %s: %w", rp.Issuer(), err)
	}
	rawIDToken, ok := tok.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return Claims{}, nil, errors.New("no id_token in response")
	}

	outcome := v.Validate(ctx, rawIDToken, rp.Issuer(), rp.ClientID(), WithNonce(nonce), WithJWKSURI(rp.JWKSURI()))
	if !outcome.Valid {
		return Claims{}, outcome, ErrInvalidIDToken
	}
	c := outcome.Claims
	return Claims{
		Subject:    c.Subject,
		Issuer:     c.Issuer,
		Audience:   []string(c.Audience),
		ExpiresAt:  c.ExpiresAt.Time,
		RawIDToken: rawIDToken,
	}, outcome, nil
}
