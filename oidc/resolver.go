package oidckit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	jwtkit "github.com/PaulFidika/oidcflow/jwt"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/sirupsen/logrus"
)

// ResolveErrorKind classifies key resolution failures.
type ResolveErrorKind string

const (
	ResolveUnreachable ResolveErrorKind = "unreachable"
	ResolveMalformed   ResolveErrorKind = "malformed"
	ResolveKeyNotFound ResolveErrorKind = "key_not_found"
)

var (
	ErrKeyNotFound    = errors.New("kid not present in key set")
	ErrFetchThrottled = errors.New("jwks fetch throttled")
)

// RateLimitBucketJWKS is the limiter bucket consulted before each JWKS fetch.
const RateLimitBucketJWKS = "jwks_fetch"

const maxJWKSBytes = 1 << 20

// ResolveError carries the cause of a failed key resolution.
type ResolveError struct {
	Kind   ResolveErrorKind
	Issuer string
	KeyID  string
	Err    error
}

func (e *ResolveError) Error() string {
	return fmt.Sprintf("oidc: resolve key %q for %s: %s: %v", e.KeyID, e.Issuer, e.Kind, e.Err)
}

func (e *ResolveError) Unwrap() error { return e.Err }

// RateLimiter matches the named-bucket limiters in ratelimit/.
type RateLimiter interface {
	AllowNamed(bucket, key string) (bool, error)
}

// KeySetResolver finds verification keys, consulting the cache before the network.
// Each Resolve performs at most one fetch and never retries.
type KeySetResolver struct {
	cache   *KeyMaterialCache
	client  *http.Client
	ttl     time.Duration
	limiter RateLimiter
	log     logrus.FieldLogger
}

// ResolverOpt configures a KeySetResolver.
type ResolverOpt func(*KeySetResolver)

// WithHTTPClient sets the client used for JWKS fetches.
func WithHTTPClient(c *http.Client) ResolverOpt {
	return func(r *KeySetResolver) { r.client = c }
}

// WithKeyTTL overrides DefaultKeyTTL.
func WithKeyTTL(ttl time.Duration) ResolverOpt {
	return func(r *KeySetResolver) { r.ttl = ttl }
}

// WithFetchLimiter throttles JWKS fetches per issuer.
func WithFetchLimiter(l RateLimiter) ResolverOpt {
	return func(r *KeySetResolver) { r.limiter = l }
}

// WithResolverLogger sets the logger.
func WithResolverLogger(l logrus.FieldLogger) ResolverOpt {
	return func(r *KeySetResolver) { r.log = l }
}

func NewKeySetResolver(cache *KeyMaterialCache, opts ...ResolverOpt) *KeySetResolver {
	r := &KeySetResolver{
		cache:  cache,
		client: &http.Client{Timeout: 10 * time.Second},
		ttl:    DefaultKeyTTL,
		log:    logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the key named kid for issuer. On a cache miss it fetches
// jwksURI once and caches every usable key in the document.
func (r *KeySetResolver) Resolve(ctx context.Context, issuer, jwksURI, kid string) (SigningKey, error) {
	if k, ok := r.cache.Get(ctx, issuer, kid); ok {
		return k, nil
	}
	log := r.log.WithFields(logrus.Fields{"issuer": issuer, "kid": kid})

	if r.limiter != nil {
		allowed, err := r.limiter.AllowNamed(RateLimitBucketJWKS, issuer)
		if err != nil {
			log.WithError(err).Warn("jwks fetch limiter failed; allowing fetch")
		} else if !allowed {
			return SigningKey{}, &ResolveError{Kind: ResolveUnreachable, Issuer: issuer, KeyID: kid, Err: ErrFetchThrottled}
		}
	}

	keys, err := r.fetch(ctx, issuer, jwksURI)
	if err != nil {
		var re *ResolveError
		if errors.As(err, &re) {
			re.KeyID = kid
			return SigningKey{}, re
		}
		return SigningKey{}, err
	}
	log.WithField("keys", len(keys)).Debug("fetched jwks")

	var found *SigningKey
	for i := range keys {
		k := keys[i]
		r.cache.Put(ctx, issuer, k.KeyID, k, r.ttl)
		if k.KeyID == kid {
			found = &k
		}
	}
	if found == nil {
		return SigningKey{}, &ResolveError{Kind: ResolveKeyNotFound, Issuer: issuer, KeyID: kid, Err: ErrKeyNotFound}
	}
	return *found, nil
}

func (r *KeySetResolver) fetch(ctx context.Context, issuer, jwksURI string) ([]SigningKey, error) {
	unreachable := func(err error) error {
		return &ResolveError{Kind: ResolveUnreachable, Issuer: issuer, Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, jwksURI, http.NoBody)
	if err != nil {
		return nil, unreachable(err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, unreachable(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, unreachable(fmt.Errorf("jwks endpoint returned %s", resp.Status))
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxJWKSBytes))
	if err != nil {
		return nil, unreachable(err)
	}
	keys, err := r.parseKeySet(issuer, body)
	if err != nil {
		return nil, &ResolveError{Kind: ResolveMalformed, Issuer: issuer, Err: err}
	}
	return keys, nil
}

func (r *KeySetResolver) parseKeySet(issuer string, body []byte) ([]SigningKey, error) {
	var doc struct {
		Keys []json.RawMessage `json:"keys"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("decode jwks: %w", err)
	}
	if doc.Keys == nil {
		return nil, errors.New("jwks document has no keys member")
	}
	out := make([]SigningKey, 0, len(doc.Keys))
	for i, raw := range doc.Keys {
		if _, err := jwk.ParseKey(raw); err != nil {
			r.log.WithField("issuer", issuer).WithField("index", i).WithError(err).Warn("skipping unparseable jwk")
			continue
		}
		var j jwtkit.JWK
		if err := json.Unmarshal(raw, &j); err != nil {
			continue
		}
		if j.Kid == "" || j.Use == "enc" {
			continue
		}
		switch j.Kty {
		case "RSA", "EC", "OKP":
			out = append(out, SigningKeyFromJWK(issuer, j))
		}
	}
	return out, nil
}
