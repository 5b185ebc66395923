package oidckit

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultKeyTTL is how long fetched signing keys stay cached.
const DefaultKeyTTL = 24 * time.Hour

// CacheEntry wraps a cached value with its insertion and expiry times.
// ExpiresAt is always after CachedAt.
type CacheEntry[T any] struct {
	Value     T         `json:"value"`
	CachedAt  time.Time `json:"cached_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ValidAt reports whether the entry is still usable at now.
func (e CacheEntry[T]) ValidAt(now time.Time) bool { return now.Before(e.ExpiresAt) }

type KeyEntry = CacheEntry[SigningKey]

// KeyStore is the durable backing for KeyMaterialCache. Implementations do
// not interpret expiry; they persist whatever entry they are handed.
type KeyStore interface {
	Load(ctx context.Context, key string) (KeyEntry, bool, error)
	Save(ctx context.Context, key string, entry KeyEntry) error
	Delete(ctx context.Context, key string) error
	// Range calls fn for each stored entry until fn returns false.
	Range(ctx context.Context, fn func(key string, entry KeyEntry) bool) error
	Clear(ctx context.Context) error
}

// KeyMaterialCache maps (issuer, kid) to a SigningKey. Store failures are
// logged and treated as misses: validation never depends on the cache.
type KeyMaterialCache struct {
	store KeyStore
	now   func() time.Time
	log   logrus.FieldLogger
}

// CacheOpt configures a KeyMaterialCache.
type CacheOpt func(*KeyMaterialCache)

// WithCacheClock overrides the time source (tests).
func WithCacheClock(now func() time.Time) CacheOpt {
	return func(c *KeyMaterialCache) { c.now = now }
}

// WithCacheLogger sets the logger used for swallowed store errors.
func WithCacheLogger(l logrus.FieldLogger) CacheOpt {
	return func(c *KeyMaterialCache) { c.log = l }
}

func NewKeyMaterialCache(store KeyStore, opts ...CacheOpt) *KeyMaterialCache {
	c := &KeyMaterialCache{store: store, now: time.Now, log: logrus.StandardLogger()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CacheKey is the store key for an (issuer, kid) pair.
func CacheKey(issuer, kid string) string { return issuer + "|" + kid }

// Get returns the cached key, or false on miss, expiry or store failure.
// Expired entries are deleted as part of the lookup.
func (c *KeyMaterialCache) Get(ctx context.Context, issuer, kid string) (SigningKey, bool) {
	if c == nil || c.store == nil {
		return SigningKey{}, false
	}
	k := CacheKey(issuer, kid)
	entry, ok, err := c.store.Load(ctx, k)
	if err != nil {
		c.log.WithFields(logrus.Fields{"issuer": issuer, "kid": kid}).WithError(err).Warn("key cache load failed; treating as miss")
		return SigningKey{}, false
	}
	if !ok {
		return SigningKey{}, false
	}
	if !entry.ValidAt(c.now()) {
		if err := c.store.Delete(ctx, k); err != nil {
			c.log.WithFields(logrus.Fields{"issuer": issuer, "kid": kid}).WithError(err).Warn("key cache delete of expired entry failed")
		}
		return SigningKey{}, false
	}
	return entry.Value, true
}

// Put caches key until now+ttl. Non-positive ttls are ignored.
func (c *KeyMaterialCache) Put(ctx context.Context, issuer, kid string, key SigningKey, ttl time.Duration) {
	if c == nil || c.store == nil || ttl <= 0 {
		return
	}
	now := c.now()
	entry := KeyEntry{Value: key, CachedAt: now, ExpiresAt: now.Add(ttl)}
	if err := c.store.Save(ctx, CacheKey(issuer, kid), entry); err != nil {
		c.log.WithFields(logrus.Fields{"issuer": issuer, "kid": kid}).WithError(err).Warn("key cache save failed")
	}
}

// EvictExpired removes every expired entry and returns how many were removed.
func (c *KeyMaterialCache) EvictExpired(ctx context.Context) int {
	if c == nil || c.store == nil {
		return 0
	}
	now := c.now()
	var expired []string
	err := c.store.Range(ctx, func(key string, entry KeyEntry) bool {
		if !entry.ValidAt(now) {
			expired = append(expired, key)
		}
		return true
	})
	if err != nil {
		c.log.WithError(err).Warn("key cache scan failed")
	}
	n := 0
	for _, k := range expired {
		if err := c.store.Delete(ctx, k); err != nil {
			c.log.WithField("key", k).WithError(err).Warn("key cache eviction failed")
			continue
		}
		n++
	}
	return n
}

// Clear drops every cached key.
func (c *KeyMaterialCache) Clear(ctx context.Context) {
	if c == nil || c.store == nil {
		return
	}
	if err := c.store.Clear(ctx); err != nil {
		c.log.WithError(err).Warn("key cache clear failed")
	}
}
