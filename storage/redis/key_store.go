package redisstore

import (
	"context"
	"encoding/json"
	"errors"

	oidckit "github.com/PaulFidika/oidcflow/oidc"
	"github.com/redis/go-redis/v9"
)

// KeyStore persists signing keys in Redis as JSON. Each key also carries a
// Redis expiry at the entry's ExpiresAt so abandoned entries age out.
type KeyStore struct {
	rdb   redis.UniversalClient
	keyNS string
}

func NewKeyStore(rdb redis.UniversalClient, keyPrefix string) *KeyStore {
	if keyPrefix == "" {
		keyPrefix = "oidc:jwk:"
	}
	return &KeyStore{rdb: rdb, keyNS: keyPrefix}
}

func (s *KeyStore) key(k string) string { return s.keyNS + k }

func (s *KeyStore) Load(ctx context.Context, k string) (oidckit.KeyEntry, bool, error) {
	val, err := s.rdb.Get(ctx, s.key(k)).Bytes()
	if errors.Is(err, redis.Nil) {
		return oidckit.KeyEntry{}, false, nil
	}
	if err != nil {
		return oidckit.KeyEntry{}, false, err
	}
	var e oidckit.KeyEntry
	if err := json.Unmarshal(val, &e); err != nil {
		return oidckit.KeyEntry{}, false, err
	}
	return e, true, nil
}

func (s *KeyStore) Save(ctx context.Context, k string, entry oidckit.KeyEntry) error {
	b, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	full := s.key(k)
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, full, b, 0)
		p.ExpireAt(ctx, full, entry.ExpiresAt)
		return nil
	})
	return err
}

func (s *KeyStore) Delete(ctx context.Context, k string) error {
	return s.rdb.Del(ctx, s.key(k)).Err()
}

func (s *KeyStore) Range(ctx context.Context, fn func(key string, entry oidckit.KeyEntry) bool) error {
	iter := s.rdb.Scan(ctx, 0, s.keyNS+"*", 100).Iterator()
	for iter.Next(ctx) {
		full := iter.Val()
		k := full[len(s.keyNS):]
		e, ok, err := s.Load(ctx, k)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if !fn(k, e) {
			return nil
		}
	}
	return iter.Err()
}

func (s *KeyStore) Clear(ctx context.Context) error {
	iter := s.rdb.Scan(ctx, 0, s.keyNS+"*", 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return s.rdb.Del(ctx, keys...).Err()
}

var _ oidckit.KeyStore = (*KeyStore)(nil)
