package memorystore

import (
	"context"
	"sync"

	oidckit "github.com/PaulFidika/oidcflow/oidc"
)

// KeyStore is an in-memory oidckit.KeyStore. Expiry is left to the cache
// layer; entries live until deleted or cleared.
type KeyStore struct {
	mu   sync.RWMutex
	data map[string]oidckit.KeyEntry
}

func NewKeyStore() *KeyStore {
	return &KeyStore{data: make(map[string]oidckit.KeyEntry)}
}

func (s *KeyStore) Load(ctx context.Context, key string) (oidckit.KeyEntry, bool, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.data[key]
	return e, ok, nil
}

func (s *KeyStore) Save(ctx context.Context, key string, entry oidckit.KeyEntry) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = entry
	return nil
}

func (s *KeyStore) Delete(ctx context.Context, key string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

// Range iterates over a snapshot so fn may call back into the store.
func (s *KeyStore) Range(ctx context.Context, fn func(key string, entry oidckit.KeyEntry) bool) error {
	s.mu.RLock()
	snap := make(map[string]oidckit.KeyEntry, len(s.data))
	for k, v := range s.data {
		snap[k] = v
	}
	s.mu.RUnlock()
	for k, v := range snap {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !fn(k, v) {
			return nil
		}
	}
	return nil
}

func (s *KeyStore) Clear(ctx context.Context) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = make(map[string]oidckit.KeyEntry)
	return nil
}

// Len returns the number of stored entries, expired or not.
func (s *KeyStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

var _ oidckit.KeyStore = (*KeyStore)(nil)
