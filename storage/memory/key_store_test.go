package memorystore

import (
	"context"
	"testing"
	"time"

	oidckit "github.com/PaulFidika/oidcflow/oidc"
)

func entry(kid string, ttl time.Duration) oidckit.KeyEntry {
	now := time.Now()
	return oidckit.KeyEntry{Value: oidckit.SigningKey{KeyID: kid, KeyType: "RSA"}, CachedAt: now, ExpiresAt: now.Add(ttl)}
}

func TestKeyStoreCRUD(t *testing.T) {
	ctx := context.Background()
	s := NewKeyStore()

	if _, ok, _ := s.Load(ctx, "a"); ok {
		t.Fatalf("empty store returned a hit")
	}
	_ = s.Save(ctx, "a", entry("a", time.Hour))
	_ = s.Save(ctx, "b", entry("b", -time.Hour))

	e, ok, err := s.Load(ctx, "a")
	if err != nil || !ok || e.Value.KeyID != "a" {
		t.Fatalf("load: %v %v %+v", err, ok, e)
	}
	if _, ok, _ := s.Load(ctx, "b"); !ok {
		t.Fatalf("store must not interpret expiry")
	}

	seen := 0
	_ = s.Range(ctx, func(string, oidckit.KeyEntry) bool { seen++; return true })
	if seen != 2 {
		t.Fatalf("range saw %d", seen)
	}

	_ = s.Delete(ctx, "a")
	if s.Len() != 1 {
		t.Fatalf("len after delete %d", s.Len())
	}
	_ = s.Clear(ctx)
	if s.Len() != 0 {
		t.Fatalf("len after clear %d", s.Len())
	}
}

func TestRangeAllowsDeleteAndStops(t *testing.T) {
	ctx := context.Background()
	s := NewKeyStore()
	for _, k := range []string{"a", "b", "c"} {
		_ = s.Save(ctx, k, entry(k, time.Hour))
	}
	calls := 0
	err := s.Range(ctx, func(k string, _ oidckit.KeyEntry) bool {
		calls++
		_ = s.Delete(ctx, k)
		return false
	})
	if err != nil || calls != 1 || s.Len() != 2 {
		t.Fatalf("err=%v calls=%d len=%d", err, calls, s.Len())
	}
}
