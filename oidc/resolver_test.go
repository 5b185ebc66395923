package oidckit_test

import (
	"context"
	"errors"
	"net/http"
	"testing"

	jwtkit "github.com/PaulFidika/oidcflow/jwt"
	oidckit "github.com/PaulFidika/oidcflow/oidc"
	"github.com/PaulFidika/oidcflow/oidctest"
	memorystore "github.com/PaulFidika/oidcflow/storage/memory"
)

func newResolver(iss *oidctest.Issuer, opts ...oidckit.ResolverOpt) (*oidckit.KeySetResolver, *memorystore.KeyStore) {
	store := memorystore.NewKeyStore()
	cache := oidckit.NewKeyMaterialCache(store)
	opts = append([]oidckit.ResolverOpt{oidckit.WithHTTPClient(iss.Client())}, opts...)
	return oidckit.NewKeySetResolver(cache, opts...), store
}

func resolveKind(t *testing.T, err error) oidckit.ResolveErrorKind {
	t.Helper()
	var re *oidckit.ResolveError
	if !errors.As(err, &re) {
		t.Fatalf("expected *ResolveError, got %v", err)
	}
	return re.Kind
}

func TestResolveFetchesOnceThenCaches(t *testing.T) {
	iss := oidctest.NewIssuer()
	defer iss.Close()
	r, _ := newResolver(iss)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		k, err := r.Resolve(ctx, iss.URL(), iss.JWKSURI(), "test-key-1")
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		if k.KeyID != "test-key-1" || k.Issuer != iss.URL() || k.KeyType != "RSA" {
			t.Fatalf("unexpected key %+v", k)
		}
	}
	if hits := iss.JWKSHits(); hits != 1 {
		t.Fatalf("jwks fetched %d times, want 1", hits)
	}
}

func TestResolveCachesEveryKeyInDocument(t *testing.T) {
	iss := oidctest.NewIssuer()
	defer iss.Close()
	ec, err := jwtkit.NewECSigner("ec-1")
	if err != nil {
		t.Fatal(err)
	}
	iss.Publish(iss.Signer().PublicJWK(), ec.PublicJWK())
	r, store := newResolver(iss)
	ctx := context.Background()

	if _, err := r.Resolve(ctx, iss.URL(), iss.JWKSURI(), "test-key-1"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if store.Len() != 2 {
		t.Fatalf("cached %d keys, want 2", store.Len())
	}
	if _, err := r.Resolve(ctx, iss.URL(), iss.JWKSURI(), "ec-1"); err != nil {
		t.Fatalf("resolve ec: %v", err)
	}
	if iss.JWKSHits() != 1 {
		t.Fatalf("second kid should come from cache")
	}
}

func TestResolveKeyNotFound(t *testing.T) {
	iss := oidctest.NewIssuer()
	defer iss.Close()
	r, _ := newResolver(iss)

	_, err := r.Resolve(context.Background(), iss.URL(), iss.JWKSURI(), "nope")
	if resolveKind(t, err) != oidckit.ResolveKeyNotFound {
		t.Fatalf("got %v", err)
	}
	if !errors.Is(err, oidckit.ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound in chain")
	}
}

func TestResolveUnreachable(t *testing.T) {
	iss := oidctest.NewIssuer()
	defer iss.Close()
	iss.FailJWKS(http.StatusServiceUnavailable)
	r, store := newResolver(iss)

	_, err := r.Resolve(context.Background(), iss.URL(), iss.JWKSURI(), "test-key-1")
	if resolveKind(t, err) != oidckit.ResolveUnreachable {
		t.Fatalf("got %v", err)
	}
	if store.Len() != 0 {
		t.Fatalf("failed fetch must not populate the cache")
	}
	if iss.JWKSHits() != 1 {
		t.Fatalf("resolver must not retry, saw %d fetches", iss.JWKSHits())
	}
}

func TestResolveMalformedKeySet(t *testing.T) {
	for name, body := range map[string]string{
		"not json":     `{`,
		"missing keys": `{"foo":[]}`,
	} {
		t.Run(name, func(t *testing.T) {
			iss := oidctest.NewIssuer()
			defer iss.Close()
			iss.ServeRawJWKS([]byte(body))
			r, _ := newResolver(iss)
			_, err := r.Resolve(context.Background(), iss.URL(), iss.JWKSURI(), "test-key-1")
			if resolveKind(t, err) != oidckit.ResolveMalformed {
				t.Fatalf("got %v", err)
			}
		})
	}
}

func TestResolveSkipsEncryptionKeys(t *testing.T) {
	iss := oidctest.NewIssuer()
	defer iss.Close()
	enc := iss.Signer().PublicJWK()
	enc.Use = "enc"
	iss.Publish(enc)
	r, store := newResolver(iss)

	_, err := r.Resolve(context.Background(), iss.URL(), iss.JWKSURI(), "test-key-1")
	if resolveKind(t, err) != oidckit.ResolveKeyNotFound {
		t.Fatalf("encryption key must not be usable, got %v", err)
	}
	if store.Len() != 0 {
		t.Fatalf("encryption key was cached")
	}
}

type denyAll struct{ calls int }

func (d *denyAll) AllowNamed(bucket, key string) (bool, error) {
	d.calls++
	return false, nil
}

func TestResolveThrottled(t *testing.T) {
	iss := oidctest.NewIssuer()
	defer iss.Close()
	lim := &denyAll{}
	r, _ := newResolver(iss, oidckit.WithFetchLimiter(lim))

	_, err := r.Resolve(context.Background(), iss.URL(), iss.JWKSURI(), "test-key-1")
	if !errors.Is(err, oidckit.ErrFetchThrottled) {
		t.Fatalf("expected throttled, got %v", err)
	}
	if iss.JWKSHits() != 0 || lim.calls != 1 {
		t.Fatalf("hits=%d calls=%d", iss.JWKSHits(), lim.calls)
	}
}
