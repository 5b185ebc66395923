package authgin

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/PaulFidika/oidcflow/adapters/ginutil"
	core "github.com/PaulFidika/oidcflow/core"
	"github.com/PaulFidika/oidcflow/grant"
	"github.com/PaulFidika/oidcflow/oidctest"
	memorylimiter "github.com/PaulFidika/oidcflow/ratelimit/memory"
	"github.com/gin-gonic/gin"
)

func newRouter(t *testing.T, iss *oidctest.Issuer, rl ginutil.RateLimiter) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg := core.Config{Issuers: map[string]core.IssuerConfig{
		"test": {Issuer: iss.URL(), ClientID: iss.Audience(), Discover: true},
	}}
	svc, err := core.New(context.Background(), cfg,
		core.WithHTTPClient(iss.Client()),
		core.WithPollHooks(grant.PollConfig{Sleep: func(ctx context.Context, _ time.Duration) error {
			// Keep sessions pending long enough to observe them.
			tm := time.NewTimer(50 * time.Millisecond)
			defer tm.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-tm.C:
				return nil
			}
		}}),
	)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	t.Cleanup(svc.Close)
	r := gin.New()
	Register(r, svc, rl, nil)
	return r
}

func do(r http.Handler, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	out := map[string]any{}
	_ = json.Unmarshal(w.Body.Bytes(), &out)
	return w, out
}

func TestValidateRoute(t *testing.T) {
	iss := oidctest.NewIssuer()
	defer iss.Close()
	r := newRouter(t, iss, nil)

	w, out := do(r, http.MethodPost, "/oidc/validate", map[string]any{"issuer": "test", "id_token": iss.IDToken("u1", nil)})
	if w.Code != http.StatusOK || out["valid"] != true {
		t.Fatalf("expected valid outcome, got %d %v", w.Code, out)
	}

	w, out = do(r, http.MethodPost, "/oidc/validate", map[string]any{"issuer": "test", "id_token": "not.a.jwt"})
	if w.Code != http.StatusOK || out["valid"] != false {
		t.Fatalf("expected invalid outcome, got %d %v", w.Code, out)
	}
	errs, _ := out["errors"].([]any)
	if len(errs) != 1 || errs[0].(map[string]any)["code"] != "malformed_token" {
		t.Fatalf("expected MalformedToken, got %v", out["errors"])
	}

	w, _ = do(r, http.MethodPost, "/oidc/validate", map[string]any{"issuer": "nope", "id_token": "a.b.c"})
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown issuer, got %d", w.Code)
	}
}

func TestDeviceGrantLifecycle(t *testing.T) {
	iss := oidctest.NewIssuer()
	defer iss.Close()
	r := newRouter(t, iss, nil)

	w, out := do(r, http.MethodPost, "/grants/device", map[string]any{"issuer": "test"})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d %v", w.Code, out)
	}
	id, _ := out["session_id"].(string)
	if id == "" || out["user_code"] != "ABCD-EFGH" {
		t.Fatalf("unexpected device response %v", out)
	}

	w, out = do(r, http.MethodGet, "/grants/"+id, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if st := out["state"].(map[string]any); st["status"] != "pending" {
		t.Fatalf("expected pending, got %v", st)
	}

	if w, _ = do(r, http.MethodDelete, "/grants/"+id, nil); w.Code != http.StatusOK {
		t.Fatalf("expected 200 on cancel, got %d", w.Code)
	}
	if w, _ = do(r, http.MethodGet, "/grants/"+id, nil); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after cancel, got %d", w.Code)
	}
}

func TestCIBARouteRejectsConflictingHints(t *testing.T) {
	iss := oidctest.NewIssuer()
	defer iss.Close()
	r := newRouter(t, iss, nil)

	w, out := do(r, http.MethodPost, "/grants/ciba", map[string]any{
		"issuer":        "test",
		"login_hint":    "alice",
		"id_token_hint": "tok",
	})
	if w.Code != http.StatusBadRequest || out["error"] != "invalid_initiation" {
		t.Fatalf("expected invalid_initiation, got %d %v", w.Code, out)
	}
	if fields, _ := out["fields"].([]any); len(fields) != 2 {
		t.Fatalf("expected both hints named, got %v", out["fields"])
	}
	if n := len(iss.Requests(oidctest.BackchannelPath)); n != 0 {
		t.Fatalf("expected no backchannel call, got %d", n)
	}
}

func TestRateLimitedRoute(t *testing.T) {
	iss := oidctest.NewIssuer()
	defer iss.Close()
	rl := memorylimiter.New(map[string]memorylimiter.Rule{ginutil.RLGrantRead: {Max: 1, Window: time.Minute}})
	r := newRouter(t, iss, rl)

	if w, _ := do(r, http.MethodGet, "/grants/unknown", nil); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	if w, _ := do(r, http.MethodGet, "/grants/unknown", nil); w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w.Code)
	}
}

func TestRequestSigningJWKSRoute(t *testing.T) {
	iss := oidctest.NewIssuer()
	defer iss.Close()
	r := newRouter(t, iss, nil)

	w, out := do(r, http.MethodGet, "/.well-known/jwks.json", nil)
	if w.Code != http.StatusOK || w.Header().Get("ETag") == "" {
		t.Fatalf("expected JWKS with ETag, got %d", w.Code)
	}
	if keys, ok := out["keys"].([]any); !ok || len(keys) != 0 {
		t.Fatalf("expected empty key list, got %v", out)
	}
}
