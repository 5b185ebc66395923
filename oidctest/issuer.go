// Package oidctest runs an in-process OpenID provider for tests. It serves
// discovery and JWKS documents, mints ID tokens that validate against that
// JWKS, and plays back scripted responses on the token, device
// authorization and backchannel authentication endpoints.
//
//	iss := oidctest.NewIssuer()
//	defer iss.Close()
//	tok := iss.IDToken("user-123", nil)
package oidctest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	jwtkit "github.com/PaulFidika/oidcflow/jwt"
	jwt "github.com/golang-jwt/jwt/v5"
)

const (
	JWKSPath        = "/.well-known/jwks.json"
	DiscoveryPath   = "/.well-known/openid-configuration"
	TokenPath       = "/token"
	DevicePath      = "/device_authorization"
	BackchannelPath = "/bc-authorize"
	AuthorizePath   = "/authorize"
)

// Reply is one scripted endpoint response. Body is JSON encoded.
type Reply struct {
	Status int
	Body   any
}

// Pending is the token endpoint reply used when the script is empty.
var Pending = Reply{Status: http.StatusBadRequest, Body: map[string]any{"error": "authorization_pending"}}

// ErrorReply builds an OAuth error response.
func ErrorReply(code string) Reply {
	return Reply{Status: http.StatusBadRequest, Body: map[string]any{"error": code}}
}

// TokenReply builds a successful token response carrying idToken.
func TokenReply(idToken string) Reply {
	return Reply{Status: http.StatusOK, Body: map[string]any{
		"access_token": "at-" + time.Now().Format("150405.000"),
		"token_type":   "Bearer",
		"expires_in":   3600,
		"id_token":     idToken,
	}}
}

type Issuer struct {
	server   *httptest.Server
	audience string

	mu         sync.Mutex
	active     jwtkit.Signer
	published  []jwtkit.JWK
	jwksStatus int
	jwksRaw    []byte
	tokens     []Reply
	device     Reply
	bc         Reply
	requests   map[string][]url.Values

	jwksHits atomic.Int64
}

type Opt func(*Issuer)

// WithAudience sets the default aud claim (default "test-app").
func WithAudience(aud string) Opt { return func(i *Issuer) { i.audience = aud } }

// WithSigner replaces the generated RS256 signer.
func WithSigner(s jwtkit.Signer) Opt { return func(i *Issuer) { i.active = s } }

func NewIssuer(opts ...Opt) *Issuer {
	i := &Issuer{audience: "test-app", requests: map[string][]url.Values{}}
	for _, o := range opts {
		o(i)
	}
	if i.active == nil {
		s, err := jwtkit.NewRSASigner(2048, "test-key-1")
		if err != nil {
			panic("oidctest: generate key: " + err.Error())
		}
		i.active = s
	}
	i.published = []jwtkit.JWK{i.active.PublicJWK()}
	i.device = Reply{Status: http.StatusOK, Body: map[string]any{
		"device_code":      "dev-code-1",
		"user_code":        "ABCD-EFGH",
		"verification_uri": "https://example.test/device",
		"expires_in":       600,
		"interval":         5,
	}}
	i.bc = Reply{Status: http.StatusOK, Body: map[string]any{
		"auth_req_id": "auth-req-1",
		"expires_in":  120,
		"interval":    2,
	}}

	mux := http.NewServeMux()
	mux.HandleFunc(DiscoveryPath, i.handleDiscovery)
	mux.HandleFunc(JWKSPath, i.handleJWKS)
	mux.HandleFunc(TokenPath, i.handleToken)
	mux.HandleFunc(DevicePath, i.scripted(DevicePath, func() Reply { return i.device }))
	mux.HandleFunc(BackchannelPath, i.scripted(BackchannelPath, func() Reply { return i.bc }))
	i.server = httptest.NewServer(mux)
	return i
}

func (i *Issuer) URL() string            { return i.server.URL }
func (i *Issuer) JWKSURI() string        { return i.server.URL + JWKSPath }
func (i *Issuer) TokenURL() string       { return i.server.URL + TokenPath }
func (i *Issuer) DeviceURL() string      { return i.server.URL + DevicePath }
func (i *Issuer) BackchannelURL() string { return i.server.URL + BackchannelPath }
func (i *Issuer) Audience() string       { return i.audience }
func (i *Issuer) Client() *http.Client   { return i.server.Client() }

func (i *Issuer) Close() {
	if i.server != nil {
		i.server.Close()
	}
}

// Signer returns the active signing key.
func (i *Issuer) Signer() jwtkit.Signer {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.active
}

// Rotate publishes s alongside the existing keys and makes it active.
func (i *Issuer) Rotate(s jwtkit.Signer) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.active = s
	i.published = append(i.published, s.PublicJWK())
}

// Publish replaces the served key set.
func (i *Issuer) Publish(keys ...jwtkit.JWK) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.published = keys
}

// FailJWKS makes the JWKS endpoint answer with status. Zero restores it.
func (i *Issuer) FailJWKS(status int) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.jwksStatus = status
}

// ServeRawJWKS serves body verbatim from the JWKS endpoint. Nil restores it.
func (i *Issuer) ServeRawJWKS(body []byte) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.jwksRaw = body
}

// JWKSHits counts JWKS requests.
func (i *Issuer) JWKSHits() int64 { return i.jwksHits.Load() }

// ScriptToken queues token endpoint replies. Once the queue is empty the
// endpoint answers authorization_pending.
func (i *Issuer) ScriptToken(replies ...Reply) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.tokens = append(i.tokens, replies...)
}

func (i *Issuer) SetDeviceReply(r Reply) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.device = r
}

func (i *Issuer) SetBackchannelReply(r Reply) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.bc = r
}

// Requests returns the forms received on path, oldest first.
func (i *Issuer) Requests(path string) []url.Values {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]url.Values(nil), i.requests[path]...)
}

// Claims returns the standard claims for a valid ID token for sub.
func (i *Issuer) Claims(sub string) jwt.MapClaims {
	now := time.Now()
	return jwt.MapClaims{
		"iss": i.URL(),
		"sub": sub,
		"aud": i.audience,
		"iat": now.Unix(),
		"exp": now.Add(time.Hour).Unix(),
	}
}

// IDToken signs Claims(sub) merged with extra. A nil value in extra removes
// the claim.
func (i *Issuer) IDToken(sub string, extra map[string]any) string {
	claims := i.Claims(sub)
	for k, v := range extra {
		if v == nil {
			delete(claims, k)
			continue
		}
		claims[k] = v
	}
	return i.Sign(claims)
}

// Sign signs claims with the active key.
func (i *Issuer) Sign(claims jwt.MapClaims) string {
	tok, err := i.Signer().Sign(context.Background(), claims)
	if err != nil {
		panic("oidctest: sign: " + err.Error())
	}
	return tok
}

func (i *Issuer) handleDiscovery(w http.ResponseWriter, _ *http.Request) {
	base := i.URL()
	writeJSON(w, http.StatusOK, map[string]any{
		"issuer":                                     base,
		"authorization_endpoint":                     base + AuthorizePath,
		"token_endpoint":                             base + TokenPath,
		"jwks_uri":                                   base + JWKSPath,
		"device_authorization_endpoint":              base + DevicePath,
		"backchannel_authentication_endpoint":        base + BackchannelPath,
		"backchannel_token_delivery_modes_supported": []string{"poll", "ping", "push"},
		"id_token_signing_alg_values_supported":      []string{"RS256", "ES256"},
		"backchannel_user_code_parameter_supported":  true,
	})
}

func (i *Issuer) handleJWKS(w http.ResponseWriter, r *http.Request) {
	i.jwksHits.Add(1)
	i.mu.Lock()
	status, raw := i.jwksStatus, i.jwksRaw
	ks := jwtkit.JWKS{Keys: append([]jwtkit.JWK(nil), i.published...)}
	i.mu.Unlock()
	if status != 0 {
		http.Error(w, http.StatusText(status), status)
		return
	}
	if raw != nil {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(raw)
		return
	}
	jwtkit.ServeJWKS(w, r, ks)
}

func (i *Issuer) record(path string, r *http.Request) {
	_ = r.ParseForm()
	form := r.PostForm
	if id, _, ok := r.BasicAuth(); ok {
		form.Set("basic_client_id", id)
	}
	i.mu.Lock()
	i.requests[path] = append(i.requests[path], form)
	i.mu.Unlock()
}

func (i *Issuer) handleToken(w http.ResponseWriter, r *http.Request) {
	i.record(TokenPath, r)
	i.mu.Lock()
	reply := Pending
	if len(i.tokens) > 0 {
		reply = i.tokens[0]
		i.tokens = i.tokens[1:]
	}
	i.mu.Unlock()
	writeJSON(w, reply.Status, reply.Body)
}

func (i *Issuer) scripted(path string, reply func() Reply) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		i.record(path, r)
		i.mu.Lock()
		rep := reply()
		i.mu.Unlock()
		writeJSON(w, rep.Status, rep.Body)
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
