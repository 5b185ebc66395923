package grant

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	jwtkit "github.com/PaulFidika/oidcflow/jwt"
	"github.com/PaulFidika/oidcflow/oidctest"
	jwt "github.com/golang-jwt/jwt/v5"
)

func newCIBAFlow(t *testing.T, iss *oidctest.Issuer, mutate func(*CIBAConfig)) *CIBAFlow {
	t.Helper()
	cfg := CIBAConfig{
		Issuer:             iss.URL(),
		ClientID:           "bank-app",
		BackchannelAuthURL: iss.BackchannelURL(),
		TokenURL:           iss.TokenURL(),
		HTTPClient:         iss.Client(),
		Poll:               PollConfig{Sleep: noWait},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	f, err := NewCIBAFlow(cfg)
	if err != nil {
		t.Fatalf("new ciba flow: %v", err)
	}
	return f
}

func TestCIBA_ConflictingHintsFailBeforeNetwork(t *testing.T) {
	iss := oidctest.NewIssuer()
	defer iss.Close()
	f := newCIBAFlow(t, iss, nil)

	_, err := f.Initiate(context.Background(), CIBARequest{
		Scopes:      []string{"openid"},
		LoginHint:   "alice@example.com",
		IDTokenHint: "eyJ...",
	})
	var ie *InitiationError
	if !errors.As(err, &ie) {
		t.Fatalf("expected InitiationError, got %v", err)
	}
	if !ie.Has("login_hint") || !ie.Has("id_token_hint") || ie.Has("login_hint_token") {
		t.Fatalf("expected both offending hints named, got %+v", ie.Fields)
	}
	if n := len(iss.Requests(oidctest.BackchannelPath)); n != 0 {
		t.Fatalf("expected no network call, got %d", n)
	}
}

func TestCIBA_ValidateRules(t *testing.T) {
	iss := oidctest.NewIssuer()
	defer iss.Close()
	ec, err := jwtkit.NewECSigner("ec-1")
	if err != nil {
		t.Fatalf("ec signer: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*CIBAConfig)
		req    CIBARequest
		fields []string
	}{
		{"no_hint", nil, CIBARequest{Scopes: []string{"openid"}},
			[]string{"login_hint", "id_token_hint", "login_hint_token"}},
		{"missing_openid", nil, CIBARequest{Scopes: []string{"profile"}, LoginHint: "a"},
			[]string{"scope"}},
		{"ping_without_token", func(c *CIBAConfig) {
			c.DeliveryMode = DeliveryPing
			c.NotificationEndpoint = "https://rp.example/cb"
		}, CIBARequest{Scopes: []string{"openid"}, LoginHint: "a"},
			[]string{"client_notification_token"}},
		{"push_without_endpoint", func(c *CIBAConfig) { c.DeliveryMode = DeliveryPush },
			CIBARequest{Scopes: []string{"openid"}, LoginHint: "a", ClientNotificationToken: "n"},
			[]string{"client_notification_endpoint"}},
		{"signing_without_key", func(c *CIBAConfig) { c.RequestSigningAlg = "RS256" },
			CIBARequest{Scopes: []string{"openid"}, LoginHint: "a"},
			[]string{"signing_key"}},
		{"signing_alg_mismatch", func(c *CIBAConfig) {
			c.RequestSigningAlg = "RS256"
			c.Signer = ec
		}, CIBARequest{Scopes: []string{"openid"}, LoginHint: "a"},
			[]string{"signing_key"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := newCIBAFlow(t, iss, tc.mutate).Validate(tc.req)
			var ie *InitiationError
			if !errors.As(err, &ie) {
				t.Fatalf("expected InitiationError, got %v", err)
			}
			if len(ie.Fields) != len(tc.fields) {
				t.Fatalf("expected fields %v, got %+v", tc.fields, ie.Fields)
			}
			for _, f := range tc.fields {
				if !ie.Has(f) {
					t.Fatalf("expected %s named, got %+v", f, ie.Fields)
				}
			}
		})
	}

	ok := newCIBAFlow(t, iss, func(c *CIBAConfig) {
		c.DeliveryMode = DeliveryPing
		c.NotificationEndpoint = "https://rp.example/cb"
	})
	if err := ok.Validate(CIBARequest{Scopes: []string{"openid email"}, LoginHintToken: "t", ClientNotificationToken: "n"}); err != nil {
		t.Fatalf("expected valid request, got %v", err)
	}
}

func TestCIBA_PollModeEndToEnd(t *testing.T) {
	iss := oidctest.NewIssuer()
	defer iss.Close()
	idTok := iss.IDToken("alice", nil)
	iss.ScriptToken(oidctest.Pending, oidctest.Pending, oidctest.TokenReply(idTok))

	f := newCIBAFlow(t, iss, nil)
	in, err := f.Initiate(context.Background(), CIBARequest{
		Scopes:          []string{"openid", "email"},
		LoginHint:       "alice@example.com",
		BindingMessage:  "W4SCT",
		RequestedExpiry: 120,
	})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if in.AuthReqID != "auth-req-1" || in.Interval != 2*time.Second || in.Mode != DeliveryPoll {
		t.Fatalf("unexpected initiation %+v", in)
	}

	form := iss.Requests(oidctest.BackchannelPath)[0]
	if form.Get("login_hint") != "alice@example.com" || form.Get("scope") != "openid email" ||
		form.Get("binding_message") != "W4SCT" || form.Get("requested_expiry") != "120" || form.Get("client_id") != "bank-app" {
		t.Fatalf("unexpected backchannel form %v", form)
	}
	if form.Get("id_token_hint") != "" {
		t.Fatalf("empty parameters must be omitted")
	}

	s, err := f.Start(context.Background(), in)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	st, err := s.Wait(ctx)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if st.Status != StatusApproved || st.Tokens.IDToken != idTok {
		t.Fatalf("expected approved, got %+v", st)
	}
	for _, tf := range iss.Requests(oidctest.TokenPath) {
		if tf.Get("grant_type") != GrantTypeCIBA || tf.Get("auth_req_id") != "auth-req-1" {
			t.Fatalf("unexpected token form %v", tf)
		}
	}
}

func TestCIBA_SignedRequestObject(t *testing.T) {
	iss := oidctest.NewIssuer()
	defer iss.Close()
	signer, err := jwtkit.NewRSASigner(2048, "client-key")
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	f := newCIBAFlow(t, iss, func(c *CIBAConfig) {
		c.RequestSigningAlg = "RS256"
		c.Signer = signer
	})
	if _, err := f.Initiate(context.Background(), CIBARequest{Scopes: []string{"openid"}, LoginHint: "bob", RequestedExpiry: 60}); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	form := iss.Requests(oidctest.BackchannelPath)[0]
	if form.Get("login_hint") != "" {
		t.Fatalf("signed requests must not repeat parameters in the form")
	}

	claims := jwt.MapClaims{}
	tok, err := jwt.ParseWithClaims(form.Get("request"), claims, func(*jwt.Token) (any, error) {
		return signer.PublicKey(), nil
	}, jwt.WithValidMethods([]string{"RS256"}), jwt.WithAudience(iss.URL()), jwt.WithIssuer("bank-app"))
	if err != nil || !tok.Valid {
		t.Fatalf("request object did not verify: %v", err)
	}
	if tok.Header["kid"] != "client-key" {
		t.Fatalf("expected kid header, got %v", tok.Header["kid"])
	}
	if claims["login_hint"] != "bob" || claims["jti"] == "" || claims["requested_expiry"] != float64(60) {
		t.Fatalf("unexpected request object claims %v", claims)
	}
}

func TestCIBA_PingModeRedeem(t *testing.T) {
	iss := oidctest.NewIssuer()
	defer iss.Close()
	f := newCIBAFlow(t, iss, func(c *CIBAConfig) {
		c.DeliveryMode = DeliveryPing
		c.NotificationEndpoint = "https://rp.example/cb"
	})
	in, err := f.Initiate(context.Background(), CIBARequest{Scopes: []string{"openid"}, LoginHint: "a", ClientNotificationToken: "ntok"})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if got := iss.Requests(oidctest.BackchannelPath)[0].Get("client_notification_token"); got != "ntok" {
		t.Fatalf("expected notification token sent, got %q", got)
	}
	if _, err := f.Start(context.Background(), in); !errors.Is(err, ErrNotPollMode) {
		t.Fatalf("expected ErrNotPollMode, got %v", err)
	}

	iss.ScriptToken(oidctest.Pending, oidctest.ErrorReply(CodeAccessDenied))
	st, err := f.Redeem(context.Background(), in.AuthReqID)
	if err != nil || st.Status != StatusPending {
		t.Fatalf("expected pending, got %+v %v", st, err)
	}
	st, err = f.Redeem(context.Background(), in.AuthReqID)
	if err != nil || st.Status != StatusDenied {
		t.Fatalf("expected denied, got %+v %v", st, err)
	}
}

func TestCIBA_InitiationProtocolError(t *testing.T) {
	iss := oidctest.NewIssuer()
	defer iss.Close()
	iss.SetBackchannelReply(oidctest.Reply{Status: http.StatusBadRequest, Body: map[string]any{
		"error":             "unknown_user_id",
		"error_description": "no such user",
	}})
	_, err := newCIBAFlow(t, iss, nil).Initiate(context.Background(), CIBARequest{Scopes: []string{"openid"}, LoginHint: "ghost"})
	var perr *ProtocolError
	if !errors.As(err, &perr) || perr.Code != "unknown_user_id" || perr.Status != http.StatusBadRequest {
		t.Fatalf("expected unknown_user_id, got %v", err)
	}
}

func TestNewCIBAFlow_RejectsUnknownMode(t *testing.T) {
	_, err := NewCIBAFlow(CIBAConfig{ClientID: "c", BackchannelAuthURL: "https://x/bc", TokenURL: "https://x/t", DeliveryMode: "carrier-pigeon"})
	var ie *InitiationError
	if !errors.As(err, &ie) || !ie.Has("delivery_mode") {
		t.Fatalf("expected delivery_mode error, got %v", err)
	}
}
