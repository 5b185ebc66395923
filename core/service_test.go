package core

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/PaulFidika/oidcflow/grant"
	oidckit "github.com/PaulFidika/oidcflow/oidc"
	"github.com/PaulFidika/oidcflow/oidctest"
	"github.com/stretchr/testify/require"
)

func noWait(ctx context.Context, _ time.Duration) error { return ctx.Err() }

func newTestService(t *testing.T, iss *oidctest.Issuer, mutate func(*IssuerConfig)) *Service {
	t.Helper()
	ic := IssuerConfig{
		Issuer:   iss.URL(),
		ClientID: iss.Audience(),
		Discover: true,
	}
	if mutate != nil {
		mutate(&ic)
	}
	cfg := Config{Issuers: map[string]IssuerConfig{"test": ic}}
	svc, err := New(context.Background(), cfg,
		WithHTTPClient(iss.Client()),
		WithPollHooks(grant.PollConfig{Sleep: noWait}),
	)
	require.NoError(t, err)
	t.Cleanup(svc.Close)
	return svc
}

func TestService_ValidateIDToken(t *testing.T) {
	iss := oidctest.NewIssuer()
	defer iss.Close()
	svc := newTestService(t, iss, nil)

	tok := iss.IDToken("user-1", map[string]any{"nonce": "n-1"})
	out, err := svc.ValidateIDToken(context.Background(), "test", tok, "n-1")
	require.NoError(t, err)
	require.True(t, out.Valid, "errors: %+v", out.Errors)
	require.Equal(t, "user-1", out.Claims.Subject)

	out, err = svc.ValidateIDToken(context.Background(), "test", tok, "other")
	require.NoError(t, err)
	require.False(t, out.Valid)
	require.True(t, out.HasError(oidckit.ErrCodeNonceMismatch))

	// Second validation is served from the key cache.
	require.Equal(t, int64(1), iss.JWKSHits())

	_, err = svc.ValidateIDToken(context.Background(), "missing", tok, "")
	require.ErrorIs(t, err, ErrUnknownIssuer)
}

func TestService_DeviceGrantFromDiscovery(t *testing.T) {
	iss := oidctest.NewIssuer()
	defer iss.Close()
	idTok := iss.IDToken("dev-user", nil)
	iss.ScriptToken(oidctest.Pending, oidctest.TokenReply(idTok))
	svc := newTestService(t, iss, nil)

	g, err := svc.StartDevicePoll(context.Background(), "test")
	require.NoError(t, err)
	require.Equal(t, "ABCD-EFGH", g.Authorization.UserCode)

	sess, err := svc.Session(g.Session.ID())
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	st, err := sess.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, grant.StatusApproved, st.Status)

	out, err := svc.ValidateIDToken(context.Background(), "test", st.Tokens.IDToken, "")
	require.NoError(t, err)
	require.True(t, out.Valid)
}

func TestService_CIBAPollAndCancel(t *testing.T) {
	iss := oidctest.NewIssuer()
	defer iss.Close()
	svc := newTestService(t, iss, nil)

	g, err := svc.StartCIBAPoll(context.Background(), "test", grant.CIBARequest{LoginHint: "alice"})
	require.NoError(t, err)
	require.NotNil(t, g.Session)
	require.Equal(t, "openid", iss.Requests(oidctest.BackchannelPath)[0].Get("scope"))

	require.NoError(t, svc.CancelSession(g.Session.ID()))
	_, err = g.Session.Wait(context.Background())
	require.ErrorIs(t, err, grant.ErrSessionCancelled)

	_, err = svc.Session(g.Session.ID())
	require.ErrorIs(t, err, grant.ErrSessionNotFound)
}

func TestService_CIBAPingUsesConfiguredNotificationToken(t *testing.T) {
	iss := oidctest.NewIssuer()
	defer iss.Close()
	iss.ScriptToken(oidctest.TokenReply(iss.IDToken("bob", nil)))
	svc := newTestService(t, iss, func(ic *IssuerConfig) {
		ic.DeliveryMode = "ping"
		ic.NotificationEndpoint = "https://rp.example/ciba"
		ic.ClientNotificationToken = "configured-token"
	})

	g, err := svc.StartCIBAPoll(context.Background(), "test", grant.CIBARequest{LoginHint: "bob"})
	require.NoError(t, err)
	require.Nil(t, g.Session)
	require.Equal(t, "configured-token", iss.Requests(oidctest.BackchannelPath)[0].Get("client_notification_token"))

	st, err := svc.RedeemCIBA(context.Background(), "test", g.Initiation.AuthReqID)
	require.NoError(t, err)
	require.Equal(t, grant.StatusApproved, st.Status)
}

func TestService_GrantUnsupported(t *testing.T) {
	iss := oidctest.NewIssuer()
	defer iss.Close()
	svc := newTestService(t, iss, func(ic *IssuerConfig) {
		ic.Discover = false
		ic.JWKSURI = iss.JWKSURI()
	})
	_, err := svc.StartDevicePoll(context.Background(), "test")
	require.True(t, errors.Is(err, ErrGrantUnsupported))
	require.Empty(t, svc.RequestSigningKeys().JWKS().Keys)
}
