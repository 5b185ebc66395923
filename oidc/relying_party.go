package oidckit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/oauth2"
)

// ProviderMetadata is the subset of OpenID Provider metadata this module uses.
type ProviderMetadata struct {
	Issuer                              string   `json:"issuer"`
	AuthorizationEndpoint               string   `json:"authorization_endpoint"`
	TokenEndpoint                       string   `json:"token_endpoint"`
	JWKSURI                             string   `json:"jwks_uri"`
	DeviceAuthorizationEndpoint         string   `json:"device_authorization_endpoint,omitempty"`
	BackchannelAuthenticationEndpoint   string   `json:"backchannel_authentication_endpoint,omitempty"`
	BackchannelTokenDeliveryModes       []string `json:"backchannel_token_delivery_modes_supported,omitempty"`
	BackchannelAuthRequestSigningAlgs   []string `json:"backchannel_authentication_request_signing_alg_values_supported,omitempty"`
	BackchannelUserCodeParameterSupport bool     `json:"backchannel_user_code_parameter_supported,omitempty"`
}

// SupportsDeliveryMode reports whether the provider advertises mode for CIBA.
// Providers that omit the list are assumed to support it.
func (m *ProviderMetadata) SupportsDeliveryMode(mode string) bool {
	if len(m.BackchannelTokenDeliveryModes) == 0 {
		return true
	}
	for _, s := range m.BackchannelTokenDeliveryModes {
		if s == mode {
			return true
		}
	}
	return false
}

// Discover fetches {issuer}/.well-known/openid-configuration and checks that
// the document names the same issuer.
func Discover(ctx context.Context, client *http.Client, issuer string) (*ProviderMetadata, error) {
	trimmed := strings.TrimRight(issuer, "/")
	if trimmed == "" {
		return nil, errors.New("oidc: issuer is empty")
	}
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, trimmed+"/.well-known/openid-configuration", http.NoBody)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("oidc: discovery failed: %s", resp.Status)
	}
	var doc ProviderMetadata
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, err
	}
	if d := strings.TrimRight(doc.Issuer, "/"); d != "" && d != trimmed {
		return nil, fmt.Errorf("oidc: issuer mismatch: %s", doc.Issuer)
	}
	if doc.Issuer == "" {
		doc.Issuer = issuer
	}
	if doc.TokenEndpoint == "" || doc.JWKSURI == "" {
		return nil, errors.New("oidc: discovery missing endpoints")
	}
	return &doc, nil
}

// RelyingParty holds discovery-backed OIDC configuration for a provider.
type RelyingParty struct {
	meta        *ProviderMetadata
	clientID    string
	oauthConfig *oauth2.Config
}

// NewRelyingParty builds a relying party from provider metadata.
func NewRelyingParty(meta *ProviderMetadata, clientID, clientSecret, redirectURI string, scopes []string) *RelyingParty {
	return &RelyingParty{
		meta:     meta,
		clientID: clientID,
		oauthConfig: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURI,
			Scopes:       EnsureOpenID(scopes),
			Endpoint: oauth2.Endpoint{
				AuthURL:       meta.AuthorizationEndpoint,
				TokenURL:      meta.TokenEndpoint,
				DeviceAuthURL: meta.DeviceAuthorizationEndpoint,
			},
		},
	}
}

// OAuthConfig returns the OAuth2 configuration derived from discovery.
func (rp *RelyingParty) OAuthConfig() *oauth2.Config { return rp.oauthConfig }

func (rp *RelyingParty) Issuer() string              { return rp.meta.Issuer }
func (rp *RelyingParty) ClientID() string            { return rp.clientID }
func (rp *RelyingParty) JWKSURI() string             { return rp.meta.JWKSURI }
func (rp *RelyingParty) Metadata() *ProviderMetadata { return rp.meta }

// AuthURLOpt configures authorization URL parameters.
type AuthURLOpt = oauth2.AuthCodeOption

// WithURLParam adds an arbitrary URL parameter to the auth request.
func WithURLParam(key, value string) AuthURLOpt {
	return oauth2.SetAuthURLParam(key, value)
}

// WithPKCE derives and sets the S256 code_challenge for verifier.
func WithPKCE(verifier string) AuthURLOpt {
	return oauth2.S256ChallengeOption(verifier)
}

// AuthURL builds an authorization URL for the given RP.
func AuthURL(state string, rpClient *RelyingParty, opts ...AuthURLOpt) string {
	return rpClient.oauthConfig.AuthCodeURL(state, opts...)
}

// EnsureOpenID appends the openid scope when absent.
func EnsureOpenID(scopes []string) []string {
	for _, s := range scopes {
		if s == "openid" {
			return scopes
		}
	}
	return append(append([]string(nil), scopes...), "openid")
}
