package grant

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
)

const (
	GrantTypeDeviceCode = "urn:ietf:params:oauth:grant-type:device_code"
	KindDevice          = "device"

	// DefaultLifetime bounds grants whose initiation response has no expires_in.
	DefaultLifetime = 10 * time.Minute
)

// DeviceConfig configures an RFC 8628 device authorization client.
type DeviceConfig struct {
	ClientID      string
	ClientSecret  string
	DeviceAuthURL string
	TokenURL      string
	Scopes        []string
	HTTPClient    *http.Client
	// Poll supplies loop tuning and hooks. Interval and Deadline are taken
	// from each device authorization.
	Poll            PollConfig
	DefaultLifetime time.Duration
}

// DeviceAuthorization is the device authorization response.
type DeviceAuthorization struct {
	DeviceCode              string        `json:"-"`
	UserCode                string        `json:"user_code"`
	VerificationURI         string        `json:"verification_uri"`
	VerificationURIComplete string        `json:"verification_uri_complete,omitempty"`
	ExpiresAt               time.Time     `json:"expires_at"`
	Interval                time.Duration `json:"interval"`
}

type DeviceFlow struct {
	cfg    DeviceConfig
	oauth  *oauth2.Config
	client clientAuth
	now    func() time.Time

	// interval applies when the provider omits one.
	interval time.Duration
	log      logrus.FieldLogger
}

func NewDeviceFlow(cfg DeviceConfig) (*DeviceFlow, error) {
	var fe fieldErrors
	if cfg.ClientID == "" {
		fe.add("required", "client_id")
	}
	if cfg.DeviceAuthURL == "" {
		fe.add("required", "device_authorization_endpoint")
	}
	if cfg.TokenURL == "" {
		fe.add("required", "token_endpoint")
	}
	if err := fe.err(); err != nil {
		return nil, err
	}
	if cfg.DefaultLifetime <= 0 {
		cfg.DefaultLifetime = DefaultLifetime
	}
	hc := defaultHTTPClient(cfg.HTTPClient)
	pc := cfg.Poll.withDefaults()
	return &DeviceFlow{
		cfg: cfg,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Scopes:       cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				DeviceAuthURL: cfg.DeviceAuthURL,
				TokenURL:      cfg.TokenURL,
			},
		},
		client:   clientAuth{clientID: cfg.ClientID, clientSecret: cfg.ClientSecret, http: hc},
		now:      pc.Now,
		interval: pc.Interval,
		log:      pc.Logger.WithField("component", "device_grant"),
	}, nil
}

// Authorize requests a device code and user code.
func (f *DeviceFlow) Authorize(ctx context.Context, opts ...oauth2.AuthCodeOption) (*DeviceAuthorization, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, f.client.http)
	resp, err := f.oauth.DeviceAuth(ctx, opts...)
	if err != nil {
		if pe := protocolErrorFrom(err); pe != nil {
			return nil, pe
		}
		return nil, err
	}
	da := &DeviceAuthorization{
		DeviceCode:              resp.DeviceCode,
		UserCode:                resp.UserCode,
		VerificationURI:         resp.VerificationURI,
		VerificationURIComplete: resp.VerificationURIComplete,
		ExpiresAt:               resp.Expiry,
		Interval:                time.Duration(resp.Interval) * time.Second,
	}
	if da.ExpiresAt.IsZero() {
		da.ExpiresAt = f.now().Add(f.cfg.DefaultLifetime)
	}
	if da.Interval <= 0 {
		da.Interval = f.interval
	}
	f.log.WithFields(logrus.Fields{"expires_at": da.ExpiresAt, "interval": da.Interval}).Info("device authorization issued")
	return da, nil
}

// protocolErrorFrom extracts the OAuth error from an x/oauth2 failure. The
// device authorization call leaves ErrorCode empty, so the body is decoded here.
func protocolErrorFrom(err error) *ProtocolError {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		return nil
	}
	pe := &ProtocolError{Code: re.ErrorCode, Description: re.ErrorDescription}
	if re.Response != nil {
		pe.Status = re.Response.StatusCode
	}
	if pe.Code == "" {
		var eb errorBody
		if json.Unmarshal(re.Body, &eb) != nil || eb.Error == "" {
			return nil
		}
		pe.Code, pe.Description, pe.Interval = eb.Error, eb.ErrorDescription, eb.Interval
	}
	return pe
}

// Fetcher returns the token request for da's device code.
func (f *DeviceFlow) Fetcher(da *DeviceAuthorization) Fetcher[*TokenResponse] {
	return func(ctx context.Context) (*TokenResponse, error) {
		form := url.Values{
			"grant_type":  {GrantTypeDeviceCode},
			"device_code": {da.DeviceCode},
		}
		return f.client.requestToken(ctx, f.cfg.TokenURL, form)
	}
}

// Start polls the token endpoint for da until a terminal state.
func (f *DeviceFlow) Start(ctx context.Context, da *DeviceAuthorization) (*Session[*TokenResponse], error) {
	if da == nil || da.DeviceCode == "" {
		return nil, &InitiationError{Fields: []FieldError{{Field: "device_code", Reason: "required"}}}
	}
	pc := f.cfg.Poll
	pc.Interval = da.Interval
	pc.Deadline = da.ExpiresAt
	return Start(ctx, KindDevice, pc, f.Fetcher(da)), nil
}
