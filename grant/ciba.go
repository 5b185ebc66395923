package grant

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	jwtkit "github.com/PaulFidika/oidcflow/jwt"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	GrantTypeCIBA = "urn:openid:params:grant-type:ciba"
	KindCIBA      = "ciba"

	requestObjectLifetime = 5 * time.Minute
)

// DeliveryMode is the CIBA token delivery mode.
type DeliveryMode string

const (
	DeliveryPoll DeliveryMode = "poll"
	DeliveryPing DeliveryMode = "ping"
	DeliveryPush DeliveryMode = "push"
)

func (m DeliveryMode) valid() bool {
	return m == DeliveryPoll || m == DeliveryPing || m == DeliveryPush
}

// CIBAConfig configures a client-initiated backchannel authentication client.
type CIBAConfig struct {
	// Issuer is the audience of signed authentication requests.
	Issuer             string
	ClientID           string
	ClientSecret       string
	BackchannelAuthURL string
	TokenURL           string

	DeliveryMode DeliveryMode
	// NotificationEndpoint is registered with the provider; required for ping
	// and push.
	NotificationEndpoint string

	// RequestSigningAlg, when set, sends parameters as a signed request
	// object. Signer must use the same algorithm.
	RequestSigningAlg string
	Signer            jwtkit.Signer

	HTTPClient      *http.Client
	Poll            PollConfig
	DefaultLifetime time.Duration
}

// CIBARequest holds the parameters of one authentication request. Exactly
// one of LoginHint, IDTokenHint and LoginHintToken must be set.
type CIBARequest struct {
	Scopes                  []string
	LoginHint               string
	IDTokenHint             string
	LoginHintToken          string
	BindingMessage          string
	UserCode                string
	ACRValues               []string
	RequestedExpiry         int
	ClientNotificationToken string
}

// CIBAInitiation is the backchannel authentication response.
type CIBAInitiation struct {
	AuthReqID string        `json:"-"`
	ExpiresAt time.Time     `json:"expires_at"`
	Interval  time.Duration `json:"interval"`
	Mode      DeliveryMode  `json:"mode"`
}

type bcAuthResponse struct {
	AuthReqID string `json:"auth_req_id"`
	ExpiresIn int64  `json:"expires_in"`
	Interval  int64  `json:"interval"`
}

type CIBAFlow struct {
	cfg    CIBAConfig
	client clientAuth
	now    func() time.Time

	// interval applies when the provider omits one.
	interval time.Duration
	log      logrus.FieldLogger
}

func NewCIBAFlow(cfg CIBAConfig) (*CIBAFlow, error) {
	var fe fieldErrors
	if cfg.ClientID == "" {
		fe.add("required", "client_id")
	}
	if cfg.BackchannelAuthURL == "" {
		fe.add("required", "backchannel_authentication_endpoint")
	}
	if cfg.TokenURL == "" {
		fe.add("required", "token_endpoint")
	}
	if cfg.DeliveryMode == "" {
		cfg.DeliveryMode = DeliveryPoll
	}
	if !cfg.DeliveryMode.valid() {
		fe.add("must be poll, ping or push", "delivery_mode")
	}
	if err := fe.err(); err != nil {
		return nil, err
	}
	if cfg.DefaultLifetime <= 0 {
		cfg.DefaultLifetime = DefaultLifetime
	}
	pc := cfg.Poll.withDefaults()
	return &CIBAFlow{
		cfg:      cfg,
		client:   clientAuth{clientID: cfg.ClientID, clientSecret: cfg.ClientSecret, http: defaultHTTPClient(cfg.HTTPClient)},
		now:      pc.Now,
		interval: pc.Interval,
		log:      pc.Logger.WithField("component", "ciba_grant"),
	}, nil
}

func (f *CIBAFlow) Mode() DeliveryMode { return f.cfg.DeliveryMode }

// Validate checks req against the flow configuration without any network
// call. All violations are reported together.
func (f *CIBAFlow) Validate(req CIBARequest) error {
	var fe fieldErrors

	hints := 0
	var set []string
	for _, h := range []struct{ name, v string }{
		{"login_hint", req.LoginHint},
		{"id_token_hint", req.IDTokenHint},
		{"login_hint_token", req.LoginHintToken},
	} {
		if h.v != "" {
			hints++
			set = append(set, h.name)
		}
	}
	switch {
	case hints == 0:
		fe.add("exactly one hint is required", "login_hint", "id_token_hint", "login_hint_token")
	case hints > 1:
		fe.add("only one hint may be set", set...)
	}

	if !containsScope(req.Scopes, "openid") {
		fe.add("must include openid", "scope")
	}
	if req.RequestedExpiry < 0 {
		fe.add("must not be negative", "requested_expiry")
	}

	if f.cfg.DeliveryMode == DeliveryPing || f.cfg.DeliveryMode == DeliveryPush {
		if f.cfg.NotificationEndpoint == "" {
			fe.add("required for "+string(f.cfg.DeliveryMode)+" delivery", "client_notification_endpoint")
		}
		if req.ClientNotificationToken == "" {
			fe.add("required for "+string(f.cfg.DeliveryMode)+" delivery", "client_notification_token")
		}
	}

	if alg := f.cfg.RequestSigningAlg; alg != "" {
		switch {
		case f.cfg.Signer == nil:
			fe.add("signing key required for "+alg, "signing_key")
		case f.cfg.Signer.Algorithm() != alg:
			fe.add(fmt.Sprintf("signing key uses %s, request requires %s", f.cfg.Signer.Algorithm(), alg), "signing_key")
		}
		if f.cfg.Issuer == "" {
			fe.add("required for signed requests", "issuer")
		}
	}
	return fe.err()
}

func containsScope(scopes []string, want string) bool {
	for _, s := range scopes {
		for _, part := range strings.Fields(s) {
			if part == want {
				return true
			}
		}
	}
	return false
}

func (req CIBARequest) params() map[string]string {
	p := map[string]string{
		"scope":                     strings.Join(req.Scopes, " "),
		"login_hint":                req.LoginHint,
		"id_token_hint":             req.IDTokenHint,
		"login_hint_token":          req.LoginHintToken,
		"binding_message":           req.BindingMessage,
		"user_code":                 req.UserCode,
		"acr_values":                strings.Join(req.ACRValues, " "),
		"client_notification_token": req.ClientNotificationToken,
	}
	if req.RequestedExpiry > 0 {
		p["requested_expiry"] = strconv.Itoa(req.RequestedExpiry)
	}
	for k, v := range p {
		if v == "" {
			delete(p, k)
		}
	}
	return p
}

func (f *CIBAFlow) requestObject(ctx context.Context, req CIBARequest) (string, error) {
	now := f.now()
	claims := jwt.MapClaims{
		"iss": f.cfg.ClientID,
		"aud": f.cfg.Issuer,
		"iat": now.Unix(),
		"nbf": now.Unix(),
		"exp": now.Add(requestObjectLifetime).Unix(),
		"jti": uuid.NewString(),
	}
	for k, v := range req.params() {
		claims[k] = v
	}
	if req.RequestedExpiry > 0 {
		claims["requested_expiry"] = req.RequestedExpiry
	}
	return f.cfg.Signer.Sign(ctx, claims)
}

// Initiate validates req and sends the backchannel authentication request.
func (f *CIBAFlow) Initiate(ctx context.Context, req CIBARequest) (*CIBAInitiation, error) {
	if err := f.Validate(req); err != nil {
		return nil, err
	}
	form := url.Values{}
	if f.cfg.RequestSigningAlg != "" {
		obj, err := f.requestObject(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("grant: sign request object: %w", err)
		}
		form.Set("request", obj)
	} else {
		for k, v := range req.params() {
			form.Set(k, v)
		}
	}

	var resp bcAuthResponse
	if err := f.client.postForm(ctx, f.cfg.BackchannelAuthURL, form, &resp); err != nil {
		return nil, err
	}
	if resp.AuthReqID == "" {
		return nil, fmt.Errorf("grant: backchannel response without auth_req_id")
	}
	in := &CIBAInitiation{
		AuthReqID: resp.AuthReqID,
		Interval:  time.Duration(resp.Interval) * time.Second,
		Mode:      f.cfg.DeliveryMode,
	}
	if resp.ExpiresIn > 0 {
		in.ExpiresAt = f.now().Add(time.Duration(resp.ExpiresIn) * time.Second)
	} else {
		in.ExpiresAt = f.now().Add(f.cfg.DefaultLifetime)
	}
	if in.Interval <= 0 {
		in.Interval = f.interval
	}
	f.log.WithFields(logrus.Fields{"mode": in.Mode, "expires_at": in.ExpiresAt}).Info("backchannel authentication started")
	return in, nil
}

// Fetcher returns the token request for authReqID.
func (f *CIBAFlow) Fetcher(authReqID string) Fetcher[*TokenResponse] {
	return func(ctx context.Context) (*TokenResponse, error) {
		form := url.Values{
			"grant_type":  {GrantTypeCIBA},
			"auth_req_id": {authReqID},
		}
		return f.client.requestToken(ctx, f.cfg.TokenURL, form)
	}
}

// Start polls the token endpoint for in. Only poll mode polls.
func (f *CIBAFlow) Start(ctx context.Context, in *CIBAInitiation) (*Session[*TokenResponse], error) {
	if in == nil || in.AuthReqID == "" {
		return nil, &InitiationError{Fields: []FieldError{{Field: "auth_req_id", Reason: "required"}}}
	}
	if in.Mode != DeliveryPoll {
		return nil, ErrNotPollMode
	}
	pc := f.cfg.Poll
	pc.Interval = in.Interval
	pc.Deadline = in.ExpiresAt
	return Start(ctx, KindCIBA, pc, f.Fetcher(in.AuthReqID)), nil
}

// Redeem performs the single token request that follows a ping
// notification. Transport failures are returned as errors; protocol
// responses map to states as in polling.
func (f *CIBAFlow) Redeem(ctx context.Context, authReqID string) (State[*TokenResponse], error) {
	if authReqID == "" {
		return State[*TokenResponse]{}, &InitiationError{Fields: []FieldError{{Field: "auth_req_id", Reason: "required"}}}
	}
	res, err := f.Fetcher(authReqID)(ctx)
	st, s := classify(res, err, DefaultInterval, DefaultSlowDownIncrement)
	if s == stepTransient {
		return State[*TokenResponse]{}, err
	}
	return st, nil
}
