package core

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/PaulFidika/oidcflow/grant"
	jwtkit "github.com/PaulFidika/oidcflow/jwt"
	oidckit "github.com/PaulFidika/oidcflow/oidc"
	memorylimiter "github.com/PaulFidika/oidcflow/ratelimit/memory"
	redislimiter "github.com/PaulFidika/oidcflow/ratelimit/redis"
	memorystore "github.com/PaulFidika/oidcflow/storage/memory"
	pgstore "github.com/PaulFidika/oidcflow/storage/postgres"
	redisstore "github.com/PaulFidika/oidcflow/storage/redis"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
)

var (
	ErrUnknownIssuer    = errors.New("core: unknown issuer")
	ErrGrantUnsupported = errors.New("core: issuer has no endpoint for this grant")
)

// Tokens is the result type of every grant session.
type Tokens = *grant.TokenResponse

// Issuer is one configured provider with its grant clients. Device and CIBA
// are nil when the provider exposes no endpoint for them.
type Issuer struct {
	Name     string
	Config   IssuerConfig
	Metadata *oidckit.ProviderMetadata
	JWKSURI  string
	Device   *grant.DeviceFlow
	CIBA     *grant.CIBAFlow
}

// Service wires key caching, ID-token validation and grant sessions for the
// configured issuers.
type Service struct {
	cfg Config
	log logrus.FieldLogger

	cache     *oidckit.KeyMaterialCache
	validator *oidckit.TokenValidator
	janitor   *cron.Cron
	issuers   map[string]*Issuer
	sessions  *grant.Registry[Tokens]
	keys      jwtkit.StaticKeySource
	events    EventLogger

	ctx     context.Context
	stop    context.CancelFunc
	closers []func()
}

type options struct {
	log        logrus.FieldLogger
	httpClient *http.Client
	store      oidckit.KeyStore
	limiter    oidckit.RateLimiter
	poll       grant.PollConfig
	events     EventLogger
}

type Option func(*options)

func WithLogger(l logrus.FieldLogger) Option { return func(o *options) { o.log = l } }

// WithHTTPClient is used for discovery, JWKS and grant endpoints.
func WithHTTPClient(c *http.Client) Option { return func(o *options) { o.httpClient = c } }

// WithKeyStore bypasses the configured cache backend.
func WithKeyStore(s oidckit.KeyStore) Option { return func(o *options) { o.store = s } }

// WithRateLimiter sets the JWKS fetch limiter regardless of RateLimit.Enabled.
func WithRateLimiter(l oidckit.RateLimiter) Option { return func(o *options) { o.limiter = l } }

// WithPollHooks supplies Now, Sleep and OnAttempt for every grant session.
func WithPollHooks(pc grant.PollConfig) Option { return func(o *options) { o.poll = pc } }

// WithEventLogger receives grant outcomes and validation results.
func WithEventLogger(e EventLogger) Option { return func(o *options) { o.events = e } }

// New builds a Service. Call Close to stop sessions and release backends.
func New(ctx context.Context, cfg Config, opts ...Option) (*Service, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		l := logrus.New()
		lvl, _ := logrus.ParseLevel(cfg.LogLevel)
		l.SetLevel(lvl)
		o.log = l
	}

	svc := &Service{
		cfg:      cfg,
		log:      o.log.WithField("component", "oidcflow"),
		issuers:  make(map[string]*Issuer),
		sessions: grant.NewRegistry[Tokens](),
		events:   o.events,
	}
	svc.ctx, svc.stop = context.WithCancel(context.Background())

	if err := svc.init(ctx, &o); err != nil {
		svc.Close()
		return nil, err
	}
	return svc, nil
}

func (s *Service) init(ctx context.Context, o *options) error {
	store, limiter, err := s.openBackend(ctx, o)
	if err != nil {
		return err
	}

	s.cache = oidckit.NewKeyMaterialCache(store, oidckit.WithCacheLogger(s.log))
	jwksClient := o.httpClient
	if jwksClient == nil {
		jwksClient = &http.Client{Timeout: s.cfg.Validation.JWKSTimeout}
	}
	ropts := []oidckit.ResolverOpt{
		oidckit.WithHTTPClient(jwksClient),
		oidckit.WithKeyTTL(s.cfg.Cache.TTL),
		oidckit.WithResolverLogger(s.log),
	}
	if limiter != nil {
		ropts = append(ropts, oidckit.WithFetchLimiter(limiter))
	}
	resolver := oidckit.NewKeySetResolver(s.cache, ropts...)

	vopts := []oidckit.ValidatorOpt{
		oidckit.WithIssuedAtSkew(s.cfg.Validation.IssuedAtSkew),
		oidckit.WithValidatorLogger(s.log),
	}
	if len(s.cfg.Validation.Algorithms) > 0 {
		vopts = append(vopts, oidckit.WithAlgorithms(s.cfg.Validation.Algorithms...))
	}
	s.validator = oidckit.NewTokenValidator(resolver, vopts...)

	s.janitor, err = oidckit.StartJanitor(s.cache, s.cfg.Cache.JanitorSchedule, s.log)
	if err != nil {
		return fmt.Errorf("core: janitor: %w", err)
	}
	retention := s.cfg.Grants.SessionRetention
	if _, err := s.janitor.AddFunc(s.cfg.Cache.JanitorSchedule, func() {
		if n := s.sessions.Prune(time.Now(), retention); n > 0 {
			s.log.WithField("pruned", n).Debug("forgot finished grant sessions")
		}
		if ml, ok := limiter.(*memorylimiter.Limiter); ok {
			ml.Prune()
		}
	}); err != nil {
		return fmt.Errorf("core: janitor: %w", err)
	}

	grantClient := o.httpClient
	if grantClient == nil {
		grantClient = &http.Client{Timeout: s.cfg.Grants.HTTPTimeout}
	}
	pc := o.poll
	pc.Interval = s.cfg.Grants.DefaultInterval
	pc.SlowDownIncrement = s.cfg.Grants.SlowDownIncrement
	pc.MaxTransientFailures = s.cfg.Grants.MaxTransientFailures
	pc.Logger = s.log

	names := make([]string, 0, len(s.cfg.Issuers))
	for name := range s.cfg.Issuers {
		names = append(names, name)
	}
	sort.Strings(names)
	var signers []jwtkit.Signer
	for _, name := range names {
		iss, signer, err := s.buildIssuer(ctx, name, s.cfg.Issuers[name], grantClient, pc)
		if err != nil {
			return err
		}
		s.issuers[name] = iss
		if signer != nil {
			signers = append(signers, signer)
		}
	}
	if len(signers) > 0 {
		s.keys.Active = signers[0]
		for _, sg := range signers[1:] {
			s.keys.Extra = append(s.keys.Extra, sg.PublicJWK())
		}
	}
	return nil
}

func (s *Service) openBackend(ctx context.Context, o *options) (oidckit.KeyStore, oidckit.RateLimiter, error) {
	rules := map[string]memorylimiter.Rule{
		oidckit.RateLimitBucketJWKS: {Max: s.cfg.RateLimit.JWKSFetchMax, Window: s.cfg.RateLimit.JWKSWindow},
	}
	limiter := o.limiter
	store := o.store

	c := s.cfg.Cache
	switch {
	case store != nil:
	case c.Backend == BackendRedis:
		rdb := redis.NewClient(&redis.Options{Addr: c.RedisAddr, Password: c.RedisPassword, DB: c.RedisDB})
		s.closers = append(s.closers, func() { _ = rdb.Close() })
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, nil, fmt.Errorf("core: redis: %w", err)
		}
		store = redisstore.NewKeyStore(rdb, c.RedisPrefix)
		if limiter == nil && s.cfg.RateLimit.Enabled {
			limiter = redislimiter.New(rdb, "", map[string]redislimiter.Rule{
				oidckit.RateLimitBucketJWKS: redislimiter.Rule(rules[oidckit.RateLimitBucketJWKS]),
			})
		}
	case c.Backend == BackendPostgres:
		pool, err := pgxpool.New(ctx, c.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("core: postgres: %w", err)
		}
		s.closers = append(s.closers, pool.Close)
		ps := pgstore.NewKeyStore(pool, c.PostgresSchema)
		if c.PostgresMigrate {
			if err := ps.Migrate(ctx); err != nil {
				return nil, nil, err
			}
		}
		store = ps
	default:
		store = memorystore.NewKeyStore()
	}
	if limiter == nil && s.cfg.RateLimit.Enabled {
		limiter = memorylimiter.New(rules)
	}
	s.log.WithFields(logrus.Fields{"backend": c.Backend, "ratelimit": limiter != nil}).Info("key cache ready")
	return store, limiter, nil
}

func (s *Service) buildIssuer(ctx context.Context, name string, ic IssuerConfig, hc *http.Client, pc grant.PollConfig) (*Issuer, jwtkit.Signer, error) {
	iss := &Issuer{Name: name, Config: ic, JWKSURI: ic.JWKSURI}
	log := s.log.WithFields(logrus.Fields{"issuer": ic.Issuer, "name": name})

	if ic.Discover {
		meta, err := oidckit.Discover(ctx, hc, ic.Issuer)
		if err != nil {
			return nil, nil, fmt.Errorf("core: discover %s: %w", name, err)
		}
		iss.Metadata = meta
		fill(&iss.JWKSURI, meta.JWKSURI)
		fill(&ic.TokenURL, meta.TokenEndpoint)
		fill(&ic.DeviceAuthURL, meta.DeviceAuthorizationEndpoint)
		fill(&ic.BackchannelAuthURL, meta.BackchannelAuthenticationEndpoint)
		iss.Config = ic
	}

	var signer jwtkit.Signer
	if ic.SigningKeyFile != "" {
		sg, err := jwtkit.LoadSignerFile(ic.SigningKeyID, ic.SigningKeyFile)
		if err != nil {
			return nil, nil, fmt.Errorf("core: issuer %s: %w", name, err)
		}
		signer = sg
	}

	if ic.DeviceAuthURL != "" && ic.TokenURL != "" {
		df, err := grant.NewDeviceFlow(grant.DeviceConfig{
			ClientID:        ic.ClientID,
			ClientSecret:    ic.ClientSecret,
			DeviceAuthURL:   ic.DeviceAuthURL,
			TokenURL:        ic.TokenURL,
			Scopes:          ic.Scopes,
			HTTPClient:      hc,
			Poll:            pc,
			DefaultLifetime: s.cfg.Grants.DefaultLifetime,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("core: issuer %s: %w", name, err)
		}
		iss.Device = df
	}

	if ic.BackchannelAuthURL != "" && ic.TokenURL != "" {
		mode := grant.DeliveryMode(ic.DeliveryMode)
		if iss.Metadata != nil && !iss.Metadata.SupportsDeliveryMode(string(mode)) {
			log.WithField("mode", mode).Warn("provider does not advertise delivery mode")
		}
		cf, err := grant.NewCIBAFlow(grant.CIBAConfig{
			Issuer:               ic.Issuer,
			ClientID:             ic.ClientID,
			ClientSecret:         ic.ClientSecret,
			BackchannelAuthURL:   ic.BackchannelAuthURL,
			TokenURL:             ic.TokenURL,
			DeliveryMode:         mode,
			NotificationEndpoint: ic.NotificationEndpoint,
			RequestSigningAlg:    ic.RequestSigningAlg,
			Signer:               signer,
			HTTPClient:           hc,
			Poll:                 pc,
			DefaultLifetime:      s.cfg.Grants.DefaultLifetime,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("core: issuer %s: %w", name, err)
		}
		iss.CIBA = cf
	}

	log.WithFields(logrus.Fields{"device": iss.Device != nil, "ciba": iss.CIBA != nil}).Info("issuer configured")
	return iss, signer, nil
}

func fill(dst *string, v string) {
	if *dst == "" {
		*dst = v
	}
}

// Issuer returns the configured issuer by name.
func (s *Service) Issuer(name string) (*Issuer, error) {
	iss, ok := s.issuers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownIssuer, name)
	}
	return iss, nil
}

// IssuerNames lists configured issuers in name order.
func (s *Service) IssuerNames() []string {
	out := make([]string, 0, len(s.issuers))
	for n := range s.issuers {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Validator exposes the shared TokenValidator for callers that supply issuer
// and audience themselves.
func (s *Service) Validator() *oidckit.TokenValidator { return s.validator }

// Cache exposes the key material cache.
func (s *Service) Cache() *oidckit.KeyMaterialCache { return s.cache }

// RequestSigningKeys returns the keys used to sign CIBA request objects.
func (s *Service) RequestSigningKeys() jwtkit.KeySource { return s.keys }

// ValidateIDToken validates rawToken against the named issuer's identifier
// and audience. nonce is checked when non-empty.
func (s *Service) ValidateIDToken(ctx context.Context, issuerName, rawToken, nonce string) (*oidckit.ValidationOutcome, error) {
	iss, err := s.Issuer(issuerName)
	if err != nil {
		return nil, err
	}
	var opts []oidckit.ValidateOpt
	if nonce != "" {
		opts = append(opts, oidckit.WithNonce(nonce))
	}
	if iss.JWKSURI != "" {
		opts = append(opts, oidckit.WithJWKSURI(iss.JWKSURI))
	}
	out := s.validator.Validate(ctx, rawToken, iss.Config.Issuer, iss.Config.ExpectedAudience(), opts...)
	s.logValidation(ctx, iss.Config.Issuer, out)
	return out, nil
}

// DeviceGrant is a started device authorization with its poll session.
type DeviceGrant struct {
	Authorization *grant.DeviceAuthorization
	Session       *grant.Session[Tokens]
}

// StartDevicePoll requests a device code and starts polling for it. The
// session outlives ctx; stop it with CancelSession or Close.
func (s *Service) StartDevicePoll(ctx context.Context, issuerName string, opts ...oauth2.AuthCodeOption) (*DeviceGrant, error) {
	iss, err := s.Issuer(issuerName)
	if err != nil {
		return nil, err
	}
	if iss.Device == nil {
		return nil, fmt.Errorf("%w: device authorization on %s", ErrGrantUnsupported, issuerName)
	}
	da, err := iss.Device.Authorize(ctx, opts...)
	if err != nil {
		return nil, err
	}
	sess, err := iss.Device.Start(s.ctx, da)
	if err != nil {
		return nil, err
	}
	s.sessions.Add(sess)
	s.watch(iss.Config.Issuer, sess)
	s.log.WithFields(logrus.Fields{"issuer": iss.Config.Issuer, "session_id": sess.ID()}).Info("device grant started")
	return &DeviceGrant{Authorization: da, Session: sess}, nil
}

// CIBAGrant is a started backchannel authentication. Session is nil for
// ping and push delivery.
type CIBAGrant struct {
	Initiation *grant.CIBAInitiation
	Session    *grant.Session[Tokens]
}

// StartCIBAPoll sends the authentication request and, in poll mode, starts
// polling. The configured client notification token is used when req has none.
func (s *Service) StartCIBAPoll(ctx context.Context, issuerName string, req grant.CIBARequest) (*CIBAGrant, error) {
	iss, err := s.Issuer(issuerName)
	if err != nil {
		return nil, err
	}
	if iss.CIBA == nil {
		return nil, fmt.Errorf("%w: backchannel authentication on %s", ErrGrantUnsupported, issuerName)
	}
	if len(req.Scopes) == 0 {
		req.Scopes = iss.Config.Scopes
	}
	if req.ClientNotificationToken == "" {
		req.ClientNotificationToken = iss.Config.ClientNotificationToken
	}
	in, err := iss.CIBA.Initiate(ctx, req)
	if err != nil {
		return nil, err
	}
	g := &CIBAGrant{Initiation: in}
	if in.Mode != grant.DeliveryPoll {
		return g, nil
	}
	sess, err := iss.CIBA.Start(s.ctx, in)
	if err != nil {
		return nil, err
	}
	s.sessions.Add(sess)
	s.watch(iss.Config.Issuer, sess)
	s.log.WithFields(logrus.Fields{"issuer": iss.Config.Issuer, "session_id": sess.ID()}).Info("ciba grant started")
	g.Session = sess
	return g, nil
}

// RedeemCIBA performs the token request that follows a ping notification.
func (s *Service) RedeemCIBA(ctx context.Context, issuerName, authReqID string) (grant.State[Tokens], error) {
	iss, err := s.Issuer(issuerName)
	if err != nil {
		return grant.State[Tokens]{}, err
	}
	if iss.CIBA == nil {
		return grant.State[Tokens]{}, fmt.Errorf("%w: backchannel authentication on %s", ErrGrantUnsupported, issuerName)
	}
	return iss.CIBA.Redeem(ctx, authReqID)
}

func (s *Service) Session(id string) (*grant.Session[Tokens], error) {
	sess, ok := s.sessions.Get(id)
	if !ok {
		return nil, grant.ErrSessionNotFound
	}
	return sess, nil
}

// CancelSession stops the session and forgets it.
func (s *Service) CancelSession(id string) error {
	return s.sessions.Cancel(id)
}

// Close cancels every session, stops the janitor and closes backends.
func (s *Service) Close() {
	if s.stop != nil {
		s.stop()
	}
	s.sessions.CancelAll()
	if s.janitor != nil {
		<-s.janitor.Stop().Done()
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}
