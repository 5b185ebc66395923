package core

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/PaulFidika/oidcflow/grant"
	oidckit "github.com/PaulFidika/oidcflow/oidc"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. OIDCFLOW_CACHE_BACKEND.
const EnvPrefix = "OIDCFLOW"

// Cache backends.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// Config is the complete service configuration.
type Config struct {
	LogLevel   string                  `mapstructure:"log_level"`
	Cache      CacheConfig             `mapstructure:"cache"`
	Validation ValidationConfig        `mapstructure:"validation"`
	RateLimit  RateLimitConfig         `mapstructure:"ratelimit"`
	Grants     GrantConfig             `mapstructure:"grants"`
	Issuers    map[string]IssuerConfig `mapstructure:"issuers"`
}

// CacheConfig selects where verification keys are cached.
type CacheConfig struct {
	Backend         string        `mapstructure:"backend"`
	TTL             time.Duration `mapstructure:"ttl"`
	JanitorSchedule string        `mapstructure:"janitor_schedule"`

	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
	RedisPrefix   string `mapstructure:"redis_prefix"`

	PostgresDSN     string `mapstructure:"postgres_dsn"`
	PostgresSchema  string `mapstructure:"postgres_schema"`
	PostgresMigrate bool   `mapstructure:"postgres_migrate"`
}

type ValidationConfig struct {
	IssuedAtSkew time.Duration `mapstructure:"iat_skew"`
	JWKSTimeout  time.Duration `mapstructure:"jwks_timeout"`
	Algorithms   []string      `mapstructure:"algorithms"`
}

// RateLimitConfig throttles JWKS fetches per issuer.
type RateLimitConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	JWKSFetchMax int           `mapstructure:"jwks_fetch_max"`
	JWKSWindow   time.Duration `mapstructure:"jwks_fetch_window"`
}

type GrantConfig struct {
	DefaultInterval      time.Duration `mapstructure:"default_interval"`
	DefaultLifetime      time.Duration `mapstructure:"default_lifetime"`
	SlowDownIncrement    time.Duration `mapstructure:"slow_down_increment"`
	MaxTransientFailures int           `mapstructure:"max_transient_failures"`
	// SessionRetention keeps finished sessions readable before the janitor
	// forgets them.
	SessionRetention time.Duration `mapstructure:"session_retention"`
	HTTPTimeout      time.Duration `mapstructure:"http_timeout"`
}

// IssuerConfig describes one OpenID provider and this client's registration
// with it. Endpoints left empty are filled from discovery when Discover is set.
type IssuerConfig struct {
	Issuer       string   `mapstructure:"issuer"`
	Audience     string   `mapstructure:"audience"`
	ClientID     string   `mapstructure:"client_id"`
	ClientSecret string   `mapstructure:"client_secret"`
	Scopes       []string `mapstructure:"scopes"`
	Discover     bool     `mapstructure:"discover"`

	JWKSURI            string `mapstructure:"jwks_uri"`
	TokenURL           string `mapstructure:"token_endpoint"`
	DeviceAuthURL      string `mapstructure:"device_authorization_endpoint"`
	BackchannelAuthURL string `mapstructure:"backchannel_authentication_endpoint"`

	DeliveryMode            string `mapstructure:"delivery_mode"`
	NotificationEndpoint    string `mapstructure:"client_notification_endpoint"`
	ClientNotificationToken string `mapstructure:"client_notification_token"`
	RequestSigningAlg       string `mapstructure:"request_signing_alg"`
	SigningKeyFile          string `mapstructure:"signing_key_file"`
	SigningKeyID            string `mapstructure:"signing_key_id"`
}

// LoadConfig reads configPath (YAML or JSON, optional) with OIDCFLOW_*
// environment overrides. A .env file is loaded first when present; envFile
// overrides its location.
func LoadConfig(configPath, envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("core: load env file %s: %w", envFile, err)
		}
	} else if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			logrus.WithError(err).Warn("failed to load .env")
		}
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("core: read config %s: %w", configPath, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("core: decode config: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// setDefaults registers every scalar key so AutomaticEnv can override it.
func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("cache.backend", BackendMemory)
	v.SetDefault("cache.ttl", oidckit.DefaultKeyTTL)
	v.SetDefault("cache.janitor_schedule", oidckit.DefaultJanitorSchedule)
	v.SetDefault("cache.redis_addr", "")
	v.SetDefault("cache.redis_password", "")
	v.SetDefault("cache.redis_db", 0)
	v.SetDefault("cache.redis_prefix", "")
	v.SetDefault("cache.postgres_dsn", "")
	v.SetDefault("cache.postgres_schema", "")
	v.SetDefault("cache.postgres_migrate", false)
	v.SetDefault("validation.iat_skew", oidckit.DefaultIssuedAtSkew)
	v.SetDefault("validation.jwks_timeout", 10*time.Second)
	v.SetDefault("validation.algorithms", []string{})
	v.SetDefault("ratelimit.enabled", false)
	v.SetDefault("ratelimit.jwks_fetch_max", 10)
	v.SetDefault("ratelimit.jwks_fetch_window", time.Minute)
	v.SetDefault("grants.default_interval", grant.DefaultInterval)
	v.SetDefault("grants.default_lifetime", grant.DefaultLifetime)
	v.SetDefault("grants.slow_down_increment", grant.DefaultSlowDownIncrement)
	v.SetDefault("grants.max_transient_failures", grant.DefaultMaxTransientFailures)
	v.SetDefault("grants.session_retention", 15*time.Minute)
	v.SetDefault("grants.http_timeout", 10*time.Second)
}

// ApplyDefaults fills zero values. LoadConfig calls it; callers building a
// Config in code should too.
func (c *Config) ApplyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Cache.Backend == "" {
		c.Cache.Backend = BackendMemory
	}
	if c.Cache.TTL <= 0 {
		c.Cache.TTL = oidckit.DefaultKeyTTL
	}
	if c.Cache.JanitorSchedule == "" {
		c.Cache.JanitorSchedule = oidckit.DefaultJanitorSchedule
	}
	if c.Validation.IssuedAtSkew <= 0 {
		c.Validation.IssuedAtSkew = oidckit.DefaultIssuedAtSkew
	}
	if c.Validation.JWKSTimeout <= 0 {
		c.Validation.JWKSTimeout = 10 * time.Second
	}
	if c.RateLimit.JWKSFetchMax <= 0 {
		c.RateLimit.JWKSFetchMax = 10
	}
	if c.RateLimit.JWKSWindow <= 0 {
		c.RateLimit.JWKSWindow = time.Minute
	}
	g := &c.Grants
	if g.DefaultInterval <= 0 {
		g.DefaultInterval = grant.DefaultInterval
	}
	if g.DefaultLifetime <= 0 {
		g.DefaultLifetime = grant.DefaultLifetime
	}
	if g.SlowDownIncrement <= 0 {
		g.SlowDownIncrement = grant.DefaultSlowDownIncrement
	}
	if g.MaxTransientFailures <= 0 {
		g.MaxTransientFailures = grant.DefaultMaxTransientFailures
	}
	if g.SessionRetention <= 0 {
		g.SessionRetention = 15 * time.Minute
	}
	if g.HTTPTimeout <= 0 {
		g.HTTPTimeout = 10 * time.Second
	}
	for name, ic := range c.Issuers {
		ic.Issuer = strings.TrimSpace(ic.Issuer)
		if ic.DeliveryMode == "" {
			ic.DeliveryMode = string(grant.DeliveryPoll)
		}
		if len(ic.Scopes) == 0 {
			ic.Scopes = []string{"openid"}
		}
		c.Issuers[name] = ic
	}
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var errs []error
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}
	switch c.Cache.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Cache.RedisAddr == "" {
			errs = append(errs, errors.New("cache.redis_addr required for redis backend"))
		}
	case BackendPostgres:
		if c.Cache.PostgresDSN == "" {
			errs = append(errs, errors.New("cache.postgres_dsn required for postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("cache.backend: unknown backend %q", c.Cache.Backend))
	}
	for name, ic := range c.Issuers {
		if ic.Issuer == "" {
			errs = append(errs, fmt.Errorf("issuers.%s.issuer required", name))
		}
		if ic.ClientID == "" {
			errs = append(errs, fmt.Errorf("issuers.%s.client_id required", name))
		}
		switch grant.DeliveryMode(ic.DeliveryMode) {
		case grant.DeliveryPoll, grant.DeliveryPing, grant.DeliveryPush:
		default:
			errs = append(errs, fmt.Errorf("issuers.%s.delivery_mode: unknown mode %q", name, ic.DeliveryMode))
		}
		if ic.RequestSigningAlg != "" && ic.SigningKeyFile == "" {
			errs = append(errs, fmt.Errorf("issuers.%s.signing_key_file required for request_signing_alg", name))
		}
	}
	return errors.Join(errs...)
}

// ExpectedAudience returns the expected aud, defaulting to the client id.
func (ic IssuerConfig) ExpectedAudience() string {
	if ic.Audience != "" {
		return ic.Audience
	}
	return ic.ClientID
}
