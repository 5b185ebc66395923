package core

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/PaulFidika/oidcflow/grant"
	oidckit "github.com/PaulFidika/oidcflow/oidc"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoadConfig_FileEnvAndDefaults(t *testing.T) {
	path := writeFile(t, "config.yml", `
log_level: debug
cache:
  ttl: 2h
grants:
  slow_down_increment: 7s
issuers:
  corp:
    issuer: https://login.example.com
    client_id: cli
    device_authorization_endpoint: https://login.example.com/device
    token_endpoint: https://login.example.com/token
`)
	envFile := writeFile(t, "test.env", "OIDCFLOW_GRANTS_MAX_TRANSIENT_FAILURES=5\n")
	t.Setenv("OIDCFLOW_VALIDATION_IAT_SKEW", "90s")

	cfg, err := LoadConfig(path, envFile)
	require.NoError(t, err)
	t.Cleanup(func() { os.Unsetenv("OIDCFLOW_GRANTS_MAX_TRANSIENT_FAILURES") })

	require.Equal(t, "debug", cfg.LogLevel)
	require.Equal(t, 2*time.Hour, cfg.Cache.TTL)
	require.Equal(t, BackendMemory, cfg.Cache.Backend)
	require.Equal(t, 90*time.Second, cfg.Validation.IssuedAtSkew)
	require.Equal(t, 7*time.Second, cfg.Grants.SlowDownIncrement)
	require.Equal(t, 5, cfg.Grants.MaxTransientFailures)
	require.Equal(t, grant.DefaultInterval, cfg.Grants.DefaultInterval)
	require.Equal(t, grant.DefaultLifetime, cfg.Grants.DefaultLifetime)
	require.Equal(t, oidckit.DefaultJanitorSchedule, cfg.Cache.JanitorSchedule)

	corp := cfg.Issuers["corp"]
	require.Equal(t, "poll", corp.DeliveryMode)
	require.Equal(t, []string{"openid"}, corp.Scopes)
	require.Equal(t, "cli", corp.ExpectedAudience())
}

func TestConfigValidate_CollectsErrors(t *testing.T) {
	cfg := Config{
		LogLevel: "loud",
		Cache:    CacheConfig{Backend: BackendRedis},
		Issuers: map[string]IssuerConfig{
			"bad": {DeliveryMode: "fax", RequestSigningAlg: "RS256"},
		},
	}
	cfg.ApplyDefaults()
	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	for _, want := range []string{"log_level", "cache.redis_addr", "issuers.bad.issuer", "issuers.bad.client_id", "issuers.bad.delivery_mode", "issuers.bad.signing_key_file"} {
		require.True(t, strings.Contains(msg, want), "missing %q in %q", want, msg)
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yml"), "")
	require.Error(t, err)
}
