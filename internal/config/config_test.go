package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("APP_ENV", "dev")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 15*time.Minute, cfg.Auth.AccessTTL)
	assert.Equal(t, 24*time.Hour, cfg.Auth.RefreshTTL)
	assert.Equal(t, 5, cfg.Session.MaxPerUser)
	assert.Equal(t, 24*time.Hour, cfg.Session.InactivityTimeout)
	assert.Equal(t, 5*time.Minute, cfg.Blacklist.CacheTTL)
	assert.Equal(t, 30*24*time.Hour, cfg.TwoFactor.TrustedDeviceTTL)
	assert.Equal(t, 10, cfg.TwoFactor.BackupCodes)
	assert.Equal(t, "memory", cfg.Cache.Driver)

	rules := cfg.RateLimit.LimiterRules()
	require.Contains(t, rules, "login")
	require.Contains(t, rules, "login-by-email")
	assert.Equal(t, 5, rules["login"].Max)
	assert.Equal(t, 15*time.Minute, rules["login"].Window)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("APP_ENV", "dev")
	t.Setenv("SESSION_MAX_PER_USER", "3")
	t.Setenv("AUTH_ACCESS_TTL", "5m")
	t.Setenv("JWT_SECRET", "from-legacy-name")
	t.Setenv("RATELIMIT_RULES_LOGIN_BY_EMAIL_MAX", "9")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Session.MaxPerUser)
	assert.Equal(t, 5*time.Minute, cfg.Auth.AccessTTL)
	assert.Equal(t, "from-legacy-name", cfg.Auth.JWTSecret)
	assert.Equal(t, 9, cfg.RateLimit.Rules["login-by-email"].Max)
}

func TestLoad_ProdRejectsDefaultSecrets(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	t.Setenv("COOKIE_SECURE", "true")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JWT_SECRET")

	t.Setenv("JWT_SECRET", "a-real-secret")
	_, err = Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "REFRESH_TOKEN_PEPPER")

	t.Setenv("REFRESH_TOKEN_PEPPER", "a-real-pepper")
	_, err = Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "APP_OPS_TOKEN")

	t.Setenv("APP_OPS_TOKEN", "ops")
	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, IsProdLike(cfg.App.Env))
}

func TestValidateConfig(t *testing.T) {
	t.Setenv("APP_ENV", "dev")
	base, err := Load()
	require.NoError(t, err)

	cases := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"zero access ttl", func(c *Config) { c.Auth.AccessTTL = 0 }, "AUTH_ACCESS_TTL"},
		{"no session cap", func(c *Config) { c.Session.MaxPerUser = 0 }, "SESSION_MAX_PER_USER"},
		{"bad same site", func(c *Config) { c.Cookie.SameSite = "sometimes" }, "COOKIE_SAME_SITE"},
		{"none needs secure", func(c *Config) { c.Cookie.SameSite = "None"; c.Cookie.Secure = false }, "COOKIE_SECURE"},
		{"unknown cache driver", func(c *Config) { c.Cache.Driver = "memcached" }, "CACHE_DRIVER"},
		{"missing rule", func(c *Config) {
			rules := map[string]RuleConfig{}
			for k, v := range c.RateLimit.Rules {
				rules[k] = v
			}
			delete(rules, "2fa")
			c.RateLimit.Rules = rules
		}, "2fa"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := *base
			tc.mutate(&c)
			err := validateConfig(&c)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}
