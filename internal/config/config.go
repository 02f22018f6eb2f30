// Package config loads process-wide settings once at startup from the
// environment (and an optional .env file) and validates them.
package config

import (
	"fmt"
	"strings"
	"time"

	"bizdesk/internal/security/ratelimit"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	defaultJWTSecret     = "change-me-jwt-secret"
	defaultRefreshPepper = "change-me-refresh-pepper"
)

type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Log       LogConfig       `mapstructure:"log"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Session   SessionConfig   `mapstructure:"session"`
	Blacklist BlacklistConfig `mapstructure:"blacklist"`
	TwoFactor TwoFactorConfig `mapstructure:"twofactor"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Cookie    CookieConfig    `mapstructure:"cookie"`
}

type AppConfig struct {
	Name            string        `mapstructure:"name"`
	Env             string        `mapstructure:"env"`
	HTTPAddr        string        `mapstructure:"http_addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
	// OpsToken and OpsAllowedIPs guard /metrics.
	OpsToken      string   `mapstructure:"ops_token"`
	OpsAllowedIPs []string `mapstructure:"ops_allowed_ips"`
}

type DatabaseConfig struct {
	URL             string        `mapstructure:"url"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	StoreTimeout    time.Duration `mapstructure:"store_timeout"`
}

type CacheConfig struct {
	Driver   string `mapstructure:"driver"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

type AuthConfig struct {
	JWTSecret       string        `mapstructure:"jwt_secret"`
	Issuer          string        `mapstructure:"issuer"`
	AccessTTL       time.Duration `mapstructure:"access_ttl"`
	RefreshTTL      time.Duration `mapstructure:"refresh_ttl"`
	RefreshPepper   string        `mapstructure:"refresh_pepper"`
	ChallengeTTL    time.Duration `mapstructure:"challenge_ttl"`
	ReuseRevokesAll bool          `mapstructure:"reuse_revokes_all"`
	BcryptCost      int           `mapstructure:"bcrypt_cost"`
}

type SessionConfig struct {
	MaxPerUser        int           `mapstructure:"max_per_user"`
	InactivityTimeout time.Duration `mapstructure:"inactivity_timeout"`
	SweepInterval     time.Duration `mapstructure:"sweep_interval"`
	Retention         time.Duration `mapstructure:"retention"`
}

type BlacklistConfig struct {
	CacheTTL      time.Duration `mapstructure:"cache_ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

type TwoFactorConfig struct {
	Issuer           string        `mapstructure:"issuer"`
	TrustedDeviceTTL time.Duration `mapstructure:"trusted_device_ttl"`
	BackupCodes      int           `mapstructure:"backup_codes"`
	StepTolerance    int           `mapstructure:"step_tolerance"`
}

type RuleConfig struct {
	Window time.Duration `mapstructure:"window"`
	Max    int           `mapstructure:"max"`
	Block  time.Duration `mapstructure:"block"`
}

type RateLimitConfig struct {
	CacheTTL      time.Duration         `mapstructure:"cache_ttl"`
	SweepInterval time.Duration         `mapstructure:"sweep_interval"`
	Rules         map[string]RuleConfig `mapstructure:"rules"`
}

func (c RateLimitConfig) LimiterRules() map[string]ratelimit.Rule {
	out := make(map[string]ratelimit.Rule, len(c.Rules))
	for action, r := range c.Rules {
		out[action] = ratelimit.Rule{Window: r.Window, Max: r.Max, Block: r.Block}
	}
	return out
}

type CookieConfig struct {
	Secure   bool   `mapstructure:"secure"`
	SameSite string `mapstructure:"same_site"`
	Path     string `mapstructure:"path"`
	Domain   string `mapstructure:"domain"`
}

// Load reads .env when present; real environment variables win over it.
// Keys map to variables by upper-casing and replacing "." and "-" with "_",
// e.g. session.max_per_user -> SESSION_MAX_PER_USER.
func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("app.env", "APP_ENV", "ENV")
	_ = v.BindEnv("auth.jwt_secret", "AUTH_JWT_SECRET", "JWT_SECRET")
	_ = v.BindEnv("auth.refresh_pepper", "AUTH_REFRESH_PEPPER", "REFRESH_TOKEN_PEPPER")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.App.Env = strings.ToLower(strings.TrimSpace(cfg.App.Env))

	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "bizdesk")
	v.SetDefault("app.env", "dev")
	v.SetDefault("app.http_addr", ":8080")
	v.SetDefault("app.shutdown_timeout", "15s")
	v.SetDefault("app.cors_origins", []string{"http://localhost:3000", "http://localhost:5173"})
	v.SetDefault("app.ops_token", "")
	v.SetDefault("app.ops_allowed_ips", []string{})

	v.SetDefault("database.url", "bizdesk.db")
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.store_timeout", "3s")

	v.SetDefault("cache.driver", "memory")
	v.SetDefault("cache.addr", "localhost:6379")
	v.SetDefault("cache.password", "")
	v.SetDefault("cache.db", 0)
	v.SetDefault("cache.prefix", "bizdesk")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)

	v.SetDefault("auth.jwt_secret", defaultJWTSecret)
	v.SetDefault("auth.issuer", "bizdesk")
	v.SetDefault("auth.access_ttl", "15m")
	v.SetDefault("auth.refresh_ttl", "24h")
	v.SetDefault("auth.refresh_pepper", defaultRefreshPepper)
	v.SetDefault("auth.challenge_ttl", "5m")
	v.SetDefault("auth.reuse_revokes_all", false)
	v.SetDefault("auth.bcrypt_cost", 12)

	v.SetDefault("session.max_per_user", 5)
	v.SetDefault("session.inactivity_timeout", "24h")
	v.SetDefault("session.sweep_interval", "1h")
	v.SetDefault("session.retention", "720h")

	v.SetDefault("blacklist.cache_ttl", "5m")
	v.SetDefault("blacklist.sweep_interval", "1h")

	v.SetDefault("twofactor.issuer", "BizDesk")
	v.SetDefault("twofactor.trusted_device_ttl", "720h")
	v.SetDefault("twofactor.backup_codes", 10)
	v.SetDefault("twofactor.step_tolerance", 1)

	v.SetDefault("ratelimit.cache_ttl", "1m")
	v.SetDefault("ratelimit.sweep_interval", "1h")
	for action, r := range ratelimit.DefaultRules() {
		prefix := "ratelimit.rules." + action + "."
		v.SetDefault(prefix+"window", r.Window.String())
		v.SetDefault(prefix+"max", r.Max)
		v.SetDefault(prefix+"block", r.Block.String())
	}

	v.SetDefault("cookie.secure", false)
	v.SetDefault("cookie.same_site", "Lax")
	v.SetDefault("cookie.path", "/")
	v.SetDefault("cookie.domain", "")
}

func validateConfig(cfg *Config) error {
	positive := map[string]time.Duration{
		"AUTH_ACCESS_TTL":              cfg.Auth.AccessTTL,
		"AUTH_REFRESH_TTL":             cfg.Auth.RefreshTTL,
		"AUTH_CHALLENGE_TTL":           cfg.Auth.ChallengeTTL,
		"SESSION_INACTIVITY_TIMEOUT":   cfg.Session.InactivityTimeout,
		"SESSION_SWEEP_INTERVAL":       cfg.Session.SweepInterval,
		"BLACKLIST_CACHE_TTL":          cfg.Blacklist.CacheTTL,
		"BLACKLIST_SWEEP_INTERVAL":     cfg.Blacklist.SweepInterval,
		"RATELIMIT_CACHE_TTL":          cfg.RateLimit.CacheTTL,
		"DATABASE_STORE_TIMEOUT":       cfg.Database.StoreTimeout,
		"TWOFACTOR_TRUSTED_DEVICE_TTL": cfg.TwoFactor.TrustedDeviceTTL,
	}
	for name, d := range positive {
		if d <= 0 {
			return fmt.Errorf("%s must be > 0", name)
		}
	}
	if cfg.Session.MaxPerUser <= 0 {
		return fmt.Errorf("SESSION_MAX_PER_USER must be > 0")
	}
	if cfg.TwoFactor.StepTolerance < 0 {
		return fmt.Errorf("TWOFACTOR_STEP_TOLERANCE must be >= 0")
	}
	if cfg.TwoFactor.BackupCodes <= 0 {
		return fmt.Errorf("TWOFACTOR_BACKUP_CODES must be > 0")
	}
	for action, r := range cfg.RateLimit.Rules {
		if r.Window <= 0 || r.Max <= 0 || r.Block <= 0 {
			return fmt.Errorf("rate limit rule %q needs window, max and block > 0", action)
		}
	}
	for _, action := range []string{ratelimit.ActionLogin, ratelimit.ActionLoginByEmail, ratelimit.ActionTwoFactor, ratelimit.ActionAPI, ratelimit.ActionPasswordReset} {
		if _, ok := cfg.RateLimit.Rules[action]; !ok {
			return fmt.Errorf("rate limit rule %q is missing", action)
		}
	}
	switch cfg.Cache.Driver {
	case "memory", "redis":
	default:
		return fmt.Errorf("CACHE_DRIVER must be memory or redis")
	}

	if cfg.Cookie.Path == "" {
		return fmt.Errorf("COOKIE_PATH must not be empty")
	}
	sameSite := strings.ToLower(strings.TrimSpace(cfg.Cookie.SameSite))
	if sameSite != "lax" && sameSite != "none" && sameSite != "strict" {
		return fmt.Errorf("COOKIE_SAME_SITE must be one of: Lax, None, Strict")
	}
	if sameSite == "none" && !cfg.Cookie.Secure {
		return fmt.Errorf("COOKIE_SECURE must be true when COOKIE_SAME_SITE=None")
	}

	if IsProdLike(cfg.App.Env) {
		if isEmptyOrDefault(cfg.Auth.JWTSecret, defaultJWTSecret) {
			return fmt.Errorf("in prod/release JWT_SECRET must be set and not default")
		}
		if isEmptyOrDefault(cfg.Auth.RefreshPepper, defaultRefreshPepper) {
			return fmt.Errorf("in prod/release REFRESH_TOKEN_PEPPER must be set and not default")
		}
		if !cfg.Cookie.Secure {
			return fmt.Errorf("in prod/release COOKIE_SECURE must be true")
		}
		if strings.TrimSpace(cfg.App.OpsToken) == "" && len(cfg.App.OpsAllowedIPs) == 0 {
			return fmt.Errorf("in prod/release APP_OPS_TOKEN or APP_OPS_ALLOWED_IPS must be set")
		}
	}
	return nil
}

func IsProdLike(env string) bool {
	env = strings.ToLower(strings.TrimSpace(env))
	return env == "prod" || env == "production" || env == "release"
}

func isEmptyOrDefault(v, def string) bool {
	trimmed := strings.TrimSpace(v)
	return trimmed == "" || trimmed == def
}
