// Package app wires configuration, storage and the security components into
// the HTTP router and background workers. Both commands build on it.
package app

import (
	"context"
	"net/http"
	"time"

	"bizdesk/internal/cache"
	"bizdesk/internal/config"
	"bizdesk/internal/middleware"
	"bizdesk/internal/modules/auth"
	"bizdesk/internal/pkg/jwt"
	"bizdesk/internal/pkg/response"
	"bizdesk/internal/repository"
	"bizdesk/internal/security/blacklist"
	"bizdesk/internal/security/ratelimit"
	"bizdesk/internal/security/session"
	"bizdesk/internal/security/token"
	"bizdesk/internal/security/twofactor"
	"bizdesk/internal/worker"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Option func(*App)

// WithClock replaces the wall clock in every component.
func WithClock(now func() time.Time) Option {
	return func(a *App) { a.now = now }
}

type App struct {
	Config *config.Config
	DB     *gorm.DB
	Cache  cache.Client
	Log    *zap.Logger

	Accounts  *repository.AccountRepository
	Refresh   *repository.RefreshTokenRepository
	Blacklist *blacklist.Blacklist
	Sessions  *session.Registry
	Tokens    *token.Service
	Limiter   *ratelimit.Limiter
	TwoFactor *twofactor.Gate
	Auth      *auth.Service

	now func() time.Time
}

func New(cfg *config.Config, db *gorm.DB, cacheClient cache.Client, log *zap.Logger, opts ...Option) *App {
	a := &App{
		Config: cfg,
		DB:     db,
		Cache:  cacheClient,
		Log:    log,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(a)
	}

	timeout := cfg.Database.StoreTimeout
	a.Accounts = repository.NewAccountRepository(db, timeout)
	a.Refresh = repository.NewRefreshTokenRepository(db, timeout)

	a.Blacklist = blacklist.New(repository.NewBlacklistRepository(db, timeout), cacheClient, log, blacklist.Options{
		CacheTTL: cfg.Blacklist.CacheTTL,
		Now:      a.now,
	})
	a.Sessions = session.NewRegistry(repository.NewSessionRepository(db, timeout), a.Refresh, a.Blacklist, session.Config{
		MaxPerUser:        cfg.Session.MaxPerUser,
		InactivityTimeout: cfg.Session.InactivityTimeout,
		AccessTTL:         cfg.Auth.AccessTTL,
		Retention:         cfg.Session.Retention,
		Now:               a.now,
	}, log)

	jwtSvc := jwt.New(cfg.Auth.JWTSecret, cfg.Auth.AccessTTL, jwt.WithIssuer(cfg.Auth.Issuer), jwt.WithClock(a.now))
	a.Tokens = token.NewService(jwtSvc, a.Refresh, a.Sessions, a.Blacklist, token.Config{
		RefreshTTL:      cfg.Auth.RefreshTTL,
		Pepper:          cfg.Auth.RefreshPepper,
		ReuseRevokesAll: cfg.Auth.ReuseRevokesAll,
		Now:             a.now,
	}, log)

	a.Limiter = ratelimit.New(repository.NewRateLimitRepository(db, timeout), cacheClient,
		cfg.RateLimit.LimiterRules(), log, ratelimit.Options{
			CacheTTL: cfg.RateLimit.CacheTTL,
			Now:      a.now,
		})
	a.TwoFactor = twofactor.NewGate(repository.NewTwoFactorRepository(db, timeout), a.Limiter, twofactor.Config{
		Issuer:           cfg.TwoFactor.Issuer,
		TrustedDeviceTTL: cfg.TwoFactor.TrustedDeviceTTL,
		BackupCodes:      cfg.TwoFactor.BackupCodes,
		StepTolerance:    cfg.TwoFactor.StepTolerance,
		Now:              a.now,
	}, log)

	a.Auth = auth.NewService(a.Accounts, a.Tokens, a.Sessions, a.Limiter, a.TwoFactor, jwtSvc, auth.Config{
		ChallengeTTL: cfg.Auth.ChallengeTTL,
		BcryptCost:   cfg.Auth.BcryptCost,
	}, log)
	return a
}

func (a *App) Router() *gin.Engine {
	cfg := a.Config
	r := gin.New()
	r.Use(middleware.RequestLogger(a.Log), middleware.CORS(cfg.App.CORSOrigins))

	r.GET("/healthz", a.health)
	ops := r.Group("/", middleware.InternalToken(cfg.App.OpsToken, cfg.App.OpsAllowedIPs, a.Log))
	ops.GET("/metrics", gin.WrapH(promhttp.Handler()))

	h := auth.NewHandler(a.Auth, auth.CookieConfig{
		Secure:   cfg.Cookie.Secure,
		SameSite: cfg.Cookie.SameSite,
		Path:     cfg.Cookie.Path,
		Domain:   cfg.Cookie.Domain,
	}, a.now, a.Log)

	v1 := r.Group("/api/v1")
	h.RegisterPublicRoutes(v1)

	protected := v1.Group("")
	protected.Use(middleware.JWTAuth(a.Tokens), middleware.RateLimit(a.Limiter, ratelimit.ActionAPI))
	h.RegisterProtectedRoutes(protected)

	admin := protected.Group("/admin", middleware.AdminOnly())
	h.RegisterAdminRoutes(admin)

	return r
}

func (a *App) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	checks := gin.H{"database": "ok", "cache": "ok"}
	healthy := true
	if sqlDB, err := a.DB.DB(); err != nil || sqlDB.PingContext(ctx) != nil {
		checks["database"] = "unavailable"
		healthy = false
	}
	if err := a.Cache.Ping(ctx); err != nil {
		checks["cache"] = "unavailable"
		healthy = false
	}
	if !healthy {
		response.ErrorWithDetails(c, http.StatusServiceUnavailable, "UNHEALTHY", "Dependency unavailable", checks)
		return
	}
	response.Success(c, http.StatusOK, checks)
}

// Workers returns the periodic cleanup tasks. Each is idempotent, so running
// several replicas only repeats work.
func (a *App) Workers() []*worker.Periodic {
	cfg := a.Config
	return []*worker.Periodic{
		worker.NewPeriodic("blacklist", cfg.Blacklist.SweepInterval, a.Blacklist.Sweep, a.Log),
		worker.NewPeriodic("sessions", cfg.Session.SweepInterval, a.Sessions.SweepInactive, a.Log),
		worker.NewPeriodic("rate_limits", cfg.RateLimit.SweepInterval, a.Limiter.Sweep, a.Log),
		worker.NewPeriodic("trusted_devices", cfg.Blacklist.SweepInterval, a.TwoFactor.Sweep, a.Log),
		worker.NewPeriodic("refresh_tokens", cfg.Blacklist.SweepInterval, a.PurgeRefreshTokens, a.Log),
	}
}

// PurgeRefreshTokens drops refresh token rows past expiry. Rotated tokens
// stay blacklisted until then, so nothing still relies on them.
func (a *App) PurgeRefreshTokens(ctx context.Context) (int64, error) {
	return a.Refresh.DeleteExpired(ctx, a.now())
}

func (a *App) Close() error {
	var firstErr error
	if err := a.Cache.Close(); err != nil {
		firstErr = err
	}
	if sqlDB, err := a.DB.DB(); err == nil {
		if err := sqlDB.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
