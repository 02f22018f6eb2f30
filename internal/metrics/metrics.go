// Package metrics holds the Prometheus collectors of the auth core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RateLimitDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auth_ratelimit_decisions_total",
		Help: "Rate limiter decisions by action and result (allowed, blocked, error).",
	}, []string{"action", "result"})

	BlacklistLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auth_blacklist_lookups_total",
		Help: "Blacklist lookups by result (listed, clear, error).",
	}, []string{"result"})

	RefreshRotations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auth_refresh_rotations_total",
		Help: "Refresh token rotations by outcome.",
	}, []string{"result"})

	SessionRevocations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auth_session_revocations_total",
		Help: "Revoked sessions by reason.",
	}, []string{"reason"})

	TwoFactorVerifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auth_2fa_verifications_total",
		Help: "Second factor verifications by method (totp, backup) and result.",
	}, []string{"method", "result"})

	SweepRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auth_sweep_runs_total",
		Help: "Background sweep runs by task and result (ok, error, skipped).",
	}, []string{"task", "result"})

	SweepRemoved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auth_sweep_removed_total",
		Help: "Rows removed or revoked by background sweeps.",
	}, []string{"task"})

	SweepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "auth_sweep_duration_seconds",
		Help:    "Background sweep duration.",
		Buckets: prometheus.DefBuckets,
	}, []string{"task"})
)
