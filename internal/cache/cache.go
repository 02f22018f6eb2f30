// Package cache provides a small key/value cache with an in-process backend
// (go-cache) and a shared backend (Redis), plus a typed read-through wrapper.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Client is the raw string cache used by the security components.
type Client interface {
	// Get returns ErrNotFound when the key is missing or expired.
	Get(ctx context.Context, key string) (string, error)
	// Set stores value for ttl. A ttl <= 0 falls back to the client default.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
	Close() error
}

type Config struct {
	Driver     string // "memory" | "redis"
	Addr       string
	Password   string
	DB         int
	Prefix     string
	DefaultTTL time.Duration
}

var ErrNotFound = errors.New("cache: key not found")

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// New builds a client for cfg.Driver.
func New(cfg Config) (Client, error) {
	switch cfg.Driver {
	case "memory", "":
		return NewMemory(cfg), nil
	case "redis":
		return NewRedis(cfg)
	default:
		return nil, fmt.Errorf("cache: unknown driver %q", cfg.Driver)
	}
}
