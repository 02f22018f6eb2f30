// Package testkit holds helpers shared by package tests: an in-memory store and a manual clock.
package testkit

import (
	"sync"
	"testing"
	"time"

	"bizdesk/internal/database"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// NewDB opens a migrated in-memory SQLite database. A single connection keeps
// the in-memory schema alive for the whole test and serialises writers.
func NewDB(t testing.TB) *gorm.DB {
	t.Helper()

	db, err := database.ConnectWithOptions(":memory:", database.Options{
		MaxOpenConns: 1,
		LogLevel:     gormlogger.Silent,
	})
	require.NoError(t, err, "Failed to connect to test database")
	require.NoError(t, database.Migrate(db), "Failed to migrate test database")

	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

// Clock is a manually advanced time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock() *Clock {
	return &Clock{now: time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC)}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
