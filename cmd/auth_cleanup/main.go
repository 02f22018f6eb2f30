// Command auth_cleanup runs every maintenance sweep once and exits, for
// deployments that schedule cleanup with cron instead of in-process workers.
package main

import (
	"context"
	"log"
	"os"
	"time"

	"bizdesk/internal/app"
	"bizdesk/internal/cache"
	"bizdesk/internal/config"
	"bizdesk/internal/database"
	"bizdesk/internal/pkg/logger"

	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	zlog, err := logger.New(logger.Config{Level: cfg.Log.Level, Pretty: cfg.Log.Pretty, Service: "auth_cleanup", Env: cfg.App.Env})
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = zlog.Sync() }()

	db, err := database.Connect(cfg.Database.URL)
	if err != nil {
		zlog.Fatal("db connect failed", zap.Error(err))
	}
	if err := database.Migrate(db); err != nil {
		zlog.Fatal("migration failed", zap.Error(err))
	}

	// Cleanup only touches the store; a process-local cache is enough.
	a := app.New(cfg, db, cache.NewMemory(cache.Config{Prefix: cfg.Cache.Prefix}), zlog)
	defer func() { _ = a.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	failed := false
	for _, w := range a.Workers() {
		if _, err := w.RunOnce(ctx); err != nil {
			failed = true
		}
	}
	if failed {
		zlog.Error("auth cleanup finished with errors")
		os.Exit(1)
	}
	zlog.Info("auth cleanup completed")
}
