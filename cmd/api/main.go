package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"bizdesk/internal/app"
	"bizdesk/internal/cache"
	"bizdesk/internal/config"
	"bizdesk/internal/database"
	"bizdesk/internal/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	zlog, err := logger.New(logger.Config{
		Level:   cfg.Log.Level,
		Pretty:  cfg.Log.Pretty,
		Service: cfg.App.Name,
		Env:     cfg.App.Env,
	})
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = zlog.Sync() }()

	if config.IsProdLike(cfg.App.Env) {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := database.ConnectWithOptions(cfg.Database.URL, database.Options{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		LogLevel:        gormlogger.Warn,
	})
	if err != nil {
		zlog.Fatal("database connect failed", zap.Error(err))
	}
	if err := database.Migrate(db); err != nil {
		zlog.Fatal("migration failed", zap.Error(err))
	}

	cacheClient, err := cache.New(cache.Config{
		Driver:     cfg.Cache.Driver,
		Addr:       cfg.Cache.Addr,
		Password:   cfg.Cache.Password,
		DB:         cfg.Cache.DB,
		Prefix:     cfg.Cache.Prefix,
		DefaultTTL: cfg.Blacklist.CacheTTL,
	})
	if err != nil {
		zlog.Fatal("cache init failed", zap.Error(err))
	}

	a := app.New(cfg, db, cacheClient, zlog)
	defer func() {
		if err := a.Close(); err != nil {
			zlog.Warn("close", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	for _, w := range a.Workers() {
		w := w
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				zlog.Error("worker stopped", zap.String("task", w.Name()), zap.Error(err))
			}
		}()
	}

	srv := &http.Server{
		Addr:              cfg.App.HTTPAddr,
		Handler:           a.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		zlog.Info("http server listening", zap.String("addr", cfg.App.HTTPAddr), zap.String("cache", cfg.Cache.Driver))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zlog.Error("http server failed", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	zlog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Error("http shutdown", zap.Error(err))
	}
	wg.Wait()
}
