package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"pixcharge/kv"
	"pixcharge/services/charges-api/models"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := LoadConfigFromEnv()
	if err != nil {
		logger.Error("load config", "error", err)
		os.Exit(1)
	}

	db, err := openDatabase(cfg.DatabaseDSN)
	if err != nil {
		logger.Error("open database", "error", err)
		os.Exit(1)
	}
	if err := models.AutoMigrate(db); err != nil {
		logger.Error("migrate database", "error", err)
		os.Exit(1)
	}

	store, closeStore, err := openKeyStore(cfg.RedisURL)
	if err != nil {
		logger.Error("open key store", "error", err)
		os.Exit(1)
	}
	defer closeStore()

	srv := NewServer(ServerConfig{
		DB:          db,
		Oracle:      NewExpirationOracle(store, cfg.ChargeTTL),
		Idempotency: NewIdempotencyStore(store, cfg.IdempotencyTTL),
		Cache:       store,
		Secret:      cfg.WebhookSecret,
		APIKey:      cfg.ExternalAPIKey,
		MaxSkew:     cfg.SignatureMaxSkew,
		CacheTTL:    cfg.ReadCacheTTL,
		Logger:      logger,
	})

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("charges api listening", "addr", cfg.ListenAddress)
		errCh <- httpSrv.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", "error", err)
			os.Exit(1)
		}
	case sig := <-stop:
		logger.Info("shutting down", "signal", sig.String())
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			logger.Error("graceful shutdown", "error", err)
		}
	}
}

// openDatabase selects the gorm driver from the DSN shape: postgres URLs go to
// the postgres driver, anything else is treated as a sqlite path. An empty DSN
// falls back to a local sqlite file for development.
func openDatabase(dsn string) (*gorm.DB, error) {
	gormCfg := &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)}
	switch {
	case dsn == "":
		return gorm.Open(sqlite.Open("charges.db"), gormCfg)
	case strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host="):
		return gorm.Open(postgres.Open(dsn), gormCfg)
	default:
		return gorm.Open(sqlite.Open(dsn), gormCfg)
	}
}

// openKeyStore connects to Redis when REDIS_URL is set and falls back to the
// in-process store otherwise. The fallback loses TTL state across restarts, so
// it is only suitable for development.
func openKeyStore(redisURL string) (kv.Store, func(), error) {
	if redisURL == "" {
		return kv.NewMemory(), func() {}, nil
	}
	store, err := kv.NewRedis(redisURL)
	if err != nil {
		return nil, nil, err
	}
	return store, func() { _ = store.Close() }, nil
}
