package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := LoadConfig()
	if err != nil {
		logger.Error("load config", "error", err)
		os.Exit(1)
	}

	dlq, err := OpenDLQ(cfg.DLQPath)
	if err != nil {
		logger.Error("open dead letter store", "error", err, "path", cfg.DLQPath)
		os.Exit(1)
	}
	defer func() { _ = dlq.Close() }()

	dispatcher := NewDispatcher(cfg.WebhookSecret, cfg.RetryPolicy(), dlq, logger)
	srv := NewBankServer(dispatcher, dlq, cfg.WebhookURL, NewRateLimiter(cfg.RatePerMinute), logger)

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("bank simulator listening", "addr", cfg.ListenAddress, "webhook_url", cfg.WebhookURL)
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
