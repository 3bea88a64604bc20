package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config captures runtime configuration for the charges API.
type Config struct {
	ListenAddress    string
	DatabaseDSN      string
	RedisURL         string
	WebhookSecret    string
	ExternalAPIKey   string
	ChargeTTL        time.Duration
	IdempotencyTTL   time.Duration
	SignatureMaxSkew time.Duration
	ReadCacheTTL     time.Duration
}

// LoadConfigFromEnv builds a configuration from environment variables.
// WEBHOOK_SECRET and EXTERNAL_API_KEY are required; everything else has a
// local-development default.
func LoadConfigFromEnv() (Config, error) {
	cfg := Config{
		ListenAddress:    getenvDefault("CHARGES_LISTEN", ":6000"),
		DatabaseDSN:      strings.TrimSpace(os.Getenv("CHARGES_DB_DSN")),
		RedisURL:         strings.TrimSpace(os.Getenv("REDIS_URL")),
		WebhookSecret:    strings.TrimSpace(os.Getenv("WEBHOOK_SECRET")),
		ExternalAPIKey:   strings.TrimSpace(os.Getenv("EXTERNAL_API_KEY")),
		ChargeTTL:        30 * time.Minute,
		IdempotencyTTL:   5 * time.Minute,
		SignatureMaxSkew: 5 * time.Minute,
		ReadCacheTTL:     time.Minute,
	}

	if cfg.WebhookSecret == "" {
		return Config{}, errors.New("WEBHOOK_SECRET is required")
	}
	if cfg.ExternalAPIKey == "" {
		return Config{}, errors.New("EXTERNAL_API_KEY is required")
	}

	var err error
	if cfg.ChargeTTL, err = secondsEnv("CHARGE_TTL_SECONDS", cfg.ChargeTTL); err != nil {
		return Config{}, err
	}
	if cfg.IdempotencyTTL, err = secondsEnv("IDEMPOTENCY_TTL_SECONDS", cfg.IdempotencyTTL); err != nil {
		return Config{}, err
	}
	if cfg.SignatureMaxSkew, err = secondsEnv("SIGNATURE_MAX_SKEW_SECONDS", cfg.SignatureMaxSkew); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func getenvDefault(key, fallback string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return fallback
}

func secondsEnv(key string, fallback time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	secs, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	if secs <= 0 {
		return 0, fmt.Errorf("%s must be positive", key)
	}
	return time.Duration(secs) * time.Second, nil
}
