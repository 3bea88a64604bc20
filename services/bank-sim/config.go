package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures runtime configuration for the bank simulator. Values load
// from an optional YAML file (BANK_CONFIG) and environment variables override
// the file.
type Config struct {
	ListenAddress     string  `yaml:"listen"`
	WebhookURL        string  `yaml:"webhook_url"`
	WebhookSecret     string  `yaml:"webhook_secret"`
	MaxRetries        int     `yaml:"max_retries"`
	InitialDelaySecs  int     `yaml:"initial_delay_seconds"`
	BackoffMultiplier float64 `yaml:"backoff_multiplier"`
	MaxDelaySecs      int     `yaml:"max_delay_seconds"`
	TimeoutSecs       int     `yaml:"timeout_seconds"`
	DLQPath           string  `yaml:"dlq_path"`
	RatePerMinute     int     `yaml:"rate_per_minute"`
}

// LoadConfig reads the YAML file named by BANK_CONFIG (when set), applies
// environment overrides, fills defaults, and validates.
func LoadConfig() (Config, error) {
	cfg := Config{
		ListenAddress:     ":6100",
		MaxRetries:        5,
		InitialDelaySecs:  1,
		BackoffMultiplier: 2.0,
		MaxDelaySecs:      30,
		TimeoutSecs:       5,
		DLQPath:           "bank-dlq.db",
		RatePerMinute:     120,
	}

	if path := strings.TrimSpace(os.Getenv("BANK_CONFIG")); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if v := strings.TrimSpace(os.Getenv("BANK_LISTEN")); v != "" {
		cfg.ListenAddress = v
	}
	if v := strings.TrimSpace(os.Getenv("WEBHOOK_URL")); v != "" {
		cfg.WebhookURL = v
	}
	if v := strings.TrimSpace(os.Getenv("WEBHOOK_SECRET")); v != "" {
		cfg.WebhookSecret = v
	}
	if v := strings.TrimSpace(os.Getenv("DLQ_PATH")); v != "" {
		cfg.DLQPath = v
	}

	var err error
	if cfg.MaxRetries, err = intEnv("MAX_RETRIES", cfg.MaxRetries); err != nil {
		return Config{}, err
	}
	if cfg.InitialDelaySecs, err = intEnv("INITIAL_DELAY_SECONDS", cfg.InitialDelaySecs); err != nil {
		return Config{}, err
	}
	if cfg.MaxDelaySecs, err = intEnv("MAX_DELAY_SECONDS", cfg.MaxDelaySecs); err != nil {
		return Config{}, err
	}
	if cfg.TimeoutSecs, err = intEnv("TIMEOUT_SECONDS", cfg.TimeoutSecs); err != nil {
		return Config{}, err
	}
	if cfg.RatePerMinute, err = intEnv("RATE_PER_MINUTE", cfg.RatePerMinute); err != nil {
		return Config{}, err
	}
	if v := strings.TrimSpace(os.Getenv("BACKOFF_MULTIPLIER")); v != "" {
		mult, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return Config{}, fmt.Errorf("parse BACKOFF_MULTIPLIER: %w", err)
		}
		cfg.BackoffMultiplier = mult
	}

	if cfg.WebhookURL == "" {
		return Config{}, errors.New("WEBHOOK_URL is required")
	}
	if cfg.WebhookSecret == "" {
		return Config{}, errors.New("WEBHOOK_SECRET is required")
	}
	if cfg.MaxRetries < 1 {
		return Config{}, errors.New("MAX_RETRIES must be at least 1")
	}
	if cfg.BackoffMultiplier < 1 {
		return Config{}, errors.New("BACKOFF_MULTIPLIER must be at least 1")
	}

	return cfg, nil
}

// RetryPolicy converts the wire configuration to dispatcher settings.
func (c Config) RetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  c.MaxRetries,
		InitialDelay: time.Duration(c.InitialDelaySecs) * time.Second,
		Multiplier:   c.BackoffMultiplier,
		MaxDelay:     time.Duration(c.MaxDelaySecs) * time.Second,
		Timeout:      time.Duration(c.TimeoutSecs) * time.Second,
	}
}

func intEnv(key string, fallback int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return val, nil
}
