// Package config provides configuration handling for the challenge engine.
package config

import (
	"errors"
	"os"
	"time"
)

var (
	// ErrInvalidInterval is returned when an interval variable does not
	// parse as a duration.
	ErrInvalidInterval = errors.New("config: invalid interval duration")
)

// Config holds the application configuration.
type Config struct {
	// Port is the HTTP listen port. Defaults to 8080.
	Port string

	// DatabaseURL is the PostgreSQL connection string. Empty falls back
	// to the in-memory store (no persistence).
	DatabaseURL string

	// RedisURL is the shared quote cache. Empty falls back to the
	// in-memory quote source.
	RedisURL string

	// CronSecret protects the settlement/reset trigger endpoints. When
	// set, requests must carry it in the X-Cron-Secret header.
	CronSecret string

	// QuoteTimeout bounds every quote/resolution lookup.
	QuoteTimeout time.Duration

	// SettlementInterval enables the internal settlement ticker when
	// positive; zero relies solely on the external cron trigger.
	SettlementInterval time.Duration

	// DailyResetInterval enables the internal daily reset ticker when
	// positive. The per-date idempotency marker makes sub-daily
	// intervals safe.
	DailyResetInterval time.Duration
}

// LoadFromEnv loads configuration from environment variables.
func LoadFromEnv() (*Config, error) {
	cfg := &Config{
		Port:         os.Getenv("PORT"),
		DatabaseURL:  os.Getenv("DATABASE_URL"),
		RedisURL:     os.Getenv("REDIS_URL"),
		CronSecret:   os.Getenv("CRON_SECRET"),
		QuoteTimeout: 3 * time.Second,
	}
	if cfg.Port == "" {
		cfg.Port = "8080"
	}

	var err error
	if cfg.QuoteTimeout, err = parseInterval("QUOTE_TIMEOUT", cfg.QuoteTimeout); err != nil {
		return nil, err
	}
	if cfg.SettlementInterval, err = parseInterval("SETTLEMENT_INTERVAL", 0); err != nil {
		return nil, err
	}
	if cfg.DailyResetInterval, err = parseInterval("DAILY_RESET_INTERVAL", 0); err != nil {
		return nil, err
	}
	return cfg, nil
}

func parseInterval(name string, fallback time.Duration) (time.Duration, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return 0, errors.Join(ErrInvalidInterval, err)
	}
	return d, nil
}
