// Package config loads service configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config carries every tunable the service reads at startup.
type Config struct {
	ListenAddr string `env:"SENTRA_LISTEN_ADDR" envDefault:":8080"`
	PostgresDSN string `env:"SENTRA_PG_DSN"`

	TokenSecret string        `env:"SENTRA_TOKEN_SECRET"`
	TokenIssuer string        `env:"SENTRA_TOKEN_ISSUER" envDefault:"sentra"`
	AccessTTL   time.Duration `env:"SENTRA_ACCESS_TTL" envDefault:"15m"`
	RefreshTTL  time.Duration `env:"SENTRA_REFRESH_TTL" envDefault:"336h"`

	PermissionCacheTTL time.Duration `env:"SENTRA_PERMISSION_CACHE_TTL" envDefault:"60s"`
	ResolveTimeout     time.Duration `env:"SENTRA_RESOLVE_TIMEOUT" envDefault:"250ms"`

	DeviceInactivityWindow time.Duration `env:"SENTRA_DEVICE_INACTIVITY_WINDOW" envDefault:"720h"`
	DeviceSweepInterval    time.Duration `env:"SENTRA_DEVICE_SWEEP_INTERVAL" envDefault:"1h"`

	ResetTokenTTL time.Duration `env:"SENTRA_RESET_TOKEN_TTL" envDefault:"30m"`

	QueueWorkers     int           `env:"SENTRA_QUEUE_WORKERS" envDefault:"2"`
	QueueMaxAttempts int           `env:"SENTRA_QUEUE_MAX_ATTEMPTS" envDefault:"5"`
	QueueBaseBackoff time.Duration `env:"SENTRA_QUEUE_BASE_BACKOFF" envDefault:"200ms"`

	RateBurst  int `env:"SENTRA_RATE_BURST" envDefault:"20"`
	RatePerSec int `env:"SENTRA_RATE_PER_SEC" envDefault:"10"`

	// Bootstrap admin, created at startup when both are set. The seeds ship
	// the bootstrap organization and admin role; the password hash cannot.
	BootstrapEmail    string `env:"SENTRA_BOOTSTRAP_EMAIL"`
	BootstrapPassword string `env:"SENTRA_BOOTSTRAP_PASSWORD"`
}

// Load parses and validates configuration from the process environment.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.TokenSecret == "" {
		return errors.New("config: SENTRA_TOKEN_SECRET is required")
	}
	if c.AccessTTL <= 0 || c.RefreshTTL <= 0 {
		return errors.New("config: token TTLs must be positive")
	}
	if c.AccessTTL >= c.RefreshTTL {
		return errors.New("config: access TTL must be shorter than refresh TTL")
	}
	if c.PermissionCacheTTL > c.AccessTTL {
		// Stale grants must not outlive one access token lifetime.
		return errors.New("config: permission cache TTL must not exceed access TTL")
	}
	if c.QueueWorkers <= 0 || c.QueueMaxAttempts <= 0 {
		return errors.New("config: queue workers and attempts must be positive")
	}
	return nil
}
