package config

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

const minSessionSecretLength = 32

type Config struct {
	AppEnv        string `env:"APP_ENV" default:"development"`
	Port          string `env:"PORT" default:"8080"`
	SessionSecret string `env:"SESSION_SECRET"`
	LogLevel      string `env:"LOG_LEVEL" default:"info"`
	LogFormat     string `env:"LOG_FORMAT" default:"text"`

	MaxSessions      int           `env:"MAX_SESSIONS" default:"10000"`
	SessionRetention time.Duration `env:"SESSION_RETENTION" default:"24h"`
	ReaperInterval   time.Duration `env:"REAPER_INTERVAL" default:"1m"`
	CookieMaxAge     time.Duration `env:"COOKIE_MAX_AGE" default:"1h"`

	NewSessionRate  float64 `env:"NEW_SESSION_RATE" default:"1"`
	NewSessionBurst int     `env:"NEW_SESSION_BURST" default:"5"`
	KeyEntryRate    float64 `env:"KEY_ENTRY_RATE" default:"0.5"`
	KeyEntryBurst   int     `env:"KEY_ENTRY_BURST" default:"5"`
}

// IsProduction reports whether cookies must be marked secure.
func (c *Config) IsProduction() bool {
	return c.AppEnv == "production"
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	if cfg.SessionSecret == "" {
		return errors.New("SESSION_SECRET is required")
	}
	if len(cfg.SessionSecret) < minSessionSecretLength {
		return fmt.Errorf("SESSION_SECRET must be at least %d characters", minSessionSecretLength)
	}

	if cfg.MaxSessions < 0 {
		return errors.New("MAX_SESSIONS must not be negative")
	}

	durations := []struct {
		name  string
		value time.Duration
	}{
		{"SESSION_RETENTION", cfg.SessionRetention},
		{"REAPER_INTERVAL", cfg.ReaperInterval},
		{"COOKIE_MAX_AGE", cfg.CookieMaxAge},
	}
	for _, d := range durations {
		if d.value <= 0 {
			return fmt.Errorf("%s must be positive", d.name)
		}
	}

	if cfg.NewSessionRate <= 0 || cfg.NewSessionBurst < 1 {
		return errors.New("NEW_SESSION_RATE must be positive and NEW_SESSION_BURST at least 1")
	}
	if cfg.KeyEntryRate <= 0 || cfg.KeyEntryBurst < 1 {
		return errors.New("KEY_ENTRY_RATE must be positive and KEY_ENTRY_BURST at least 1")
	}

	return nil
}
