// config.go

// Process configuration from environment variables (optionally seeded from .env).
package config

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds process-level settings. Relying-party settings live in Settings.
type Config struct {
	DatabaseURL string     `env:"DATABASE_URL,required,notEmpty"`
	RedisURL    string     `env:"REDIS_URL,required,notEmpty"`
	Port        string     `env:"PORT" envDefault:"7865"`
	LogLevel    slog.Level `env:"LOG_LEVEL" envDefault:"info"`

	// SettingsFile is the YAML/JSON/TOML file holding relying-party settings.
	// Empty means settings come from OIDC_* env vars only.
	SettingsFile string `env:"SETTINGS_FILE"`

	// Local session lifetime, independent of provider token lifetimes.
	SessionTTL time.Duration `env:"SESSION_TTL" envDefault:"24h"`

	// How often expired login state is swept, and how long expired session rows are kept.
	StateGCInterval  time.Duration `env:"STATE_GC_INTERVAL" envDefault:"24h"`
	SessionRetention time.Duration `env:"SESSION_RETENTION" envDefault:"168h"`

	// OTLP/HTTP endpoint for traces. Empty disables export.
	OTELEndpoint string `env:"OTEL_ENDPOINT"`
}

// LoadConfig reads environment variables and returns a validated Config.
// Variables from envFiles (if they exist) are loaded first; real env vars win.
func LoadConfig(envFiles ...string) (*Config, error) {
	for _, f := range envFiles {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return nil, fmt.Errorf("loading %s: %w", f, err)
		}
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing env: %w", err)
	}

	// Non-positive durations would spin tickers or expire everything at once
	for name, d := range map[string]time.Duration{
		"SESSION_TTL":       cfg.SessionTTL,
		"STATE_GC_INTERVAL": cfg.StateGCInterval,
		"SESSION_RETENTION": cfg.SessionRetention,
	} {
		if d <= 0 {
			return nil, fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}

	return cfg, nil
}
