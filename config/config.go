package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds every runtime setting, loaded from the environment.
type Config struct {
	Env         string `env:"ENV" envDefault:"development"`
	HTTPAddr    string `env:"HTTP_ADDR" envDefault:":8080"`
	DatabaseURL string `env:"DATABASE_URL,required,notEmpty"`
	JWTSecret   string `env:"JWT_SECRET,required,notEmpty"`

	OracleBaseURL string        `env:"ORACLE_BASE_URL"`
	OracleToken   string        `env:"ORACLE_TOKEN"`
	OracleTimeout time.Duration `env:"ORACLE_TIMEOUT" envDefault:"10s"`

	FundVerifierBaseURL string `env:"FUND_VERIFIER_BASE_URL"`
	FundVerifierToken   string `env:"FUND_VERIFIER_TOKEN"`

	HoldDurationDays int           `env:"HOLD_DURATION_DAYS" envDefault:"30"`
	SweepSchedule    string        `env:"SWEEP_SCHEDULE" envDefault:"*/5 * * * *"`
	RelayInterval    time.Duration `env:"RELAY_INTERVAL" envDefault:"2s"`

	MetricsEnabled bool    `env:"METRICS_ENABLED" envDefault:"true"`
	RateLimitRPS   float64 `env:"RATE_LIMIT_RPS" envDefault:"1"`
	RateLimitBurst int     `env:"RATE_LIMIT_BURST" envDefault:"5"`
}

// Load parses the environment into a Config and validates the settings that
// have hard bounds.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse env: %w", err)
	}
	if cfg.OracleTimeout < 5*time.Second || cfg.OracleTimeout > 15*time.Second {
		return Config{}, fmt.Errorf("config: ORACLE_TIMEOUT must be between 5s and 15s, got %s", cfg.OracleTimeout)
	}
	if cfg.HoldDurationDays <= 0 {
		return Config{}, fmt.Errorf("config: HOLD_DURATION_DAYS must be positive, got %d", cfg.HoldDurationDays)
	}
	return cfg, nil
}

// HoldDuration converts the configured funding window into a duration.
func (c Config) HoldDuration() time.Duration {
	return time.Duration(c.HoldDurationDays) * 24 * time.Hour
}

// Development reports whether the service runs with developer conveniences
// such as console logging and static oracles.
func (c Config) Development() bool {
	return c.Env == "development"
}
