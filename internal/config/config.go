package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

// OAuthProviderConfig describes one subscription-backed backend reached
// through an authorization-code login.
type OAuthProviderConfig struct {
	Name            string        `env:"NAME" envDefault:"portal"`
	Enabled         bool          `env:"ENABLED" envDefault:"true"`
	ClientID        string        `env:"CLIENT_ID"`
	AuthURL         string        `env:"AUTH_URL"`
	TokenURL        string        `env:"TOKEN_URL"`
	StatusURL       string        `env:"STATUS_URL"`
	Scopes          []string      `env:"SCOPES" envSeparator:"," envDefault:"inference"`
	DailyLimit      int64         `env:"DAILY_LIMIT" envDefault:"5000000"`
	ConcurrentLimit int           `env:"CONCURRENT_LIMIT" envDefault:"10"`
	StatusTTL       time.Duration `env:"STATUS_TTL" envDefault:"5m"`
}

// KeyProviderConfig describes one backend authenticated with a static API key.
type KeyProviderConfig struct {
	Name            string        `env:"NAME" envDefault:"metered"`
	Enabled         bool          `env:"ENABLED" envDefault:"true"`
	APIKey          string        `env:"API_KEY"`
	ValidateURL     string        `env:"VALIDATE_URL"`
	DailyLimit      int64         `env:"DAILY_LIMIT" envDefault:"2000000"`
	ConcurrentLimit int           `env:"CONCURRENT_LIMIT" envDefault:"5"`
	StatusTTL       time.Duration `env:"STATUS_TTL" envDefault:"5m"`
}

// Config defines all environment-driven runtime options.
type Config struct {
	Host     string `env:"AGENTAUTH_HOST" envDefault:"127.0.0.1"`
	Port     int    `env:"AGENTAUTH_PORT" envDefault:"28600"`
	DataDir  string `env:"AGENTAUTH_DATA_DIR" envDefault:"./data"`
	LogLevel string `env:"AGENTAUTH_LOG_LEVEL" envDefault:"info"`

	FallbackEnabled  bool     `env:"AGENTAUTH_FALLBACK_ENABLED" envDefault:"true"`
	FallbackOrder    []string `env:"AGENTAUTH_FALLBACK_ORDER" envSeparator:","`
	CautionThreshold float64  `env:"AGENTAUTH_CAUTION_THRESHOLD" envDefault:"0.8"`

	RefreshBuffer   time.Duration `env:"AGENTAUTH_REFRESH_BUFFER" envDefault:"5m"`
	CallbackTimeout time.Duration `env:"AGENTAUTH_CALLBACK_TIMEOUT" envDefault:"5m"`
	MaxOAuthFlows   int64         `env:"AGENTAUTH_MAX_OAUTH_FLOWS" envDefault:"2"`

	SessionTTL     time.Duration `env:"AGENTAUTH_SESSION_TTL" envDefault:"3h"`
	StartupTimeout time.Duration `env:"AGENTAUTH_STARTUP_TIMEOUT" envDefault:"30s"`
	SweepInterval  time.Duration `env:"AGENTAUTH_SWEEP_INTERVAL" envDefault:"1h"`

	OAuthProvider OAuthProviderConfig `envPrefix:"AGENTAUTH_OAUTH_"`
	KeyProvider   KeyProviderConfig   `envPrefix:"AGENTAUTH_KEY_"`
}

// Load reads .env (if present) and parses environment variables into Config.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		var pathErr *os.PathError
		if !errors.As(err, &pathErr) {
			return nil, fmt.Errorf("load .env: %w", err)
		}
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env config: %w", err)
	}

	if len(cfg.FallbackOrder) == 0 {
		cfg.FallbackOrder = []string{cfg.OAuthProvider.Name, cfg.KeyProvider.Name}
	}

	return cfg, nil
}
