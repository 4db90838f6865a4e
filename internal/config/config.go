package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/joho/godotenv"
	goredis "github.com/redis/go-redis/v9"
	"go-simpler.org/env"
)

type Config struct {
	AppEnv    string `env:"APP_ENV" default:"development"`
	Port      string `env:"PORT" default:"3000"`
	LogLevel  string `env:"LOG_LEVEL" default:"info"`
	LogFormat string `env:"LOG_FORMAT" default:"text"`

	IdentityURL     string        `env:"IDENTITY_URL" default:"http://localhost:8000"`
	IdentityTimeout time.Duration `env:"IDENTITY_TIMEOUT" default:"0s"` // 0 disables the timeout

	WelcomeMessage    string        `env:"WELCOME_MESSAGE" default:"hello man"`
	HeartbeatMessage  string        `env:"HEARTBEAT_MESSAGE" default:"Hello there"`
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" default:"5s"`

	// Empty runs a single instance without Redis relay.
	RedisURL string `env:"REDIS_URL"`

	MaxConnections      int     `env:"MAX_CONNECTIONS" default:"10000"`
	MaxConnectionsPerIP int     `env:"MAX_CONNECTIONS_PER_IP" default:"100"`
	ConnectionRate      float64 `env:"CONNECTION_RATE" default:"10"`
	ConnectionBurst     int     `env:"CONNECTION_BURST" default:"20"`
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

func (c *Config) IsProduction() bool {
	return c.AppEnv == "production"
}

// RelayEnabled reports whether group events travel through Redis.
func (c *Config) RelayEnabled() bool {
	return c.RedisURL != ""
}

func validate(cfg *Config) error {
	u, err := url.Parse(cfg.IdentityURL)
	if err != nil {
		return fmt.Errorf("IDENTITY_URL is invalid: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("IDENTITY_URL must be an absolute http(s) URL, got %q", cfg.IdentityURL)
	}

	if cfg.IdentityTimeout < 0 {
		return errors.New("IDENTITY_TIMEOUT must not be negative")
	}
	if cfg.HeartbeatInterval <= 0 {
		return errors.New("HEARTBEAT_INTERVAL must be positive")
	}

	if cfg.MaxConnections <= 0 {
		return errors.New("MAX_CONNECTIONS must be positive")
	}
	if cfg.MaxConnectionsPerIP <= 0 {
		return errors.New("MAX_CONNECTIONS_PER_IP must be positive")
	}
	if cfg.ConnectionRate <= 0 || cfg.ConnectionBurst <= 0 {
		return errors.New("CONNECTION_RATE and CONNECTION_BURST must be positive")
	}

	if cfg.RedisURL != "" {
		if _, err := goredis.ParseURL(cfg.RedisURL); err != nil {
			return fmt.Errorf("REDIS_URL is invalid: %w", err)
		}
	}

	return nil
}
