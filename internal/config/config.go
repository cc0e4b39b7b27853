// internal/config/config.go

// Package config reads process configuration from the environment (and a .env file when
// present).
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/jason-s-yu/cambia-lobby/internal/auth"
	"github.com/jason-s-yu/cambia-lobby/internal/database"
	_ "github.com/joho/godotenv/autoload"
	"github.com/sirupsen/logrus"
)

// Config is the full server configuration.
type Config struct {
	Port string `env:"PORT" envDefault:"8080"`

	DBDriver         string `env:"DB_DRIVER" envDefault:"postgres"`
	PostgresUser     string `env:"POSTGRES_USER"`
	PostgresPassword string `env:"POSTGRES_PASSWORD"`
	PGHost           string `env:"PG_HOST" envDefault:"localhost"`
	PGPort           string `env:"PG_PORT" envDefault:"5432"`
	PGDatabase       string `env:"PG_DATABASE"`
	SQLitePath       string `env:"SQLITE_PATH" envDefault:"lobby.db"`

	RedisAddr string `env:"REDIS_ADDR"`
	RedisDB   int    `env:"REDIS_DB" envDefault:"0"`

	CacheTTL           time.Duration `env:"CACHE_TTL" envDefault:"30s"`
	HookTimeout        time.Duration `env:"HOOK_TIMEOUT" envDefault:"5s"`
	DeleteEmptyLobbies bool          `env:"DELETE_EMPTY_LOBBIES" envDefault:"true"`

	TokenExpireTime string `env:"TOKEN_EXPIRE_TIME"`
	// Raw ed25519 keys. When both are empty a fresh key pair is generated at startup.
	AuthPrivateKeyPath string `env:"AUTH_PRIVATE_KEY_PATH"`
	AuthPublicKeyPath  string `env:"AUTH_PUBLIC_KEY_PATH"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`
}

// Load parses the environment into a Config and validates it.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values env parsing cannot.
func (c *Config) Validate() error {
	switch c.DBDriver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("DB_DRIVER must be postgres or sqlite, got %q", c.DBDriver)
	}
	if c.CacheTTL <= 0 {
		return fmt.Errorf("CACHE_TTL must be positive")
	}
	if c.HookTimeout <= 0 {
		return fmt.Errorf("HOOK_TIMEOUT must be positive")
	}
	if _, err := auth.ParseTokenExpireTime(c.TokenExpireTime); err != nil {
		return err
	}
	if (c.AuthPrivateKeyPath == "") != (c.AuthPublicKeyPath == "") {
		return fmt.Errorf("AUTH_PRIVATE_KEY_PATH and AUTH_PUBLIC_KEY_PATH must be set together")
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("LOG_LEVEL: %w", err)
	}
	return nil
}

// TokenTTL returns the parsed TOKEN_EXPIRE_TIME.
func (c *Config) TokenTTL() time.Duration {
	d, _ := auth.ParseTokenExpireTime(c.TokenExpireTime)
	return d
}

// PostgresURL builds the connection string from the PG_* settings.
func (c *Config) PostgresURL() string {
	return database.ConnectionString(c.PostgresUser, c.PostgresPassword, c.PGHost, c.PGPort, c.PGDatabase)
}

// Addr is the HTTP listen address.
func (c *Config) Addr() string {
	return ":" + c.Port
}

// NewLogger builds the process logger from LOG_LEVEL and LOG_FORMAT.
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stdout)
	if level, err := logrus.ParseLevel(c.LogLevel); err == nil {
		logger.SetLevel(level)
	}
	if strings.EqualFold(c.LogFormat, "json") {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logger
}
