// Package config loads flowtx CLI settings from a YAML file, an optional
// .env file and FLOWTX_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds the top-level CLI configuration.
type Config struct {
	Log      LogConfig      `yaml:"log"`
	Database DatabaseConfig `yaml:"database"`
	History  HistoryConfig  `yaml:"history"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json or text
}

// DatabaseConfig selects the transactional store runs execute against.
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // sqlite or postgres
	DSN    string `yaml:"dsn"`
}

// HistoryConfig selects where run history is kept.
type HistoryConfig struct {
	Backend   string `yaml:"backend"` // database, memory, redis or mongo
	RedisAddr string `yaml:"redis_addr"`
	MongoURI  string `yaml:"mongo_uri"`
}

// Backend names.
const (
	BackendDatabase = "database"
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendMongo    = "mongo"
)

// defaults returns a Config populated with sensible default values.
func defaults() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "file:flowtx.db?_pragma=busy_timeout(5000)",
		},
		History: HistoryConfig{
			Backend:   BackendDatabase,
			RedisAddr: "localhost:6379",
			MongoURI:  "mongodb://localhost:27017",
		},
	}
}

// Load reads a YAML configuration file at path and applies environment
// overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDefault loads ".env" (when present) into the environment, then tries
// "flowtx.yaml" from the current directory. A missing file yields defaults
// with environment overrides applied.
func LoadDefault() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	cfg, err := Load("flowtx.yaml")
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			cfg = defaults()
			if err := cfg.applyEnv(); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	overrides := []struct {
		key string
		dst *string
	}{
		{"FLOWTX_LOG_LEVEL", &c.Log.Level},
		{"FLOWTX_LOG_FORMAT", &c.Log.Format},
		{"FLOWTX_DB_DRIVER", &c.Database.Driver},
		{"FLOWTX_DB_DSN", &c.Database.DSN},
		{"FLOWTX_HISTORY_BACKEND", &c.History.Backend},
		{"FLOWTX_REDIS_ADDR", &c.History.RedisAddr},
		{"FLOWTX_MONGO_URI", &c.History.MongoURI},
	}
	for _, o := range overrides {
		if v, ok := os.LookupEnv(o.key); ok && v != "" {
			*o.dst = v
		}
	}
	return c.Validate()
}

// Validate checks enumerated settings.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("config: unsupported database driver %q", c.Database.Driver)
	}
	switch c.History.Backend {
	case BackendDatabase, BackendMemory, BackendRedis, BackendMongo:
	default:
		return fmt.Errorf("config: unsupported history backend %q", c.History.Backend)
	}
	return nil
}
