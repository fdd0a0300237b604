// Package config provides configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/farebox/quotagate/domain/rule"
)

// Config is the root configuration structure.
type Config struct {
	Server        ServerConfig         `yaml:"server"`
	Store         StoreConfig          `yaml:"store"`
	Plans         []rule.Plan          `yaml:"plans"`
	Subscriptions []SubscriptionConfig `yaml:"subscriptions"`
	Admin         AdminConfig          `yaml:"admin"`
	Logging       LoggingConfig        `yaml:"logging"`
	Metrics       MetricsConfig        `yaml:"metrics"`
	Cleanup       CleanupConfig        `yaml:"cleanup"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// StoreConfig selects the usage counter backend. "memory" is
// single-process only; "sqlite" and "redis" are shared across
// processes.
type StoreConfig struct {
	Backend    string        `yaml:"backend"` // "memory", "sqlite", "redis"
	SQLitePath string        `yaml:"sqlite_path"`
	Redis      RedisConfig   `yaml:"redis"`
	Timeout    time.Duration `yaml:"timeout"`
}

// RedisConfig configures the Redis backend.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password,omitempty"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// SubscriptionConfig seeds a subscription for file-based setups.
type SubscriptionConfig struct {
	ID              string    `yaml:"id"`
	TenantID        string    `yaml:"tenant_id"`
	PlanID          string    `yaml:"plan_id"`
	Status          string    `yaml:"status"`
	StartAt         time.Time `yaml:"start_at"`
	EndAt           time.Time `yaml:"end_at,omitempty"`
	TZOffsetMinutes int       `yaml:"tz_offset_minutes"`
}

// AdminConfig configures the admin API.
type AdminConfig struct {
	Enabled   bool   `yaml:"enabled"`
	TokenHash string `yaml:"token_hash"` // bcrypt hash of the admin token
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // "json" or "console"
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// CleanupConfig configures expired counter reaping.
type CleanupConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// Default returns a config with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		Store: StoreConfig{
			Backend:    "sqlite",
			SQLitePath: "quotagate.db",
			Timeout:    2 * time.Second,
			Redis: RedisConfig{
				Addr:      "localhost:6379",
				KeyPrefix: "quotagate",
			},
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Metrics: MetricsConfig{Enabled: true},
		Cleanup: CleanupConfig{Interval: 5 * time.Minute},
	}
}

// Load reads configuration from a YAML file, applies environment
// overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadWithFallback loads the config file if present, else env-only.
func LoadWithFallback(path string) (*Config, error) {
	if _, err := os.Stat(path); err == nil {
		return Load(path)
	}
	cfg := Default()
	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// HasEnvConfig reports whether any QUOTAGATE_* override is set.
func HasEnvConfig() bool {
	for _, key := range []string{
		"QUOTAGATE_SERVER_PORT",
		"QUOTAGATE_STORE_BACKEND",
		"QUOTAGATE_SQLITE_PATH",
		"QUOTAGATE_REDIS_ADDR",
		"QUOTAGATE_LOG_LEVEL",
		"QUOTAGATE_ADMIN_TOKEN_HASH",
	} {
		if os.Getenv(key) != "" {
			return true
		}
	}
	return false
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("QUOTAGATE_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("QUOTAGATE_STORE_BACKEND"); v != "" {
		cfg.Store.Backend = v
	}
	if v := os.Getenv("QUOTAGATE_SQLITE_PATH"); v != "" {
		cfg.Store.SQLitePath = v
	}
	if v := os.Getenv("QUOTAGATE_REDIS_ADDR"); v != "" {
		cfg.Store.Redis.Addr = v
	}
	if v := os.Getenv("QUOTAGATE_REDIS_PASSWORD"); v != "" {
		cfg.Store.Redis.Password = v
	}
	if v := os.Getenv("QUOTAGATE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("QUOTAGATE_ADMIN_TOKEN_HASH"); v != "" {
		cfg.Admin.TokenHash = v
		cfg.Admin.Enabled = true
	}
}

// Validate checks the configuration for errors. Plan validation happens
// here so a malformed plan fails at load time, never at request time.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}

	switch c.Store.Backend {
	case "memory", "sqlite", "redis":
	default:
		return fmt.Errorf("store.backend %q: must be memory, sqlite, or redis", c.Store.Backend)
	}
	if c.Store.Backend == "sqlite" && c.Store.SQLitePath == "" {
		return fmt.Errorf("store.sqlite_path is required for the sqlite backend")
	}
	if c.Store.Backend == "redis" && c.Store.Redis.Addr == "" {
		return fmt.Errorf("store.redis.addr is required for the redis backend")
	}

	seen := make(map[string]bool, len(c.Plans))
	for _, p := range c.Plans {
		if seen[p.ID] {
			return fmt.Errorf("duplicate plan id %q", p.ID)
		}
		seen[p.ID] = true
		if err := rule.Validate(p); err != nil {
			return err
		}
	}

	for _, s := range c.Subscriptions {
		if s.ID == "" || s.PlanID == "" {
			return fmt.Errorf("subscription %q: id and plan_id are required", s.ID)
		}
		if len(c.Plans) > 0 && !seen[s.PlanID] {
			return fmt.Errorf("subscription %q references unknown plan %q", s.ID, s.PlanID)
		}
	}

	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q: must be debug, info, warn, or error", c.Logging.Level)
	}

	return nil
}
