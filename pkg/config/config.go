package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"
	_ "time/tzdata"

	"gopkg.in/yaml.v3"
)

// Storage drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config holds all budgetd configuration.
type Config struct {
	Listen   string         `yaml:"listen"`
	Timezone string         `yaml:"timezone"`
	Storage  StorageConfig  `yaml:"storage"`
	Plans    PlansConfig    `yaml:"plans"`
	Roles    RolesConfig    `yaml:"roles"`
	Recorder RecorderConfig `yaml:"recorder"`
	Log      LogConfig      `yaml:"log"`
}

// StorageConfig selects and tunes the ledger backend.
type StorageConfig struct {
	Driver string `yaml:"driver"`
	// Path is the SQLite database file.
	Path string `yaml:"path"`
	// DSN is the PostgreSQL connection string.
	DSN      string `yaml:"dsn"`
	MaxConns int32  `yaml:"max_conns"`
	// Timeout bounds every storage call made by the engine.
	Timeout time.Duration `yaml:"timeout"`
}

// PlansConfig maps plan identifiers to their default monthly cap in cents.
type PlansConfig struct {
	// Fallback is used when a caller names an unknown plan.
	Fallback string           `yaml:"fallback"`
	Caps     map[string]int64 `yaml:"caps"`
}

// RolesConfig controls privilege resolution.
type RolesConfig struct {
	// Privileged lists role names that exempt an account from enforcement.
	Privileged []string `yaml:"privileged"`
	// Accounts are always privileged, independent of role assignments.
	Accounts []string `yaml:"accounts"`
}

// RecorderConfig controls cost-write retries.
type RecorderConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	Backoff     time.Duration `yaml:"backoff"`
	MaxBackoff  time.Duration `yaml:"max_backoff"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "text" or "json"
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Listen:   ":8080",
		Timezone: "UTC",
		Storage: StorageConfig{
			Driver:  DriverSQLite,
			Path:    "budgetd.db",
			Timeout: 5 * time.Second,
		},
		Plans: PlansConfig{
			Fallback: "free",
			Caps: map[string]int64{
				"free": 75,
			},
		},
		Roles: RolesConfig{
			Privileged: []string{"admin"},
		},
		Recorder: RecorderConfig{
			MaxAttempts: 5,
			Backoff:     100 * time.Millisecond,
			MaxBackoff:  2 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a YAML config file, expands environment variables and validates
// the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault loads path, or returns the defaults when path is empty.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	return Load(path)
}

// Validate reports the first configuration problem found.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case DriverSQLite:
		if c.Storage.Path == "" {
			return fmt.Errorf("config: storage.path is required for sqlite")
		}
	case DriverPostgres:
		if c.Storage.DSN == "" {
			return fmt.Errorf("config: storage.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("config: unknown storage driver %q", c.Storage.Driver)
	}
	if c.Storage.Timeout <= 0 {
		return fmt.Errorf("config: storage.timeout must be positive")
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if _, ok := c.Plans.Caps[c.Plans.Fallback]; !ok {
		return fmt.Errorf("config: fallback plan %q has no cap", c.Plans.Fallback)
	}
	for plan, cents := range c.Plans.Caps {
		if cents < 0 {
			return fmt.Errorf("config: plan %q has negative cap", plan)
		}
	}
	if c.Recorder.MaxAttempts < 1 {
		return fmt.Errorf("config: recorder.max_attempts must be at least 1")
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}

// Location returns the reference timezone used for month boundaries.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("config: timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// ParseLevel converts a level name to a slog.Level.
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToLower(name) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("config: unknown log level %q", name)
}

// NewLogger builds the process logger described by c.Log.
func (c *Config) NewLogger() *slog.Logger {
	level, _ := ParseLevel(c.Log.Level)
	opts := &slog.HandlerOptions{Level: level}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
