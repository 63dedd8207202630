package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Listen != ":8080" {
		t.Errorf("expected :8080, got %s", cfg.Listen)
	}
	if cfg.Storage.Timeout != 5*time.Second {
		t.Errorf("expected 5s timeout, got %v", cfg.Storage.Timeout)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoad(t *testing.T) {
	t.Setenv("TEST_DATABASE_URL", "postgres://budget@localhost/budget")

	path := writeConfig(t, `
listen: ":9090"
timezone: "Europe/Berlin"
storage:
  driver: postgres
  dsn: ${TEST_DATABASE_URL}
  timeout: 2s
plans:
  fallback: free
  caps:
    free: 75
    pro: 2500
roles:
  privileged: [admin, ops]
  accounts: [qa-bot]
recorder:
  max_attempts: 3
  backoff: 50ms
log:
  level: debug
  format: json
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Listen != ":9090" {
		t.Errorf("expected :9090, got %s", cfg.Listen)
	}
	if cfg.Storage.DSN != "postgres://budget@localhost/budget" {
		t.Errorf("env var not expanded: got %s", cfg.Storage.DSN)
	}
	if cfg.Storage.Timeout != 2*time.Second {
		t.Errorf("expected 2s timeout, got %v", cfg.Storage.Timeout)
	}
	if cfg.Plans.Caps["pro"] != 2500 {
		t.Errorf("expected pro cap 2500, got %d", cfg.Plans.Caps["pro"])
	}
	if len(cfg.Roles.Privileged) != 2 || cfg.Roles.Accounts[0] != "qa-bot" {
		t.Errorf("unexpected roles: %+v", cfg.Roles)
	}
	if cfg.Recorder.MaxAttempts != 3 || cfg.Recorder.Backoff != 50*time.Millisecond {
		t.Errorf("unexpected recorder: %+v", cfg.Recorder)
	}
	// Unset fields keep their defaults.
	if cfg.Recorder.MaxBackoff != 2*time.Second {
		t.Errorf("expected default max backoff, got %v", cfg.Recorder.MaxBackoff)
	}
	loc, err := cfg.Location()
	if err != nil {
		t.Fatal(err)
	}
	if loc.String() != "Europe/Berlin" {
		t.Errorf("expected Europe/Berlin, got %s", loc)
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoadOrDefault(t *testing.T) {
	cfg, err := LoadOrDefault("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Storage.Driver != DriverSQLite {
		t.Errorf("expected sqlite default, got %s", cfg.Storage.Driver)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown driver", func(c *Config) { c.Storage.Driver = "mysql" }, "unknown storage driver"},
		{"postgres without dsn", func(c *Config) { c.Storage.Driver = DriverPostgres }, "storage.dsn"},
		{"zero timeout", func(c *Config) { c.Storage.Timeout = 0 }, "storage.timeout"},
		{"bad timezone", func(c *Config) { c.Timezone = "Mars/Olympus" }, "timezone"},
		{"fallback without cap", func(c *Config) { c.Plans.Fallback = "enterprise" }, "fallback plan"},
		{"negative cap", func(c *Config) { c.Plans.Caps["pro"] = -1 }, "negative cap"},
		{"no attempts", func(c *Config) { c.Recorder.MaxAttempts = 0 }, "max_attempts"},
		{"bad level", func(c *Config) { c.Log.Level = "loud" }, "log level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := writeConfig(t, "storage:\n  driver: oracle\n")
	if _, err := Load(path); err == nil {
		t.Error("expected invalid config to be rejected")
	}
}
