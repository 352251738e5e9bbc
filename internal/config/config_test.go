package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
auth:
  enabled: true
  api_key: secret
logging:
  development: false
  level: debug
pool:
  max_sessions: 8
  idle_timeout_ms: 60000
  acquire_timeout_ms: 5000
  poll_interval_ms: 50
  warmup_on_start: true
browser:
  headless: false
  max_memory_mb: 1024
  user_agent: optimizer-bot/1.0
  viewport_width: 1366
  viewport_height: 768
snapshot:
  domain_qps: 2.5
  timeout_ms: 15000
telemetry:
  service_name: optimizer-pool
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}
	if !cfg.Auth.Enabled || cfg.Auth.APIKey != "secret" {
		t.Fatalf("expected auth enabled with secret key")
	}
	if cfg.Pool.MaxSessions != 8 || !cfg.Pool.WarmupOnStart {
		t.Fatalf("expected pool overrides to apply: %+v", cfg.Pool)
	}
	if got := cfg.Pool.IdleTimeout(); got != time.Minute {
		t.Fatalf("expected idle timeout 1m, got %v", got)
	}
	if got := cfg.Pool.PollInterval(); got != 50*time.Millisecond {
		t.Fatalf("expected poll interval 50ms, got %v", got)
	}
	if got := cfg.Pool.HealthInterval(); got != 30*time.Second {
		t.Fatalf("expected default health interval 30s, got %v", got)
	}
	if cfg.Browser.Headless || cfg.Browser.ViewportWidth != 1366 || cfg.Browser.UserAgent != "optimizer-bot/1.0" {
		t.Fatalf("expected browser overrides to apply: %+v", cfg.Browser)
	}
	if cfg.Snapshot.DomainQPS != 2.5 || cfg.Snapshot.Timeout() != 15*time.Second {
		t.Fatalf("expected snapshot overrides to apply: %+v", cfg.Snapshot)
	}
	if cfg.Telemetry.ServiceName != "optimizer-pool" || cfg.Telemetry.ServiceVersion != "dev" {
		t.Fatalf("unexpected telemetry config: %+v", cfg.Telemetry)
	}
	if cfg.Logging.Development || cfg.Logging.Level != "debug" {
		t.Fatalf("expected logging overrides to apply: %+v", cfg.Logging)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Pool.MaxSessions != 5 {
		t.Fatalf("expected default max sessions 5, got %d", cfg.Pool.MaxSessions)
	}
	if got := cfg.Pool.IdleTimeout(); got != 5*time.Minute {
		t.Fatalf("expected default idle timeout 5m, got %v", got)
	}
	if got := cfg.Pool.AcquireTimeout(); got != 30*time.Second {
		t.Fatalf("expected default acquire timeout 30s, got %v", got)
	}
	if !cfg.Browser.Headless || cfg.Browser.MaxMemoryMB != 2048 {
		t.Fatalf("unexpected browser defaults: %+v", cfg.Browser)
	}
	if got := cfg.Server.RequestTimeout(); got != time.Minute {
		t.Fatalf("expected request timeout 1m, got %v", got)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Server: ServerConfig{Port: 8080},
		Pool: PoolConfig{
			MaxSessions:      5,
			IdleTimeoutMs:    1000,
			AcquireTimeoutMs: 1000,
			PollIntervalMs:   100,
		},
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("base config should validate: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{name: "invalid port", mutate: func(c *Config) { c.Server.Port = 0 }, want: "server.port"},
		{name: "auth missing api key", mutate: func(c *Config) { c.Auth.Enabled = true }, want: "auth.api_key"},
		{name: "zero max sessions", mutate: func(c *Config) { c.Pool.MaxSessions = 0 }, want: "pool.max_sessions"},
		{name: "zero idle timeout", mutate: func(c *Config) { c.Pool.IdleTimeoutMs = 0 }, want: "pool.idle_timeout_ms"},
		{name: "zero acquire timeout", mutate: func(c *Config) { c.Pool.AcquireTimeoutMs = 0 }, want: "pool.acquire_timeout_ms"},
		{name: "poll above acquire timeout", mutate: func(c *Config) { c.Pool.PollIntervalMs = 5000 }, want: "pool.poll_interval_ms"},
		{name: "negative memory", mutate: func(c *Config) { c.Browser.MaxMemoryMB = -1 }, want: "browser.max_memory_mb"},
		{name: "half viewport", mutate: func(c *Config) { c.Browser.ViewportWidth = 800 }, want: "browser.viewport_width"},
		{name: "negative qps", mutate: func(c *Config) { c.Snapshot.DomainQPS = -1 }, want: "snapshot.domain_qps"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
