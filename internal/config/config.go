// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Pool      PoolConfig      `mapstructure:"pool"`
	Browser   BrowserConfig   `mapstructure:"browser"`
	Snapshot  SnapshotConfig  `mapstructure:"snapshot"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port              int `mapstructure:"port"`
	RequestTimeoutSec int `mapstructure:"request_timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// PoolConfig bounds the browser session pool.
type PoolConfig struct {
	MaxSessions        int  `mapstructure:"max_sessions"`
	IdleTimeoutMs      int  `mapstructure:"idle_timeout_ms"`
	AcquireTimeoutMs   int  `mapstructure:"acquire_timeout_ms"`
	PollIntervalMs     int  `mapstructure:"poll_interval_ms"`
	MaxAcquireAttempts int  `mapstructure:"max_acquire_attempts"`
	HealthIntervalMs   int  `mapstructure:"health_interval_ms"`
	ReapIntervalMs     int  `mapstructure:"reap_interval_ms"`
	ResetTimeoutMs     int  `mapstructure:"reset_timeout_ms"`
	ShutdownTimeoutMs  int  `mapstructure:"shutdown_timeout_ms"`
	WarmupOnStart      bool `mapstructure:"warmup_on_start"`
}

// BrowserConfig is the launch and identity baseline of every session.
type BrowserConfig struct {
	ExecPath        string `mapstructure:"exec_path"`
	Headless        bool   `mapstructure:"headless"`
	NoSandbox       bool   `mapstructure:"no_sandbox"`
	MaxMemoryMB     int    `mapstructure:"max_memory_mb"`
	LaunchTimeoutMs int    `mapstructure:"launch_timeout_ms"`
	UserAgent       string `mapstructure:"user_agent"`
	ViewportWidth   int    `mapstructure:"viewport_width"`
	ViewportHeight  int    `mapstructure:"viewport_height"`
}

// SnapshotConfig paces page snapshots.
type SnapshotConfig struct {
	DomainQPS float64 `mapstructure:"domain_qps"`
	TimeoutMs int     `mapstructure:"timeout_ms"`
}

// TelemetryConfig names the service in traces.
type TelemetryConfig struct {
	ServiceName    string `mapstructure:"service_name"`
	ServiceVersion string `mapstructure:"service_version"`
	Tracing        bool   `mapstructure:"tracing"`
}

// Load builds a Config from disk/environment. Environment variables use the
// OPTIMIZER prefix, e.g. OPTIMIZER_POOL_MAX_SESSIONS.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("OPTIMIZER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout_seconds", 60)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("pool.max_sessions", 5)
	v.SetDefault("pool.idle_timeout_ms", 300000)
	v.SetDefault("pool.acquire_timeout_ms", 30000)
	v.SetDefault("pool.poll_interval_ms", 100)
	v.SetDefault("pool.max_acquire_attempts", 3)
	v.SetDefault("pool.health_interval_ms", 30000)
	v.SetDefault("pool.reap_interval_ms", 10000)
	v.SetDefault("pool.reset_timeout_ms", 10000)
	v.SetDefault("pool.shutdown_timeout_ms", 10000)
	v.SetDefault("pool.warmup_on_start", false)
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.no_sandbox", true)
	v.SetDefault("browser.max_memory_mb", 2048)
	v.SetDefault("browser.launch_timeout_ms", 30000)
	v.SetDefault("browser.user_agent", "")
	v.SetDefault("browser.viewport_width", 1920)
	v.SetDefault("browser.viewport_height", 1080)
	v.SetDefault("snapshot.domain_qps", 1.0)
	v.SetDefault("snapshot.timeout_ms", 30000)
	v.SetDefault("telemetry.service_name", "browserpool")
	v.SetDefault("telemetry.service_version", "dev")
	v.SetDefault("telemetry.tracing", false)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Pool.MaxSessions <= 0 {
		return fmt.Errorf("pool.max_sessions must be > 0")
	}
	if c.Pool.IdleTimeoutMs <= 0 {
		return fmt.Errorf("pool.idle_timeout_ms must be > 0")
	}
	if c.Pool.AcquireTimeoutMs <= 0 {
		return fmt.Errorf("pool.acquire_timeout_ms must be > 0")
	}
	if c.Pool.PollIntervalMs <= 0 || c.Pool.PollIntervalMs > c.Pool.AcquireTimeoutMs {
		return fmt.Errorf("pool.poll_interval_ms must be > 0 and <= pool.acquire_timeout_ms")
	}
	if c.Browser.MaxMemoryMB < 0 {
		return fmt.Errorf("browser.max_memory_mb must be >= 0")
	}
	if (c.Browser.ViewportWidth > 0) != (c.Browser.ViewportHeight > 0) {
		return fmt.Errorf("browser.viewport_width and browser.viewport_height must be set together")
	}
	if c.Snapshot.DomainQPS < 0 {
		return fmt.Errorf("snapshot.domain_qps must be >= 0")
	}
	return nil
}

// IdleTimeout converts pool.idle_timeout_ms to a duration.
func (c PoolConfig) IdleTimeout() time.Duration { return ms(c.IdleTimeoutMs) }

// AcquireTimeout converts pool.acquire_timeout_ms to a duration.
func (c PoolConfig) AcquireTimeout() time.Duration { return ms(c.AcquireTimeoutMs) }

// PollInterval converts pool.poll_interval_ms to a duration.
func (c PoolConfig) PollInterval() time.Duration { return ms(c.PollIntervalMs) }

// HealthInterval converts pool.health_interval_ms to a duration.
func (c PoolConfig) HealthInterval() time.Duration { return ms(c.HealthIntervalMs) }

// ReapInterval converts pool.reap_interval_ms to a duration.
func (c PoolConfig) ReapInterval() time.Duration { return ms(c.ReapIntervalMs) }

// ResetTimeout converts pool.reset_timeout_ms to a duration.
func (c PoolConfig) ResetTimeout() time.Duration { return ms(c.ResetTimeoutMs) }

// ShutdownTimeout converts pool.shutdown_timeout_ms to a duration.
func (c PoolConfig) ShutdownTimeout() time.Duration { return ms(c.ShutdownTimeoutMs) }

// LaunchTimeout converts browser.launch_timeout_ms to a duration.
func (c BrowserConfig) LaunchTimeout() time.Duration { return ms(c.LaunchTimeoutMs) }

// Timeout converts snapshot.timeout_ms to a duration.
func (c SnapshotConfig) Timeout() time.Duration { return ms(c.TimeoutMs) }

// RequestTimeout converts server.request_timeout_seconds to a duration.
func (c ServerConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSec) * time.Second
}

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}
