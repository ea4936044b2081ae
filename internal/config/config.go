package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Selection SelectionConfig `yaml:"selection"`
	Quota     QuotaConfig     `yaml:"quota"`
	Launcher  LauncherConfig  `yaml:"launcher"`
	Notify    NotifyConfig    `yaml:"notify"`
	Server    ServerConfig    `yaml:"server"`
	Security  SecurityConfig  `yaml:"security"`
	Dashboard DashboardConfig `yaml:"dashboard"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	TLS       TLSConfig       `yaml:"tls"`
}

type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MinIdleConns    int           `yaml:"min_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	QueryTimeout    time.Duration `yaml:"query_timeout"`
}

// SelectionConfig controls how the next API key is chosen from the pool.
type SelectionConfig struct {
	// PriorityOrder places the priority column in the ordering tuple:
	// "before" (priority, then usage counters), "after" (usage counters,
	// then priority), or "off". Lower priority value = preferred.
	PriorityOrder string `yaml:"priority_order"`

	// ReserveFor soft-reserves the selected key by setting reserved_until
	// that far into the future within the selection transaction. Zero
	// disables reservation and selection is a plain read.
	ReserveFor time.Duration `yaml:"reserve_for"`

	// MinRequestInterval throttles reuse of a single key. A launch sleeps
	// until the key's last_used is at least this old.
	MinRequestInterval time.Duration `yaml:"min_request_interval"`
}

// QuotaConfig holds the daily ceilings that mark a key exhausted.
// A zero ceiling is not enforced; the recorder requires at least one.
type QuotaConfig struct {
	MaxDailyRequests int64  `yaml:"max_daily_requests"`
	MaxDailyTokens   int64  `yaml:"max_daily_tokens"`
	ResetSchedule    string `yaml:"reset_schedule"` // 5-field cron expression
}

type LauncherConfig struct {
	Runtime string        `yaml:"runtime"` // gemini, claude
	Command string        `yaml:"command"` // CLI binary override; empty uses the runtime default
	Timeout time.Duration `yaml:"timeout"` // zero means no deadline (interactive sessions)
}

type NotifyConfig struct {
	SlackWebhookURL string        `yaml:"slack_webhook_url"`
	Timeout         time.Duration `yaml:"timeout"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxRequestBody  int64         `yaml:"max_request_body_bytes"`
}

type SecurityConfig struct {
	APIKeyHeader   string   `yaml:"api_key_header"`
	AllowedKeys    []string `yaml:"allowed_keys"`
	RateLimitRPS   float64  `yaml:"rate_limit_rps"`
	RateLimitBurst int      `yaml:"rate_limit_burst"`
}

type DashboardConfig struct {
	DisplayTimezone string `yaml:"display_timezone"`
	PageLimit       int    `yaml:"page_limit"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// TLSConfig controls HTTPS/TLS termination for the dashboard.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path)) // #nosec G304 -- path comes from CLI flag or hardcoded default
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns sensible defaults for all configuration.
func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			DSN:             "",
			MaxOpenConns:    25,
			MinIdleConns:    2,
			ConnMaxLifetime: 5 * time.Minute,
			QueryTimeout:    5 * time.Second,
		},
		Selection: SelectionConfig{
			PriorityOrder:      "off",
			ReserveFor:         0,
			MinRequestInterval: 30 * time.Second,
		},
		Quota: QuotaConfig{
			MaxDailyRequests: 60,
			MaxDailyTokens:   0,
			ResetSchedule:    "5 0 * * *",
		},
		Launcher: LauncherConfig{
			Runtime: "gemini",
		},
		Notify: NotifyConfig{
			Timeout: 5 * time.Second,
		},
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			MaxRequestBody:  1 << 20, // 1MB
		},
		Security: SecurityConfig{
			APIKeyHeader:   "X-API-Key",
			RateLimitRPS:   100,
			RateLimitBurst: 200,
		},
		Dashboard: DashboardConfig{
			DisplayTimezone: "UTC",
			PageLimit:       200,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		TLS: TLSConfig{
			Enabled: false,
		},
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port)
	}
	switch c.Selection.PriorityOrder {
	case "off", "before", "after":
	default:
		return fmt.Errorf("selection.priority_order must be off, before, or after, got %q", c.Selection.PriorityOrder)
	}
	if c.Selection.ReserveFor < 0 {
		return fmt.Errorf("selection.reserve_for must be >= 0")
	}
	if c.Selection.MinRequestInterval < 0 {
		return fmt.Errorf("selection.min_request_interval must be >= 0")
	}
	if c.Quota.MaxDailyRequests < 0 || c.Quota.MaxDailyTokens < 0 {
		return fmt.Errorf("quota ceilings must be >= 0")
	}
	if c.Dashboard.PageLimit < 1 {
		return fmt.Errorf("dashboard.page_limit must be >= 1")
	}
	if _, err := time.LoadLocation(c.Dashboard.DisplayTimezone); err != nil {
		return fmt.Errorf("dashboard.display_timezone: %w", err)
	}
	if c.TLS.Enabled {
		if c.TLS.CertFile == "" || c.TLS.KeyFile == "" {
			return fmt.Errorf("tls.cert_file and tls.key_file are required when TLS is enabled")
		}
	}
	if c.Database.DSN != "" && strings.Contains(c.Database.DSN, "sslmode=disable") {
		log.Warn().Msg("database DSN has sslmode=disable — connections to Postgres are unencrypted")
	}
	return nil
}

// Address returns the dashboard listen address string.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
