// Package config provides configuration management for Gantry.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for Gantry.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Workspace WorkspaceConfig `mapstructure:"workspace"`
	Agent     AgentConfig     `mapstructure:"agent"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Events    EventsConfig    `mapstructure:"events"`
	Registry  RegistryConfig  `mapstructure:"registry"`
	Chat      ChatConfig      `mapstructure:"chat"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"read_timeout"`  // in seconds
	WriteTimeout int    `mapstructure:"write_timeout"` // in seconds
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// DatabaseConfig holds task store configuration. The driver selects
// between the embedded SQLite store and an external PostgreSQL server.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"` // sqlite3 or pgx
	Path     string `mapstructure:"path"`   // sqlite file location
	DSN      string `mapstructure:"dsn"`    // postgres connection string
	MaxConns int    `mapstructure:"max_conns"`
	MinConns int    `mapstructure:"min_conns"`
}

// SchedulerConfig holds dispatch loop configuration.
type SchedulerConfig struct {
	MaxConcurrent int     `mapstructure:"max_concurrent"`
	PollInterval  float64 `mapstructure:"poll_interval"` // in seconds
	PlanReview    bool    `mapstructure:"plan_review"`
}

// WorkspaceConfig holds git worktree provisioning configuration.
type WorkspaceConfig struct {
	BaseRepo     string `mapstructure:"base_repo"`
	WorktreesDir string `mapstructure:"worktrees_dir"` // empty means sibling of base_repo
	LogDir       string `mapstructure:"log_dir"`
}

// AgentConfig holds the agent CLI invocation configuration.
type AgentConfig struct {
	Binary string `mapstructure:"binary"`
}

// AuthConfig holds API authentication configuration.
type AuthConfig struct {
	// APICredential guards mutating endpoints via the X-API-Key header.
	// Empty disables the check.
	APICredential string `mapstructure:"api_credential"`
}

// EventsConfig selects the event bus provider.
type EventsConfig struct {
	Provider      string `mapstructure:"provider"` // memory or nats
	NATSURL       string `mapstructure:"nats_url"`
	MaxReconnects int    `mapstructure:"max_reconnects"`
}

// RegistryConfig holds the shared JSON task registry configuration.
type RegistryConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// ChatConfig holds chat session configuration.
type ChatConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// MetricsConfig holds Prometheus exposition configuration.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// PollIntervalDuration returns the scheduler cadence as a time.Duration.
func (s *SchedulerConfig) PollIntervalDuration() time.Duration {
	return time.Duration(s.PollInterval * float64(time.Second))
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30)
	v.SetDefault("server.write_timeout", 30)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.output_path", "stdout")

	// Database defaults
	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.path", "tasks.db")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_conns", 25)
	v.SetDefault("database.min_conns", 5)

	// Scheduler defaults
	v.SetDefault("scheduler.max_concurrent", 3)
	v.SetDefault("scheduler.poll_interval", 2.0)
	v.SetDefault("scheduler.plan_review", true)

	// Workspace defaults
	v.SetDefault("workspace.base_repo", "/home/ubuntu/project")
	v.SetDefault("workspace.worktrees_dir", "")
	v.SetDefault("workspace.log_dir", "/home/ubuntu/task-logs")

	// Agent defaults
	v.SetDefault("agent.binary", "claude")

	// Auth defaults - empty credential disables the header check
	v.SetDefault("auth.api_credential", "")

	// Events defaults - in-memory bus unless a NATS URL is configured
	v.SetDefault("events.provider", "memory")
	v.SetDefault("events.nats_url", "nats://127.0.0.1:4222")
	v.SetDefault("events.max_reconnects", 10)

	// Registry defaults
	v.SetDefault("registry.enabled", false)
	v.SetDefault("registry.path", "dev-tasks.json")

	// Chat defaults
	v.SetDefault("chat.enabled", true)

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix GANTRY_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/gantry/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("GANTRY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Short env names kept from the previous deployment scripts, bound
	// alongside the canonical GANTRY_* names.
	_ = v.BindEnv("database.path", "DB_PATH", "GANTRY_DATABASE_PATH")
	_ = v.BindEnv("scheduler.max_concurrent", "MAX_CONCURRENT", "GANTRY_SCHEDULER_MAX_CONCURRENT")
	_ = v.BindEnv("scheduler.poll_interval", "POLL_INTERVAL", "GANTRY_SCHEDULER_POLL_INTERVAL")
	_ = v.BindEnv("workspace.base_repo", "BASE_REPO", "GANTRY_WORKSPACE_BASE_REPO")
	_ = v.BindEnv("workspace.log_dir", "LOG_DIR", "GANTRY_WORKSPACE_LOG_DIR")
	_ = v.BindEnv("auth.api_credential", "API_KEY", "GANTRY_AUTH_API_CREDENTIAL")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/gantry/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	switch cfg.Database.Driver {
	case "sqlite3":
		if cfg.Database.Path == "" {
			errs = append(errs, "database.path is required for the sqlite3 driver")
		}
	case "pgx":
		if cfg.Database.DSN == "" {
			errs = append(errs, "database.dsn is required for the pgx driver")
		}
	default:
		errs = append(errs, "database.driver must be one of: sqlite3, pgx")
	}

	// max_concurrent zero is legal: the scheduler idles without dispatching.
	if cfg.Scheduler.MaxConcurrent < 0 {
		errs = append(errs, "scheduler.max_concurrent must not be negative")
	}
	if cfg.Scheduler.PollInterval <= 0 {
		errs = append(errs, "scheduler.poll_interval must be positive")
	}

	if cfg.Workspace.BaseRepo == "" {
		errs = append(errs, "workspace.base_repo is required")
	}
	if cfg.Workspace.LogDir == "" {
		errs = append(errs, "workspace.log_dir is required")
	}

	if cfg.Agent.Binary == "" {
		errs = append(errs, "agent.binary is required")
	}

	switch cfg.Events.Provider {
	case "memory", "nats":
	default:
		errs = append(errs, "events.provider must be one of: memory, nats")
	}
	if cfg.Events.Provider == "nats" && cfg.Events.NATSURL == "" {
		errs = append(errs, "events.nats_url is required when events.provider is nats")
	}

	if cfg.Registry.Enabled && cfg.Registry.Path == "" {
		errs = append(errs, "registry.path is required when registry.enabled is true")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "console": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, console, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
