package main

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/artpar/conductor/internal/orchestrator"
	"github.com/artpar/conductor/internal/shell/executor"
	"github.com/artpar/conductor/internal/shell/provider"
)

// =============================================================================
// Config Types
// =============================================================================

// Config holds all application configuration.
type Config struct {
	Log        LogConfig                   `mapstructure:"log"`
	Database   DatabaseConfig              `mapstructure:"database"`
	Checkpoint CheckpointConfig            `mapstructure:"checkpoint"`
	Backend    BackendConfig               `mapstructure:"backend"`
	SSH        executor.SSHSettings        `mapstructure:"ssh"`
	Retry      RetryConfig                 `mapstructure:"retry"`
	Health     orchestrator.HealthSettings `mapstructure:"health"`
	Pipeline   PipelineConfig              `mapstructure:"pipeline"`
	Portfolio  PortfolioConfig             `mapstructure:"portfolio"`
	Audit      AuditConfig                 `mapstructure:"audit"`
	Provider   provider.Config             `mapstructure:"provider"`
	Server     ServerConfig                `mapstructure:"server"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DatabaseConfig selects the store.
type DatabaseConfig struct {
	// Type is "sqlite" or "file".
	Type string `mapstructure:"type"`
	DSN  string `mapstructure:"dsn"`

	// Root is the directory of the file store.
	Root string `mapstructure:"root"`
}

// CheckpointConfig holds checkpoint sealing configuration.
type CheckpointConfig struct {
	// SealingKey is a fernet key or a passphrase. Empty stores payloads
	// in the clear.
	SealingKey string `mapstructure:"sealing_key"`
}

// BackendConfig describes the platform CLI.
type BackendConfig struct {
	Binary         string        `mapstructure:"binary"`
	Database       string        `mapstructure:"database"`
	CommandTimeout time.Duration `mapstructure:"command_timeout"`
	WorkDir        string        `mapstructure:"workdir"`
}

// RetryConfig bounds retries of transient errors inside phases.
type RetryConfig struct {
	MaxRetries  int           `mapstructure:"max_retries"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	Exponential bool          `mapstructure:"exponential"`
}

// PipelineConfig holds per-execution defaults.
type PipelineConfig struct {
	Profile      string        `mapstructure:"profile"`
	PhaseTimeout time.Duration `mapstructure:"phase_timeout"`
}

// PortfolioConfig tunes portfolio runs.
type PortfolioConfig struct {
	Concurrency int `mapstructure:"concurrency"`
}

// AuditConfig holds audit forwarding configuration.
type AuditConfig struct {
	// CollectorURL enables forwarding when set.
	CollectorURL string        `mapstructure:"collector_url"`
	Token        string        `mapstructure:"token"`
	Interval     time.Duration `mapstructure:"interval"`
	BatchSize    int           `mapstructure:"batch_size"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// Token enables bearer authentication on the API.
	Token string `mapstructure:"token"`
}

// Address returns the server address in host:port format.
func (c ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// =============================================================================
// Config Loading
// =============================================================================

// LoadConfig loads configuration from file and environment.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("database.type", "sqlite")
	v.SetDefault("database.dsn", "./data/conductor.db")
	v.SetDefault("database.root", "./data/checkpoints")
	v.SetDefault("checkpoint.sealing_key", "")

	v.SetDefault("backend.binary", "platform")
	v.SetDefault("backend.database", "")
	v.SetDefault("backend.command_timeout", "5m")
	v.SetDefault("backend.workdir", "")

	v.SetDefault("ssh.user", "")
	v.SetDefault("ssh.key_file", "")
	v.SetDefault("ssh.known_hosts_file", "")
	v.SetDefault("ssh.connect_timeout", "15s")

	v.SetDefault("retry.max_retries", 2)
	v.SetDefault("retry.base_delay", "500ms")
	v.SetDefault("retry.max_delay", "10s")
	v.SetDefault("retry.exponential", true)

	v.SetDefault("health.timeout", "10s")
	v.SetDefault("health.samples", 3)
	v.SetDefault("health.interval", "2s")
	v.SetDefault("health.slow_latency", "0s")

	v.SetDefault("pipeline.profile", "single")
	v.SetDefault("pipeline.phase_timeout", orchestrator.DefaultPhaseTimeout.String())
	v.SetDefault("portfolio.concurrency", orchestrator.DefaultConcurrency)

	v.SetDefault("audit.collector_url", "")
	v.SetDefault("audit.token", "")
	v.SetDefault("audit.interval", "30s")
	v.SetDefault("audit.batch_size", 100)

	v.SetDefault("provider.type", "aws")
	v.SetDefault("provider.credentials.access_key_id", "")
	v.SetDefault("provider.credentials.secret_access_key", "")
	v.SetDefault("provider.credentials.region", "")
	v.SetDefault("provider.credentials.api_token", "")
	v.SetDefault("provider.endpoint", "")

	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.token", "")

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			// A missing file falls back to defaults; a broken one does not.
			if _, ok := err.(viper.ConfigParseError); ok {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	v.SetEnvPrefix("CONDUCTOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings no command can run with.
func (c *Config) Validate() error {
	switch c.Database.Type {
	case "sqlite":
		if strings.TrimSpace(c.Database.DSN) == "" {
			return fmt.Errorf("database.dsn is required for the sqlite store")
		}
	case "file":
		if strings.TrimSpace(c.Database.Root) == "" {
			return fmt.Errorf("database.root is required for the file store")
		}
	default:
		return fmt.Errorf("unknown database.type %q (want sqlite or file)", c.Database.Type)
	}
	if c.Portfolio.Concurrency < 0 {
		return fmt.Errorf("portfolio.concurrency must not be negative")
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must not be negative")
	}
	return nil
}

// =============================================================================
// Logger Setup
// =============================================================================

// SetupLogger creates a logger with the configured level and format.
// The CLI passes stderr so command output on stdout stays parseable.
func SetupLogger(cfg *Config, w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if strings.ToLower(cfg.Log.Format) == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}
