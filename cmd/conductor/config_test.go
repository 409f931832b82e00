package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Config Loading Tests
// =============================================================================

func TestLoadConfig_DefaultValues(t *testing.T) {
	clearEnv(t)

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Equal(t, "sqlite", cfg.Database.Type)
	assert.Equal(t, "./data/conductor.db", cfg.Database.DSN)
	assert.Equal(t, "platform", cfg.Backend.Binary)
	assert.Equal(t, 5*time.Minute, cfg.Backend.CommandTimeout)
	assert.Equal(t, 15*time.Second, cfg.SSH.ConnectTimeout)
	assert.Equal(t, 2, cfg.Retry.MaxRetries)
	assert.Equal(t, 500*time.Millisecond, cfg.Retry.BaseDelay)
	assert.True(t, cfg.Retry.Exponential)
	assert.Equal(t, 10*time.Second, cfg.Health.Timeout)
	assert.Equal(t, 3, cfg.Health.Samples)
	assert.Equal(t, "single", cfg.Pipeline.Profile)
	assert.Equal(t, 10*time.Minute, cfg.Pipeline.PhaseTimeout)
	assert.Equal(t, 3, cfg.Portfolio.Concurrency)
	assert.Equal(t, 30*time.Second, cfg.Audit.Interval)
	assert.Equal(t, "aws", cfg.Provider.Type)
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Server.ShutdownTimeout)
}

func TestLoadConfig_FromFile(t *testing.T) {
	clearEnv(t)

	configContent := `
log:
  level: "debug"
  format: "json"

database:
  type: "file"
  root: "/var/lib/conductor"

checkpoint:
  sealing_key: "correct horse battery staple"

backend:
  binary: "/usr/local/bin/platform"
  database: "app-db"
  command_timeout: 90s

ssh:
  user: "deploy"
  key_file: "/etc/conductor/id_ed25519"

retry:
  max_retries: 4
  base_delay: 1s

health:
  samples: 5
  slow_latency: 750ms

pipeline:
  profile: "enterprise"
  phase_timeout: 2m

portfolio:
  concurrency: 8

audit:
  collector_url: "https://audit.example.com/events"
  batch_size: 25

provider:
  type: "hetzner"
  credentials:
    api_token: "hz-token"

server:
  port: 9000
  token: "s3cret"
`
	tmpFile := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(tmpFile, []byte(configContent), 0644))

	cfg, err := LoadConfig(tmpFile)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "file", cfg.Database.Type)
	assert.Equal(t, "/var/lib/conductor", cfg.Database.Root)
	assert.Equal(t, "correct horse battery staple", cfg.Checkpoint.SealingKey)
	assert.Equal(t, "/usr/local/bin/platform", cfg.Backend.Binary)
	assert.Equal(t, "app-db", cfg.Backend.Database)
	assert.Equal(t, 90*time.Second, cfg.Backend.CommandTimeout)
	assert.Equal(t, "deploy", cfg.SSH.User)
	assert.Equal(t, "/etc/conductor/id_ed25519", cfg.SSH.KeyFile)
	assert.Equal(t, 4, cfg.Retry.MaxRetries)
	assert.Equal(t, time.Second, cfg.Retry.BaseDelay)
	assert.Equal(t, 5, cfg.Health.Samples)
	assert.Equal(t, 750*time.Millisecond, cfg.Health.SlowLatency)
	assert.Equal(t, "enterprise", cfg.Pipeline.Profile)
	assert.Equal(t, 2*time.Minute, cfg.Pipeline.PhaseTimeout)
	assert.Equal(t, 8, cfg.Portfolio.Concurrency)
	assert.Equal(t, "https://audit.example.com/events", cfg.Audit.CollectorURL)
	assert.Equal(t, 25, cfg.Audit.BatchSize)
	assert.Equal(t, "hetzner", cfg.Provider.Type)
	assert.Equal(t, "hz-token", cfg.Provider.Credentials.APIToken)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "s3cret", cfg.Server.Token)
}

func TestLoadConfig_EnvironmentOverride(t *testing.T) {
	clearEnv(t)

	t.Setenv("CONDUCTOR_SERVER_HOST", "0.0.0.0")
	t.Setenv("CONDUCTOR_SERVER_PORT", "3000")
	t.Setenv("CONDUCTOR_DATABASE_DSN", "/custom/path.db")
	t.Setenv("CONDUCTOR_LOG_LEVEL", "warn")
	t.Setenv("CONDUCTOR_BACKEND_BINARY", "wrangler")
	t.Setenv("CONDUCTOR_PORTFOLIO_CONCURRENCY", "6")
	t.Setenv("CONDUCTOR_HEALTH_TIMEOUT", "3s")

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, "/custom/path.db", cfg.Database.DSN)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "wrangler", cfg.Backend.Binary)
	assert.Equal(t, 6, cfg.Portfolio.Concurrency)
	assert.Equal(t, 3*time.Second, cfg.Health.Timeout)
}

func TestLoadConfig_EnvOverridesFile(t *testing.T) {
	clearEnv(t)

	tmpFile := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(tmpFile, []byte("pipeline:\n  profile: portfolio\n"), 0644))
	t.Setenv("CONDUCTOR_PIPELINE_PROFILE", "enterprise")

	cfg, err := LoadConfig(tmpFile)
	require.NoError(t, err)
	assert.Equal(t, "enterprise", cfg.Pipeline.Profile)
}

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Database.Type)
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	clearEnv(t)

	tmpFile := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(tmpFile, []byte("log: [unclosed\n"), 0644))

	_, err := LoadConfig(tmpFile)
	assert.Error(t, err)
}

func TestLoadConfig_Validation(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"unknown store", map[string]string{"CONDUCTOR_DATABASE_TYPE": "postgres"}, "unknown database.type"},
		{"file store without root", map[string]string{"CONDUCTOR_DATABASE_TYPE": "file", "CONDUCTOR_DATABASE_ROOT": " "}, "database.root"},
		{"negative concurrency", map[string]string{"CONDUCTOR_PORTFOLIO_CONCURRENCY": "-1"}, "portfolio.concurrency"},
		{"negative retries", map[string]string{"CONDUCTOR_RETRY_MAX_RETRIES": "-2"}, "retry.max_retries"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := LoadConfig("")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestServerConfig_Address(t *testing.T) {
	assert.Equal(t, "localhost:8080", ServerConfig{Host: "localhost", Port: 8080}.Address())
	assert.Equal(t, ":443", ServerConfig{Port: 443}.Address())
}

// =============================================================================
// Logger Tests
// =============================================================================

func TestNewLogger_Levels(t *testing.T) {
	tests := []struct {
		level     string
		debugSeen bool
		infoSeen  bool
	}{
		{"debug", true, true},
		{"info", false, true},
		{"warning", false, false},
		{"error", false, false},
		{"bogus", false, true},
	}
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			var buf bytes.Buffer
			logger := SetupLogger(&Config{Log: LogConfig{Level: tt.level}}, &buf)
			logger.Debug("debug-line")
			logger.Info("info-line")
			assert.Equal(t, tt.debugSeen, strings.Contains(buf.String(), "debug-line"))
			assert.Equal(t, tt.infoSeen, strings.Contains(buf.String(), "info-line"))
		})
	}
}

func TestNewLogger_Format(t *testing.T) {
	var buf bytes.Buffer
	SetupLogger(&Config{Log: LogConfig{Format: "json"}}, &buf).Info("hello", "k", "v")
	assert.True(t, strings.HasPrefix(buf.String(), "{"))
	assert.Contains(t, buf.String(), `"k":"v"`)

	buf.Reset()
	SetupLogger(&Config{Log: LogConfig{Format: "text"}}, &buf).Info("hello", "k", "v")
	assert.Contains(t, buf.String(), "k=v")
}

// =============================================================================
// Helpers
// =============================================================================

func clearEnv(t *testing.T) {
	t.Helper()
	for _, kv := range os.Environ() {
		name, _, _ := strings.Cut(kv, "=")
		if strings.HasPrefix(name, "CONDUCTOR_") {
			t.Setenv(name, "")
			os.Unsetenv(name)
		}
	}
}
