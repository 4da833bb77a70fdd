package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	// Test server defaults
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Empty(t, cfg.Server.AllowedOrigins)

	// Test database defaults
	assert.Equal(t, "sqlite", cfg.Database.Type)
	assert.NotEmpty(t, cfg.Database.SQLitePath)

	// Test detection defaults
	assert.Equal(t, 24, cfg.Detection.Window)
	assert.Equal(t, 4.0, cfg.Detection.ZThreshold)
	assert.Equal(t, 50.0, cfg.Detection.SpikePercent)
	assert.Equal(t, 8, cfg.Detection.MinRun)
	assert.Len(t, cfg.Detection.Rules, 4)

	// Test severity defaults
	assert.Equal(t, 0.5, cfg.Severity.HighPercentile)
	assert.Equal(t, "batch", cfg.Severity.Mode)

	// Test alerting defaults
	assert.Equal(t, 5, cfg.Alerting.DedupWindowMinutes)
	assert.Equal(t, 30, cfg.Alerting.RetentionDays)

	// Test notification and scheduler defaults
	assert.False(t, cfg.Notification.Enabled)
	assert.Equal(t, 300, cfg.Scheduler.IntervalSeconds)

	// Test logging defaults
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)

	assert.Empty(t, cfg.Validate())
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name      string
		modifyFn  func(*Config)
		wantError bool
		errorMsg  string
	}{
		{
			name:      "valid default config",
			modifyFn:  func(cfg *Config) {},
			wantError: false,
		},
		{
			name: "invalid port - too low",
			modifyFn: func(cfg *Config) {
				cfg.Server.Port = 0
			},
			wantError: true,
			errorMsg:  "port must be between 1 and 65535",
		},
		{
			name: "invalid port - too high",
			modifyFn: func(cfg *Config) {
				cfg.Server.Port = 70000
			},
			wantError: true,
			errorMsg:  "port must be between 1 and 65535",
		},
		{
			name: "invalid database type",
			modifyFn: func(cfg *Config) {
				cfg.Database.Type = "postgres"
			},
			wantError: true,
			errorMsg:  "invalid database type",
		},
		{
			name: "mongo without uri",
			modifyFn: func(cfg *Config) {
				cfg.Database.Type = "mongo"
			},
			wantError: true,
			errorMsg:  "mongo_uri is required",
		},
		{
			name: "valid mongo config",
			modifyFn: func(cfg *Config) {
				cfg.Database.Type = "mongo"
				cfg.Database.MongoURI = "mongodb://localhost:27017"
			},
			wantError: false,
		},
		{
			name: "redis with bad address",
			modifyFn: func(cfg *Config) {
				cfg.Redis.Enabled = true
				cfg.Redis.Addr = "localhost"
			},
			wantError: true,
			errorMsg:  "expected host:port",
		},
		{
			name: "unknown rule",
			modifyFn: func(cfg *Config) {
				cfg.Detection.Rules = []string{"energy_spike", "vibes"}
			},
			wantError: true,
			errorMsg:  "unknown rule 'vibes'",
		},
		{
			name: "unordered percentiles",
			modifyFn: func(cfg *Config) {
				cfg.Severity.HighPercentile = 3
			},
			wantError: true,
			errorMsg:  "percentiles must satisfy",
		},
		{
			name: "invalid severity mode",
			modifyFn: func(cfg *Config) {
				cfg.Severity.Mode = "rolling"
			},
			wantError: true,
			errorMsg:  "invalid mode",
		},
		{
			name: "negative type window",
			modifyFn: func(cfg *Config) {
				cfg.Alerting.TypeWindowMinutes = map[string]int{"energy_spike": -1}
			},
			wantError: true,
			errorMsg:  "cannot be negative",
		},
		{
			name: "notifications without smtp host",
			modifyFn: func(cfg *Config) {
				cfg.Notification.Enabled = true
				cfg.Notification.SMTP.From = "emads@hostel.example"
			},
			wantError: true,
			errorMsg:  "smtp host is required",
		},
		{
			name: "valid notifications",
			modifyFn: func(cfg *Config) {
				cfg.Notification.Enabled = true
				cfg.Notification.SMTP.Host = "smtp.hostel.example"
				cfg.Notification.SMTP.From = "emads@hostel.example"
			},
			wantError: false,
		},
		{
			name: "contamination out of range",
			modifyFn: func(cfg *Config) {
				cfg.Model.Contamination = 0.5
			},
			wantError: true,
			errorMsg:  "contamination must be in",
		},
		{
			name: "invalid log level",
			modifyFn: func(cfg *Config) {
				cfg.Logging.Level = "verbose"
			},
			wantError: true,
			errorMsg:  "invalid log level",
		},
		{
			name: "invalid log format",
			modifyFn: func(cfg *Config) {
				cfg.Logging.Format = "xml"
			},
			wantError: true,
			errorMsg:  "invalid log format",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modifyFn(cfg)

			errs := cfg.Validate()

			if tt.wantError {
				require.NotEmpty(t, errs, "expected validation errors but got none")
				found := false
				for _, err := range errs {
					var vErr *ValidationError
					require.ErrorAs(t, err, &vErr)
					if strings.Contains(err.Error(), tt.errorMsg) {
						found = true
						break
					}
				}
				assert.True(t, found, "expected error containing %q, got: %v", tt.errorMsg, errs)
			} else {
				assert.Empty(t, errs, "expected no validation errors but got: %v", errs)
			}
		})
	}
}

func TestConfigManagerLoad(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
server:
  port: 9090
  allowed_origins:
    - "https://dashboard.hostel.example"

database:
  type: "mongo"
  mongo_uri: "mongodb://mongo:27017"

detection:
  spike_percent: 300
  rules: ["energy_spike", "unusual_pattern"]

alerting:
  dedup_window_minutes: 10
  type_window_minutes:
    isolation_forest: 0
    energy_spike: 15

notification:
  enabled: true
  smtp:
    host: "smtp.hostel.example"
    from: "emads@hostel.example"

logging:
  level: "debug"
  format: "text"
`
	err := os.WriteFile(configPath, []byte(configContent), 0644)
	require.NoError(t, err)

	mgr, err := NewConfigManager(configPath)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, mgr.Load(ctx))
	require.NoError(t, mgr.Validate(ctx))

	cfg := mgr.Get(ctx)
	require.NotNil(t, cfg)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, []string{"https://dashboard.hostel.example"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, "mongo", cfg.Database.Type)
	assert.Equal(t, "mongodb://mongo:27017", cfg.Database.MongoURI)
	assert.Equal(t, "emads", cfg.Database.MongoDatabase, "unset keys keep their defaults")
	assert.Equal(t, 300.0, cfg.Detection.SpikePercent)
	assert.Equal(t, []string{"energy_spike", "unusual_pattern"}, cfg.Detection.Rules)
	assert.Equal(t, 10, cfg.Alerting.DedupWindowMinutes)
	assert.Equal(t, map[string]int{"isolation_forest": 0, "energy_spike": 15}, cfg.Alerting.TypeWindowMinutes)
	assert.True(t, cfg.Notification.Enabled)
	assert.Equal(t, 587, cfg.Notification.SMTP.Port)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
}

func TestConfigManagerEnvironmentOverrides(t *testing.T) {
	t.Setenv("EMADS_SERVER_PORT", "7070")
	t.Setenv("EMADS_NOTIFICATION_SMTP_PASSWORD", "env-secret")
	t.Setenv("EMADS_DETECTION_CONSECUTIVE_METHODS", "statistical,hourly_pattern")

	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
server:
  port: 8081

notification:
  smtp:
    password: "file-secret"
`
	err := os.WriteFile(configPath, []byte(configContent), 0644)
	require.NoError(t, err)

	mgr, err := NewConfigManager(configPath)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, mgr.Load(ctx))

	cfg := mgr.Get(ctx)

	assert.Equal(t, 7070, cfg.Server.Port, "port should be overridden by environment variable")
	assert.Equal(t, "env-secret", cfg.Notification.SMTP.Password, "password should come from environment variable")
	assert.Equal(t, []string{"statistical", "hourly_pattern"}, cfg.Detection.ConsecutiveMethods)
}

func TestConfigManagerMissingFile(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "nonexistent-config.yaml")

	mgr, err := NewConfigManager(configPath)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, mgr.Load(ctx))

	cfg := mgr.Get(ctx)
	assert.NotNil(t, cfg)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.NoError(t, mgr.Validate(ctx))
}

func TestConfigManagerValidation(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
server:
  port: 99999

database:
  type: "cassandra"

severity:
  mode: "rolling"
`
	err := os.WriteFile(configPath, []byte(configContent), 0644)
	require.NoError(t, err)

	mgr, err := NewConfigManager(configPath)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, mgr.Load(ctx))

	err = mgr.Validate(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "configuration validation failed")
	assert.Contains(t, err.Error(), "server.port")
	assert.Contains(t, err.Error(), "database.type")
	assert.Contains(t, err.Error(), "severity.mode")
}

func TestConfigManagerReload(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("scheduler:\n  interval_seconds: 60\n"), 0644))

	mgr, err := NewConfigManager(configPath)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, mgr.Load(ctx))
	assert.Equal(t, 60, mgr.Get(ctx).Scheduler.IntervalSeconds)

	require.NoError(t, os.WriteFile(configPath, []byte("scheduler:\n  interval_seconds: 120\n"), 0644))
	require.NoError(t, mgr.Reload(ctx))
	assert.Equal(t, 120, mgr.Get(ctx).Scheduler.IntervalSeconds)
}

func TestConfigManagerWatch(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("logging:\n  level: info\n"), 0644))

	mgr, err := NewConfigManager(configPath)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, mgr.Load(ctx))

	updates := mgr.Watch(ctx)
	require.NoError(t, os.WriteFile(configPath, []byte("logging:\n  level: debug\n"), 0644))

	deadline := time.After(5 * time.Second)
	for {
		select {
		case cfg := <-updates:
			if cfg.Logging.Level == "debug" {
				return
			}
		case <-deadline:
			t.Fatal("no config update received")
		}
	}
}
