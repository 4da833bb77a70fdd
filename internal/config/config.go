// Package config provides configuration management for emads.
//
// Configuration Sources (priority order, high to low):
//  1. Environment variables (EMADS_* prefix, dots become underscores,
//     e.g. EMADS_NOTIFICATION_SMTP_PASSWORD)
//  2. YAML config file (default: /etc/emads/config.yaml)
//  3. Built-in defaults
//
// Sections:
//
//	server        listen address, CORS/WebSocket origins, API rate limit
//	database      "sqlite" (file path) or "mongo" (URI + database)
//	redis         optional cross-process dedup/notify lock
//	detection     scoring method parameters and enabled rules
//	severity      percentile tiers, z override, baseline mode
//	alerting      dedup windows, retention, check windows
//	notification  SMTP transport, rate limit, circuit breaker
//	scheduler     periodic check interval, weekly report
//	model         isolation forest training and freshness
//	cache         model cache TTL
//	logging       level, format, rotated app and audit log files
package config

import "context"

// Config struct contains all configuration fields
type Config struct {
	// Server configuration
	Server struct {
		Host string
		Port int
		// AllowedOrigins is a list of origins permitted for CORS and
		// WebSocket connections. Use ["*"] to allow any origin (development only).
		// If empty, defaults to ["http://localhost:3000", "http://localhost:5173"].
		AllowedOrigins    []string
		RequestsPerMinute int
	}

	// Database configuration
	Database struct {
		Type          string
		SQLitePath    string
		MongoURI      string
		MongoDatabase string
	}

	// Redis lock configuration; disabled means in-process locks only
	Redis struct {
		Enabled         bool
		Addr            string
		Password        string
		DB              int
		KeyPrefix       string
		LockTTLSeconds  int
		RetryWaitMillis int
	}

	// Detection configuration
	Detection struct {
		Window             int
		ZThreshold         float64
		SpikePercent       float64
		MaxPlateau         int
		PatternK           float64
		PatternMinReadings int
		MinRun             int
		Strict             bool
		Rules              []string
		ConsecutiveMethods []string
	}

	// Severity configuration
	Severity struct {
		HighPercentile   float64
		MediumPercentile float64
		LowPercentile    float64
		ZOverride        float64
		Mode             string
	}

	// Alerting configuration
	Alerting struct {
		DedupWindowMinutes int
		// TypeWindowMinutes overrides the dedup window per alert type;
		// 0 suppresses any later alert of that type for the sensor.
		TypeWindowMinutes  map[string]int
		RetentionDays      int
		LookbackHours      int
		WarmupHours        int
		PatternHistoryDays int
		SendReport         bool
	}

	// Notification configuration
	Notification struct {
		Enabled bool
		SMTP    struct {
			Host           string
			Port           int
			Username       string
			Password       string
			From           string
			TLS            string
			TimeoutSeconds int
		}
		RatePerSecond         float64
		Burst                 int
		BreakerFailures       int
		BreakerTimeoutSeconds int
	}

	// Scheduler configuration
	Scheduler struct {
		Enabled         bool
		IntervalSeconds int
		WeeklyReport    bool
	}

	// Model configuration
	Model struct {
		Enabled       bool
		MaxAgeMinutes int
		TrainingDays  int
		NumTrees      int
		MaxSamples    int
		Contamination float64
	}

	// Cache configuration
	Cache struct {
		TTLSeconds int
	}

	// Logging configuration
	Logging struct {
		Level        string
		Format       string
		AppLogPath   string
		AuditLogPath string
		MaxSizeMB    int
		MaxBackups   int
		MaxAgeDays   int
		Compress     bool
	}
}

// ConfigManager defines the interface for configuration access.
type ConfigManager interface {
	// Load loads configuration from all sources.
	Load(ctx context.Context) error

	// Get returns the current configuration.
	Get(ctx context.Context) *Config

	// Validate validates configuration is correct and complete.
	Validate(ctx context.Context) error

	// Watch watches for configuration changes and reloads (if supported).
	Watch(ctx context.Context) <-chan Config

	// Reload reloads configuration from sources (selective settings).
	Reload(ctx context.Context) error
}

// DefaultConfigPath is used when no path is given.
const DefaultConfigPath = "/etc/emads/config.yaml"

// NewConfigManager creates a new configuration manager.
func NewConfigManager(configPath string) (ConfigManager, error) {
	if configPath == "" {
		configPath = DefaultConfigPath
	}
	mgr := &viperConfigManager{
		configPath: configPath,
		config:     DefaultConfig(),
		watchChan:  make(chan Config, 1),
	}
	return mgr, nil
}

// NewConfigManagerWithDefaults creates a config manager with default config path.
func NewConfigManagerWithDefaults() (ConfigManager, error) {
	return NewConfigManager(DefaultConfigPath)
}
