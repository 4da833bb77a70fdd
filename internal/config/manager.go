package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// viperConfigManager implements ConfigManager using Viper.
type viperConfigManager struct {
	configPath string
	viper      *viper.Viper
	watchChan  chan Config
	watchOnce  sync.Once

	mu     sync.RWMutex
	config *Config
}

// Load loads configuration from all sources.
func (m *viperConfigManager) Load(ctx context.Context) error {
	m.viper = viper.New()

	m.viper.SetConfigFile(m.configPath)
	m.viper.SetConfigType("yaml")

	m.viper.SetEnvPrefix("EMADS")
	m.viper.AutomaticEnv()
	m.viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	m.setDefaults()

	if err := m.readConfigFile(); err != nil {
		return err
	}

	if err := m.unmarshalConfig(); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}

	return nil
}

// readConfigFile reads the YAML file. A missing file is not an error:
// defaults and environment variables still apply.
func (m *viperConfigManager) readConfigFile() error {
	err := m.viper.ReadInConfig()
	if err == nil {
		return nil
	}
	var notFound viper.ConfigFileNotFoundError
	if errors.As(err, &notFound) || os.IsNotExist(err) || errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("error reading config file: %w", err)
}

// Get returns the current configuration.
func (m *viperConfigManager) Get(ctx context.Context) *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// Validate validates configuration is correct and complete.
func (m *viperConfigManager) Validate(ctx context.Context) error {
	errs := m.Get(ctx).Validate()
	if len(errs) > 0 {
		var errMsgs []string
		for _, err := range errs {
			errMsgs = append(errMsgs, err.Error())
		}
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errMsgs, "\n  - "))
	}
	return nil
}

// Watch watches the config file and sends each valid reloaded
// configuration on the returned channel. An unread update is replaced
// by the newer one.
func (m *viperConfigManager) Watch(ctx context.Context) <-chan Config {
	m.watchOnce.Do(func() {
		m.viper.OnConfigChange(func(e fsnotify.Event) {
			if err := m.unmarshalConfig(); err != nil {
				return
			}
			cfg := m.Get(ctx)
			if len(cfg.Validate()) > 0 {
				return
			}
			select {
			case <-m.watchChan:
			default:
			}
			select {
			case m.watchChan <- *cfg:
			default:
			}
		})
		m.viper.WatchConfig()
	})
	return m.watchChan
}

// Reload reloads configuration from sources.
func (m *viperConfigManager) Reload(ctx context.Context) error {
	if err := m.readConfigFile(); err != nil {
		return err
	}
	if err := m.unmarshalConfig(); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}
	return nil
}

// setDefaults sets default values in viper.
func (m *viperConfigManager) setDefaults() {
	defaults := DefaultConfig()

	// Server defaults
	m.viper.SetDefault("server.host", defaults.Server.Host)
	m.viper.SetDefault("server.port", defaults.Server.Port)
	m.viper.SetDefault("server.allowed_origins", defaults.Server.AllowedOrigins)
	m.viper.SetDefault("server.requests_per_minute", defaults.Server.RequestsPerMinute)

	// Database defaults
	m.viper.SetDefault("database.type", defaults.Database.Type)
	m.viper.SetDefault("database.sqlite_path", defaults.Database.SQLitePath)
	m.viper.SetDefault("database.mongo_uri", defaults.Database.MongoURI)
	m.viper.SetDefault("database.mongo_database", defaults.Database.MongoDatabase)

	// Redis defaults
	m.viper.SetDefault("redis.enabled", defaults.Redis.Enabled)
	m.viper.SetDefault("redis.addr", defaults.Redis.Addr)
	m.viper.SetDefault("redis.password", defaults.Redis.Password)
	m.viper.SetDefault("redis.db", defaults.Redis.DB)
	m.viper.SetDefault("redis.key_prefix", defaults.Redis.KeyPrefix)
	m.viper.SetDefault("redis.lock_ttl_seconds", defaults.Redis.LockTTLSeconds)
	m.viper.SetDefault("redis.retry_wait_millis", defaults.Redis.RetryWaitMillis)

	// Detection defaults
	m.viper.SetDefault("detection.window", defaults.Detection.Window)
	m.viper.SetDefault("detection.z_threshold", defaults.Detection.ZThreshold)
	m.viper.SetDefault("detection.spike_percent", defaults.Detection.SpikePercent)
	m.viper.SetDefault("detection.max_plateau", defaults.Detection.MaxPlateau)
	m.viper.SetDefault("detection.pattern_k", defaults.Detection.PatternK)
	m.viper.SetDefault("detection.pattern_min_readings", defaults.Detection.PatternMinReadings)
	m.viper.SetDefault("detection.min_run", defaults.Detection.MinRun)
	m.viper.SetDefault("detection.strict", defaults.Detection.Strict)
	m.viper.SetDefault("detection.rules", defaults.Detection.Rules)
	m.viper.SetDefault("detection.consecutive_methods", defaults.Detection.ConsecutiveMethods)

	// Severity defaults
	m.viper.SetDefault("severity.high_percentile", defaults.Severity.HighPercentile)
	m.viper.SetDefault("severity.medium_percentile", defaults.Severity.MediumPercentile)
	m.viper.SetDefault("severity.low_percentile", defaults.Severity.LowPercentile)
	m.viper.SetDefault("severity.z_override", defaults.Severity.ZOverride)
	m.viper.SetDefault("severity.mode", defaults.Severity.Mode)

	// Alerting defaults
	m.viper.SetDefault("alerting.dedup_window_minutes", defaults.Alerting.DedupWindowMinutes)
	m.viper.SetDefault("alerting.type_window_minutes", defaults.Alerting.TypeWindowMinutes)
	m.viper.SetDefault("alerting.retention_days", defaults.Alerting.RetentionDays)
	m.viper.SetDefault("alerting.lookback_hours", defaults.Alerting.LookbackHours)
	m.viper.SetDefault("alerting.warmup_hours", defaults.Alerting.WarmupHours)
	m.viper.SetDefault("alerting.pattern_history_days", defaults.Alerting.PatternHistoryDays)
	m.viper.SetDefault("alerting.send_report", defaults.Alerting.SendReport)

	// Notification defaults
	m.viper.SetDefault("notification.enabled", defaults.Notification.Enabled)
	m.viper.SetDefault("notification.smtp.host", defaults.Notification.SMTP.Host)
	m.viper.SetDefault("notification.smtp.port", defaults.Notification.SMTP.Port)
	m.viper.SetDefault("notification.smtp.username", defaults.Notification.SMTP.Username)
	m.viper.SetDefault("notification.smtp.password", defaults.Notification.SMTP.Password)
	m.viper.SetDefault("notification.smtp.from", defaults.Notification.SMTP.From)
	m.viper.SetDefault("notification.smtp.tls", defaults.Notification.SMTP.TLS)
	m.viper.SetDefault("notification.smtp.timeout_seconds", defaults.Notification.SMTP.TimeoutSeconds)
	m.viper.SetDefault("notification.rate_per_second", defaults.Notification.RatePerSecond)
	m.viper.SetDefault("notification.burst", defaults.Notification.Burst)
	m.viper.SetDefault("notification.breaker_failures", defaults.Notification.BreakerFailures)
	m.viper.SetDefault("notification.breaker_timeout_seconds", defaults.Notification.BreakerTimeoutSeconds)

	// Scheduler defaults
	m.viper.SetDefault("scheduler.enabled", defaults.Scheduler.Enabled)
	m.viper.SetDefault("scheduler.interval_seconds", defaults.Scheduler.IntervalSeconds)
	m.viper.SetDefault("scheduler.weekly_report", defaults.Scheduler.WeeklyReport)

	// Model defaults
	m.viper.SetDefault("model.enabled", defaults.Model.Enabled)
	m.viper.SetDefault("model.max_age_minutes", defaults.Model.MaxAgeMinutes)
	m.viper.SetDefault("model.training_days", defaults.Model.TrainingDays)
	m.viper.SetDefault("model.num_trees", defaults.Model.NumTrees)
	m.viper.SetDefault("model.max_samples", defaults.Model.MaxSamples)
	m.viper.SetDefault("model.contamination", defaults.Model.Contamination)

	// Cache defaults
	m.viper.SetDefault("cache.ttl_seconds", defaults.Cache.TTLSeconds)

	// Logging defaults
	m.viper.SetDefault("logging.level", defaults.Logging.Level)
	m.viper.SetDefault("logging.format", defaults.Logging.Format)
	m.viper.SetDefault("logging.app_log_path", defaults.Logging.AppLogPath)
	m.viper.SetDefault("logging.audit_log_path", defaults.Logging.AuditLogPath)
	m.viper.SetDefault("logging.max_size_mb", defaults.Logging.MaxSizeMB)
	m.viper.SetDefault("logging.max_backups", defaults.Logging.MaxBackups)
	m.viper.SetDefault("logging.max_age_days", defaults.Logging.MaxAgeDays)
	m.viper.SetDefault("logging.compress", defaults.Logging.Compress)
}

// unmarshalConfig unmarshals viper config into Config struct.
func (m *viperConfigManager) unmarshalConfig() error {
	cfg := &Config{}

	// Server
	cfg.Server.Host = m.viper.GetString("server.host")
	cfg.Server.Port = m.viper.GetInt("server.port")
	cfg.Server.AllowedOrigins = m.stringList("server.allowed_origins")
	cfg.Server.RequestsPerMinute = m.viper.GetInt("server.requests_per_minute")

	// Database
	cfg.Database.Type = m.viper.GetString("database.type")
	cfg.Database.SQLitePath = m.viper.GetString("database.sqlite_path")
	cfg.Database.MongoURI = m.viper.GetString("database.mongo_uri")
	cfg.Database.MongoDatabase = m.viper.GetString("database.mongo_database")

	// Redis
	cfg.Redis.Enabled = m.viper.GetBool("redis.enabled")
	cfg.Redis.Addr = m.viper.GetString("redis.addr")
	cfg.Redis.Password = m.viper.GetString("redis.password")
	cfg.Redis.DB = m.viper.GetInt("redis.db")
	cfg.Redis.KeyPrefix = m.viper.GetString("redis.key_prefix")
	cfg.Redis.LockTTLSeconds = m.viper.GetInt("redis.lock_ttl_seconds")
	cfg.Redis.RetryWaitMillis = m.viper.GetInt("redis.retry_wait_millis")

	// Detection
	cfg.Detection.Window = m.viper.GetInt("detection.window")
	cfg.Detection.ZThreshold = m.viper.GetFloat64("detection.z_threshold")
	cfg.Detection.SpikePercent = m.viper.GetFloat64("detection.spike_percent")
	cfg.Detection.MaxPlateau = m.viper.GetInt("detection.max_plateau")
	cfg.Detection.PatternK = m.viper.GetFloat64("detection.pattern_k")
	cfg.Detection.PatternMinReadings = m.viper.GetInt("detection.pattern_min_readings")
	cfg.Detection.MinRun = m.viper.GetInt("detection.min_run")
	cfg.Detection.Strict = m.viper.GetBool("detection.strict")
	cfg.Detection.Rules = m.stringList("detection.rules")
	cfg.Detection.ConsecutiveMethods = m.stringList("detection.consecutive_methods")

	// Severity
	cfg.Severity.HighPercentile = m.viper.GetFloat64("severity.high_percentile")
	cfg.Severity.MediumPercentile = m.viper.GetFloat64("severity.medium_percentile")
	cfg.Severity.LowPercentile = m.viper.GetFloat64("severity.low_percentile")
	cfg.Severity.ZOverride = m.viper.GetFloat64("severity.z_override")
	cfg.Severity.Mode = m.viper.GetString("severity.mode")

	// Alerting
	cfg.Alerting.DedupWindowMinutes = m.viper.GetInt("alerting.dedup_window_minutes")
	cfg.Alerting.TypeWindowMinutes = make(map[string]int)
	for k := range m.viper.GetStringMap("alerting.type_window_minutes") {
		cfg.Alerting.TypeWindowMinutes[k] = m.viper.GetInt("alerting.type_window_minutes." + k)
	}
	cfg.Alerting.RetentionDays = m.viper.GetInt("alerting.retention_days")
	cfg.Alerting.LookbackHours = m.viper.GetInt("alerting.lookback_hours")
	cfg.Alerting.WarmupHours = m.viper.GetInt("alerting.warmup_hours")
	cfg.Alerting.PatternHistoryDays = m.viper.GetInt("alerting.pattern_history_days")
	cfg.Alerting.SendReport = m.viper.GetBool("alerting.send_report")

	// Notification
	cfg.Notification.Enabled = m.viper.GetBool("notification.enabled")
	cfg.Notification.SMTP.Host = m.viper.GetString("notification.smtp.host")
	cfg.Notification.SMTP.Port = m.viper.GetInt("notification.smtp.port")
	cfg.Notification.SMTP.Username = m.viper.GetString("notification.smtp.username")
	cfg.Notification.SMTP.Password = m.viper.GetString("notification.smtp.password")
	cfg.Notification.SMTP.From = m.viper.GetString("notification.smtp.from")
	cfg.Notification.SMTP.TLS = m.viper.GetString("notification.smtp.tls")
	cfg.Notification.SMTP.TimeoutSeconds = m.viper.GetInt("notification.smtp.timeout_seconds")
	cfg.Notification.RatePerSecond = m.viper.GetFloat64("notification.rate_per_second")
	cfg.Notification.Burst = m.viper.GetInt("notification.burst")
	cfg.Notification.BreakerFailures = m.viper.GetInt("notification.breaker_failures")
	cfg.Notification.BreakerTimeoutSeconds = m.viper.GetInt("notification.breaker_timeout_seconds")

	// Scheduler
	cfg.Scheduler.Enabled = m.viper.GetBool("scheduler.enabled")
	cfg.Scheduler.IntervalSeconds = m.viper.GetInt("scheduler.interval_seconds")
	cfg.Scheduler.WeeklyReport = m.viper.GetBool("scheduler.weekly_report")

	// Model
	cfg.Model.Enabled = m.viper.GetBool("model.enabled")
	cfg.Model.MaxAgeMinutes = m.viper.GetInt("model.max_age_minutes")
	cfg.Model.TrainingDays = m.viper.GetInt("model.training_days")
	cfg.Model.NumTrees = m.viper.GetInt("model.num_trees")
	cfg.Model.MaxSamples = m.viper.GetInt("model.max_samples")
	cfg.Model.Contamination = m.viper.GetFloat64("model.contamination")

	// Cache
	cfg.Cache.TTLSeconds = m.viper.GetInt("cache.ttl_seconds")

	// Logging
	cfg.Logging.Level = m.viper.GetString("logging.level")
	cfg.Logging.Format = m.viper.GetString("logging.format")
	cfg.Logging.AppLogPath = m.viper.GetString("logging.app_log_path")
	cfg.Logging.AuditLogPath = m.viper.GetString("logging.audit_log_path")
	cfg.Logging.MaxSizeMB = m.viper.GetInt("logging.max_size_mb")
	cfg.Logging.MaxBackups = m.viper.GetInt("logging.max_backups")
	cfg.Logging.MaxAgeDays = m.viper.GetInt("logging.max_age_days")
	cfg.Logging.Compress = m.viper.GetBool("logging.compress")

	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()
	return nil
}

// stringList reads a list that may also be given as a comma-separated
// string, which is how list values arrive from the environment.
func (m *viperConfigManager) stringList(key string) []string {
	var out []string
	for _, v := range m.viper.GetStringSlice(key) {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
