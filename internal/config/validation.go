package config

import (
	"fmt"
	"net"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed for %s: %s", e.Field, e.Message)
}

var (
	validRules = map[string]bool{
		"consecutive_anomalies": true,
		"energy_spike":          true,
		"unusual_pattern":       true,
		"isolation_forest":      true,
	}
	validConsecutiveMethods = map[string]bool{
		"statistical":      true,
		"spike":            true,
		"hourly_pattern":   true,
		"isolation_forest": true,
	}
)

// Validate validates the configuration and returns validation errors.
func (c *Config) Validate() []error {
	var errs []error
	add := func(field, format string, args ...interface{}) {
		errs = append(errs, &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	// Validate server configuration
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		add("server.port", "port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Server.RequestsPerMinute < 0 {
		add("server.requests_per_minute", "requests_per_minute cannot be negative, got %d", c.Server.RequestsPerMinute)
	}

	// Validate database configuration
	switch c.Database.Type {
	case "sqlite":
		if c.Database.SQLitePath == "" {
			add("database.sqlite_path", "sqlite_path is required when database type is sqlite")
		}
	case "mongo":
		if c.Database.MongoURI == "" {
			add("database.mongo_uri", "mongo_uri is required when database type is mongo")
		}
		if c.Database.MongoDatabase == "" {
			add("database.mongo_database", "mongo_database is required when database type is mongo")
		}
	default:
		add("database.type", "invalid database type '%s', must be one of: sqlite, mongo", c.Database.Type)
	}

	// Validate redis configuration
	if c.Redis.Enabled {
		if _, _, err := net.SplitHostPort(c.Redis.Addr); err != nil {
			add("redis.addr", "invalid address format (expected host:port): %v", err)
		}
		if c.Redis.LockTTLSeconds < 1 {
			add("redis.lock_ttl_seconds", "lock_ttl_seconds must be at least 1, got %d", c.Redis.LockTTLSeconds)
		}
	}

	// Validate detection configuration
	if c.Detection.Window < 2 {
		add("detection.window", "window must be at least 2 readings, got %d", c.Detection.Window)
	}
	if c.Detection.ZThreshold <= 0 {
		add("detection.z_threshold", "z_threshold must be positive, got %.2f", c.Detection.ZThreshold)
	}
	if c.Detection.SpikePercent <= 0 {
		add("detection.spike_percent", "spike_percent must be positive, got %.2f", c.Detection.SpikePercent)
	}
	if c.Detection.MinRun < 1 {
		add("detection.min_run", "min_run must be at least 1, got %d", c.Detection.MinRun)
	}
	for _, r := range c.Detection.Rules {
		if !validRules[r] {
			add("detection.rules", "unknown rule '%s'", r)
		}
	}
	for _, m := range c.Detection.ConsecutiveMethods {
		if !validConsecutiveMethods[m] {
			add("detection.consecutive_methods", "unknown method '%s'", m)
		}
	}

	// Validate severity configuration
	s := c.Severity
	if s.HighPercentile <= 0 || s.MediumPercentile < s.HighPercentile || s.LowPercentile < s.MediumPercentile || s.LowPercentile >= 100 {
		add("severity", "percentiles must satisfy 0 < high <= medium <= low < 100, got %.2f/%.2f/%.2f",
			s.HighPercentile, s.MediumPercentile, s.LowPercentile)
	}
	if s.Mode != "batch" && s.Mode != "model" {
		add("severity.mode", "invalid mode '%s', must be one of: batch, model", s.Mode)
	}

	// Validate alerting configuration
	if c.Alerting.DedupWindowMinutes < 1 {
		add("alerting.dedup_window_minutes", "dedup_window_minutes must be at least 1, got %d", c.Alerting.DedupWindowMinutes)
	}
	for t, minutes := range c.Alerting.TypeWindowMinutes {
		if !validRules[t] {
			add("alerting.type_window_minutes", "unknown alert type '%s'", t)
		}
		if minutes < 0 {
			add("alerting.type_window_minutes", "window for %s cannot be negative, got %d", t, minutes)
		}
	}
	if c.Alerting.RetentionDays < 0 {
		add("alerting.retention_days", "retention_days cannot be negative, got %d", c.Alerting.RetentionDays)
	}
	if c.Alerting.LookbackHours < 1 {
		add("alerting.lookback_hours", "lookback_hours must be at least 1, got %d", c.Alerting.LookbackHours)
	}

	// Validate notification configuration
	if c.Notification.Enabled {
		if c.Notification.SMTP.Host == "" {
			add("notification.smtp.host", "smtp host is required when notifications are enabled")
		}
		if c.Notification.SMTP.From == "" {
			add("notification.smtp.from", "smtp from address is required when notifications are enabled")
		}
		switch c.Notification.SMTP.TLS {
		case "mandatory", "opportunistic", "none":
		default:
			add("notification.smtp.tls", "invalid tls policy '%s', must be one of: mandatory, opportunistic, none", c.Notification.SMTP.TLS)
		}
		if c.Notification.RatePerSecond <= 0 {
			add("notification.rate_per_second", "rate_per_second must be positive, got %.2f", c.Notification.RatePerSecond)
		}
		if c.Notification.BreakerFailures < 1 {
			add("notification.breaker_failures", "breaker_failures must be at least 1, got %d", c.Notification.BreakerFailures)
		}
	}

	// Validate scheduler configuration
	if c.Scheduler.Enabled && c.Scheduler.IntervalSeconds < 1 {
		add("scheduler.interval_seconds", "interval_seconds must be at least 1, got %d", c.Scheduler.IntervalSeconds)
	}

	// Validate model configuration
	if c.Model.Enabled {
		if c.Model.Contamination <= 0 || c.Model.Contamination >= 0.5 {
			add("model.contamination", "contamination must be in (0, 0.5), got %.3f", c.Model.Contamination)
		}
		if c.Model.NumTrees < 1 {
			add("model.num_trees", "num_trees must be at least 1, got %d", c.Model.NumTrees)
		}
		if c.Model.TrainingDays < 1 {
			add("model.training_days", "training_days must be at least 1, got %d", c.Model.TrainingDays)
		}
	}

	// Validate cache configuration
	if c.Cache.TTLSeconds < 0 {
		add("cache.ttl_seconds", "ttl_seconds cannot be negative, got %d", c.Cache.TTLSeconds)
	}

	// Validate logging configuration
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		add("logging.level", "invalid log level '%s', must be one of: debug, info, warn, error", c.Logging.Level)
	}

	validLogFormats := map[string]bool{
		"json": true,
		"text": true,
	}
	if !validLogFormats[strings.ToLower(c.Logging.Format)] {
		add("logging.format", "invalid log format '%s', must be one of: json, text", c.Logging.Format)
	}
	if c.Logging.AuditLogPath == "" {
		add("logging.audit_log_path", "audit_log_path is required")
	}

	return errs
}
