package config

// DefaultConfig returns a configuration with all default values.
func DefaultConfig() *Config {
	cfg := &Config{}

	// Server defaults
	cfg.Server.Host = "0.0.0.0"
	cfg.Server.Port = 8080
	cfg.Server.AllowedOrigins = nil
	cfg.Server.RequestsPerMinute = 120

	// Database defaults
	cfg.Database.Type = "sqlite"
	cfg.Database.SQLitePath = "/var/lib/emads/emads.db"
	cfg.Database.MongoURI = ""
	cfg.Database.MongoDatabase = "emads"

	// Redis defaults
	cfg.Redis.Enabled = false
	cfg.Redis.Addr = "localhost:6379"
	cfg.Redis.KeyPrefix = "emads:lock:"
	cfg.Redis.LockTTLSeconds = 30
	cfg.Redis.RetryWaitMillis = 25

	// Detection defaults
	cfg.Detection.Window = 24
	cfg.Detection.ZThreshold = 4.0
	cfg.Detection.SpikePercent = 50.0
	cfg.Detection.MaxPlateau = 24
	cfg.Detection.PatternK = 2.0
	cfg.Detection.PatternMinReadings = 24
	cfg.Detection.MinRun = 8
	cfg.Detection.Strict = false
	cfg.Detection.Rules = []string{"consecutive_anomalies", "energy_spike", "unusual_pattern", "isolation_forest"}
	cfg.Detection.ConsecutiveMethods = []string{"statistical", "spike"}

	// Severity defaults
	cfg.Severity.HighPercentile = 0.5
	cfg.Severity.MediumPercentile = 1.0
	cfg.Severity.LowPercentile = 2.0
	cfg.Severity.ZOverride = 2.0
	cfg.Severity.Mode = "batch"

	// Alerting defaults
	cfg.Alerting.DedupWindowMinutes = 5
	cfg.Alerting.TypeWindowMinutes = map[string]int{}
	cfg.Alerting.RetentionDays = 30
	cfg.Alerting.LookbackHours = 24
	cfg.Alerting.WarmupHours = 24
	cfg.Alerting.PatternHistoryDays = 7
	cfg.Alerting.SendReport = true

	// Notification defaults
	cfg.Notification.Enabled = false
	cfg.Notification.SMTP.Port = 587
	cfg.Notification.SMTP.TLS = "mandatory"
	cfg.Notification.SMTP.TimeoutSeconds = 10
	cfg.Notification.RatePerSecond = 1
	cfg.Notification.Burst = 5
	cfg.Notification.BreakerFailures = 5
	cfg.Notification.BreakerTimeoutSeconds = 60

	// Scheduler defaults
	cfg.Scheduler.Enabled = true
	cfg.Scheduler.IntervalSeconds = 300
	cfg.Scheduler.WeeklyReport = true

	// Model defaults
	cfg.Model.Enabled = true
	cfg.Model.MaxAgeMinutes = 60
	cfg.Model.TrainingDays = 7
	cfg.Model.NumTrees = 100
	cfg.Model.MaxSamples = 256
	cfg.Model.Contamination = 0.01

	// Cache defaults
	cfg.Cache.TTLSeconds = 3600

	// Logging defaults
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"
	cfg.Logging.AppLogPath = ""
	cfg.Logging.AuditLogPath = "logs/audit.log"
	cfg.Logging.MaxSizeMB = 100
	cfg.Logging.MaxBackups = 10
	cfg.Logging.MaxAgeDays = 30
	cfg.Logging.Compress = true

	return cfg
}
