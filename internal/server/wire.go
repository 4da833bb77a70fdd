package server

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/emads/emads/internal/alerting"
	"github.com/emads/emads/internal/analytics/anomaly"
	"github.com/emads/emads/internal/analytics/lifecycle"
	"github.com/emads/emads/internal/analytics/ml"
	"github.com/emads/emads/internal/analytics/severity"
	"github.com/emads/emads/internal/api"
	"github.com/emads/emads/internal/audit"
	"github.com/emads/emads/internal/config"
	"github.com/emads/emads/internal/db"
	"github.com/emads/emads/internal/lock"
	"github.com/emads/emads/internal/models"
	"github.com/emads/emads/internal/notify"
	"github.com/emads/emads/internal/orchestrator"
)

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }
func minutes(n int) time.Duration { return time.Duration(n) * time.Minute }
func hours(n int) time.Duration   { return time.Duration(n) * time.Hour }
func days(n int) time.Duration    { return time.Duration(n) * 24 * time.Hour }

// AuditConfig maps the logging section onto the audit logger.
func AuditConfig(cfg *config.Config) *audit.Config {
	return &audit.Config{
		AuditLogPath: cfg.Logging.AuditLogPath,
		AppLogPath:   cfg.Logging.AppLogPath,
		Format:       cfg.Logging.Format,
		MaxSize:      cfg.Logging.MaxSizeMB,
		MaxBackups:   cfg.Logging.MaxBackups,
		MaxAge:       cfg.Logging.MaxAgeDays,
		Compress:     cfg.Logging.Compress,
		LogLevel:     cfg.Logging.Level,
	}
}

func engineConfig(cfg *config.Config) anomaly.Config {
	d := cfg.Detection
	return anomaly.Config{
		Statistical: anomaly.StatisticalConfig{Window: d.Window, Threshold: d.ZThreshold},
		Spike:       anomaly.SpikeConfig{Threshold: d.SpikePercent, MaxPlateau: d.MaxPlateau},
		Pattern: anomaly.PatternConfig{
			Window:      hours(cfg.Alerting.LookbackHours),
			K:           d.PatternK,
			MinReadings: d.PatternMinReadings,
		},
		MinRun: d.MinRun,
	}
}

func classifierConfig(cfg *config.Config) severity.Config {
	s := cfg.Severity
	return severity.Config{
		HighPercentile:   s.HighPercentile,
		MediumPercentile: s.MediumPercentile,
		LowPercentile:    s.LowPercentile,
		ZOverride:        s.ZOverride,
		Mode:             severity.Mode(s.Mode),
	}
}

func dedupConfig(cfg *config.Config) alerting.Config {
	out := alerting.Config{
		Window:      minutes(cfg.Alerting.DedupWindowMinutes),
		TypeWindows: make(map[models.AlertType]time.Duration, len(cfg.Alerting.TypeWindowMinutes)),
	}
	for t, m := range cfg.Alerting.TypeWindowMinutes {
		out.TypeWindows[models.AlertType(t)] = minutes(m)
	}
	return out
}

func forestConfig(cfg *config.Config) ml.Config {
	return ml.Config{
		NumTrees:      cfg.Model.NumTrees,
		MaxSamples:    cfg.Model.MaxSamples,
		Contamination: cfg.Model.Contamination,
		Seed:          ml.DefaultSeed,
	}
}

func lifecycleConfig(cfg *config.Config) lifecycle.Config {
	out := lifecycle.DefaultConfig()
	out.MaxAge = minutes(cfg.Model.MaxAgeMinutes)
	out.CacheTTL = seconds(cfg.Cache.TTLSeconds)
	out.Forest = forestConfig(cfg)
	return out
}

// orchestratorConfig drops the isolation forest rule when the model is
// disabled, since nothing could serve it.
func orchestratorConfig(cfg *config.Config) orchestrator.Config {
	out := orchestrator.Config{
		Lookback:       hours(cfg.Alerting.LookbackHours),
		Warmup:         hours(cfg.Alerting.WarmupHours),
		PatternHistory: days(cfg.Alerting.PatternHistoryDays),
		TrainingWindow: days(cfg.Model.TrainingDays),
		Retention:      days(cfg.Alerting.RetentionDays),
		Strict:         cfg.Detection.Strict,
		SendReport:     cfg.Alerting.SendReport,
	}
	for _, r := range cfg.Detection.Rules {
		t := models.AlertType(r)
		if t == models.AlertIsolationForest && !cfg.Model.Enabled {
			continue
		}
		out.Rules = append(out.Rules, t)
	}
	for _, m := range cfg.Detection.ConsecutiveMethods {
		out.ConsecutiveMethods = append(out.ConsecutiveMethods, anomaly.Method(m))
	}
	return out
}

func apiConfig(cfg *config.Config) api.Config {
	return api.Config{
		Host:              cfg.Server.Host,
		Port:              cfg.Server.Port,
		AllowedOrigins:    cfg.Server.AllowedOrigins,
		RequestsPerMinute: cfg.Server.RequestsPerMinute,
	}
}

func guardConfig(cfg *config.Config) notify.GuardConfig {
	n := cfg.Notification
	return notify.GuardConfig{
		RatePerSecond:   n.RatePerSecond,
		Burst:           n.Burst,
		BreakerFailures: uint32(n.BreakerFailures),
		BreakerTimeout:  seconds(n.BreakerTimeoutSeconds),
	}
}

func openStore(ctx context.Context, cfg *config.Config, clock clockwork.Clock) (db.Store, error) {
	switch cfg.Database.Type {
	case "sqlite":
		return db.NewSQLiteStore(cfg.Database.SQLitePath, db.WithClock(clock))
	case "mongo":
		return db.NewMongoStore(ctx, cfg.Database.MongoURI, cfg.Database.MongoDatabase, db.WithClock(clock))
	default:
		return nil, fmt.Errorf("unsupported database type %q", cfg.Database.Type)
	}
}

// openLocker returns a Redis locker when enabled. The closer is nil for
// the in-process locker.
func openLocker(ctx context.Context, cfg *config.Config, logger *zap.Logger) (lock.Locker, io.Closer, error) {
	if !cfg.Redis.Enabled {
		return lock.NewKeyedMutex(), nil, nil
	}
	r := cfg.Redis
	l, err := lock.NewRedisLocker(ctx, lock.RedisOptions{
		Addr:      r.Addr,
		Password:  r.Password,
		DB:        r.DB,
		KeyPrefix: r.KeyPrefix,
		TTL:       seconds(r.LockTTLSeconds),
		RetryWait: time.Duration(r.RetryWaitMillis) * time.Millisecond,
	}, logger)
	if err != nil {
		return nil, nil, err
	}
	return l, l, nil
}

func newMailer(cfg *config.Config, logger *zap.Logger) (notify.Mailer, error) {
	if !cfg.Notification.Enabled {
		return notify.NewLogMailer(logger), nil
	}
	s := cfg.Notification.SMTP
	smtp, err := notify.NewSMTPMailer(notify.SMTPConfig{
		Host:     s.Host,
		Port:     s.Port,
		Username: s.Username,
		Password: s.Password,
		From:     s.From,
		TLS:      s.TLS,
		Timeout:  seconds(s.TimeoutSeconds),
	})
	if err != nil {
		return nil, err
	}
	return notify.NewGuardedMailer(smtp, guardConfig(cfg), logger), nil
}
