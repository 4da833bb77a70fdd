package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/emads/emads/internal/models"
)

// Logger defines the interface for audit logging
type Logger interface {
	// Log logs an audit event
	Log(ctx context.Context, event *Event) error

	// Check run lifecycle
	LogCheckStarted(ctx context.Context, runID string) error
	LogCheckCompleted(ctx context.Context, report *models.CheckReport) error

	// Alert lifecycle
	LogAlertCreated(ctx context.Context, alert *models.Alert) error
	LogAlertDeduplicated(ctx context.Context, candidate *models.Alert, existingID string) error
	LogAlertNotified(ctx context.Context, alertID string, recipients int) error
	LogNotificationFailed(ctx context.Context, alertID string, err error) error
	LogAlertResolved(ctx context.Context, alertID, user string) error
	LogAlertsPurged(ctx context.Context, deleted int64, before time.Time) error

	// LogModelTrained records a new detector artifact
	LogModelTrained(ctx context.Context, kind, version string, samples int, duration time.Duration) error

	// App returns the application logger
	App() *zap.Logger

	// Sync flushes buffered log entries
	Sync() error

	// Close closes the audit logger
	Close() error
}

// Config represents audit logger configuration
type Config struct {
	// AuditLogPath is the path to the audit log file
	AuditLogPath string

	// AppLogPath is the path to the application log file; empty logs to stderr
	AppLogPath string

	// Format is "json" or "text" for the application log
	Format string

	// MaxSize is the maximum size in megabytes before rotation
	MaxSize int

	// MaxBackups is the maximum number of old log files to retain
	MaxBackups int

	// MaxAge is the maximum number of days to retain old log files
	MaxAge int

	// Compress determines if rotated files should be compressed
	Compress bool

	// LogLevel is the minimum log level (debug, info, warn, error)
	LogLevel string
}

// DefaultConfig returns default audit logger configuration
func DefaultConfig() *Config {
	return &Config{
		AuditLogPath: "logs/audit.log",
		AppLogPath:   "logs/app.log",
		MaxSize:      100, // megabytes
		MaxBackups:   10,
		MaxAge:       30, // days
		Compress:     true,
		LogLevel:     "info",
		Format:       "json",
	}
}

const bufferSize = 100

// auditLogger implements the Logger interface
type auditLogger struct {
	appLogger   *zap.Logger
	auditLogger *zap.Logger
	mu          sync.Mutex
	buffer      []*Event
	flushTicker *time.Ticker
	stopCh      chan struct{}
	closeOnce   sync.Once
}

// NewLogger creates a new audit logger writing rotated JSON files
func NewLogger(config *Config) (Logger, error) {
	if config == nil {
		config = DefaultConfig()
	}

	level, err := zapcore.ParseLevel(config.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %s: %w", config.LogLevel, err)
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	appEncoder := zapcore.NewJSONEncoder(encoderConfig)
	if config.Format == "text" {
		appEncoder = zapcore.NewConsoleEncoder(encoderConfig)
	}
	appSink := zapcore.Lock(os.Stderr)
	if config.AppLogPath != "" {
		appSink = zapcore.AddSync(rotator(config, config.AppLogPath))
	}
	appCore := zapcore.NewCore(appEncoder, appSink, level)
	appLogger := zap.New(appCore, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))

	// Audit entries are always INFO and append-only.
	auditCore := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.AddSync(rotator(config, config.AuditLogPath)),
		zapcore.InfoLevel,
	)

	return NewFromZap(appLogger, zap.New(auditCore)), nil
}

func rotator(config *Config, path string) *lumberjack.Logger {
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    config.MaxSize,
		MaxBackups: config.MaxBackups,
		MaxAge:     config.MaxAge,
		Compress:   config.Compress,
	}
}

// NewFromZap builds a Logger on top of existing zap loggers.
func NewFromZap(app, audit *zap.Logger) Logger {
	l := &auditLogger{
		appLogger:   app,
		auditLogger: audit,
		buffer:      make([]*Event, 0, bufferSize),
		flushTicker: time.NewTicker(1 * time.Second),
		stopCh:      make(chan struct{}),
	}
	go l.autoFlush()
	return l
}

// NewNopLogger returns a Logger that discards everything. It holds no
// buffer and starts no flush goroutine.
func NewNopLogger() Logger { return nopLogger{} }

type nopLogger struct{}

func (nopLogger) Log(context.Context, *Event) error                            { return nil }
func (nopLogger) LogCheckStarted(context.Context, string) error                { return nil }
func (nopLogger) LogCheckCompleted(context.Context, *models.CheckReport) error { return nil }
func (nopLogger) LogAlertCreated(context.Context, *models.Alert) error         { return nil }
func (nopLogger) LogAlertDeduplicated(context.Context, *models.Alert, string) error {
	return nil
}
func (nopLogger) LogAlertNotified(context.Context, string, int) error        { return nil }
func (nopLogger) LogNotificationFailed(context.Context, string, error) error { return nil }
func (nopLogger) LogAlertResolved(context.Context, string, string) error     { return nil }
func (nopLogger) LogAlertsPurged(context.Context, int64, time.Time) error    { return nil }
func (nopLogger) LogModelTrained(context.Context, string, string, int, time.Duration) error {
	return nil
}
func (nopLogger) App() *zap.Logger { return zap.NewNop() }
func (nopLogger) Sync() error      { return nil }
func (nopLogger) Close() error     { return nil }

// Log logs an audit event
func (l *auditLogger) Log(ctx context.Context, event *Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if event.CorrelationID == "" {
		event.CorrelationID = GetCorrelationID(ctx)
	}

	l.buffer = append(l.buffer, event)
	if len(l.buffer) >= bufferSize {
		return l.flushLocked()
	}
	return nil
}

// flushLocked flushes the buffer (caller must hold lock)
func (l *auditLogger) flushLocked() error {
	if len(l.buffer) == 0 {
		return nil
	}

	for _, event := range l.buffer {
		eventJSON, err := json.Marshal(event)
		if err != nil {
			l.appLogger.Error("failed to marshal audit event",
				zap.Error(err),
				zap.String("event_type", string(event.EventType)),
			)
			continue
		}

		l.auditLogger.Info(string(eventJSON),
			zap.String("correlation_id", event.CorrelationID),
			zap.String("event_type", string(event.EventType)),
			zap.String("result", string(event.Result)),
		)
	}

	l.buffer = l.buffer[:0]
	return nil
}

// autoFlush periodically flushes the buffer
func (l *auditLogger) autoFlush() {
	for {
		select {
		case <-l.flushTicker.C:
			l.mu.Lock()
			_ = l.flushLocked()
			l.mu.Unlock()
		case <-l.stopCh:
			return
		}
	}
}

// LogCheckStarted logs the start of an alert check run
func (l *auditLogger) LogCheckStarted(ctx context.Context, runID string) error {
	event := NewEvent(EventCheckStarted).
		WithCorrelationID(runID).
		WithResult(ResultSuccess).
		WithDescription(fmt.Sprintf("Alert check %s started", runID))

	return l.Log(ctx, event)
}

// LogCheckCompleted logs a finished check run with its outcome counts
func (l *auditLogger) LogCheckCompleted(ctx context.Context, report *models.CheckReport) error {
	result := ResultSuccess
	if len(report.Warnings) > 0 {
		result = ResultFailure
	}
	event := NewEvent(EventCheckCompleted).
		WithCorrelationID(report.RunID).
		WithResult(result).
		WithDuration(report.FinishedAt.Sub(report.StartedAt)).
		WithMetadata("new_alerts", len(report.NewAlerts)).
		WithMetadata("notified", report.Notified).
		WithMetadata("purged", report.Purged).
		WithMetadata("warnings", report.Warnings).
		WithDescription(fmt.Sprintf("Alert check %s completed with %d new alerts", report.RunID, len(report.NewAlerts)))

	return l.Log(ctx, event)
}

// LogAlertCreated logs a newly persisted alert
func (l *auditLogger) LogAlertCreated(ctx context.Context, alert *models.Alert) error {
	event := NewEvent(EventAlertCreated).
		WithResource(alert.ID, string(alert.Type)).
		WithSensor(alert.SensorID).
		WithResult(ResultSuccess).
		WithMetadata("severity", string(alert.Severity)).
		WithMetadata("detected_at", alert.DetectedAt).
		WithDescription(alert.Message)

	return l.Log(ctx, event)
}

// LogAlertDeduplicated logs a candidate merged into an existing alert
func (l *auditLogger) LogAlertDeduplicated(ctx context.Context, candidate *models.Alert, existingID string) error {
	event := NewEvent(EventAlertDeduplicated).
		WithResource(existingID, string(candidate.Type)).
		WithSensor(candidate.SensorID).
		WithResult(ResultSkipped).
		WithMetadata("candidate_detected_at", candidate.DetectedAt).
		WithDescription(fmt.Sprintf("Candidate %s merged into alert %s", candidate.Type, existingID))

	return l.Log(ctx, event)
}

// LogAlertNotified logs a successful delivery
func (l *auditLogger) LogAlertNotified(ctx context.Context, alertID string, recipients int) error {
	event := NewEvent(EventAlertNotified).
		WithResource(alertID, "alert").
		WithResult(ResultSuccess).
		WithMetadata("recipients", recipients).
		WithDescription(fmt.Sprintf("Alert %s delivered to %d recipients", alertID, recipients))

	return l.Log(ctx, event)
}

// LogNotificationFailed logs a failed delivery; the alert stays pending
func (l *auditLogger) LogNotificationFailed(ctx context.Context, alertID string, err error) error {
	event := NewEvent(EventNotificationFailed).
		WithResource(alertID, "alert").
		WithError(err, "delivery_error").
		WithDescription(fmt.Sprintf("Notification for alert %s failed", alertID))

	return l.Log(ctx, event)
}

// LogAlertResolved logs an operator resolving an alert
func (l *auditLogger) LogAlertResolved(ctx context.Context, alertID, user string) error {
	event := NewEvent(EventAlertResolved).
		WithResource(alertID, "alert").
		WithUser(user).
		WithResult(ResultSuccess).
		WithDescription(fmt.Sprintf("Alert %s resolved", alertID))

	return l.Log(ctx, event)
}

// LogAlertsPurged logs a retention purge
func (l *auditLogger) LogAlertsPurged(ctx context.Context, deleted int64, before time.Time) error {
	event := NewEvent(EventAlertsPurged).
		WithResult(ResultSuccess).
		WithMetadata("deleted", deleted).
		WithMetadata("before", before).
		WithDescription(fmt.Sprintf("Purged %d alerts detected before %s", deleted, before.Format(time.RFC3339)))

	return l.Log(ctx, event)
}

// LogModelTrained logs a newly trained detector artifact
func (l *auditLogger) LogModelTrained(ctx context.Context, kind, version string, samples int, duration time.Duration) error {
	event := NewEvent(EventModelTrained).
		WithResource(version, kind).
		WithResult(ResultSuccess).
		WithDuration(duration).
		WithMetadata("samples", samples).
		WithDescription(fmt.Sprintf("Model %s trained on %d samples", kind, samples))

	return l.Log(ctx, event)
}

// App returns the application logger
func (l *auditLogger) App() *zap.Logger {
	return l.appLogger
}

// Sync flushes buffered log entries
func (l *auditLogger) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.flushLocked(); err != nil {
		return err
	}

	if err := l.auditLogger.Sync(); err != nil {
		return err
	}

	return l.appLogger.Sync()
}

// Close stops the flusher and flushes what is left
func (l *auditLogger) Close() error {
	l.closeOnce.Do(func() {
		close(l.stopCh)
		l.flushTicker.Stop()
	})
	return l.Sync()
}

type correlationKey struct{}

// GetCorrelationID extracts correlation ID from context
func GetCorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(correlationKey{}).(string); ok {
		return id
	}
	return ""
}

// WithCorrelationID adds correlation ID to context
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// GenerateCorrelationID generates a new correlation ID
func GenerateCorrelationID() string {
	return uuid.NewString()
}
