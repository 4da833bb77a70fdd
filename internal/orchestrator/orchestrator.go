// Package orchestrator runs alert checks: each detection rule scores the
// readings of a window, classifies severity, submits candidate events to
// the deduplicator and notifies staff about new alerts.
//
// Rules run concurrently and fail independently. A failing rule is
// reported in the CheckReport and never aborts the others.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/emads/emads/internal/alerting"
	"github.com/emads/emads/internal/analytics/anomaly"
	"github.com/emads/emads/internal/analytics/lifecycle"
	"github.com/emads/emads/internal/analytics/severity"
	"github.com/emads/emads/internal/audit"
	"github.com/emads/emads/internal/db"
	"github.com/emads/emads/internal/metrics"
	"github.com/emads/emads/internal/models"
	"github.com/emads/emads/internal/notify"
)

// Config controls which rules run and how much history they see.
type Config struct {
	// Lookback is the check window used when Run gets a zero Window.
	Lookback time.Duration
	// Warmup is extra history fetched before the window so rolling
	// statistics are primed.
	Warmup time.Duration
	// PatternHistory is the history used for hour-of-day baselines.
	PatternHistory time.Duration
	// TrainingWindow is the history the isolation forest trains on.
	TrainingWindow time.Duration
	// Retention bounds how long alerts are kept; zero disables the purge.
	Retention time.Duration

	Rules              []models.AlertType
	ConsecutiveMethods []anomaly.Method
	Strict             bool
	SendReport         bool
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Lookback:           24 * time.Hour,
		Warmup:             24 * time.Hour,
		PatternHistory:     7 * 24 * time.Hour,
		TrainingWindow:     7 * 24 * time.Hour,
		Retention:          alerting.DefaultRetention,
		Rules:              models.AllAlertTypes,
		ConsecutiveMethods: []anomaly.Method{anomaly.MethodStatistical, anomaly.MethodSpike},
		SendReport:         true,
	}
}

// Deps are the collaborators of an Orchestrator. Audit, Logger and Clock
// are optional.
type Deps struct {
	Readings     db.ReadingStore
	Alerts       db.AlertStore
	Engine       *anomaly.Engine
	Classifier   *severity.Classifier
	Models       *lifecycle.Manager
	Deduplicator *alerting.Deduplicator
	Dispatcher   *notify.Dispatcher
	Audit        audit.Logger
	Logger       *zap.Logger
	Clock        clockwork.Clock
}

// Window is the [Start, End] range of reading timestamps a run checks.
type Window struct {
	Start time.Time
	End   time.Time
}

// Orchestrator executes alert check runs.
type Orchestrator struct {
	cfg Config
	Deps
}

// New validates deps and fills defaults.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	switch {
	case deps.Readings == nil:
		return nil, errors.New("orchestrator: reading store is required")
	case deps.Alerts == nil:
		return nil, errors.New("orchestrator: alert store is required")
	case deps.Deduplicator == nil:
		return nil, errors.New("orchestrator: deduplicator is required")
	case deps.Dispatcher == nil:
		return nil, errors.New("orchestrator: dispatcher is required")
	}
	def := DefaultConfig()
	if cfg.Lookback <= 0 {
		cfg.Lookback = def.Lookback
	}
	if cfg.Warmup < 0 {
		cfg.Warmup = 0
	}
	if cfg.PatternHistory <= 0 {
		cfg.PatternHistory = def.PatternHistory
	}
	if cfg.TrainingWindow <= 0 {
		cfg.TrainingWindow = def.TrainingWindow
	}
	if len(cfg.Rules) == 0 {
		cfg.Rules = def.Rules
	}
	if len(cfg.ConsecutiveMethods) == 0 {
		cfg.ConsecutiveMethods = def.ConsecutiveMethods
	}
	if deps.Engine == nil {
		deps.Engine = anomaly.NewEngine(anomaly.DefaultConfig(), deps.Logger)
	}
	if deps.Classifier == nil {
		deps.Classifier = severity.NewClassifier(severity.DefaultConfig())
	}
	if deps.Audit == nil {
		deps.Audit = audit.NewNopLogger()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	return &Orchestrator{cfg: cfg, Deps: deps}, nil
}

// Config returns the effective configuration.
func (o *Orchestrator) Config() Config { return o.cfg }

// Run executes one alert check over w. A zero window checks the last
// Lookback. Rule and notification failures are reported as warnings; an
// error is returned only when ctx ends before the run completes.
func (o *Orchestrator) Run(ctx context.Context, w Window) (*models.CheckReport, error) {
	start := o.Clock.Now()
	if w.End.IsZero() {
		w.End = start
	}
	if w.Start.IsZero() {
		w.Start = w.End.Add(-o.cfg.Lookback)
	}

	report := &models.CheckReport{
		RunID:       uuid.NewString(),
		StartedAt:   start,
		WindowStart: w.Start,
		WindowEnd:   w.End,
	}
	ctx = audit.WithCorrelationID(ctx, report.RunID)
	_ = o.Audit.LogCheckStarted(ctx, report.RunID)
	logger := o.Logger.With(zap.String("run_id", report.RunID))
	logger.Info("alert check started", zap.Time("window_start", w.Start), zap.Time("window_end", w.End))

	var mu sync.Mutex
	warn := func(format string, args ...interface{}) {
		mu.Lock()
		defer mu.Unlock()
		report.Warnings = append(report.Warnings, fmt.Sprintf(format, args...))
	}

	if o.cfg.Retention > 0 {
		purged, err := o.Deduplicator.PurgeAlerts(ctx, alerting.PurgeFilter{
			Types:  models.AllAlertTypes,
			Before: w.End.Add(-o.cfg.Retention),
		})
		if err != nil {
			warn("purge: %v", err)
		}
		report.Purged = purged
	}

	outcomes := make([]ruleResult, len(o.cfg.Rules))
	var g errgroup.Group
	for i, t := range o.cfg.Rules {
		g.Go(func() error {
			outcomes[i] = o.runRule(ctx, t, w, logger)
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range outcomes {
		report.Rules = append(report.Rules, r.outcome)
		report.NewAlerts = append(report.NewAlerts, r.created...)
		report.Notified += r.notified
		for _, msg := range r.warnings {
			warn("%s", msg)
		}
		if r.outcome.Error != "" {
			metrics.RuleFailuresTotal.WithLabelValues(string(r.outcome.Rule)).Inc()
		}
	}
	sort.SliceStable(report.NewAlerts, func(a, b int) bool {
		return report.NewAlerts[a].DetectedAt.Before(report.NewAlerts[b].DetectedAt)
	})

	sent, err := o.Dispatcher.DispatchPending(ctx)
	report.Notified += sent
	if err != nil {
		warn("dispatch pending: %v", err)
	}

	if o.cfg.SendReport && len(report.NewAlerts) > 0 {
		subject, body := notify.CheckReportMessage(report)
		if err := o.Dispatcher.Broadcast(ctx, notify.KindReport, subject, body); err != nil && !errors.Is(err, notify.ErrNoRecipients) {
			warn("check report: %v", err)
		}
	}

	report.FinishedAt = o.Clock.Now()
	status := "ok"
	if len(report.Warnings) > 0 {
		status = "partial"
	}
	metrics.CheckRunsTotal.WithLabelValues(triggerFrom(ctx), status).Inc()
	metrics.CheckDuration.Observe(report.FinishedAt.Sub(report.StartedAt).Seconds())
	_ = o.Audit.LogCheckCompleted(ctx, report)
	logger.Info("alert check completed",
		zap.Int("new_alerts", len(report.NewAlerts)),
		zap.Int("notified", report.Notified),
		zap.Int64("purged", report.Purged),
		zap.Strings("warnings", report.Warnings),
	)

	if err := ctx.Err(); err != nil {
		return report, err
	}
	return report, nil
}

type triggerKey struct{}

// WithTrigger labels runs started from ctx, e.g. "schedule" or "manual".
func WithTrigger(ctx context.Context, trigger string) context.Context {
	return context.WithValue(ctx, triggerKey{}, trigger)
}

func triggerFrom(ctx context.Context) string {
	if t, ok := ctx.Value(triggerKey{}).(string); ok {
		return t
	}
	return "manual"
}
