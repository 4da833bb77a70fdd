// Package alerting turns candidate anomaly events into persisted alerts.
//
// Every candidate goes through Submit, which serializes work per
// (sensor, type) and relies on the store's UpsertIfAbsent to decide
// whether the event is new. Running the same batch twice therefore never
// creates a second alert.
package alerting

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/emads/emads/internal/audit"
	"github.com/emads/emads/internal/db"
	"github.com/emads/emads/internal/lock"
	"github.com/emads/emads/internal/metrics"
	"github.com/emads/emads/internal/models"
)

// DefaultWindow is the dedup window applied when none is configured.
const DefaultWindow = 5 * time.Minute

// DefaultRetention is how long historical batch alerts are kept.
const DefaultRetention = 30 * 24 * time.Hour

// ErrInvalidCandidate is returned for candidates missing a type or timestamp.
var ErrInvalidCandidate = errors.New("invalid alert candidate")

// Candidate is an anomaly event proposed by a detection rule. DetectedAt
// and Until are the first and last readings of its run; a zero Until means
// the run is a single reading.
type Candidate struct {
	SensorID     string
	Type         models.AlertType
	DetectedAt   time.Time
	Until        time.Time
	Severity     models.Severity
	EnergyWh     float64
	AnomalyScore *float64
	Count        int
	Message      string
}

func (c Candidate) until() time.Time {
	if c.Until.Before(c.DetectedAt) {
		return c.DetectedAt
	}
	return c.Until
}

func (c Candidate) alert() *models.Alert {
	return &models.Alert{
		SensorID:      c.SensorID,
		Type:          c.Type,
		DetectedAt:    c.DetectedAt,
		LastReadingAt: c.until(),
		Severity:      c.Severity,
		EnergyWh:      c.EnergyWh,
		AnomalyScore:  c.AnomalyScore,
		Count:         c.Count,
		Message:       c.Message,
	}
}

// Config controls dedup windows.
type Config struct {
	// Window applies to every type without an override.
	Window time.Duration
	// TypeWindows overrides Window per type. A zero override selects
	// "since" mode: any alert detected at or after the candidate absorbs it.
	TypeWindows map[models.AlertType]time.Duration
}

// WindowFor returns the dedup window for t.
func (c Config) WindowFor(t models.AlertType) time.Duration {
	if w, ok := c.TypeWindows[t]; ok {
		return w
	}
	return c.Window
}

// Publisher receives alerts right after they are created.
type Publisher interface {
	Publish(alert *models.Alert)
}

// Deduplicator is the single entry point for alert creation.
type Deduplicator struct {
	store     db.AlertStore
	locker    lock.Locker
	audit     audit.Logger
	logger    *zap.Logger
	clock     clockwork.Clock
	cfg       Config
	publisher Publisher
}

// Option customises a Deduplicator.
type Option func(*Deduplicator)

// WithLocker replaces the default in-process locker.
func WithLocker(l lock.Locker) Option { return func(d *Deduplicator) { d.locker = l } }

// WithAudit sets the audit logger.
func WithAudit(a audit.Logger) Option { return func(d *Deduplicator) { d.audit = a } }

// WithClock sets the clock used for CreatedAt and retention horizons.
func WithClock(c clockwork.Clock) Option { return func(d *Deduplicator) { d.clock = c } }

// WithPublisher registers a sink for newly created alerts.
func WithPublisher(p Publisher) Option { return func(d *Deduplicator) { d.publisher = p } }

// NewDeduplicator creates a Deduplicator over store.
func NewDeduplicator(store db.AlertStore, cfg Config, logger *zap.Logger, opts ...Option) *Deduplicator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	d := &Deduplicator{
		store:  store,
		locker: lock.NewKeyedMutex(),
		audit:  audit.NewNopLogger(),
		logger: logger,
		clock:  clockwork.NewRealClock(),
		cfg:    cfg,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Submit persists c unless an existing alert already covers it. An alert
// covers c when its run overlaps c's run, widened by the dedup window, or
// when UpsertIfAbsent matches it. A covering alert is extended to c's last
// reading. Submit returns the stored alert (new or existing) and whether
// it was created.
func (d *Deduplicator) Submit(ctx context.Context, c Candidate) (*models.Alert, bool, error) {
	if !c.Type.Valid() || c.DetectedAt.IsZero() {
		return nil, false, fmt.Errorf("%w: type=%q detected_at=%v", ErrInvalidCandidate, c.Type, c.DetectedAt)
	}
	if !c.Severity.Valid() {
		c.Severity = models.SeverityLow
	}
	if c.Count <= 0 {
		c.Count = 1
	}

	unlock, err := d.locker.Lock(ctx, lockKey(c.SensorID, c.Type))
	if err != nil {
		return nil, false, fmt.Errorf("lock %s/%s: %w", c.SensorID, c.Type, err)
	}
	defer unlock()

	window := d.cfg.WindowFor(c.Type)
	candidate := c.alert()
	candidate.CreatedAt = d.clock.Now().UTC()

	stored, err := d.continuation(ctx, c, window)
	created := false
	if err == nil && stored == nil {
		stored, created, err = d.store.UpsertIfAbsent(ctx, candidate, window)
		if errors.Is(err, db.ErrConflict) {
			// Another process inserted into the same bucket; its alert wins.
			stored, err = d.winner(ctx, c, window)
			created = false
		}
	}
	if err != nil {
		return nil, false, fmt.Errorf("submit %s alert: %w", c.Type, err)
	}

	if created {
		metrics.AlertsCreatedTotal.WithLabelValues(string(stored.Type), string(stored.Severity)).Inc()
		_ = d.audit.LogAlertCreated(ctx, stored)
		d.logger.Info("alert created",
			zap.String("alert_id", stored.ID),
			zap.String("sensor_id", stored.SensorID),
			zap.String("type", string(stored.Type)),
			zap.String("severity", string(stored.Severity)),
			zap.Time("detected_at", stored.DetectedAt),
		)
		if d.publisher != nil {
			d.publisher.Publish(stored)
		}
		return stored, true, nil
	}

	metrics.AlertsDeduplicatedTotal.WithLabelValues(string(c.Type)).Inc()
	_ = d.audit.LogAlertDeduplicated(ctx, candidate, stored.ID)
	d.logger.Debug("alert deduplicated",
		zap.String("existing_id", stored.ID),
		zap.String("type", string(c.Type)),
		zap.Time("candidate_detected_at", c.DetectedAt),
	)
	return stored, false, nil
}

// continuation returns the newest alert of c's (sensor, type) whose run
// overlaps [DetectedAt-window, Until+window], bounds exclusive for a
// positive window, after extending it to c's run. Nil means no overlap.
func (d *Deduplicator) continuation(ctx context.Context, c Candidate, window time.Duration) (*models.Alert, error) {
	slack := window
	if slack > 0 {
		slack -= time.Nanosecond
	}
	sensor := c.SensorID
	found, err := d.store.FindAlerts(ctx, db.AlertFilter{
		SensorID:   &sensor,
		Types:      []models.AlertType{c.Type},
		To:         c.until().Add(slack),
		ActiveFrom: c.DetectedAt.Add(-slack),
		Limit:      1,
	})
	if err != nil || len(found) == 0 {
		return nil, err
	}

	existing := found[0]
	until := c.until()
	if !until.After(existing.LastReadingAt) && c.Count <= existing.Count {
		return existing, nil
	}
	patch := db.AlertPatch{LastReadingAt: &until, Count: &c.Count}
	if err := d.store.UpdateAlert(ctx, existing.ID, patch); err != nil {
		d.logger.Warn("failed to extend alert",
			zap.String("alert_id", existing.ID),
			zap.Time("last_reading_at", until),
			zap.Error(err))
		return existing, nil
	}
	if until.After(existing.LastReadingAt) {
		existing.LastReadingAt = until
	}
	if c.Count > existing.Count {
		existing.Count = c.Count
	}
	return existing, nil
}

func (d *Deduplicator) winner(ctx context.Context, c Candidate, window time.Duration) (*models.Alert, error) {
	sensor := c.SensorID
	f := db.AlertFilter{SensorID: &sensor, Types: []models.AlertType{c.Type}}
	if window > 0 {
		f.From = c.DetectedAt.Add(-window)
		f.To = c.DetectedAt.Add(window)
	} else {
		f.From = c.DetectedAt
	}
	found, err := d.store.FindAlerts(ctx, f)
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, fmt.Errorf("conflicting alert vanished: %w", db.ErrConflict)
	}
	return found[len(found)-1], nil
}

// PurgeFilter selects alerts removed by retention.
type PurgeFilter struct {
	Types []models.AlertType
	// Before is exclusive; zero means now minus DefaultRetention.
	Before time.Time
}

// PurgeAlerts deletes historical alerts matching f.
func (d *Deduplicator) PurgeAlerts(ctx context.Context, f PurgeFilter) (int64, error) {
	before := f.Before
	if before.IsZero() {
		before = d.clock.Now().Add(-DefaultRetention)
	}
	n, err := d.store.DeleteAlerts(ctx, db.AlertFilter{Types: f.Types, Before: before})
	if err != nil {
		return 0, fmt.Errorf("purge alerts: %w", err)
	}
	if n > 0 {
		metrics.AlertsPurgedTotal.Add(float64(n))
		_ = d.audit.LogAlertsPurged(ctx, n, before)
		d.logger.Info("alerts purged", zap.Int64("deleted", n), zap.Time("before", before))
	}
	return n, nil
}

// Resolve marks an alert resolved on behalf of user.
func (d *Deduplicator) Resolve(ctx context.Context, id, user string) (*models.Alert, error) {
	resolved := true
	if err := d.store.UpdateAlert(ctx, id, db.AlertPatch{Resolved: &resolved}); err != nil {
		return nil, fmt.Errorf("resolve alert %s: %w", id, err)
	}
	_ = d.audit.LogAlertResolved(ctx, id, user)
	return d.store.GetAlert(ctx, id)
}

func lockKey(sensorID string, t models.AlertType) string {
	return sensorID + "/" + string(t)
}
