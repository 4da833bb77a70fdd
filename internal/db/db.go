package db

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/emads/emads/internal/models"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrConflict is returned when a concurrent writer won a dedup race.
var ErrConflict = errors.New("persistence conflict")

// Store is the main persistence interface for emads.
type Store interface {
	ReadingStore
	AlertStore
	UserStore
	CommunicationStore
	ModelStore

	// Close releases database resources.
	Close() error

	// Ping verifies the connection is alive.
	Ping(ctx context.Context) error
}

// ─── Reading store ────────────────────────────────────────────────────────────

// ReadingStore is the source of energy readings.
type ReadingStore interface {
	// AppendReadings stores readings. Duplicate (sensor, timestamp) pairs are ignored.
	AppendReadings(ctx context.Context, readings []models.Reading) error

	// FetchReadings returns readings in [start, end] sorted ascending by
	// timestamp. An empty sensorID returns every sensor.
	FetchReadings(ctx context.Context, sensorID string, start, end time.Time) ([]models.Reading, error)
}

// ─── Alert store ──────────────────────────────────────────────────────────────

// AlertFilter selects alerts. Zero fields do not filter.
type AlertFilter struct {
	SensorID *string
	Types    []models.AlertType
	// From and To bound detected_at inclusively.
	From time.Time
	To   time.Time
	// Before bounds detected_at exclusively.
	Before time.Time
	// ActiveFrom keeps alerts whose run reaches it: the later of
	// detected_at and last_reading_at is at or after ActiveFrom.
	ActiveFrom time.Time
	Notified   *bool
	Resolved   *bool
	Limit      int
	Offset     int
}

// AlertPatch lists the mutable alert fields. Nil fields are left unchanged.
// LastReadingAt and Count only ever grow.
type AlertPatch struct {
	Notified      *bool
	Resolved      *bool
	LastReadingAt *time.Time
	Count         *int
}

// AlertStore persists alerts and provides the atomic dedup primitive.
type AlertStore interface {
	// InsertAlert stores a new alert, assigning ID and CreatedAt when empty.
	InsertAlert(ctx context.Context, a *models.Alert) (string, error)

	// GetAlert returns one alert or ErrNotFound.
	GetAlert(ctx context.Context, id string) (*models.Alert, error)

	// FindAlerts returns alerts matching f, newest first.
	FindAlerts(ctx context.Context, f AlertFilter) ([]*models.Alert, error)

	// UpdateAlert applies a patch. Returns ErrNotFound for unknown ids.
	UpdateAlert(ctx context.Context, id string, p AlertPatch) error

	// MarkAlertNotified sets notified=true only if it was false and reports
	// whether this call made the transition.
	MarkAlertNotified(ctx context.Context, id string) (bool, error)

	// DeleteAlerts removes matching alerts and returns how many were deleted.
	DeleteAlerts(ctx context.Context, f AlertFilter) (int64, error)

	// UpsertIfAbsent inserts a unless an alert with the same (sensor, type)
	// already exists with detected_at strictly within window of
	// a.DetectedAt. A zero window matches any alert detected at or after
	// a.DetectedAt. Returns the stored alert and whether it was created.
	UpsertIfAbsent(ctx context.Context, a *models.Alert, window time.Duration) (*models.Alert, bool, error)
}

// ─── User store ───────────────────────────────────────────────────────────────

// UserStore is the user directory consulted for notification recipients.
type UserStore interface {
	// SaveUser inserts or replaces a user keyed by username.
	SaveUser(ctx context.Context, u *models.User) error

	// FindUsers returns users whose role is one of roles; no roles returns all.
	FindUsers(ctx context.Context, roles ...string) ([]*models.User, error)
}

// ─── Communication store ──────────────────────────────────────────────────────

// CommunicationStore persists in-app inbox entries.
type CommunicationStore interface {
	// InsertCommunication stores an entry. When AlertID is set and an entry
	// already exists for (AlertID, Recipient) nothing is written and false
	// is returned.
	InsertCommunication(ctx context.Context, c *models.Communication) (bool, error)

	// ListCommunications returns a recipient's entries, newest first.
	ListCommunications(ctx context.Context, recipient string, unreadOnly bool) ([]*models.Communication, error)

	// MarkCommunicationRead sets read=true on the recipient's entry.
	MarkCommunicationRead(ctx context.Context, id, recipient string) error
}

// ─── Model store ──────────────────────────────────────────────────────────────

// ModelStore persists trained detector artifacts.
type ModelStore interface {
	// SaveModel stores an artifact; the newest version per kind wins on load.
	SaveModel(ctx context.Context, m *models.ModelArtifact) error

	// LoadModel returns the newest artifact of kind or ErrNotFound.
	LoadModel(ctx context.Context, kind string) (*models.ModelArtifact, error)
}

// dedupBucket is the index bucket of t for a positive window; the unique
// (sensor, type, bucket) index rejects racing inserts that both passed the
// window check.
func dedupBucket(t time.Time, window time.Duration) *int64 {
	if window <= 0 {
		return nil
	}
	b := t.UnixNano() / int64(window)
	return &b
}

// Option configures a store.
type Option func(*storeOptions)

type storeOptions struct {
	clock clockwork.Clock
}

// WithClock sets the clock that stamps CreatedAt and inbox timestamps the
// caller left empty.
func WithClock(c clockwork.Clock) Option {
	return func(o *storeOptions) { o.clock = c }
}

func applyOptions(opts []Option) storeOptions {
	o := storeOptions{clock: clockwork.NewRealClock()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// prepareAlert fills server-assigned fields.
func prepareAlert(a *models.Alert, clock clockwork.Clock) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = clock.Now().UTC()
	}
	if a.Severity == "" {
		a.Severity = models.SeverityNormal
	}
	if a.LastReadingAt.Before(a.DetectedAt) {
		a.LastReadingAt = a.DetectedAt
	}
}
