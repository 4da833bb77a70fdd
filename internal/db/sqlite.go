package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/jonboulle/clockwork"
	_ "modernc.org/sqlite" // pure-Go SQLite driver (no CGO required)

	"github.com/emads/emads/internal/models"
)

// Instants are stored as INTEGER unix nanoseconds so range predicates
// compare numerically.
var migrations = []struct {
	version int
	sql     string
}{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS readings (
    sensor_id   TEXT NOT NULL DEFAULT '',
    ts          INTEGER NOT NULL,
    energy_wh   REAL NOT NULL,
    PRIMARY KEY (sensor_id, ts)
);
CREATE INDEX IF NOT EXISTS idx_readings_ts ON readings(ts);

CREATE TABLE IF NOT EXISTS alerts (
    id            TEXT PRIMARY KEY,
    sensor_id     TEXT NOT NULL DEFAULT '',
    type          TEXT NOT NULL,
    detected_at   INTEGER NOT NULL,
    severity      TEXT NOT NULL DEFAULT 'normal',
    energy_wh     REAL NOT NULL DEFAULT 0,
    anomaly_score REAL,
    count         INTEGER NOT NULL DEFAULT 0,
    message       TEXT NOT NULL DEFAULT '',
    notified      INTEGER NOT NULL DEFAULT 0,
    resolved      INTEGER NOT NULL DEFAULT 0,
    dedup_bucket  INTEGER,
    created_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_alerts_key ON alerts(sensor_id, type, detected_at);
CREATE INDEX IF NOT EXISTS idx_alerts_pending ON alerts(notified, resolved);
CREATE UNIQUE INDEX IF NOT EXISTS idx_alerts_bucket ON alerts(sensor_id, type, dedup_bucket);
`,
	},
	{
		version: 2,
		sql: `
CREATE TABLE IF NOT EXISTS users (
    username    TEXT PRIMARY KEY,
    email       TEXT NOT NULL DEFAULT '',
    role        TEXT NOT NULL,
    preferences TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_users_role ON users(role);

CREATE TABLE IF NOT EXISTS communications (
    id         TEXT PRIMARY KEY,
    recipient  TEXT NOT NULL,
    alert_id   TEXT,
    title      TEXT NOT NULL DEFAULT '',
    message    TEXT NOT NULL DEFAULT '',
    ts         INTEGER NOT NULL,
    read       INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_communications_recipient ON communications(recipient, ts DESC);
CREATE UNIQUE INDEX IF NOT EXISTS idx_communications_alert ON communications(alert_id, recipient);
`,
	},
	{
		version: 3,
		sql: `
CREATE TABLE IF NOT EXISTS model_artifacts (
    kind        TEXT NOT NULL,
    version     TEXT NOT NULL,
    trained_at  INTEGER NOT NULL,
    params      TEXT NOT NULL DEFAULT '{}',
    payload     BLOB NOT NULL,
    PRIMARY KEY (kind, version)
);
`,
	},
	{
		version: 4,
		sql: `
ALTER TABLE alerts ADD COLUMN last_reading_at INTEGER NOT NULL DEFAULT 0;
UPDATE alerts SET last_reading_at = detected_at;
`,
	},
}

type sqliteStore struct {
	db    *sqlx.DB
	clock clockwork.Clock
}

func init() {
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

// NewSQLiteStore opens (or creates) a SQLite database at path and applies
// migrations. All access goes through a single connection, and write
// transactions take the reserved lock at BEGIN so concurrent processes
// serialize on the dedup check.
func NewSQLiteStore(path string, opts ...Option) (Store, error) {
	dsn := path
	if path != ":memory:" {
		sep := "?"
		if strings.Contains(path, "?") {
			sep = "&"
		}
		dsn = path + sep + "_txlock=immediate&_pragma=busy_timeout(5000)"
	}

	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrency and performance.
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}

	s := &sqliteStore{db: db, clock: applyOptions(opts).clock}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// migrate applies any unapplied migrations in order.
func (s *sqliteStore) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_versions (
        version    INTEGER PRIMARY KEY,
        applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
    )`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		if err := s.db.Get(&count, `SELECT COUNT(*) FROM schema_versions WHERE version = ?`, m.version); err != nil {
			return fmt.Errorf("check migration %d: %w", m.version, err)
		}
		if count > 0 {
			continue // already applied
		}

		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("apply migration %d: %w", m.version, err)
		}

		if _, err := s.db.Exec(`INSERT INTO schema_versions(version) VALUES(?)`, m.version); err != nil {
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
	}
	return nil
}

func (s *sqliteStore) Close() error { return s.db.Close() }

func (s *sqliteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// ─── Readings ─────────────────────────────────────────────────────────────────

type readingRow struct {
	SensorID string  `db:"sensor_id"`
	TS       int64   `db:"ts"`
	EnergyWh float64 `db:"energy_wh"`
}

func (s *sqliteStore) AppendReadings(ctx context.Context, readings []models.Reading) error {
	if len(readings) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, r := range readings {
		row := readingRow{SensorID: r.SensorID, TS: r.Timestamp.UnixNano(), EnergyWh: r.EnergyWh}
		if _, err := tx.NamedExecContext(ctx,
			`INSERT OR IGNORE INTO readings(sensor_id, ts, energy_wh) VALUES(:sensor_id, :ts, :energy_wh)`, row); err != nil {
			return fmt.Errorf("insert reading: %w", err)
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) FetchReadings(ctx context.Context, sensorID string, start, end time.Time) ([]models.Reading, error) {
	query := `SELECT sensor_id, ts, energy_wh FROM readings WHERE ts >= ? AND ts <= ?`
	args := []any{start.UnixNano(), end.UnixNano()}
	if sensorID != "" {
		query += ` AND sensor_id = ?`
		args = append(args, sensorID)
	}
	query += ` ORDER BY ts ASC, sensor_id ASC`

	var rows []readingRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	out := make([]models.Reading, len(rows))
	for i, r := range rows {
		out[i] = models.Reading{SensorID: r.SensorID, Timestamp: fromNanos(r.TS), EnergyWh: r.EnergyWh}
	}
	return out, nil
}

// ─── Alerts ───────────────────────────────────────────────────────────────────

const alertColumns = `id, sensor_id, type, detected_at, last_reading_at, severity, energy_wh, anomaly_score, count, message, notified, resolved, created_at`

type alertRow struct {
	ID            string          `db:"id"`
	SensorID      string          `db:"sensor_id"`
	Type          string          `db:"type"`
	DetectedAt    int64           `db:"detected_at"`
	LastReadingAt int64           `db:"last_reading_at"`
	Severity      string          `db:"severity"`
	EnergyWh      float64         `db:"energy_wh"`
	AnomalyScore  sql.NullFloat64 `db:"anomaly_score"`
	Count         int             `db:"count"`
	Message       string          `db:"message"`
	Notified      bool            `db:"notified"`
	Resolved      bool            `db:"resolved"`
	DedupBucket   *int64          `db:"dedup_bucket"`
	CreatedAt     int64           `db:"created_at"`
}

func toAlertRow(a *models.Alert) alertRow {
	row := alertRow{
		ID:            a.ID,
		SensorID:      a.SensorID,
		Type:          string(a.Type),
		DetectedAt:    a.DetectedAt.UnixNano(),
		LastReadingAt: a.LastReadingAt.UnixNano(),
		Severity:      string(a.Severity),
		EnergyWh:      a.EnergyWh,
		Count:         a.Count,
		Message:       a.Message,
		Notified:      a.Notified,
		Resolved:      a.Resolved,
		CreatedAt:     a.CreatedAt.UnixNano(),
	}
	if a.AnomalyScore != nil {
		row.AnomalyScore = sql.NullFloat64{Float64: *a.AnomalyScore, Valid: true}
	}
	return row
}

func (r alertRow) toAlert() *models.Alert {
	a := &models.Alert{
		ID:            r.ID,
		SensorID:      r.SensorID,
		Type:          models.AlertType(r.Type),
		DetectedAt:    fromNanos(r.DetectedAt),
		LastReadingAt: fromNanos(r.LastReadingAt),
		Severity:      models.Severity(r.Severity),
		EnergyWh:      r.EnergyWh,
		Count:         r.Count,
		Message:       r.Message,
		Notified:      r.Notified,
		Resolved:      r.Resolved,
		CreatedAt:     fromNanos(r.CreatedAt),
	}
	if r.AnomalyScore.Valid {
		v := r.AnomalyScore.Float64
		a.AnomalyScore = &v
	}
	return a
}

const insertAlertSQL = `INSERT INTO alerts(` + alertColumns + `, dedup_bucket)
VALUES(:id, :sensor_id, :type, :detected_at, :last_reading_at, :severity, :energy_wh, :anomaly_score, :count, :message, :notified, :resolved, :created_at, :dedup_bucket)`

func (s *sqliteStore) InsertAlert(ctx context.Context, a *models.Alert) (string, error) {
	prepareAlert(a, s.clock)
	if _, err := s.db.NamedExecContext(ctx, insertAlertSQL, toAlertRow(a)); err != nil {
		return "", fmt.Errorf("insert alert: %w", err)
	}
	return a.ID, nil
}

func (s *sqliteStore) GetAlert(ctx context.Context, id string) (*models.Alert, error) {
	var row alertRow
	err := s.db.GetContext(ctx, &row, `SELECT `+alertColumns+`, dedup_bucket FROM alerts WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.toAlert(), nil
}

// alertWhere builds the WHERE clause for an AlertFilter.
func alertWhere(f AlertFilter) (string, []any) {
	where := ` WHERE 1=1`
	args := []any{}

	if f.SensorID != nil {
		where += ` AND sensor_id = ?`
		args = append(args, *f.SensorID)
	}
	if len(f.Types) > 0 {
		where += ` AND type IN (?` + strings.Repeat(`,?`, len(f.Types)-1) + `)`
		for _, t := range f.Types {
			args = append(args, string(t))
		}
	}
	if !f.From.IsZero() {
		where += ` AND detected_at >= ?`
		args = append(args, f.From.UnixNano())
	}
	if !f.To.IsZero() {
		where += ` AND detected_at <= ?`
		args = append(args, f.To.UnixNano())
	}
	if !f.Before.IsZero() {
		where += ` AND detected_at < ?`
		args = append(args, f.Before.UnixNano())
	}
	if !f.ActiveFrom.IsZero() {
		where += ` AND MAX(detected_at, last_reading_at) >= ?`
		args = append(args, f.ActiveFrom.UnixNano())
	}
	if f.Notified != nil {
		where += ` AND notified = ?`
		args = append(args, *f.Notified)
	}
	if f.Resolved != nil {
		where += ` AND resolved = ?`
		args = append(args, *f.Resolved)
	}
	return where, args
}

func (s *sqliteStore) FindAlerts(ctx context.Context, f AlertFilter) ([]*models.Alert, error) {
	where, args := alertWhere(f)
	query := `SELECT ` + alertColumns + `, dedup_bucket FROM alerts` + where + ` ORDER BY detected_at DESC, created_at DESC`
	if f.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d OFFSET %d`, f.Limit, f.Offset)
	}

	var rows []alertRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	out := make([]*models.Alert, len(rows))
	for i, r := range rows {
		out[i] = r.toAlert()
	}
	return out, nil
}

func (s *sqliteStore) UpdateAlert(ctx context.Context, id string, p AlertPatch) error {
	sets := []string{}
	args := []any{}
	if p.Notified != nil {
		sets = append(sets, `notified = ?`)
		args = append(args, *p.Notified)
	}
	if p.Resolved != nil {
		sets = append(sets, `resolved = ?`)
		args = append(args, *p.Resolved)
	}
	if p.LastReadingAt != nil {
		sets = append(sets, `last_reading_at = MAX(last_reading_at, ?)`)
		args = append(args, p.LastReadingAt.UnixNano())
	}
	if p.Count != nil {
		sets = append(sets, `count = MAX(count, ?)`)
		args = append(args, *p.Count)
	}
	if len(sets) == 0 {
		_, err := s.GetAlert(ctx, id)
		return err
	}
	args = append(args, id)

	res, err := s.db.ExecContext(ctx, `UPDATE alerts SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("update alert: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) MarkAlertNotified(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE alerts SET notified = 1 WHERE id = ? AND notified = 0`, id)
	if err != nil {
		return false, fmt.Errorf("mark notified: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 1 {
		return true, nil
	}
	if _, err := s.GetAlert(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (s *sqliteStore) DeleteAlerts(ctx context.Context, f AlertFilter) (int64, error) {
	where, args := alertWhere(f)
	res, err := s.db.ExecContext(ctx, `DELETE FROM alerts`+where, args...)
	if err != nil {
		return 0, fmt.Errorf("delete alerts: %w", err)
	}
	return res.RowsAffected()
}

func (s *sqliteStore) UpsertIfAbsent(ctx context.Context, a *models.Alert, window time.Duration) (*models.Alert, bool, error) {
	prepareAlert(a, s.clock)

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer func() { _ = tx.Rollback() }()

	existing, err := findWithin(ctx, tx, a, window)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	row := toAlertRow(a)
	row.DedupBucket = dedupBucket(a.DetectedAt, window)
	if _, err := tx.NamedExecContext(ctx, insertAlertSQL, row); err != nil {
		if isUniqueViolation(err) {
			return nil, false, fmt.Errorf("upsert alert: %w", ErrConflict)
		}
		return nil, false, fmt.Errorf("upsert alert: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	stored := *a
	return &stored, true, nil
}

// findWithin returns the earliest alert that dedups with a, or nil.
func findWithin(ctx context.Context, tx *sqlx.Tx, a *models.Alert, window time.Duration) (*models.Alert, error) {
	query := `SELECT ` + alertColumns + `, dedup_bucket FROM alerts WHERE sensor_id = ? AND type = ?`
	args := []any{a.SensorID, string(a.Type)}
	cand := a.DetectedAt.UnixNano()
	if window > 0 {
		query += ` AND detected_at > ? AND detected_at < ?`
		args = append(args, cand-int64(window), cand+int64(window))
	} else {
		query += ` AND detected_at >= ?`
		args = append(args, cand)
	}
	query += ` ORDER BY detected_at ASC LIMIT 1`

	var row alertRow
	err := tx.GetContext(ctx, &row, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dedup lookup: %w", err)
	}
	return row.toAlert(), nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// ─── Users ────────────────────────────────────────────────────────────────────

type userRow struct {
	Username    string `db:"username"`
	Email       string `db:"email"`
	Role        string `db:"role"`
	Preferences string `db:"preferences"`
}

func (s *sqliteStore) SaveUser(ctx context.Context, u *models.User) error {
	prefs, err := encodePreferences(u.Preferences)
	if err != nil {
		return err
	}
	_, err = s.db.NamedExecContext(ctx, `
        INSERT INTO users(username, email, role, preferences) VALUES(:username, :email, :role, :preferences)
        ON CONFLICT(username) DO UPDATE SET email=excluded.email, role=excluded.role, preferences=excluded.preferences
    `, userRow{Username: u.Username, Email: u.Email, Role: u.Role, Preferences: prefs})
	if err != nil {
		return fmt.Errorf("save user: %w", err)
	}
	return nil
}

func (s *sqliteStore) FindUsers(ctx context.Context, roles ...string) ([]*models.User, error) {
	query := `SELECT username, email, role, preferences FROM users`
	var args []any
	if len(roles) > 0 {
		var err error
		query, args, err = sqlx.In(query+` WHERE role IN (?)`, roles)
		if err != nil {
			return nil, err
		}
		query = s.db.Rebind(query)
	}
	query += ` ORDER BY username ASC`

	var rows []userRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	out := make([]*models.User, 0, len(rows))
	for _, r := range rows {
		prefs, err := decodePreferences(r.Preferences)
		if err != nil {
			return nil, fmt.Errorf("user %s: %w", r.Username, err)
		}
		out = append(out, &models.User{Username: r.Username, Email: r.Email, Role: r.Role, Preferences: prefs})
	}
	return out, nil
}

// ─── Communications ───────────────────────────────────────────────────────────

type communicationRow struct {
	ID        string         `db:"id"`
	Recipient string         `db:"recipient"`
	AlertID   sql.NullString `db:"alert_id"`
	Title     string         `db:"title"`
	Message   string         `db:"message"`
	TS        int64          `db:"ts"`
	Read      bool           `db:"read"`
}

func (r communicationRow) toCommunication() *models.Communication {
	return &models.Communication{
		ID:        r.ID,
		Recipient: r.Recipient,
		AlertID:   r.AlertID.String,
		Title:     r.Title,
		Message:   r.Message,
		Timestamp: fromNanos(r.TS),
		Read:      r.Read,
	}
}

func (s *sqliteStore) InsertCommunication(ctx context.Context, c *models.Communication) (bool, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Timestamp.IsZero() {
		c.Timestamp = s.clock.Now().UTC()
	}
	row := communicationRow{
		ID:        c.ID,
		Recipient: c.Recipient,
		AlertID:   sql.NullString{String: c.AlertID, Valid: c.AlertID != ""},
		Title:     c.Title,
		Message:   c.Message,
		TS:        c.Timestamp.UnixNano(),
		Read:      c.Read,
	}
	res, err := s.db.NamedExecContext(ctx, `
        INSERT OR IGNORE INTO communications(id, recipient, alert_id, title, message, ts, read)
        VALUES(:id, :recipient, :alert_id, :title, :message, :ts, :read)
    `, row)
	if err != nil {
		return false, fmt.Errorf("insert communication: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s *sqliteStore) ListCommunications(ctx context.Context, recipient string, unreadOnly bool) ([]*models.Communication, error) {
	query := `SELECT id, recipient, alert_id, title, message, ts, read FROM communications WHERE recipient = ?`
	if unreadOnly {
		query += ` AND read = 0`
	}
	query += ` ORDER BY ts DESC`

	var rows []communicationRow
	if err := s.db.SelectContext(ctx, &rows, query, recipient); err != nil {
		return nil, err
	}
	out := make([]*models.Communication, len(rows))
	for i, r := range rows {
		out[i] = r.toCommunication()
	}
	return out, nil
}

func (s *sqliteStore) MarkCommunicationRead(ctx context.Context, id, recipient string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE communications SET read = 1 WHERE id = ? AND recipient = ?`, id, recipient)
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ─── Model artifacts ──────────────────────────────────────────────────────────

type modelRow struct {
	Kind      string `db:"kind"`
	Version   string `db:"version"`
	TrainedAt int64  `db:"trained_at"`
	Params    string `db:"params"`
	Payload   []byte `db:"payload"`
}

func (s *sqliteStore) SaveModel(ctx context.Context, m *models.ModelArtifact) error {
	_, err := s.db.NamedExecContext(ctx, `
        INSERT OR REPLACE INTO model_artifacts(kind, version, trained_at, params, payload)
        VALUES(:kind, :version, :trained_at, :params, :payload)
    `, modelRow{Kind: m.Kind, Version: m.Version, TrainedAt: m.TrainedAt.UnixNano(), Params: m.Params, Payload: m.Payload})
	if err != nil {
		return fmt.Errorf("save model: %w", err)
	}
	return nil
}

func (s *sqliteStore) LoadModel(ctx context.Context, kind string) (*models.ModelArtifact, error) {
	var row modelRow
	err := s.db.GetContext(ctx, &row,
		`SELECT kind, version, trained_at, params, payload FROM model_artifacts WHERE kind = ? ORDER BY trained_at DESC LIMIT 1`, kind)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &models.ModelArtifact{
		Kind:      row.Kind,
		Version:   row.Version,
		TrainedAt: fromNanos(row.TrainedAt),
		Params:    row.Params,
		Payload:   row.Payload,
	}, nil
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func encodePreferences(p map[string]bool) (string, error) {
	if len(p) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encode preferences: %w", err)
	}
	return string(b), nil
}

func decodePreferences(s string) (map[string]bool, error) {
	if s == "" || s == "{}" {
		return nil, nil
	}
	var p map[string]bool
	if err := json.Unmarshal([]byte(s), &p); err != nil {
		return nil, fmt.Errorf("decode preferences: %w", err)
	}
	return p, nil
}
