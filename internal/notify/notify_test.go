package notify

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/emads/emads/internal/db"
	"github.com/emads/emads/internal/models"
)

var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type sentMessage struct {
	To      []string
	Subject string
	Body    string
}

type fakeMailer struct {
	mu   sync.Mutex
	sent []sentMessage
	err  error
}

func (m *fakeMailer) Send(_ context.Context, recipients []string, subject, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, sentMessage{To: recipients, Subject: subject, Body: body})
	return nil
}

func (m *fakeMailer) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

func newTestStore(t *testing.T) db.Store {
	t.Helper()
	store, err := db.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func seedUsers(t *testing.T, store db.Store) {
	t.Helper()
	ctx := context.Background()
	for _, u := range []*models.User{
		{Username: "ada", Email: "ada@hostel.example", Role: models.RoleAdmin},
		{Username: "max", Email: "max@hostel.example", Role: models.RoleManager},
		{Username: "nospike", Email: "ns@hostel.example", Role: models.RoleManager,
			Preferences: map[string]bool{string(models.AlertEnergySpike): false}},
		{Username: "sam", Email: "sam@hostel.example", Role: models.RoleStudent},
	} {
		require.NoError(t, store.SaveUser(ctx, u))
	}
}

func insertAlert(t *testing.T, store db.Store, at time.Time) *models.Alert {
	t.Helper()
	a := &models.Alert{
		SensorID:   "block-a",
		Type:       models.AlertEnergySpike,
		DetectedAt: at,
		Severity:   models.SeverityHigh,
		EnergyWh:   3000,
		Message:    "Energy spike of 200% detected",
	}
	_, err := store.InsertAlert(context.Background(), a)
	require.NoError(t, err)
	return a
}

func TestDispatch_DeliversOnceAndWritesInbox(t *testing.T) {
	store := newTestStore(t)
	seedUsers(t, store)
	mailer := &fakeMailer{}
	d := NewDispatcher(store, mailer, nil, nil, zaptest.NewLogger(t))
	ctx := context.Background()

	a := insertAlert(t, store, base)

	ok, err := d.Dispatch(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	require.Equal(t, 1, mailer.count())
	assert.ElementsMatch(t, []string{"ada@hostel.example", "max@hostel.example"}, mailer.sent[0].To)
	assert.Contains(t, mailer.sent[0].Subject, "High alert: Energy Spike")

	stored, err := store.GetAlert(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, stored.Notified)

	ok, err = d.Dispatch(ctx, a.ID)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, mailer.count())

	for _, user := range []string{"ada", "max"} {
		inbox, err := d.Inbox(ctx, user, true)
		require.NoError(t, err)
		require.Len(t, inbox, 1, user)
		assert.Equal(t, a.ID, inbox[0].AlertID)
	}
	inbox, err := d.Inbox(ctx, "sam", false)
	require.NoError(t, err)
	assert.Empty(t, inbox)
}

func TestDispatch_InboxTimestampFromClock(t *testing.T) {
	store := newTestStore(t)
	seedUsers(t, store)
	clock := clockwork.NewFakeClockAt(base.Add(90 * time.Minute))
	d := NewDispatcher(store, &fakeMailer{}, nil, nil, nil, WithClock(clock))
	ctx := context.Background()

	a := insertAlert(t, store, base)
	ok, err := d.Dispatch(ctx, a.ID)
	require.NoError(t, err)
	require.True(t, ok)

	inbox, err := d.Inbox(ctx, "ada", false)
	require.NoError(t, err)
	require.Len(t, inbox, 1)
	assert.Equal(t, clock.Now(), inbox[0].Timestamp)
}

// unmarkableStore accepts everything except the notified transition.
type unmarkableStore struct {
	db.Store
}

func (unmarkableStore) MarkAlertNotified(context.Context, string) (bool, error) {
	return false, errors.New("database is locked")
}

func TestDispatch_MarkFailureAfterSendIsLogged(t *testing.T) {
	store := newTestStore(t)
	seedUsers(t, store)
	core, logs := observer.New(zap.ErrorLevel)
	mailer := &fakeMailer{}
	d := NewDispatcher(unmarkableStore{store}, mailer, nil, nil, zap.New(core))

	a := insertAlert(t, store, base)
	ok, err := d.Dispatch(context.Background(), a.ID)
	require.Error(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, mailer.count(), "the mail was accepted before the mark failed")

	entries := logs.FilterMessage("alert sent but not marked notified").All()
	require.Len(t, entries, 1)
	assert.Equal(t, zap.ErrorLevel, entries[0].Level)
	assert.Equal(t, a.ID, entries[0].ContextMap()["alert_id"])
}

func TestDispatch_NoRecipientsStaysPending(t *testing.T) {
	store := newTestStore(t)
	mailer := &fakeMailer{}
	d := NewDispatcher(store, mailer, nil, nil, nil)
	ctx := context.Background()

	a := insertAlert(t, store, base)
	ok, err := d.Dispatch(ctx, a.ID)
	assert.ErrorIs(t, err, ErrNoRecipients)
	assert.False(t, ok)
	assert.Zero(t, mailer.count())

	stored, err := store.GetAlert(ctx, a.ID)
	require.NoError(t, err)
	assert.False(t, stored.Notified)
}

func TestDispatch_FailureThenRetry(t *testing.T) {
	store := newTestStore(t)
	seedUsers(t, store)
	mailer := &fakeMailer{err: errors.New("connection refused")}
	d := NewDispatcher(store, mailer, nil, nil, zaptest.NewLogger(t))
	ctx := context.Background()

	a := insertAlert(t, store, base)
	_, err := d.Dispatch(ctx, a.ID)
	var de *DeliveryError
	require.ErrorAs(t, err, &de)
	assert.Len(t, de.Recipients, 2)

	stored, err := store.GetAlert(ctx, a.ID)
	require.NoError(t, err)
	assert.False(t, stored.Notified)
	inbox, err := d.Inbox(ctx, "ada", false)
	require.NoError(t, err)
	assert.Empty(t, inbox)

	mailer.err = nil
	sent, err := d.DispatchPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)

	sent, err = d.DispatchPending(ctx)
	require.NoError(t, err)
	assert.Zero(t, sent)
}

func TestDispatchPending_SkipsResolvedAndReportsFailures(t *testing.T) {
	store := newTestStore(t)
	seedUsers(t, store)
	mailer := &fakeMailer{}
	d := NewDispatcher(store, mailer, nil, nil, nil)
	ctx := context.Background()

	open := insertAlert(t, store, base)
	closed := insertAlert(t, store, base.Add(time.Hour))
	resolved := true
	require.NoError(t, store.UpdateAlert(ctx, closed.ID, db.AlertPatch{Resolved: &resolved}))

	sent, err := d.DispatchPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)

	got, err := store.GetAlert(ctx, open.ID)
	require.NoError(t, err)
	assert.True(t, got.Notified)
	got, err = store.GetAlert(ctx, closed.ID)
	require.NoError(t, err)
	assert.False(t, got.Notified)

	insertAlert(t, store, base.Add(2*time.Hour))
	mailer.err = errors.New("timeout")
	sent, err = d.DispatchPending(ctx)
	assert.Zero(t, sent)
	var de *DeliveryError
	assert.ErrorAs(t, err, &de)
}

func TestDispatch_ConcurrentDispatchersSendOnce(t *testing.T) {
	store := newTestStore(t)
	seedUsers(t, store)
	mailer := &fakeMailer{}
	d := NewDispatcher(store, mailer, nil, nil, nil)
	a := insertAlert(t, store, base)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := d.Dispatch(context.Background(), a.ID)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, mailer.count())

	inbox, err := d.Inbox(context.Background(), "ada", false)
	require.NoError(t, err)
	assert.Len(t, inbox, 1)
}

func TestBroadcast_IgnoresPreferences(t *testing.T) {
	store := newTestStore(t)
	seedUsers(t, store)
	mailer := &fakeMailer{}
	d := NewDispatcher(store, mailer, nil, nil, nil)
	ctx := context.Background()

	require.NoError(t, d.Broadcast(ctx, KindWeekly, "weekly", "body"))
	require.Equal(t, 1, mailer.count())
	assert.Len(t, mailer.sent[0].To, 3)

	inbox, err := d.Inbox(ctx, "nospike", true)
	require.NoError(t, err)
	require.Len(t, inbox, 1)
	require.NoError(t, d.MarkRead(ctx, inbox[0].ID, "nospike"))
	inbox, err = d.Inbox(ctx, "nospike", true)
	require.NoError(t, err)
	assert.Empty(t, inbox)
}

func TestGuardedMailer_BreakerOpens(t *testing.T) {
	inner := &fakeMailer{err: errors.New("550 relay denied")}
	g := NewGuardedMailer(inner, GuardConfig{RatePerSecond: 1000, Burst: 10, BreakerFailures: 2, BreakerTimeout: time.Hour}, zaptest.NewLogger(t))
	ctx := context.Background()

	assert.Error(t, g.Send(ctx, []string{"a@x"}, "s", "b"))
	assert.Error(t, g.Send(ctx, []string{"a@x"}, "s", "b"))
	assert.Equal(t, gobreaker.StateOpen, g.State())

	inner.err = nil
	err := g.Send(ctx, []string{"a@x"}, "s", "b")
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Zero(t, inner.count())
}

func TestGuardedMailer_RateLimitHonoursContext(t *testing.T) {
	inner := &fakeMailer{}
	g := NewGuardedMailer(inner, GuardConfig{RatePerSecond: 0.001, Burst: 1}, nil)

	require.NoError(t, g.Send(context.Background(), []string{"a@x"}, "s", "b"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.Error(t, g.Send(ctx, []string{"a@x"}, "s", "b"))
	assert.Equal(t, 1, inner.count())
}

func TestNewSMTPMailer_Validation(t *testing.T) {
	_, err := NewSMTPMailer(SMTPConfig{From: "emads@hostel.example"})
	assert.Error(t, err)
	_, err = NewSMTPMailer(SMTPConfig{Host: "smtp.example"})
	assert.Error(t, err)

	m, err := NewSMTPMailer(SMTPConfig{Host: "smtp.example", From: "emads@hostel.example"})
	require.NoError(t, err)
	assert.ErrorIs(t, m.Send(context.Background(), nil, "s", "b"), ErrNoRecipients)
}

func TestLogMailer(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	m := NewLogMailer(zap.New(core))

	assert.ErrorIs(t, m.Send(context.Background(), nil, "s", "b"), ErrNoRecipients)
	require.NoError(t, m.Send(context.Background(), []string{"warden@hostel.example"}, "Energy spike", "body"))

	entries := logs.FilterMessage("notification not sent, smtp disabled").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "Energy spike", entries[0].ContextMap()["subject"])
}

func TestAlertMessage(t *testing.T) {
	score := -0.1234
	subject, body := AlertMessage(&models.Alert{
		Type:         models.AlertConsecutiveAnomalies,
		DetectedAt:   base,
		Severity:     models.SeverityMedium,
		EnergyWh:     1520.5,
		AnomalyScore: &score,
		Count:        8,
		Message:      "8 successive anomalies",
	})
	assert.Equal(t, "[EMADS] Medium alert: 8 consecutive anomalies", subject)
	assert.Contains(t, body, "hostel (aggregate)")
	assert.Contains(t, body, "2024-03-01T12:00:00Z")
	assert.Contains(t, body, "1520.50 Wh")
	assert.Contains(t, body, "-0.1234")
	assert.Contains(t, body, "Readings:    8")
}

func TestWeeklyReportMessage(t *testing.T) {
	lastStart := time.Date(2024, 2, 26, 0, 0, 0, 0, time.UTC)
	subject, body := WeeklyReportMessage(WeeklyReport{
		PrevStart:    lastStart.AddDate(0, 0, -7),
		LastStart:    lastStart,
		LastEnd:      lastStart.AddDate(0, 0, 7),
		PrevTotalWh:  0,
		LastTotalWh:  125000,
		ChangePct:    math.NaN(),
		AlertCount:   2,
		AlertsByType: map[models.AlertType]int{models.AlertEnergySpike: 2},
	})
	assert.Equal(t, "[EMADS] Weekly Report: 2024-02-26 to 2024-03-03", subject)
	assert.Contains(t, body, "125.00 kWh")
	assert.Contains(t, body, "Change:              n/a")
	assert.Contains(t, body, "Energy Spike: 2")
}
