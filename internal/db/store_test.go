package db

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/emads/emads/internal/models"
)

// storeFactory opens an empty store for one test.
type storeFactory func(t *testing.T, opts ...Option) Store

// storeContract is the behaviour every backend must provide.
var storeContract = []struct {
	name string
	fn   func(t *testing.T, open storeFactory)
}{
	{"ReadingsFetchSorted", testReadingsFetchSorted},
	{"AlertRoundTrip", testAlertRoundTrip},
	{"UpsertIfAbsentWindow", testUpsertIfAbsentWindow},
	{"UpsertIfAbsentSinceMode", testUpsertIfAbsentSinceMode},
	{"UpsertIfAbsentConcurrent", testUpsertIfAbsentConcurrent},
	{"FindAndDeleteAlerts", testFindAndDeleteAlerts},
	{"MarkAlertNotifiedOnce", testMarkAlertNotifiedOnce},
	{"FindUsersByRole", testFindUsersByRole},
	{"CommunicationsUniquePerAlert", testCommunicationsUniquePerAlert},
	{"ModelArtifactsNewestWins", testModelArtifactsNewestWins},
	{"AlertSpanFilterAndGrowth", testAlertSpanFilterAndGrowth},
	{"TimestampsFromClock", testTimestampsFromClock},
}

func runStoreContract(t *testing.T, open storeFactory) {
	for _, tc := range storeContract {
		t.Run(tc.name, func(t *testing.T) { tc.fn(t, open) })
	}
}

var base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func candidate(sensor string, typ models.AlertType, at time.Time) *models.Alert {
	return &models.Alert{
		SensorID:   sensor,
		Type:       typ,
		DetectedAt: at,
		Severity:   models.SeverityHigh,
		EnergyWh:   3000,
		Message:    "spike",
	}
}

// ─── Readings ─────────────────────────────────────────────────────────────────

func testReadingsFetchSorted(t *testing.T, open storeFactory) {
	s := open(t)
	ctx := context.Background()

	in := []models.Reading{
		{SensorID: "a", Timestamp: base.Add(2 * time.Hour), EnergyWh: 3},
		{SensorID: "a", Timestamp: base, EnergyWh: 1},
		{SensorID: "b", Timestamp: base.Add(time.Hour), EnergyWh: 2},
		{SensorID: "a", Timestamp: base, EnergyWh: 99}, // duplicate key ignored
	}
	if err := s.AppendReadings(ctx, in); err != nil {
		t.Fatalf("AppendReadings: %v", err)
	}

	all, err := s.FetchReadings(ctx, "", base, base.Add(3*time.Hour))
	if err != nil {
		t.Fatalf("FetchReadings: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 readings, got %d", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i].Timestamp.Before(all[i-1].Timestamp) {
			t.Errorf("readings not sorted at %d", i)
		}
	}
	if all[0].EnergyWh != 1 {
		t.Errorf("duplicate reading overwrote original: %v", all[0].EnergyWh)
	}

	onlyA, err := s.FetchReadings(ctx, "a", base, base.Add(time.Hour))
	if err != nil {
		t.Fatalf("FetchReadings sensor: %v", err)
	}
	if len(onlyA) != 1 {
		t.Errorf("expected 1 reading for sensor a in range, got %d", len(onlyA))
	}
}

// ─── Alerts ───────────────────────────────────────────────────────────────────

func testAlertRoundTrip(t *testing.T, open storeFactory) {
	s := open(t)
	ctx := context.Background()

	score := -0.27
	in := &models.Alert{
		SensorID:     "block-c",
		Type:         models.AlertIsolationForest,
		DetectedAt:   base,
		Severity:     models.SeverityMedium,
		EnergyWh:     2875.5,
		AnomalyScore: &score,
		Count:        1,
		Message:      "Isolation forest flagged 2875.5 Wh",
	}
	id, err := s.InsertAlert(ctx, in)
	if err != nil {
		t.Fatalf("InsertAlert: %v", err)
	}
	if id == "" {
		t.Fatal("expected server-assigned id")
	}

	got, err := s.GetAlert(ctx, id)
	if err != nil {
		t.Fatalf("GetAlert: %v", err)
	}
	if got.SensorID != in.SensorID || got.Type != in.Type || !got.DetectedAt.Equal(in.DetectedAt) ||
		got.Severity != in.Severity || got.EnergyWh != in.EnergyWh || got.Count != in.Count ||
		got.Message != in.Message || got.Notified || got.Resolved {
		t.Errorf("round trip mismatch:\n got  %+v\n want %+v", got, in)
	}
	if got.AnomalyScore == nil || *got.AnomalyScore != score {
		t.Errorf("anomaly score lost: %v", got.AnomalyScore)
	}
	if got.CreatedAt.IsZero() {
		t.Error("created_at not assigned")
	}

	if _, err := s.GetAlert(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func testUpsertIfAbsentWindow(t *testing.T, open storeFactory) {
	s := open(t)
	ctx := context.Background()
	window := 5 * time.Minute

	first, created, err := s.UpsertIfAbsent(ctx, candidate("a", models.AlertEnergySpike, base), window)
	if err != nil || !created {
		t.Fatalf("first upsert: created=%v err=%v", created, err)
	}

	// strictly inside the window merges
	dup, created, err := s.UpsertIfAbsent(ctx, candidate("a", models.AlertEnergySpike, base.Add(4*time.Minute)), window)
	if err != nil {
		t.Fatalf("inside upsert: %v", err)
	}
	if created || dup.ID != first.ID {
		t.Errorf("expected merge into %s, got created=%v id=%s", first.ID, created, dup.ID)
	}

	// exactly one window apart is a distinct event
	_, created, err = s.UpsertIfAbsent(ctx, candidate("a", models.AlertEnergySpike, base.Add(window)), window)
	if err != nil || !created {
		t.Errorf("boundary upsert: created=%v err=%v", created, err)
	}

	// other type or sensor never merges
	if _, created, _ := s.UpsertIfAbsent(ctx, candidate("a", models.AlertUnusualPattern, base), window); !created {
		t.Error("different type should create")
	}
	if _, created, _ := s.UpsertIfAbsent(ctx, candidate("b", models.AlertEnergySpike, base), window); !created {
		t.Error("different sensor should create")
	}

	all, _ := s.FindAlerts(ctx, AlertFilter{})
	if len(all) != 4 {
		t.Errorf("expected 4 alerts, got %d", len(all))
	}
}

func testUpsertIfAbsentSinceMode(t *testing.T, open storeFactory) {
	s := open(t)
	ctx := context.Background()

	if _, created, _ := s.UpsertIfAbsent(ctx, candidate("", models.AlertConsecutiveAnomalies, base), 0); !created {
		t.Fatal("first upsert should create")
	}
	// an alert at or after the candidate already covers it
	if _, created, _ := s.UpsertIfAbsent(ctx, candidate("", models.AlertConsecutiveAnomalies, base.Add(-time.Hour)), 0); created {
		t.Error("earlier candidate should merge in since mode")
	}
	if _, created, _ := s.UpsertIfAbsent(ctx, candidate("", models.AlertConsecutiveAnomalies, base.Add(time.Second)), 0); !created {
		t.Error("later candidate should create in since mode")
	}
}

func testUpsertIfAbsentConcurrent(t *testing.T, open storeFactory) {
	s := open(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	createdCount := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			at := base.Add(time.Duration(i) * time.Second)
			_, created, err := s.UpsertIfAbsent(ctx, candidate("a", models.AlertEnergySpike, at), 5*time.Minute)
			if err != nil && !errors.Is(err, ErrConflict) {
				t.Errorf("upsert %d: %v", i, err)
			}
			if created {
				mu.Lock()
				createdCount++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if createdCount != 1 {
		t.Errorf("expected exactly one created alert, got %d", createdCount)
	}
}

func testFindAndDeleteAlerts(t *testing.T, open storeFactory) {
	s := open(t)
	ctx := context.Background()

	old := candidate("", models.AlertIsolationForest, base.Add(-40*24*time.Hour))
	recent := candidate("", models.AlertIsolationForest, base)
	spike := candidate("", models.AlertEnergySpike, base.Add(-40*24*time.Hour))
	for _, a := range []*models.Alert{old, recent, spike} {
		if _, err := s.InsertAlert(ctx, a); err != nil {
			t.Fatalf("InsertAlert: %v", err)
		}
	}

	n, err := s.DeleteAlerts(ctx, AlertFilter{
		Types:  []models.AlertType{models.AlertIsolationForest},
		Before: base.Add(-30 * 24 * time.Hour),
	})
	if err != nil {
		t.Fatalf("DeleteAlerts: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 purged alert, got %d", n)
	}

	f := false
	pending, err := s.FindAlerts(ctx, AlertFilter{Notified: &f, Resolved: &f})
	if err != nil {
		t.Fatalf("FindAlerts: %v", err)
	}
	if len(pending) != 2 {
		t.Errorf("expected 2 pending alerts, got %d", len(pending))
	}
	if pending[0].ID != recent.ID {
		t.Errorf("expected newest first")
	}
}

func testMarkAlertNotifiedOnce(t *testing.T, open storeFactory) {
	s := open(t)
	ctx := context.Background()

	id, _ := s.InsertAlert(ctx, candidate("", models.AlertEnergySpike, base))

	ok, err := s.MarkAlertNotified(ctx, id)
	if err != nil || !ok {
		t.Fatalf("first mark: ok=%v err=%v", ok, err)
	}
	ok, err = s.MarkAlertNotified(ctx, id)
	if err != nil || ok {
		t.Errorf("second mark should be a no-op: ok=%v err=%v", ok, err)
	}
	if _, err := s.MarkAlertNotified(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	resolved := true
	if err := s.UpdateAlert(ctx, id, AlertPatch{Resolved: &resolved}); err != nil {
		t.Fatalf("UpdateAlert: %v", err)
	}
	got, _ := s.GetAlert(ctx, id)
	if !got.Notified || !got.Resolved {
		t.Errorf("expected notified and resolved, got %+v", got)
	}
	if err := s.UpdateAlert(ctx, "missing", AlertPatch{Resolved: &resolved}); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

// ─── Users & communications ──────────────────────────────────────────────────

func testFindUsersByRole(t *testing.T, open storeFactory) {
	s := open(t)
	ctx := context.Background()

	users := []*models.User{
		{Username: "ada", Email: "ada@hostel.test", Role: models.RoleAdmin},
		{Username: "max", Email: "max@hostel.test", Role: models.RoleManager, Preferences: map[string]bool{"energy_spike": false}},
		{Username: "sam", Email: "sam@hostel.test", Role: models.RoleStudent},
	}
	for _, u := range users {
		if err := s.SaveUser(ctx, u); err != nil {
			t.Fatalf("SaveUser: %v", err)
		}
	}

	staff, err := s.FindUsers(ctx, models.RoleAdmin, models.RoleManager)
	if err != nil {
		t.Fatalf("FindUsers: %v", err)
	}
	if len(staff) != 2 {
		t.Fatalf("expected 2 staff, got %d", len(staff))
	}
	if staff[1].Username != "max" || staff[1].Wants(models.AlertEnergySpike) {
		t.Errorf("preferences not restored: %+v", staff[1])
	}

	all, _ := s.FindUsers(ctx)
	if len(all) != 3 {
		t.Errorf("expected 3 users, got %d", len(all))
	}
}

func testCommunicationsUniquePerAlert(t *testing.T, open storeFactory) {
	s := open(t)
	ctx := context.Background()

	entry := func() *models.Communication {
		return &models.Communication{Recipient: "ada", AlertID: "alert-1", Title: "Energy Spike", Message: "3000 Wh"}
	}
	created, err := s.InsertCommunication(ctx, entry())
	if err != nil || !created {
		t.Fatalf("first insert: created=%v err=%v", created, err)
	}
	created, err = s.InsertCommunication(ctx, entry())
	if err != nil || created {
		t.Errorf("duplicate insert should be ignored: created=%v err=%v", created, err)
	}

	// entries without an alert are never deduplicated
	for i := 0; i < 2; i++ {
		if ok, _ := s.InsertCommunication(ctx, &models.Communication{Recipient: "ada", Title: "Weekly report"}); !ok {
			t.Error("report entry should be created")
		}
	}

	unread, err := s.ListCommunications(ctx, "ada", true)
	if err != nil {
		t.Fatalf("ListCommunications: %v", err)
	}
	if len(unread) != 3 {
		t.Fatalf("expected 3 unread, got %d", len(unread))
	}

	if err := s.MarkCommunicationRead(ctx, unread[0].ID, "ada"); err != nil {
		t.Fatalf("MarkCommunicationRead: %v", err)
	}
	if err := s.MarkCommunicationRead(ctx, unread[0].ID, "someone-else"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for other recipient, got %v", err)
	}
	unread, _ = s.ListCommunications(ctx, "ada", true)
	if len(unread) != 2 {
		t.Errorf("expected 2 unread after marking, got %d", len(unread))
	}
}

// ─── Model artifacts ──────────────────────────────────────────────────────────

func testModelArtifactsNewestWins(t *testing.T, open storeFactory) {
	s := open(t)
	ctx := context.Background()

	if _, err := s.LoadModel(ctx, "isolation_forest"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	for i, payload := range []string{"v1", "v2"} {
		at := base.Add(time.Duration(i) * time.Hour)
		err := s.SaveModel(ctx, &models.ModelArtifact{
			Kind:      "isolation_forest",
			Version:   at.Format(time.RFC3339),
			TrainedAt: at,
			Params:    `{"n_estimators":100}`,
			Payload:   []byte(payload),
		})
		if err != nil {
			t.Fatalf("SaveModel: %v", err)
		}
	}

	m, err := s.LoadModel(ctx, "isolation_forest")
	if err != nil {
		t.Fatalf("LoadModel: %v", err)
	}
	if string(m.Payload) != "v2" {
		t.Errorf("expected newest payload v2, got %s", m.Payload)
	}
}

func testAlertSpanFilterAndGrowth(t *testing.T, open storeFactory) {
	s := open(t)
	ctx := context.Background()

	run := candidate("a", models.AlertIsolationForest, base)
	run.LastReadingAt = base.Add(2 * time.Hour)
	run.Count = 3
	point := candidate("a", models.AlertIsolationForest, base.Add(-24*time.Hour))
	for _, a := range []*models.Alert{run, point} {
		if _, err := s.InsertAlert(ctx, a); err != nil {
			t.Fatalf("InsertAlert: %v", err)
		}
	}
	if !point.LastReadingAt.Equal(point.DetectedAt) {
		t.Errorf("single reading alert should end where it starts, got %v", point.LastReadingAt)
	}

	// the run reaches base+2h even though it was detected at base
	active, err := s.FindAlerts(ctx, AlertFilter{ActiveFrom: base.Add(90 * time.Minute)})
	if err != nil {
		t.Fatalf("FindAlerts: %v", err)
	}
	if len(active) != 1 || active[0].ID != run.ID {
		t.Fatalf("expected only the run, got %+v", active)
	}

	later, fewer := base.Add(5*time.Hour), 2
	if err := s.UpdateAlert(ctx, run.ID, AlertPatch{LastReadingAt: &later, Count: &fewer}); err != nil {
		t.Fatalf("UpdateAlert: %v", err)
	}
	earlier, more := base.Add(time.Hour), 6
	if err := s.UpdateAlert(ctx, run.ID, AlertPatch{LastReadingAt: &earlier, Count: &more}); err != nil {
		t.Fatalf("UpdateAlert: %v", err)
	}
	got, err := s.GetAlert(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetAlert: %v", err)
	}
	if !got.LastReadingAt.Equal(later) || got.Count != 6 {
		t.Errorf("span and count should only grow, got last=%v count=%d", got.LastReadingAt, got.Count)
	}

	if err := s.UpdateAlert(ctx, "missing", AlertPatch{LastReadingAt: &later}); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func testTimestampsFromClock(t *testing.T, open storeFactory) {
	now := base.Add(36 * time.Hour)
	s := open(t, WithClock(clockwork.NewFakeClockAt(now)))
	ctx := context.Background()

	id, err := s.InsertAlert(ctx, candidate("a", models.AlertEnergySpike, base))
	if err != nil {
		t.Fatalf("InsertAlert: %v", err)
	}
	a, err := s.GetAlert(ctx, id)
	if err != nil {
		t.Fatalf("GetAlert: %v", err)
	}
	if !a.CreatedAt.Equal(now) {
		t.Errorf("created_at = %v, want %v", a.CreatedAt, now)
	}

	if _, err := s.InsertCommunication(ctx, &models.Communication{Recipient: "ada", Title: "Weekly report"}); err != nil {
		t.Fatalf("InsertCommunication: %v", err)
	}
	inbox, err := s.ListCommunications(ctx, "ada", false)
	if err != nil {
		t.Fatalf("ListCommunications: %v", err)
	}
	if len(inbox) != 1 || !inbox[0].Timestamp.Equal(now) {
		t.Errorf("inbox timestamp should come from the clock, got %+v", inbox)
	}
}
