package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/emads/emads/internal/analytics/ml"
	"github.com/emads/emads/internal/db"
	"github.com/emads/emads/internal/models"
)

var base = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

func trainingReadings(n int) []models.Reading {
	out := make([]models.Reading, n)
	for i := range out {
		out[i] = models.Reading{Timestamp: base.Add(time.Duration(i) * time.Hour), EnergyWh: 1000 + float64((i*7)%11) - 5}
	}
	return out
}

// countingStore counts model saves on top of a real store.
type countingStore struct {
	db.ModelStore
	mu    sync.Mutex
	saves int
	fail  error
}

func (s *countingStore) SaveModel(ctx context.Context, m *models.ModelArtifact) error {
	s.mu.Lock()
	s.saves++
	s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	return s.ModelStore.SaveModel(ctx, m)
}

func (s *countingStore) Saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

func newTestManager(t *testing.T) (*Manager, *countingStore, clockwork.FakeClock) {
	t.Helper()
	store, err := db.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	cs := &countingStore{ModelStore: store}
	clock := clockwork.NewFakeClockAt(base)
	cfg := DefaultConfig()
	cfg.Forest.NumTrees = 20
	return NewManager(cfg, cs, nil, clock, nil, zaptest.NewLogger(t)), cs, clock
}

func TestGet_NoModelNoData(t *testing.T) {
	m, _, _ := newTestManager(t)
	_, err := m.Get(context.Background(), ml.ArtifactKind, nil)
	assert.ErrorIs(t, err, ErrModelUnavailable)

	info, err := m.Status(context.Background(), ml.ArtifactKind)
	require.NoError(t, err)
	assert.Equal(t, StateAbsent, info.State)
}

func TestGet_UnknownKind(t *testing.T) {
	m, _, _ := newTestManager(t)
	_, err := m.Get(context.Background(), "prophet", trainingReadings(10))
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestGet_TrainsOnceThenServesCache(t *testing.T) {
	m, cs, _ := newTestManager(t)
	ctx := context.Background()

	f1, err := m.Get(ctx, ml.ArtifactKind, trainingReadings(48))
	require.NoError(t, err)
	assert.True(t, f1.Fitted())
	assert.Equal(t, 1, cs.Saves())

	f2, err := m.Get(ctx, ml.ArtifactKind, trainingReadings(48))
	require.NoError(t, err)
	assert.Same(t, f1, f2)
	assert.Equal(t, 1, cs.Saves())

	info, err := m.Status(ctx, ml.ArtifactKind)
	require.NoError(t, err)
	assert.Equal(t, StateReady, info.State)
	assert.Equal(t, base, info.TrainedAt)
}

func TestGet_StaleRetrainsOnlyWithData(t *testing.T) {
	m, cs, clock := newTestManager(t)
	ctx := context.Background()

	first, err := m.Get(ctx, ml.ArtifactKind, trainingReadings(48))
	require.NoError(t, err)

	clock.Advance(DefaultMaxAge)
	info, err := m.Status(ctx, ml.ArtifactKind)
	require.NoError(t, err)
	assert.Equal(t, StateStale, info.State)

	served, err := m.Get(ctx, ml.ArtifactKind, nil)
	require.NoError(t, err)
	assert.Equal(t, first.Threshold(), served.Threshold(), "stale model is served without training data")
	assert.Equal(t, 1, cs.Saves())

	_, err = m.Get(ctx, ml.ArtifactKind, trainingReadings(48))
	require.NoError(t, err)
	assert.Equal(t, 2, cs.Saves())

	info, err = m.Status(ctx, ml.ArtifactKind)
	require.NoError(t, err)
	assert.Equal(t, StateReady, info.State)
}

func TestGet_LoadsPersistedModel(t *testing.T) {
	store, err := db.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer store.Close()
	clock := clockwork.NewFakeClockAt(base)
	cfg := DefaultConfig()
	cfg.Forest.NumTrees = 20

	trainer := NewManager(cfg, store, nil, clock, nil, nil)
	trained, err := trainer.Get(context.Background(), ml.ArtifactKind, trainingReadings(48))
	require.NoError(t, err)

	// A second process with a cold cache picks the artifact up from the store.
	reader := NewManager(cfg, store, nil, clock, nil, nil)
	loaded, err := reader.Get(context.Background(), ml.ArtifactKind, nil)
	require.NoError(t, err)
	assert.InDelta(t, trained.Threshold(), loaded.Threshold(), 1e-12)

	p := ml.DataPoint{Features: []float64{3000}}
	want, err := trained.Predict(p)
	require.NoError(t, err)
	got, err := loaded.Predict(p)
	require.NoError(t, err)
	assert.InDelta(t, want.Decision, got.Decision, 1e-12)
}

func TestInvalidate_ForcesRetrain(t *testing.T) {
	m, cs, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.Get(ctx, ml.ArtifactKind, trainingReadings(48))
	require.NoError(t, err)
	require.NoError(t, m.Invalidate(ctx, ml.ArtifactKind))

	_, err = m.Get(ctx, ml.ArtifactKind, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, cs.Saves())

	_, err = m.Get(ctx, ml.ArtifactKind, trainingReadings(48))
	require.NoError(t, err)
	assert.Equal(t, 2, cs.Saves())
}

func TestGet_ConcurrentCallersShareTraining(t *testing.T) {
	m, cs, _ := newTestManager(t)
	ctx := context.Background()
	data := trainingReadings(256)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Get(ctx, ml.ArtifactKind, data)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, cs.Saves())
}

func TestGet_PersistFailureStillServes(t *testing.T) {
	m, cs, _ := newTestManager(t)
	cs.fail = errors.New("disk full")

	f, err := m.Get(context.Background(), ml.ArtifactKind, trainingReadings(48))
	require.NoError(t, err)
	assert.True(t, f.Fitted())
}
