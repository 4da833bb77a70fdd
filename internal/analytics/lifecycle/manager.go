// Package lifecycle owns trained detector models.
//
// A model moves through absent -> training -> ready, and becomes stale
// once it is older than MaxAge. Stale models are retrained on the next
// request that supplies training data and are served as-is otherwise.
package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/emads/emads/internal/analytics/anomaly"
	"github.com/emads/emads/internal/analytics/ml"
	"github.com/emads/emads/internal/audit"
	"github.com/emads/emads/internal/cache"
	"github.com/emads/emads/internal/db"
	"github.com/emads/emads/internal/metrics"
	"github.com/emads/emads/internal/models"
)

// ErrModelUnavailable is returned when no model exists and no training data was supplied.
var ErrModelUnavailable = ml.ErrModelUnavailable

// ErrUnknownKind is returned for model kinds the manager cannot train.
var ErrUnknownKind = errors.New("unknown model kind")

// DefaultMaxAge is how long a trained model stays fresh.
const DefaultMaxAge = time.Hour

// State is a model's lifecycle state.
type State string

const (
	StateAbsent   State = "absent"
	StateTraining State = "training"
	StateReady    State = "ready"
	StateStale    State = "stale"
)

// Config controls training and freshness.
type Config struct {
	MaxAge   time.Duration
	CacheTTL time.Duration
	Forest   ml.Config
	Features anomaly.FeatureFunc
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxAge:   DefaultMaxAge,
		CacheTTL: DefaultMaxAge,
		Forest:   ml.DefaultForestConfig(),
		Features: anomaly.EnergyFeature,
	}
}

type entry struct {
	forest    *ml.IsolationForest
	version   string
	trainedAt time.Time
}

// Info describes the current model of a kind.
type Info struct {
	Kind      string    `json:"kind"`
	State     State     `json:"state"`
	Version   string    `json:"version,omitempty"`
	TrainedAt time.Time `json:"trained_at,omitempty"`
}

// Manager loads, trains, caches and persists models.
type Manager struct {
	cfg    Config
	store  db.ModelStore
	cache  cache.Cache
	clock  clockwork.Clock
	audit  audit.Logger
	logger *zap.Logger

	group singleflight.Group

	mu       sync.Mutex
	training map[string]bool
	forced   map[string]bool
}

// NewManager creates a Manager. A nil cache or clock gets an in-memory
// cache and the real clock.
func NewManager(cfg Config, store db.ModelStore, c cache.Cache, clock clockwork.Clock, auditLog audit.Logger, logger *zap.Logger) *Manager {
	def := DefaultConfig()
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = def.MaxAge
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = cfg.MaxAge
	}
	if cfg.Features == nil {
		cfg.Features = def.Features
	}
	if cfg.Forest.NumTrees <= 0 {
		cfg.Forest = def.Forest
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if c == nil {
		c = cache.NewCache(clock)
	}
	if auditLog == nil {
		auditLog = audit.NewNopLogger()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		cfg:      cfg,
		store:    store,
		cache:    c,
		clock:    clock,
		audit:    auditLog,
		logger:   logger,
		training: make(map[string]bool),
		forced:   make(map[string]bool),
	}
}

func cacheKey(kind string) string { return "model:" + kind }

// Get returns a usable model of kind. training may be empty, in which case
// an existing model (fresh or stale) is returned or ErrModelUnavailable.
// Concurrent callers for the same kind share one load or training run.
func (m *Manager) Get(ctx context.Context, kind string, training []models.Reading) (*ml.IsolationForest, error) {
	if kind != ml.ArtifactKind {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}

	v, err, _ := m.group.Do(kind, func() (interface{}, error) {
		return m.resolve(ctx, kind, training)
	})
	if err != nil {
		return nil, err
	}
	return v.(*entry).forest, nil
}

func (m *Manager) resolve(ctx context.Context, kind string, training []models.Reading) (*entry, error) {
	e, source, err := m.current(ctx, kind)
	if err != nil {
		return nil, err
	}

	if e != nil && !m.isStale(e) && !m.isForced(kind) {
		metrics.ModelCacheHitsTotal.WithLabelValues(kind, source).Inc()
		return e, nil
	}
	if len(training) == 0 {
		if e != nil {
			metrics.ModelCacheHitsTotal.WithLabelValues(kind, "stale").Inc()
			m.logger.Warn("serving stale model", zap.String("kind", kind), zap.String("version", e.version))
			return e, nil
		}
		return nil, ErrModelUnavailable
	}

	trained, err := m.train(ctx, kind, training)
	if err != nil {
		return nil, err
	}
	metrics.ModelCacheHitsTotal.WithLabelValues(kind, "trained").Inc()
	return trained, nil
}

// current returns the cached or persisted model, or nil when none exists.
func (m *Manager) current(ctx context.Context, kind string) (*entry, string, error) {
	if v, ok, err := m.cache.Get(ctx, cacheKey(kind)); err == nil && ok {
		if e, ok := v.(*entry); ok {
			return e, "cache", nil
		}
	}

	art, err := m.store.LoadModel(ctx, kind)
	if errors.Is(err, db.ErrNotFound) {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("load model %s: %w", kind, err)
	}

	forest := ml.NewIsolationForest(m.cfg.Forest)
	if err := json.Unmarshal(art.Payload, forest); err != nil {
		// A corrupt artifact is treated as absent so the next training replaces it.
		m.logger.Error("discarding unreadable model artifact",
			zap.String("kind", kind), zap.String("version", art.Version), zap.Error(err))
		return nil, "", nil
	}
	e := &entry{forest: forest, version: art.Version, trainedAt: art.TrainedAt}
	_ = m.cache.Set(ctx, cacheKey(kind), e, m.cfg.CacheTTL)
	return e, "store", nil
}

func (m *Manager) isStale(e *entry) bool {
	return m.clock.Since(e.trainedAt) >= m.cfg.MaxAge
}

func (m *Manager) train(ctx context.Context, kind string, training []models.Reading) (*entry, error) {
	m.setTraining(kind, true)
	defer m.setTraining(kind, false)

	start := m.clock.Now()
	forest := ml.NewIsolationForest(m.cfg.Forest, ml.WithClock(m.clock))
	if err := forest.Fit(anomaly.DataPoints(training, m.cfg.Features)); err != nil {
		metrics.ModelTrainingsTotal.WithLabelValues(kind, "error").Inc()
		return nil, fmt.Errorf("train %s: %w", kind, err)
	}

	payload, err := json.Marshal(forest)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", kind, err)
	}
	params, _ := json.Marshal(m.cfg.Forest)

	trainedAt := forest.TrainedAt()
	e := &entry{forest: forest, version: trainedAt.Format("20060102T150405.000000000Z"), trainedAt: trainedAt}
	art := &models.ModelArtifact{
		Kind:      kind,
		Version:   e.version,
		TrainedAt: trainedAt,
		Params:    string(params),
		Payload:   payload,
	}
	if err := m.store.SaveModel(ctx, art); err != nil {
		// The in-memory model is still usable for this run.
		m.logger.Error("failed to persist model", zap.String("kind", kind), zap.Error(err))
	}
	_ = m.cache.Set(ctx, cacheKey(kind), e, m.cfg.CacheTTL)
	m.mu.Lock()
	delete(m.forced, kind)
	m.mu.Unlock()

	elapsed := m.clock.Since(start)
	metrics.ModelTrainingsTotal.WithLabelValues(kind, "ok").Inc()
	metrics.ModelTrainingDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
	_ = m.audit.LogModelTrained(ctx, kind, e.version, len(training), elapsed)
	m.logger.Info("model trained",
		zap.String("kind", kind),
		zap.String("version", e.version),
		zap.Int("samples", len(training)),
		zap.Float64("threshold", forest.Threshold()),
	)
	return e, nil
}

func (m *Manager) isForced(kind string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.forced[kind]
}

func (m *Manager) setTraining(kind string, on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if on {
		m.training[kind] = true
	} else {
		delete(m.training, kind)
	}
}

// Invalidate marks kind stale so the next Get with training data retrains
// it. Without training data the current model keeps being served.
func (m *Manager) Invalidate(ctx context.Context, kind string) error {
	if kind != ml.ArtifactKind {
		return fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	if err := m.cache.Delete(ctx, cacheKey(kind)); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.forced[kind] = true
	return nil
}

// Status reports the lifecycle state of kind without training.
func (m *Manager) Status(ctx context.Context, kind string) (Info, error) {
	info := Info{Kind: kind, State: StateAbsent}
	if kind != ml.ArtifactKind {
		return info, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}

	m.mu.Lock()
	training := m.training[kind]
	forced := m.forced[kind]
	m.mu.Unlock()
	if training {
		info.State = StateTraining
		return info, nil
	}

	e, _, err := m.current(ctx, kind)
	if err != nil {
		return info, err
	}
	if e == nil {
		return info, nil
	}
	info.Version = e.version
	info.TrainedAt = e.trainedAt
	info.State = StateReady
	if forced || m.isStale(e) {
		info.State = StateStale
	}
	return info, nil
}
