// Package server assembles the emads components from configuration and
// runs them: persistence, locks, detection, alert deduplication,
// notification, the check scheduler and the HTTP API.
package server

import (
	"context"
	"fmt"
	"io"
	"reflect"
	"sync"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/emads/emads/internal/alerting"
	"github.com/emads/emads/internal/analytics/anomaly"
	"github.com/emads/emads/internal/analytics/lifecycle"
	"github.com/emads/emads/internal/analytics/severity"
	"github.com/emads/emads/internal/api"
	"github.com/emads/emads/internal/audit"
	"github.com/emads/emads/internal/cache"
	"github.com/emads/emads/internal/config"
	"github.com/emads/emads/internal/db"
	"github.com/emads/emads/internal/lock"
	"github.com/emads/emads/internal/models"
	"github.com/emads/emads/internal/notify"
	"github.com/emads/emads/internal/orchestrator"
)

// Server represents the emads server
type Server struct {
	config *config.Config
	clock  clockwork.Clock

	// Ambient
	audit  audit.Logger
	logger *zap.Logger

	// Core components
	store        db.Store
	locker       lock.Locker
	lockCloser   io.Closer
	models       *lifecycle.Manager
	hub          *api.Hub
	deduplicator *alerting.Deduplicator
	dispatcher   *notify.Dispatcher
	orchestrator *orchestrator.Orchestrator
	scheduler    *orchestrator.Scheduler
	api          *api.Server

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// State
	mu      sync.RWMutex
	running bool
}

// Option customises a Server.
type Option func(*Server)

// WithClock replaces the wall clock, for tests.
func WithClock(c clockwork.Clock) Option { return func(s *Server) { s.clock = c } }

// WithAuditLogger supplies an already built audit logger. The server
// takes ownership and closes it on Stop.
func WithAuditLogger(l audit.Logger) Option { return func(s *Server) { s.audit = l } }

// NewServer creates a new emads server. cfg must already be validated.
func NewServer(ctx context.Context, cfg *config.Config, opts ...Option) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	srv := &Server{config: cfg}
	for _, o := range opts {
		o(srv)
	}
	if srv.clock == nil {
		srv.clock = clockwork.NewRealClock()
	}
	if srv.audit == nil {
		l, err := audit.NewLogger(AuditConfig(cfg))
		if err != nil {
			return nil, fmt.Errorf("failed to initialize audit logger: %w", err)
		}
		srv.audit = l
	}
	srv.logger = srv.audit.App()
	srv.ctx, srv.cancel = context.WithCancel(context.Background())

	if err := srv.initializeComponents(ctx); err != nil {
		srv.cancel()
		srv.release()
		return nil, fmt.Errorf("failed to initialize components: %w", err)
	}
	return srv, nil
}

// initializeComponents initializes all server components
func (s *Server) initializeComponents(ctx context.Context) error {
	cfg := s.config

	// 1. Persistence
	store, err := openStore(ctx, cfg, s.clock)
	if err != nil {
		return fmt.Errorf("failed to open %s store: %w", cfg.Database.Type, err)
	}
	s.store = store

	// 2. Locks shared by dedup and dispatch
	locker, closer, err := openLocker(ctx, cfg, s.logger)
	if err != nil {
		return fmt.Errorf("failed to connect redis locker: %w", err)
	}
	s.locker, s.lockCloser = locker, closer

	// 3. Detection
	engine := anomaly.NewEngine(engineConfig(cfg), s.logger)
	classifier := severity.NewClassifier(classifierConfig(cfg))
	if cfg.Model.Enabled {
		s.models = lifecycle.NewManager(lifecycleConfig(cfg), s.store, cache.NewCache(s.clock), s.clock, s.audit, s.logger)
	}

	// 4. Alerting and notification
	s.hub = api.NewHub(cfg.Server.AllowedOrigins, s.logger)
	s.deduplicator = alerting.NewDeduplicator(s.store, dedupConfig(cfg), s.logger,
		alerting.WithLocker(s.locker),
		alerting.WithAudit(s.audit),
		alerting.WithClock(s.clock),
		alerting.WithPublisher(s.hub),
	)
	mailer, err := newMailer(cfg, s.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize mailer: %w", err)
	}
	s.dispatcher = notify.NewDispatcher(s.store, mailer, s.locker, s.audit, s.logger, notify.WithClock(s.clock))

	// 5. Orchestration
	s.orchestrator, err = orchestrator.New(orchestratorConfig(cfg), orchestrator.Deps{
		Readings:     s.store,
		Alerts:       s.store,
		Engine:       engine,
		Classifier:   classifier,
		Models:       s.models,
		Deduplicator: s.deduplicator,
		Dispatcher:   s.dispatcher,
		Audit:        s.audit,
		Logger:       s.logger,
		Clock:        s.clock,
	})
	if err != nil {
		return err
	}
	s.scheduler = orchestrator.NewScheduler(s.orchestrator, orchestrator.SchedulerConfig{
		Interval: seconds(cfg.Scheduler.IntervalSeconds),
		Weekly:   cfg.Scheduler.WeeklyReport,
	})

	// 6. HTTP API
	s.api, err = api.NewServer(apiConfig(cfg), api.Deps{
		Store:        s.store,
		Deduplicator: s.deduplicator,
		Dispatcher:   s.dispatcher,
		Orchestrator: s.orchestrator,
		Scheduler:    s.scheduler,
		Models:       s.models,
		Engine:       engine,
		Classifier:   classifier,
		Hub:          s.hub,
		Clock:        s.clock,
		Logger:       s.logger,
	})
	return err
}

// Start starts the HTTP API and, when enabled, the check scheduler.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server is already running")
	}
	s.running = true
	s.mu.Unlock()

	if err := s.api.Start(); err != nil {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return err
	}
	if s.config.Scheduler.Enabled {
		s.scheduler.Start(s.ctx)
	}

	correlationID := audit.GenerateCorrelationID()
	s.audit.Log(audit.WithCorrelationID(s.ctx, correlationID), audit.NewEvent(audit.EventServerStarted).
		WithCorrelationID(correlationID).
		WithDescription("emads server started").
		WithMetadata("database", s.config.Database.Type).
		WithMetadata("redis_locks", s.config.Redis.Enabled).
		WithMetadata("notifications", s.config.Notification.Enabled).
		WithResult(audit.ResultSuccess))

	s.logger.Info("emads server started",
		zap.String("addr", fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)),
		zap.String("database", s.config.Database.Type),
		zap.Bool("scheduler", s.config.Scheduler.Enabled),
		zap.Bool("model", s.config.Model.Enabled),
	)
	return nil
}

// RunOnce runs a single alert check without starting the scheduler loop.
func (s *Server) RunOnce(ctx context.Context) (*models.CheckReport, error) {
	return s.scheduler.Trigger(ctx)
}

// Stop gracefully stops the server and releases its resources.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	wasRunning := s.running
	s.running = false
	s.mu.Unlock()

	s.logger.Info("stopping emads server")

	var firstErr error
	if wasRunning {
		// Stop waits for an in-flight check before the stores close.
		s.scheduler.Stop()
		if err := s.api.Stop(ctx); err != nil {
			firstErr = err
		}
		s.audit.Log(ctx, audit.NewEvent(audit.EventServerShutdown).
			WithDescription("emads server stopped").
			WithResult(audit.ResultSuccess))
	}
	s.cancel()
	s.wg.Wait()

	if err := s.release(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// release closes the lock client, the store and the audit logger.
func (s *Server) release() error {
	var firstErr error
	if s.lockCloser != nil {
		if err := s.lockCloser.Close(); err != nil {
			firstErr = err
		}
		s.lockCloser = nil
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		s.store = nil
	}
	if s.audit != nil {
		if err := s.audit.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// WatchConfig records configuration reloads until the server stops.
// Components are built once, so changed sections take effect on restart.
func (s *Server) WatchConfig(updates <-chan config.Config) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case cfg := <-updates:
				s.recordReload(&cfg)
			case <-s.ctx.Done():
				return
			}
		}
	}()
}

func (s *Server) recordReload(next *config.Config) {
	changed := ChangedSections(s.config, next)
	if len(changed) == 0 {
		return
	}
	s.audit.Log(s.ctx, audit.NewEvent(audit.EventConfigReload).
		WithDescription("configuration file changed").
		WithMetadata("sections", changed).
		WithMetadata("restart_required", true).
		WithResult(audit.ResultSuccess))
	s.logger.Warn("configuration changed, restart to apply", zap.Strings("sections", changed))
}

// ChangedSections names the top-level config sections that differ.
func ChangedSections(prev, next *config.Config) []string {
	a, b := reflect.ValueOf(*prev), reflect.ValueOf(*next)
	var out []string
	for i := 0; i < a.NumField(); i++ {
		if !reflect.DeepEqual(a.Field(i).Interface(), b.Field(i).Interface()) {
			out = append(out, a.Type().Field(i).Name)
		}
	}
	return out
}

// IsRunning returns whether the server is running
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// API returns the HTTP API server.
func (s *Server) API() *api.Server { return s.api }

// Store returns the persistence layer.
func (s *Server) Store() db.Store { return s.store }
