package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/emads/emads/internal/models"
	"github.com/emads/emads/internal/notify"
)

// DefaultInterval is the period between scheduled checks.
const DefaultInterval = 5 * time.Minute

// SchedulerConfig controls the background loop.
type SchedulerConfig struct {
	Interval time.Duration
	// Weekly sends the weekly report on the first tick of each week.
	Weekly bool
}

// Scheduler runs alert checks periodically and on demand. Runs never
// overlap.
type Scheduler struct {
	orch   *Orchestrator
	cfg    SchedulerConfig
	clock  clockwork.Clock
	logger *zap.Logger

	runMu      sync.Mutex
	mu         sync.RWMutex
	last       *models.CheckReport
	lastWeekly time.Time

	started   atomic.Bool
	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// NewScheduler creates a scheduler for orch.
func NewScheduler(orch *Orchestrator, cfg SchedulerConfig) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	return &Scheduler{
		orch:       orch,
		cfg:        cfg,
		clock:      orch.Clock,
		logger:     orch.Logger.Named("scheduler"),
		lastWeekly: weekStart(orch.Clock.Now()),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// Start begins background checks. The first check runs immediately.
func (s *Scheduler) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		s.started.Store(true)
		go func() {
			defer close(s.doneCh)
			ticker := s.clock.NewTicker(s.cfg.Interval)
			defer ticker.Stop()

			s.tick(ctx)

			for {
				select {
				case <-ticker.Chan():
					s.tick(ctx)
				case <-s.stopCh:
					return
				case <-ctx.Done():
					return
				}
			}
		}()
	})
}

// Stop halts the scheduler and waits for an in-flight check.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	if s.started.Load() {
		<-s.doneCh
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if _, err := s.run(WithTrigger(ctx, "schedule")); err != nil {
		s.logger.Warn("scheduled check interrupted", zap.Error(err))
	}
	if s.cfg.Weekly {
		s.maybeWeekly(ctx)
	}
}

// Trigger runs a check now, waiting for any running check to finish first.
func (s *Scheduler) Trigger(ctx context.Context) (*models.CheckReport, error) {
	return s.run(WithTrigger(ctx, "manual"))
}

func (s *Scheduler) run(ctx context.Context) (*models.CheckReport, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	report, err := s.orch.Run(ctx, Window{})
	if report != nil {
		s.mu.Lock()
		s.last = report
		s.mu.Unlock()
	}
	return report, err
}

// LastReport returns the most recent check report, or nil.
func (s *Scheduler) LastReport() *models.CheckReport {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last
}

func (s *Scheduler) maybeWeekly(ctx context.Context) {
	current := weekStart(s.clock.Now())
	s.mu.RLock()
	due := current.After(s.lastWeekly)
	s.mu.RUnlock()
	if !due {
		return
	}
	err := s.orch.SendWeeklyReport(ctx, s.clock.Now())
	if err != nil && !errors.Is(err, notify.ErrNoRecipients) {
		// Retried on the next tick.
		s.logger.Error("weekly report failed", zap.Error(err))
		return
	}
	s.mu.Lock()
	s.lastWeekly = current
	s.mu.Unlock()
}
