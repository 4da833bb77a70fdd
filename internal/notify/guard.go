package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/emads/emads/internal/metrics"
)

// GuardConfig bounds how hard the mail transport is pushed.
type GuardConfig struct {
	// RatePerSecond and Burst feed a token bucket shared by all sends.
	RatePerSecond float64
	Burst         int
	// BreakerFailures consecutive failures open the breaker for BreakerTimeout.
	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

// DefaultGuardConfig returns the production defaults.
func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		RatePerSecond:   1,
		Burst:           5,
		BreakerFailures: 5,
		BreakerTimeout:  time.Minute,
	}
}

// GuardedMailer wraps a Mailer with a rate limiter and a circuit breaker.
// While the breaker is open sends fail fast with gobreaker.ErrOpenState.
type GuardedMailer struct {
	inner   Mailer
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
}

// NewGuardedMailer wraps inner.
func NewGuardedMailer(inner Mailer, cfg GuardConfig, logger *zap.Logger) *GuardedMailer {
	def := DefaultGuardConfig()
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = def.RatePerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = def.Burst
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = def.BreakerFailures
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = def.BreakerTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	g := &GuardedMailer{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		logger:  logger,
	}
	g.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "smtp",
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.MailBreakerState.Set(float64(to))
			g.logger.Warn("mail breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	return g
}

// Send waits for a rate token and sends through the breaker.
func (g *GuardedMailer) Send(ctx context.Context, recipients []string, subject, body string) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}
	_, err := g.breaker.Execute(func() (interface{}, error) {
		return nil, g.inner.Send(ctx, recipients, subject, body)
	})
	return err
}

// State exposes the breaker state.
func (g *GuardedMailer) State() gobreaker.State {
	return g.breaker.State()
}
