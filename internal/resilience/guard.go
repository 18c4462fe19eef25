package resilience

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/pkoval/intake/internal/connector"
)

// RetryConfig tunes the retry layer underneath the breaker.
type RetryConfig struct {
	// MaxAttempts bounds attempts for network errors, including the first.
	MaxAttempts int
	// InitialDelay seeds the exponential backoff; doubles per attempt up to
	// MaxDelay.
	InitialDelay time.Duration
	MaxDelay     time.Duration
	// RateLimitDelay is the wait before the single rate-limit retry when the
	// upstream supplies no Retry-After.
	RateLimitDelay time.Duration
}

// DefaultRetryConfig matches the connector policy defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		InitialDelay:   1 * time.Second,
		MaxDelay:       30 * time.Second,
		RateLimitDelay: 60 * time.Second,
	}
}

// Guard wraps connector calls with a circuit breaker and retries. Retries
// apply only to calls the breaker lets through; the breaker records the final
// outcome of the whole attempt sequence.
type Guard struct {
	breaker *Breaker
	retry   RetryConfig
	log     *zap.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewGuard creates a guard with its own closed breaker.
func NewGuard(breaker BreakerConfig, retry RetryConfig, log *zap.Logger) *Guard {
	if retry.MaxAttempts <= 0 {
		retry.MaxAttempts = 3
	}
	if retry.InitialDelay <= 0 {
		retry.InitialDelay = 1 * time.Second
	}
	if retry.MaxDelay <= 0 {
		retry.MaxDelay = 30 * time.Second
	}
	if retry.RateLimitDelay <= 0 {
		retry.RateLimitDelay = 60 * time.Second
	}
	return &Guard{
		breaker: NewBreaker(breaker),
		retry:   retry,
		log:     log,
		sleep:   sleepCtx,
	}
}

// Do runs fn under breaker and retry protection. A rejected call returns
// ErrOpen without touching the network and without counting as a failure.
func (g *Guard) Do(ctx context.Context, fn func() error) error {
	if err := g.breaker.Allow(); err != nil {
		return err
	}
	err := g.attempt(ctx, fn)
	g.breaker.Record(err)
	return err
}

// State exposes the breaker state for reporting.
func (g *Guard) State() State {
	return g.breaker.State()
}

func (g *Guard) attempt(ctx context.Context, fn func() error) error {
	delay := g.retry.InitialDelay
	rateLimitRetried := false

	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		var netErr *connector.NetworkError
		var rlErr *connector.RateLimitError
		switch {
		case errors.As(err, &netErr):
			if attempt >= g.retry.MaxAttempts {
				return err
			}
			g.log.Warn("network error, retrying",
				zap.Int("attempt", attempt), zap.Duration("backoff", delay), zap.Error(err))
			if serr := g.sleep(ctx, delay); serr != nil {
				return err
			}
			delay = min(delay*2, g.retry.MaxDelay)

		case errors.As(err, &rlErr):
			// One retry, honoring the server-supplied delay.
			if rateLimitRetried {
				return err
			}
			rateLimitRetried = true
			wait := rlErr.RetryAfter
			if wait <= 0 {
				wait = g.retry.RateLimitDelay
			}
			g.log.Info("rate limited, waiting", zap.Duration("wait", wait))
			if serr := g.sleep(ctx, wait); serr != nil {
				return err
			}

		default:
			// Auth, parse and everything else propagate immediately.
			return err
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
