// Package resilience guards connector calls with a per-source circuit breaker
// and a layered retry policy.
package resilience

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrOpen is returned when the breaker rejects a call without invoking the
// underlying operation.
var ErrOpen = errors.New("circuit breaker is open")

// State of the breaker.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes one breaker.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before the
	// breaker opens.
	FailureThreshold int
	// RecoveryTimeout is how long the breaker stays open before allowing a
	// single trial call.
	RecoveryTimeout time.Duration
}

// DefaultBreakerConfig matches the connector policy defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		RecoveryTimeout:  60 * time.Second,
	}
}

// Breaker is a three-state circuit breaker owned one-per-source. Closed
// passes calls through; open rejects them immediately; half-open admits a
// single trial whose result decides the next state.
type Breaker struct {
	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	cfg      BreakerConfig
	now      func() time.Time
}

// NewBreaker creates a closed breaker. Zero config fields fall back to the
// defaults.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 60 * time.Second
	}
	return &Breaker{state: StateClosed, cfg: cfg, now: time.Now}
}

// Allow reports whether a call may proceed, transitioning open to half-open
// once the recovery timeout has elapsed. Half-open admits exactly one trial:
// further callers are rejected until that trial's Record lands.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		remaining := b.cfg.RecoveryTimeout - b.now().Sub(b.openedAt)
		if remaining > 0 {
			return fmt.Errorf("%w: retry in %s", ErrOpen, remaining.Round(time.Second))
		}
		b.state = StateHalfOpen
	case StateHalfOpen:
		return fmt.Errorf("%w: trial call in flight", ErrOpen)
	}
	return nil
}

// Record feeds the result of an allowed call back into the state machine.
func (b *Breaker) Record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		b.failures = 0
		b.state = StateClosed
		return
	}

	b.failures++
	switch b.state {
	case StateClosed:
		if b.failures >= b.cfg.FailureThreshold {
			b.open()
		}
	case StateHalfOpen:
		// The trial failed; back to open with a fresh timer.
		b.open()
	case StateOpen:
		b.openedAt = b.now()
	}
}

func (b *Breaker) open() {
	b.state = StateOpen
	b.openedAt = b.now()
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
