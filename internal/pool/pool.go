// Package pool runs many sources' connectors concurrently under a hard
// ceiling and aggregates one outcome per source.
package pool

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"github.com/pkoval/intake/internal/connector"
	"github.com/pkoval/intake/internal/resilience"
	"github.com/pkoval/intake/internal/source"
	"github.com/pkoval/intake/internal/store"
)

// Config tunes the pool.
type Config struct {
	// Concurrency caps simultaneous connector runs. It bounds resource
	// pressure, not correctness.
	Concurrency int
	Breaker     resilience.BreakerConfig
	Retry       resilience.RetryConfig
}

// DefaultConfig returns the pool defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency: 4,
		Breaker:     resilience.DefaultBreakerConfig(),
		Retry:       resilience.DefaultRetryConfig(),
	}
}

// Stats counts what one run did with the items it saw.
type Stats struct {
	Fetched   int
	New       int
	Duplicate int
	Errors    int
}

// Outcome is the result of one source's run: statistics on success, a
// captured error otherwise. Cancelled runs carry an error wrapping
// context.Canceled.
type Outcome struct {
	Stats Stats
	Err   error
}

// Failed reports whether the run ended in a captured failure.
func (o Outcome) Failed() bool { return o.Err != nil }

// Factory builds the connector for one source. Swappable in tests.
type Factory func(src source.Source, client *http.Client, log *zap.Logger) (connector.Connector, error)

// Pool dispatches per-source pipelines. The HTTP client is the single shared
// outbound resource; it must carry its own connection and timeout ceilings.
// Guards (breaker state) persist across RunAll invocations so sources fail
// independently over time.
type Pool struct {
	gateway store.Gateway
	client  *http.Client
	log     *zap.Logger
	cfg     Config
	factory Factory

	mu     sync.Mutex
	guards map[int64]*resilience.Guard
}

// New creates a pool over the given gateway and shared client.
func New(gateway store.Gateway, client *http.Client, log *zap.Logger, cfg Config) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	return &Pool{
		gateway: gateway,
		client:  client,
		log:     log,
		cfg:     cfg,
		factory: connector.New,
		guards:  make(map[int64]*resilience.Guard),
	}
}

// RunAll executes one run per source with bounded concurrency and returns an
// outcome per source id. No source's failure aborts or delays another's run
// beyond the ceiling's natural backpressure. Once ctx is cancelled, no new
// runs are dispatched; sources still waiting get a cancellation outcome.
func (p *Pool) RunAll(ctx context.Context, sources []source.Source) map[int64]Outcome {
	sem := make(chan struct{}, p.cfg.Concurrency)
	outcomes := make(map[int64]Outcome, len(sources))

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for _, src := range sources {
		wg.Add(1)
		go func(src source.Source) {
			defer wg.Done()

			// A free semaphore slot must not win over a context that is
			// already cancelled.
			if ctx.Err() != nil {
				mu.Lock()
				outcomes[src.ID] = Outcome{Err: fmt.Errorf("run not dispatched: %w", ctx.Err())}
				mu.Unlock()
				return
			}
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				mu.Lock()
				outcomes[src.ID] = Outcome{Err: fmt.Errorf("run not dispatched: %w", ctx.Err())}
				mu.Unlock()
				return
			}
			defer func() { <-sem }()

			out := p.runSource(ctx, src)
			mu.Lock()
			outcomes[src.ID] = out
			mu.Unlock()
		}(src)
	}
	wg.Wait()

	return outcomes
}

// guard returns the source's guard, creating it on first use. Breakers are
// per-source state owned by the pool for the lifetime of the source.
func (p *Pool) guard(sourceID int64) *resilience.Guard {
	p.mu.Lock()
	defer p.mu.Unlock()
	g, ok := p.guards[sourceID]
	if !ok {
		g = resilience.NewGuard(p.cfg.Breaker, p.cfg.Retry, p.log.With(zap.Int64("source_id", sourceID)))
		p.guards[sourceID] = g
	}
	return g
}
