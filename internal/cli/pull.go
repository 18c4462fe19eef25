package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pkoval/intake/internal/config"
	"github.com/pkoval/intake/internal/logging"
	"github.com/pkoval/intake/internal/pool"
	"github.com/pkoval/intake/internal/resilience"
	"github.com/pkoval/intake/internal/store"
)

var pullCmd = &cobra.Command{
	Use:   "pull",
	Short: "Run all configured sources once",
	RunE:  pullAction,
}

func init() {
	rootCmd.AddCommand(pullCmd)
}

func pullAction(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logging.New(cfg.Logging.Level)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = db.Close() }()

	return runRound(ctx, cfg, db, newPool(cfg, db, log))
}

// newPool builds the orchestrator from config. Callers that run repeatedly
// (watch) must build it once: guards and their breaker state live in the pool
// for the lifetime of each source.
func newPool(cfg *config.Config, db *store.Store, log *zap.Logger) *pool.Pool {
	return pool.New(db, newHTTPClient(cfg), log, pool.Config{
		Concurrency: cfg.Pool.Concurrency,
		Breaker: resilience.BreakerConfig{
			FailureThreshold: cfg.Breaker.FailureThreshold,
			RecoveryTimeout:  cfg.Breaker.RecoveryTimeout.Duration,
		},
		Retry: resilience.RetryConfig{
			MaxAttempts:    cfg.Retry.MaxAttempts,
			InitialDelay:   cfg.Retry.InitialDelay.Duration,
			MaxDelay:       cfg.Retry.MaxDelay.Duration,
			RateLimitDelay: cfg.Retry.RateLimitDelay.Duration,
		},
	})
}

// runRound syncs the source catalog and runs one ingestion round on an
// already-open store and pool.
func runRound(ctx context.Context, cfg *config.Config, db *store.Store, p *pool.Pool) error {
	for _, src := range cfg.SourceList() {
		if _, err := db.UpsertSource(ctx, src); err != nil {
			return fmt.Errorf("sync source %s: %w", src.Identifier, err)
		}
	}

	sources, err := db.ListActiveSources(ctx)
	if err != nil {
		return fmt.Errorf("list sources: %w", err)
	}
	if len(sources) == 0 {
		fmt.Println("No active sources configured.")
		return nil
	}

	outcomes := p.RunAll(ctx, sources)

	var totals pool.Stats
	failed := 0
	for _, src := range sources {
		out, ok := outcomes[src.ID]
		if !ok {
			continue
		}
		if out.Failed() {
			failed++
			if errors.Is(out.Err, context.Canceled) {
				fmt.Printf("  %-30s cancelled\n", src.Name)
			} else {
				fmt.Printf("  %-30s error: %v\n", src.Name, out.Err)
			}
			continue
		}
		totals.Fetched += out.Stats.Fetched
		totals.New += out.Stats.New
		totals.Duplicate += out.Stats.Duplicate
		totals.Errors += out.Stats.Errors
		fmt.Printf("  %-30s fetched %d, new %d, duplicate %d, errors %d\n",
			src.Name, out.Stats.Fetched, out.Stats.New, out.Stats.Duplicate, out.Stats.Errors)
	}

	pruned, err := db.PruneOld(ctx, cfg.Storage.RetainDays)
	if err != nil {
		return fmt.Errorf("prune old: %w", err)
	}

	fmt.Printf("Pulled %d new posts from %d sources", totals.New, len(sources))
	if failed > 0 {
		fmt.Printf(" (%d failed)", failed)
	}
	if pruned > 0 {
		fmt.Printf(" (%d old posts pruned)", pruned)
	}
	fmt.Println()

	return nil
}

// newHTTPClient builds the outbound client shared by every connector in a
// run. Its connection and timeout ceilings hold regardless of the pool's
// concurrency bound.
func newHTTPClient(cfg *config.Config) *http.Client {
	return &http.Client{
		Timeout: cfg.Fetch.Timeout.Duration,
		Transport: &http.Transport{
			MaxIdleConns:        32,
			MaxConnsPerHost:     4,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
	}
}
