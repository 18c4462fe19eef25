package cli

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pkoval/intake/internal/config"
	"github.com/pkoval/intake/internal/logging"
	"github.com/pkoval/intake/internal/store"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Pull on the configured interval until interrupted",
	RunE:  watchAction,
}

func init() {
	rootCmd.AddCommand(watchCmd)
}

func watchAction(cmd *cobra.Command, _ []string) error {
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

	// One store and one pool for the whole watch: per-source breaker state
	// must accumulate across rounds, not reset every interval.
	db, err := store.Open(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = db.Close() }()

	p := newPool(cfg, db, log)

	runner := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)))
	runner.Schedule(cron.Every(cfg.Fetch.Interval.Duration), cron.FuncJob(func() {
		if err := runRound(ctx, cfg, db, p); err != nil {
			log.Error("scheduled pull failed", zap.Error(err))
		}
	}))

	// First round immediately, then on the interval.
	if err := runRound(ctx, cfg, db, p); err != nil {
		return err
	}
	runner.Start()
	fmt.Printf("Watching %d sources every %s. Ctrl-C to stop.\n",
		len(cfg.Sources), cfg.Fetch.Interval.Duration)

	<-ctx.Done()
	<-runner.Stop().Done()
	return nil
}
