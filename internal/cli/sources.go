package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pkoval/intake/internal/config"
	"github.com/pkoval/intake/internal/store"
)

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "List the source catalog with status and checkpoints",
	RunE:  sourcesAction,
}

func init() {
	rootCmd.AddCommand(sourcesCmd)
}

func sourcesAction(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	db, err := store.Open(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = db.Close() }()

	ctx := cmd.Context()
	sources, err := db.ListSources(ctx)
	if err != nil {
		return fmt.Errorf("list sources: %w", err)
	}
	if len(sources) == 0 {
		fmt.Println("No sources in the catalog. Run `intake pull` to sync from config.")
		return nil
	}

	fmt.Printf("%-4s %-8s %-30s %-12s %-8s %s\n", "ID", "KIND", "NAME", "STATUS", "ACTIVE", "LAST FETCH")
	for _, src := range sources {
		lastFetch := "never"
		st, err := db.GetFetchState(ctx, src.ID)
		if err != nil {
			return err
		}
		if st != nil {
			lastFetch = st.LastFetchAt.Local().Format("2006-01-02 15:04")
		}
		active := "yes"
		if !src.Active {
			active = "no"
		}
		fmt.Printf("%-4d %-8s %-30s %-12s %-8s %s\n",
			src.ID, src.Kind, truncate(src.Name, 30), src.Status, active, lastFetch)
	}
	return nil
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n-1]) + "…"
}
