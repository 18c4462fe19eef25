// Package cli provides the command-line interface for intake.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pkoval/intake/internal/config"
)

// Version and Commit are set via ldflags at build time.
var (
	Version = "dev"
	Commit  = "none"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "intake",
	Short: "Pull content from feeds, accounts and channels into one place",
	Long: "intake runs per-source connectors with incremental fetch, " +
		"deduplicates what they bring back, and keeps a local catalog of " +
		"normalized records for downstream processing.",
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Printf("intake %s (%s)\n", Version, Commit)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultConfigFile, "path to config file")
	rootCmd.AddCommand(versionCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
