package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create an example config file",
	RunE:  initAction,
}

func init() {
	rootCmd.AddCommand(initCmd)
}

func initAction(_ *cobra.Command, _ []string) error {
	if _, err := os.Stat(configPath); err == nil {
		fmt.Printf("Config %s already exists.\n", configPath)
		return nil
	}
	if err := os.WriteFile(configPath, []byte(exampleConfig), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", configPath, err)
	}
	fmt.Printf("Wrote %s. Edit it and run `intake pull`.\n", configPath)
	return nil
}

const exampleConfig = `# intake configuration
storage:
  path: ~/.intake/intake.db
  retain_days: 90

pool:
  concurrency: 4

breaker:
  failure_threshold: 5
  recovery_timeout: 60s

retry:
  max_attempts: 3
  initial_delay: 1s
  max_delay: 30s
  rate_limit_delay: 60s

fetch:
  timeout: 30s
  interval: 1h

logging:
  level: info

# Per-kind settings defaults; each source's own settings override these.
defaults:
  feed:
    max_items: 50

sources:
  - kind: feed
    identifier: https://go.dev/blog/feed.atom
    name: Go Blog
    settings:
      exclude_keywords: []

  # - kind: social
  #   identifier: some_handle
  #   name: Some Account
  #   settings:
  #     api_base: https://api.example.com
  #     api_token: ${SOCIAL_API_TOKEN}

  # - kind: podcast
  #   identifier: https://example.com/podcast.rss
  #   name: Some Show

  # - kind: video
  #   identifier: UCxxxxxxxxxxxxxxxxxxxxxx
  #   name: Some Channel
`
