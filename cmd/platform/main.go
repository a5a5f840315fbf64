package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/visible-governance/platform/internal/shared/config"
	"github.com/visible-governance/platform/internal/shared/log"
)

var (
	// Version information (set via ldflags during build)
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "platform",
	Short: "Visible Governance complaint platform",
	Long: `Visible Governance keeps citizen complaints, their timelines and the
notifications derived from them in sync with the shared data store.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("platform %s (%s)\n", Version, Commit))

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(seedAdminsCmd)
}

// loadConfig reads configuration and initializes the global logger.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	log.Init(log.Config{
		Level:      log.Level(cfg.Log.Level),
		JSONOutput: cfg.Log.JSON,
	})
	return cfg, nil
}
