// Command aict is the AI consumption tracker agent. It discovers provider
// credentials, polls every provider for usage, persists the history and
// serves it over a local HTTP API.
package main

import (
	"fmt"
	"io"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ai-consumption-tracker/aict/internal/config"
	"github.com/ai-consumption-tracker/aict/internal/logging"
)

// Version is overridden at build time with -ldflags "-X main.Version=...".
var Version = "dev"

var (
	// Global flags
	configPath string
	debug      bool
	port       int

	cfg       *config.Config
	logCloser io.Closer
)

var rootCmd = &cobra.Command{
	Use:   "aict",
	Short: "AI consumption tracker agent",
	Long: `aict tracks usage, quotas and balances across AI providers.

It discovers credentials from its own auth.json, other tools' config files and
the environment, queries every provider, keeps a local history in SQLite and
serves the aggregate over a localhost HTTP API.

Run without arguments to start the agent.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == versionCmd.Name() {
			return nil
		}

		loaded, err := config.LoadConfig(configPath)
		if err != nil {
			return err
		}
		if debug {
			loaded.Debug = true
		}
		if cmd.Flags().Changed("port") {
			loaded.Port = port
			if err := loaded.Validate(); err != nil {
				return err
			}
		}
		cfg = loaded

		if logCloser, err = logging.Setup(cfg); err != nil {
			return fmt.Errorf("failed to initialize logging: %w", err)
		}
		if removed := logging.CleanOldLogs(cfg.LogDir, logging.LogRetention); removed > 0 {
			log.WithField("removed", removed).Debug("Old log files removed")
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logCloser != nil {
			_ = logCloser.Close()
		}
	},
	RunE: runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the agent version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), Version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default: ~/.ai-consumption-tracker/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	rootCmd.PersistentFlags().IntVarP(&port, "port", "p", 0, "API port (overrides config)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(discoverCmd)
	rootCmd.AddCommand(usageCmd)
	rootCmd.AddCommand(cleanupCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
