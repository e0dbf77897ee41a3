// RelayDrive Server
//
// Personal cloud store that keeps file bytes on a Telegram bot relay and
// metadata in PostgreSQL:
// - JWT cookie/bearer authentication with origin checks
// - Fixed-window rate limiting per client
// - Prometheus metrics & structured logging (zap)
package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/relaydrive/relaydrive/internal/config"
	"github.com/relaydrive/relaydrive/internal/logging"
)

var logLevel string

var rootCmd = &cobra.Command{
	Use:          "relaydrive",
	Short:        "RelayDrive file storage server",
	SilenceUsage: true,
	RunE:         runServe,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override LOG_LEVEL (debug, info, warn, error)")
}

// setup loads configuration and initializes the global logger.
func setup() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat}); err != nil {
		return nil, err
	}
	if logLevel != "" {
		if err := logging.SetLevel(logLevel); err != nil {
			return nil, err
		}
		cfg.LogLevel = logLevel
	}
	return cfg, nil
}
