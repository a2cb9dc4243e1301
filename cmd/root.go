// Package cmd provides the embedkb CLI commands.
//
// Commands:
//   - serve: run the HTTP API server
//   - ingest: run the ingestion pipeline once and exit
//   - migrate: apply database migrations and exit
//   - version: show version information
package cmd

import (
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/embedkb/embedkb/internal/config"
	"github.com/embedkb/embedkb/internal/log"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:           "embedkb",
	Short:         "Backend for the embeddable knowledge-base chat widget",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a config file (optional; environment wins)")
	rootCmd.AddCommand(serveCmd, ingestCmd, migrateCmd, versionCmd)
}

// loadConfig reads configuration and builds the process logger from it.
func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, err
	}

	level := slog.LevelInfo
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logger := log.New(log.Config{Level: level, JSON: cfg.LogJSON})
	slog.SetDefault(logger)
	return cfg, logger, nil
}
