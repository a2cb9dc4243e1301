package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/embedkb/embedkb/db"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		if cfg.DatabaseURL == "" {
			return fmt.Errorf("EMBEDKB_DATABASE_URL is required")
		}
		return db.Migrate(cfg.DatabaseURL, logger)
	},
}
