package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"bartleby/internal/db"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			defer logger.Sync()

			if err := db.Migrate(cfg.DatabaseURL); err != nil {
				return err
			}
			logger.Info("Migrations applied", zap.String("database", "postgres"))
			return nil
		},
	}
}
