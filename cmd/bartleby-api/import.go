package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"bartleby/internal/db"
	"bartleby/internal/schema"
	"bartleby/internal/service"
)

// nopBus drops form events; imports run without the realtime stack
type nopBus struct{}

func (nopBus) PublishForm(string, map[string]interface{}) error { return nil }

func newImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file.yaml>",
		Short: "Load users, groups and form definitions from a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			defer logger.Sync()

			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			bundle, err := service.LoadBundle(f)
			if err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}

			pool, err := db.NewPool(cmd.Context(), cfg.DatabaseURL, logger)
			if err != nil {
				return err
			}
			defer pool.Close()

			forms := service.NewFormService(service.NewPGStore(pool.Queries),
				schema.NewCompilerWithCache(cfg.SchemaCacheSize), nopBus{}, logger)
			sum, err := forms.Import(cmd.Context(), bundle)
			if err != nil {
				return err
			}

			logger.Info("Import finished",
				zap.String("file", args[0]),
				zap.Int("users", sum.Users),
				zap.Int("groups", sum.Groups),
				zap.Int("forms", sum.Forms),
			)
			return nil
		},
	}
}
