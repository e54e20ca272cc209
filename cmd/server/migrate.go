package main

import (
	"context"

	"github.com/spf13/cobra"

	"backoffice-backend/internal/storage"
)

var migrateCmd = &cobra.Command{
	Use:       "migrate [up|down|status]",
	Short:     "Apply or inspect database migrations",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"up", "down", "status"},
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := bootstrap()
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		db, err := connectDB(cfg.DB, logger)
		if err != nil {
			return err
		}
		defer db.Close()

		return storage.Migrate(context.Background(), db.DB, args[0], logger)
	},
}
