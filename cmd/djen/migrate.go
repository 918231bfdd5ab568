package main

import (
	"github.com/spf13/cobra"

	"github.com/mohammad-safakhou/djen/internal/store"
)

func migrateCMD(cfgPath *string) *cobra.Command {
	var migDir string
	var direction string
	var steps int

	var migrate = &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*cfgPath)
			if err != nil {
				return err
			}
			if err := cfg.Storage.Postgres.Validate(); err != nil {
				return err
			}
			if migDir == "" {
				migDir = cfg.Storage.Postgres.Migrations
			}
			logger := newLogger(cfg)
			if err := store.Migrate(migDir, cfg.Storage.Postgres.DSN(), direction, steps); err != nil {
				return err
			}
			logger.Info("migrations done", "source", migDir, "direction", direction, "steps", steps)
			return nil
		},
	}
	migrate.Flags().StringVar(&migDir, "dir", "", "migrations source (default storage.postgres.migrations)")
	migrate.Flags().StringVar(&direction, "direction", "up", "up or down")
	migrate.Flags().IntVar(&steps, "steps", 0, "number of steps (0 = all)")

	return migrate
}
