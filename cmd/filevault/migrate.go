package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fruitsalade/filevault/internal/config"
	"github.com/fruitsalade/filevault/internal/logging"
	"github.com/fruitsalade/filevault/internal/metadata/postgres"
	"github.com/fruitsalade/filevault/internal/metadata/sqlite"
)

func newMigrateCmd() *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply schema migrations to the configured database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			defer logging.Sync()

			switch cfg.DatabaseDriver {
			case config.DriverPostgres:
				if dir == "" {
					dir = findMigrationsDir()
				}
				if dir == "" {
					return fmt.Errorf("no migrations directory found; pass --dir")
				}
				store, err := postgres.New(cfg.DatabaseURL)
				if err != nil {
					return fmt.Errorf("database connection failed: %w", err)
				}
				defer store.Close()
				if err := store.Migrate(dir); err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}

			case config.DriverSQLite:
				// Open applies the schema.
				store, err := sqlite.Open(cfg.DatabaseURL)
				if err != nil {
					return fmt.Errorf("open sqlite: %w", err)
				}
				defer store.Close()

			default:
				logging.Info("nothing to migrate", zap.String("driver", cfg.DatabaseDriver))
				return nil
			}

			logging.Info("migrations applied", zap.String("driver", cfg.DatabaseDriver))
			return nil
		},
	}

	cmd.Flags().StringVar(&dir, "dir", "", "migrations directory (default: search near the binary)")
	return cmd
}
