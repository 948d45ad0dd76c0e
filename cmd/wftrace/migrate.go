package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wftrace/wftrace/internal/storage"
)

var (
	migratePath string
	migrateDown bool
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply or roll back the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := dbConfig()

		if migrateDown {
			if err := storage.RollbackMigrations(cfg, migratePath); err != nil {
				return fmt.Errorf("rollback: %w", err)
			}
			logger.Info("Rolled back one migration")
			return nil
		}

		if err := storage.RunMigrations(cfg, migratePath); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		v, dirty, err := storage.MigrationVersion(cfg, migratePath)
		if err != nil {
			return err
		}
		logger.Infof("Schema at version %d (dirty=%v)", v, dirty)
		return nil
	},
}

func init() {
	f := migrateCmd.Flags()
	f.StringVar(&migratePath, "path", "./migrations", "Directory with migration files")
	f.BoolVar(&migrateDown, "down", false, "Roll back one migration instead of applying")
}
