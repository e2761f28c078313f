package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Migrate the db",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, db, s, cleanup, err := setup()
		if err != nil {
			return err
		}
		defer cleanup()

		if err := migrate(cmd, cfg, db, s); err != nil {
			return fmt.Errorf("migrating the db: %w", err)
		}
		zap.S().Info("db migrated")
		return nil
	},
}
