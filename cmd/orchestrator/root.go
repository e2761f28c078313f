package main

import (
	"github.com/sen2agri/orchestrator/internal/config"
	"github.com/sen2agri/orchestrator/internal/store"
	"github.com/sen2agri/orchestrator/pkg/log"
	"github.com/sen2agri/orchestrator/pkg/migrations"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var rootCmd = &cobra.Command{
	Use:          "orchestrator",
	Short:        "Processing orchestrator for the sen2agri production system",
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(seedCmd)
	rootCmd.AddCommand(scheduleCmd)
}

// setup reads the configuration, installs the global logger and opens the store.
func setup() (*config.Config, *gorm.DB, store.Store, func(), error) {
	cfg, err := config.New()
	if err != nil {
		return nil, nil, nil, nil, err
	}

	logger := log.InitLog(log.ParseLevel(cfg.Service.LogLevel), cfg.Service.LogFormat)
	undo := zap.ReplaceGlobals(logger)

	db, err := store.InitDB(cfg)
	if err != nil {
		undo()
		return nil, nil, nil, nil, err
	}
	s := store.NewStore(db)

	cleanup := func() {
		_ = s.Close()
		_ = logger.Sync()
		undo()
	}
	return cfg, db, s, cleanup, nil
}

// migrate applies the sql migrations on postgres when a folder is configured
// and falls back to the model migration otherwise.
func migrate(cmd *cobra.Command, cfg *config.Config, db *gorm.DB, s store.Store) error {
	if cfg.Database.Type == "pgsql" && cfg.Service.MigrationFolder != "" {
		zap.S().Infow("running sql migrations", "folder", cfg.Service.MigrationFolder)
		return migrations.MigrateStore(db, cfg.Service.MigrationFolder)
	}
	zap.S().Info("running model migration")
	return s.InitialMigration(cmd.Context())
}
