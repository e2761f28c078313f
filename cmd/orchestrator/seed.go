package main

import (
	"errors"
	"fmt"

	"github.com/sen2agri/orchestrator/internal/store"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var seedFile string

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Load processors, sites, seasons, parameters and scheduled tasks from a yaml file",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, s, cleanup, err := setup()
		if err != nil {
			return err
		}
		defer cleanup()

		path := seedFile
		if path == "" {
			path = cfg.Service.SeedFile
		}
		if path == "" {
			return errors.New("no seed file given")
		}

		seed, err := store.LoadSeed(path)
		if err != nil {
			return err
		}
		if err := s.Seed(cmd.Context(), seed); err != nil {
			return fmt.Errorf("seeding the db: %w", err)
		}

		zap.S().Infow("catalog seeded",
			"processors", len(seed.Processors),
			"sites", len(seed.Sites),
			"seasons", len(seed.Seasons),
			"parameters", len(seed.Parameters),
			"scheduled_tasks", len(seed.ScheduledTasks),
		)
		return nil
	},
}

func init() {
	seedCmd.Flags().StringVarP(&seedFile, "file", "f", "", "Path to the seed file")
}
