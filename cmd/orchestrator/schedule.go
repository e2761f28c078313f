package main

import (
	"time"

	"github.com/sen2agri/orchestrator/internal/scheduler"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var scheduleAt string

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Run one scheduler sweep and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, s, cleanup, err := setup()
		if err != nil {
			return err
		}
		defer cleanup()

		now := time.Now().UTC()
		if scheduleAt != "" {
			if now, err = time.Parse(time.RFC3339, scheduleAt); err != nil {
				return err
			}
		}

		c, err := newComponents(cmd.Context(), cfg, s)
		if err != nil {
			return err
		}
		defer c.close()

		sch := scheduler.New(s, c.jobs, scheduler.WithSubmissionRate(cfg.Service.Scheduler.SubmissionsPerSecond))
		result, err := sch.Sweep(cmd.Context(), now)
		if err != nil {
			return err
		}

		// jobs submitted here are picked up by the running event loop
		zap.S().Infow("sweep done", "at", now, "submitted", result.Submitted, "retried", result.Retried, "skipped", result.Skipped, "failed", result.Failed)
		return nil
	},
}

func init() {
	scheduleCmd.Flags().StringVar(&scheduleAt, "at", "", "Evaluate the tasks due at this RFC 3339 time instead of now")
}
