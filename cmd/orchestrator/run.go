package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	apiserver "github.com/sen2agri/orchestrator/internal/api_server"
	"github.com/sen2agri/orchestrator/internal/scheduler"
	"github.com/sen2agri/orchestrator/pkg/metrics"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the orchestrator",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, db, s, cleanup, err := setup()
		if err != nil {
			return err
		}
		defer cleanup()

		zap.S().Info("Starting orchestrator")
		defer zap.S().Info("Orchestrator stopped")

		if err := migrate(cmd, cfg, db, s); err != nil {
			return fmt.Errorf("running initial migration: %w", err)
		}

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGHUP, syscall.SIGTERM, syscall.SIGQUIT)
		defer cancel()

		c, err := newComponents(ctx, cfg, s)
		if err != nil {
			return err
		}
		defer c.close()

		prometheus.MustRegister(metrics.NewJobStatsCollector(s))

		apiListener, err := newListener(cfg.Service.Address)
		if err != nil {
			return fmt.Errorf("creating listener: %w", err)
		}
		metricsListener, err := newListener(cfg.Service.MetricsAddress)
		if err != nil {
			_ = apiListener.Close()
			return fmt.Errorf("creating listener: %w", err)
		}

		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return apiserver.New(cfg, c.jobs, apiListener).Run(ctx)
		})
		g.Go(func() error {
			return apiserver.NewMetricServer(cfg.Service.MetricsAddress, metricsListener, map[string]apiserver.ReadinessCheck{
				"database": func(ctx context.Context) error {
					sqlDB, err := db.DB()
					if err != nil {
						return err
					}
					return sqlDB.PingContext(ctx)
				},
			}).Run(ctx)
		})
		g.Go(func() error {
			return c.orchestrator.Run(ctx)
		})
		if cfg.Service.Scheduler.Enabled {
			sch := scheduler.New(s, c.jobs,
				scheduler.WithInterval(cfg.Service.Scheduler.Interval),
				scheduler.WithSubmissionRate(cfg.Service.Scheduler.SubmissionsPerSecond),
			)
			g.Go(func() error {
				return sch.Run(ctx)
			})
		}

		zap.S().Infow("orchestrator running", "consumer_id", c.orchestrator.ConsumerID(), "scheduler", cfg.Service.Scheduler.Enabled)
		return g.Wait()
	},
}

func newListener(address string) (net.Listener, error) {
	if address == "" {
		address = "localhost:0"
	}
	return net.Listen("tcp", address)
}
