package main

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/sen2agri/orchestrator/internal/config"
	"github.com/sen2agri/orchestrator/internal/events"
	"github.com/sen2agri/orchestrator/internal/orchestrator"
	"github.com/sen2agri/orchestrator/internal/processor"
	"github.com/sen2agri/orchestrator/internal/processor/handlers"
	"github.com/sen2agri/orchestrator/internal/service"
	"github.com/sen2agri/orchestrator/internal/store"
	"github.com/sen2agri/orchestrator/pkg/artifact"
	"go.uber.org/zap"
)

type components struct {
	producer     *events.EventProducer
	orchestrator *orchestrator.Orchestrator
	jobs         *service.JobService
}

func (c *components) close() {
	_ = c.producer.Close()
}

func newComponents(ctx context.Context, cfg *config.Config, s store.Store) (*components, error) {
	inspector, err := newInspector(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating artifact inspector: %w", err)
	}

	writer, err := newNotificationWriter(cfg)
	if err != nil {
		return nil, fmt.Errorf("opening notifications file: %w", err)
	}
	consumerID := consumerID(cfg)
	producer := events.NewEventProducer(writer,
		events.WithSource(consumerID),
		events.WithBufferSize(cfg.Service.Notifications.BufferSize),
	)

	gw := processor.NewGateway(s,
		processor.WithPublisher(producer),
		processor.WithInspector(inspector),
		processor.WithScratchRoot(cfg.Service.ScratchRoot),
	)

	processors, err := s.Catalog().ListProcessors(ctx)
	if err != nil {
		_ = producer.Close()
		return nil, fmt.Errorf("listing processors: %w", err)
	}
	registry := processor.NewRegistry(processors, handlers.Factories())
	zap.S().Infow("processor handlers registered", "count", len(registry.Processors()))

	orch := orchestrator.New(s, registry, gw,
		orchestrator.WithConsumerID(consumerID),
		orchestrator.WithBatchSize(cfg.Service.Events.BatchSize),
		orchestrator.WithLease(cfg.Service.Events.ClaimTimeout),
		orchestrator.WithMaxAttempts(cfg.Service.Events.MaxAttempts),
		orchestrator.WithPollInterval(cfg.Service.Events.PollInterval),
	)

	return &components{
		producer:     producer,
		orchestrator: orch,
		jobs:         service.NewJobService(s, gw, registry, orch),
	}, nil
}

func newNotificationWriter(cfg *config.Config) (events.Writer, error) {
	if cfg.Service.Notifications.File == "" {
		return events.LogWriter{}, nil
	}
	f, err := os.OpenFile(cfg.Service.Notifications.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return events.NewJSONLinesWriter(f), nil
}

func newInspector(cfg *config.Config) (artifact.Inspector, error) {
	a := cfg.Service.Artifacts
	switch a.Backend {
	case "", "fs":
		return artifact.NewFilesystemInspector(), nil
	case "s3", "minio":
		return artifact.NewMinioInspector(
			artifact.WithEndpoint(a.Endpoint),
			artifact.WithBucket(a.Bucket),
			artifact.WithAccessKey(a.AccessKey),
			artifact.WithSecretKey(a.SecretKey),
			artifact.WithSSL(a.UseSSL),
		)
	default:
		return nil, fmt.Errorf("unknown artifacts backend %q", a.Backend)
	}
}

func consumerID(cfg *config.Config) string {
	if cfg.Service.ConsumerID != "" {
		return cfg.Service.ConsumerID
	}
	if hostname, err := os.Hostname(); err == nil && hostname != "" {
		return hostname
	}
	return uuid.NewString()
}
