package metrics

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sen2agri/orchestrator/internal/store/model"
	"go.uber.org/zap"
)

// StatisticsSource is the part of the store read by the collector.
type StatisticsSource interface {
	Statistics(ctx context.Context) (model.JobStats, error)
}

type jobStatsCollector struct {
	source         StatisticsSource
	jobsByStatus   *prometheus.Desc
	pendingEvents  *prometheus.Desc
	productsByType *prometheus.Desc
}

func NewJobStatsCollector(s StatisticsSource) prometheus.Collector {
	fqName := func(name string) string {
		return fmt.Sprintf("%s_%s", orchestrator, name)
	}

	return &jobStatsCollector{
		source: s,
		jobsByStatus: prometheus.NewDesc(
			fqName("jobs"),
			"Number of jobs by status.",
			[]string{"status"},
			prometheus.Labels{},
		),
		pendingEvents: prometheus.NewDesc(
			fqName("pending_events"),
			"Number of events waiting to be processed.",
			nil,
			prometheus.Labels{},
		),
		productsByType: prometheus.NewDesc(
			fqName("products"),
			"Number of products by type.",
			[]string{"type"},
			prometheus.Labels{},
		),
	}
}

func (c *jobStatsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.jobsByStatus
	ch <- c.pendingEvents
	ch <- c.productsByType
}

// Collect implements Collector.
func (c *jobStatsCollector) Collect(ch chan<- prometheus.Metric) {
	stats, err := c.source.Statistics(context.Background())
	if err != nil {
		zap.S().Named("jobs_collector").Errorf("failed to collect job statistics: %s", err)
		return
	}
	ch <- prometheus.MustNewConstMetric(c.pendingEvents, prometheus.GaugeValue, float64(stats.PendingEvents))

	for status, total := range stats.TotalByStatus {
		ch <- prometheus.MustNewConstMetric(c.jobsByStatus, prometheus.GaugeValue, float64(total), string(status))
	}

	for productType, total := range stats.TotalByProductType {
		ch <- prometheus.MustNewConstMetric(c.productsByType, prometheus.GaugeValue, float64(total), string(productType))
	}
}
