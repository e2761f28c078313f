package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	orchestrator = "orchestrator"

	// Event loop metrics
	eventsProcessedTotal = "events_processed_total"

	// Job metrics
	jobTransitionsTotal = "job_transitions_total"

	// Scheduling metrics
	schedulingDecisionsTotal = "scheduling_decisions_total"

	// Product metrics
	productsInsertedTotal = "products_inserted_total"

	// Labels
	eventTypeLabel   = "type"
	outcomeLabel     = "outcome"
	jobStatusLabel   = "status"
	processorLabel   = "processor"
	productTypeLabel = "type"
)

// Event outcomes
const (
	EventCompleted    = "completed"
	EventReleased     = "released"
	EventDeadLettered = "dead_lettered"
	EventIgnored      = "ignored"
)

// Scheduling outcomes
const (
	ScheduleValid      = "valid"
	ScheduleRetryLater = "retry_later"
	ScheduleInvalid    = "invalid"
	ScheduleError      = "error"
)

/**
* Metrics definition
**/
var eventsProcessedTotalMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Subsystem: orchestrator,
		Name:      eventsProcessedTotal,
		Help:      "number of events handled by the event loop",
	},
	[]string{eventTypeLabel, outcomeLabel},
)

var jobTransitionsTotalMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Subsystem: orchestrator,
		Name:      jobTransitionsTotal,
		Help:      "number of job status transitions by target status",
	},
	[]string{jobStatusLabel},
)

var schedulingDecisionsTotalMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Subsystem: orchestrator,
		Name:      schedulingDecisionsTotal,
		Help:      "number of processing definitions computed by outcome",
	},
	[]string{processorLabel, outcomeLabel},
)

var productsInsertedTotalMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Subsystem: orchestrator,
		Name:      productsInsertedTotal,
		Help:      "number of products registered by handlers",
	},
	[]string{productTypeLabel},
)

func IncreaseEventsProcessedMetric(eventType, outcome string) {
	eventsProcessedTotalMetric.With(prometheus.Labels{
		eventTypeLabel: eventType,
		outcomeLabel:   outcome,
	}).Inc()
}

func IncreaseJobTransitionsMetric(status string) {
	jobTransitionsTotalMetric.With(prometheus.Labels{
		jobStatusLabel: status,
	}).Inc()
}

func IncreaseSchedulingDecisionsMetric(processor, outcome string) {
	schedulingDecisionsTotalMetric.With(prometheus.Labels{
		processorLabel: processor,
		outcomeLabel:   outcome,
	}).Inc()
}

func IncreaseProductsInsertedMetric(productType string) {
	productsInsertedTotalMetric.With(prometheus.Labels{
		productTypeLabel: productType,
	}).Inc()
}

func init() {
	registerMetrics()
}

func registerMetrics() {
	prometheus.MustRegister(eventsProcessedTotalMetric)
	prometheus.MustRegister(jobTransitionsTotalMetric)
	prometheus.MustRegister(schedulingDecisionsTotalMetric)
	prometheus.MustRegister(productsInsertedTotalMetric)
}
