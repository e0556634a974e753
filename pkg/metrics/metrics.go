// Package metrics provides Prometheus metrics for the Clover service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the service counters. It is constructed once against a
// registry and injected into the components that record on it.
type Metrics struct {
	// InboundMessages counts raw price messages pulled from the transport, by result
	InboundMessages *prometheus.CounterVec

	// MergeOutcomes counts reconcile decisions by outcome
	MergeOutcomes *prometheus.CounterVec

	// ConflictRetries counts optimistic-concurrency retries
	ConflictRetries prometheus.Counter

	// OutboundEvents counts published consolidated price events, by result
	OutboundEvents *prometheus.CounterVec

	// DLQEntries counts envelope-rejected messages routed to the dead letter queue
	DLQEntries prometheus.Counter

	// ScheduleDispatches counts transition boundary dispatches, by boundary and result
	ScheduleDispatches *prometheus.CounterVec

	// BatchesCommitted counts fully successful import batches
	BatchesCommitted prometheus.Counter

	// MessagesInFlight tracks messages currently dispatched to the pool
	MessagesInFlight prometheus.Gauge
}

// NewMetrics registers the clover counters on the given registerer
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		InboundMessages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "clover",
				Subsystem: "import",
				Name:      "inbound_messages_total",
				Help:      "Total raw price messages pulled from the transport by result",
			},
			[]string{"result"},
		),
		MergeOutcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "clover",
				Subsystem: "reconcile",
				Name:      "merge_outcomes_total",
				Help:      "Total reconcile decisions by outcome",
			},
			[]string{"outcome"},
		),
		ConflictRetries: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "clover",
				Subsystem: "reconcile",
				Name:      "conflict_retries_total",
				Help:      "Total optimistic-concurrency retries during reconciliation",
			},
		),
		OutboundEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "clover",
				Subsystem: "events",
				Name:      "outbound_events_total",
				Help:      "Total published consolidated price events by result",
			},
			[]string{"result"},
		),
		DLQEntries: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "clover",
				Subsystem: "import",
				Name:      "dlq_entries_total",
				Help:      "Total envelope-rejected messages routed to the dead letter queue",
			},
		),
		ScheduleDispatches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "clover",
				Subsystem: "schedule",
				Name:      "dispatches_total",
				Help:      "Total transition boundary dispatches by boundary and result",
			},
			[]string{"boundary", "result"},
		),
		BatchesCommitted: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "clover",
				Subsystem: "import",
				Name:      "batches_committed_total",
				Help:      "Total fully successful import batches committed to the transport",
			},
		),
		MessagesInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "clover",
				Subsystem: "import",
				Name:      "messages_in_flight",
				Help:      "Messages currently dispatched to the orchestrator pool",
			},
		),
	}
}
