// Package observability provides Prometheus metrics instrumentation for the bus.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// MESSAGE METRICS
// =============================================================================

var (
	messagesQueuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "objectbus_messages_queued_total",
			Help: "Total number of messages placed on the output queue",
		},
		[]string{"interface"},
	)

	messagesDispatchedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "objectbus_messages_dispatched_total",
			Help: "Total number of messages delivered to an object",
		},
		[]string{"interface", "method"},
	)

	messagesDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "objectbus_messages_dropped_total",
			Help: "Messages freed without dispatch because the destination was gone",
		},
	)

	dispatchDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "objectbus_dispatch_duration_seconds",
			Help:    "Message dispatch duration in seconds",
			Buckets: []float64{0.00001, 0.0001, 0.001, 0.01, 0.1, 1},
		},
		[]string{"interface"},
	)

	queueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "objectbus_queue_depth",
			Help: "Messages currently waiting in the input and output queues",
		},
	)
)

// =============================================================================
// OBJECT METRICS
// =============================================================================

var (
	objectsCreatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "objectbus_objects_created_total",
			Help: "Total number of objects constructed by factories",
		},
		[]string{"interface"},
	)

	objectsDestroyedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "objectbus_objects_destroyed_total",
			Help: "Total number of objects destroyed",
		},
		[]string{"interface"},
	)

	linkCount = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "objectbus_links",
			Help: "Rows currently in the link table",
		},
	)
)

// =============================================================================
// ERROR METRICS
// =============================================================================

var errorsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "objectbus_errors_total",
		Help: "Bus errors by outcome",
	},
	[]string{"outcome"}, // outcome: handled, unhandled
)

// =============================================================================
// PUBLIC API
// =============================================================================

// RecordMessageQueued records a message entering the output queue.
func RecordMessageQueued(iface string) {
	messagesQueuedTotal.WithLabelValues(iface).Inc()
}

// RecordMessageDispatched records a delivered message.
func RecordMessageDispatched(iface, method string, durationSeconds float64) {
	messagesDispatchedTotal.WithLabelValues(iface, method).Inc()
	dispatchDurationSeconds.WithLabelValues(iface).Observe(durationSeconds)
}

// RecordMessageDropped records a message freed without dispatch.
func RecordMessageDropped() {
	messagesDroppedTotal.Inc()
}

// SetQueueDepth records the combined queue depth.
func SetQueueDepth(n int) {
	queueDepth.Set(float64(n))
}

// RecordObjectCreated records a factory construction.
func RecordObjectCreated(iface string) {
	objectsCreatedTotal.WithLabelValues(iface).Inc()
}

// RecordObjectDestroyed records an object destruction.
func RecordObjectDestroyed(iface string) {
	objectsDestroyedTotal.WithLabelValues(iface).Inc()
}

// SetLinkCount records the current link table size.
func SetLinkCount(n int) {
	linkCount.Set(float64(n))
}

// RecordError records an error outcome ("handled" or "unhandled").
func RecordError(outcome string) {
	errorsTotal.WithLabelValues(outcome).Inc()
}
