// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// StreamConnectionsActive tracks open SSE and websocket connections.
	StreamConnectionsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "stream_connections_active",
			Help: "Number of active realtime connections",
		},
		[]string{"transport"},
	)

	// StoreWritesTotal tracks document store writes.
	StoreWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "store_writes_total",
			Help: "Document store writes by backend and result",
		},
		[]string{"backend", "result"},
	)

	// StoreWriteConflicts tracks compare-and-swap retries.
	StoreWriteConflicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "store_write_conflicts_total",
			Help: "Optimistic write retries caused by concurrent updates",
		},
		[]string{"backend"},
	)

	// BestEffortDropped tracks liveness writes that failed and were dropped.
	BestEffortDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "best_effort_writes_dropped_total",
			Help: "Presence, typing and receipt writes dropped after failure",
		},
		[]string{"component"},
	)

	// ReceiptsTotal tracks receipts written.
	ReceiptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "receipts_total",
			Help: "Delivery and read receipts written",
		},
		[]string{"kind"},
	)

	// MessagesTotal tracks message operations.
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_total",
			Help: "Message operations by kind",
		},
		[]string{"op"},
	)

	// ConversationsTotal tracks conversations created.
	ConversationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conversations_total",
			Help: "Total conversations created",
		},
		[]string{"type"},
	)

	// UnreadFanoutFailures tracks per-recipient counter increments that failed.
	UnreadFanoutFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "unread_fanout_failures_total",
			Help: "Unread counter increments that failed during fan-out",
		},
	)

	// PreviewFetchesTotal tracks link preview lookups.
	PreviewFetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "preview_fetches_total",
			Help: "Link preview lookups by result",
		},
		[]string{"result"},
	)

	// ReconcileRunsTotal tracks reconciliation passes.
	ReconcileRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reconcile_runs_total",
			Help: "Reconciliation passes by result",
		},
		[]string{"result"},
	)

	// ReconcileRepairsTotal tracks fields repaired by reconciliation.
	ReconcileRepairsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reconcile_repairs_total",
			Help: "Fields repaired by reconciliation",
		},
		[]string{"field"},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordStoreWrite records the outcome of a store write.
func RecordStoreWrite(backend string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	StoreWritesTotal.WithLabelValues(backend, result).Inc()
}

// RecordDropped records a best-effort write that was dropped.
func RecordDropped(component string) {
	BestEffortDropped.WithLabelValues(component).Inc()
}

// IncrementConnections increments the active connection count.
func IncrementConnections(transport string) {
	StreamConnectionsActive.WithLabelValues(transport).Inc()
}

// DecrementConnections decrements the active connection count.
func DecrementConnections(transport string) {
	StreamConnectionsActive.WithLabelValues(transport).Dec()
}
