// Package observability provides Prometheus metrics and OpenTelemetry
// tracing for the runtime.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// GRAPH METRICS
// =============================================================================

var (
	graphExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foundry_graph_executions_total",
			Help: "Total number of graph executions",
		},
		[]string{"graph", "outcome"}, // outcome: ok or an error kind
	)

	graphDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "foundry_graph_duration_seconds",
			Help:    "Graph execution duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"graph"},
	)

	nodeExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foundry_node_executions_total",
			Help: "Total number of node executions",
		},
		[]string{"node", "status"}, // status: ok, error
	)

	nodeDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "foundry_node_duration_seconds",
			Help:    "Node execution duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		},
		[]string{"node"},
	)

	checkpointFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foundry_checkpoint_failures_total",
			Help: "Total number of non-fatal checkpoint save failures",
		},
		[]string{"graph"},
	)
)

// =============================================================================
// TOOL METRICS
// =============================================================================

var (
	toolCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foundry_tool_calls_total",
			Help: "Total number of upstream tool invocations",
		},
		[]string{"tool", "outcome"}, // outcome: ok, retriable_error, fatal_error, timeout
	)

	toolDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "foundry_tool_duration_seconds",
			Help:    "Tool invocation duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"tool"},
	)

	toolCacheHitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foundry_tool_cache_hits_total",
			Help: "Idempotency cache hits that avoided an upstream invocation",
		},
		[]string{"tool"},
	)
)

// =============================================================================
// PLATFORM METRICS
// =============================================================================

var (
	auditDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "foundry_audit_dropped_total",
			Help: "Non-critical audit entries dropped under buffer overflow",
		},
	)

	draftSweepsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foundry_draft_sweeps_total",
			Help: "Draft store sweep passes",
		},
		[]string{"store"},
	)

	draftSaveFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "foundry_draft_save_failures_total",
			Help: "Non-fatal draft save failures",
		},
	)

	authCacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foundry_auth_cache_lookups_total",
			Help: "Authorization cache lookups",
		},
		[]string{"result"}, // result: hit, miss
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foundry_http_requests_total",
			Help: "Transport HTTP requests",
		},
		[]string{"route", "status"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "foundry_http_request_duration_seconds",
			Help:    "Transport HTTP request duration in seconds",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		},
		[]string{"route"},
	)
)

// =============================================================================
// PUBLIC API
// =============================================================================

// RecordGraphExecution records one graph execution after it completes.
func RecordGraphExecution(graphName, outcome string, durationMS int) {
	graphExecutionsTotal.WithLabelValues(graphName, outcome).Inc()
	graphDurationSeconds.WithLabelValues(graphName).Observe(float64(durationMS) / 1000.0)
}

// RecordNodeExecution records one node execution after it completes.
func RecordNodeExecution(node, status string, durationMS int) {
	nodeExecutionsTotal.WithLabelValues(node, status).Inc()
	nodeDurationSeconds.WithLabelValues(node).Observe(float64(durationMS) / 1000.0)
}

// RecordCheckpointFailure records a non-fatal checkpoint save failure.
func RecordCheckpointFailure(graphName string) {
	checkpointFailuresTotal.WithLabelValues(graphName).Inc()
}

// RecordToolCall records one upstream tool invocation attempt result.
func RecordToolCall(tool, outcome string, durationMS int) {
	toolCallsTotal.WithLabelValues(tool, outcome).Inc()
	toolDurationSeconds.WithLabelValues(tool).Observe(float64(durationMS) / 1000.0)
}

// RecordToolCacheHit records an idempotency cache hit.
func RecordToolCacheHit(tool string) {
	toolCacheHitsTotal.WithLabelValues(tool).Inc()
}

// RecordAuditDrop records a dropped non-critical audit entry.
func RecordAuditDrop() {
	auditDroppedTotal.Inc()
}

// RecordDraftSweep records one sweep pass over a draft store.
func RecordDraftSweep(store string) {
	draftSweepsTotal.WithLabelValues(store).Inc()
}

// RecordDraftSaveFailure records a non-fatal draft save failure.
func RecordDraftSaveFailure() {
	draftSaveFailuresTotal.Inc()
}

// RecordAuthCacheLookup records an authorization cache hit or miss.
func RecordAuthCacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	authCacheLookupsTotal.WithLabelValues(result).Inc()
}

// RecordHTTPRequest records a transport HTTP request.
func RecordHTTPRequest(route, status string, durationMS int) {
	httpRequestsTotal.WithLabelValues(route, status).Inc()
	httpRequestDurationSeconds.WithLabelValues(route).Observe(float64(durationMS) / 1000.0)
}
