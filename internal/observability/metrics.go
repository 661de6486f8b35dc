// Package observability wires the router's fixed Prometheus metric names
// into a small facade so call sites never repeat a metric name literal.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every router-semantic metric named in the router's external
// interface contract. Names and label sets are fixed for compatibility —
// never rename without a corresponding deprecation plan.
type Metrics struct {
	ToolCallsTotal            *prometheus.CounterVec
	ToolCallDuration          *prometheus.HistogramVec
	CircuitState              *prometheus.GaugeVec
	CircuitOpensTotal         *prometheus.CounterVec
	UpstreamFailuresTotal     *prometheus.CounterVec
	UpstreamHealth            *prometheus.GaugeVec
	UpstreamHealthChecksTotal *prometheus.CounterVec
	AuditRecordsDroppedTotal  prometheus.Counter
	AuditQueueDepth           prometheus.Gauge
}

// durationBuckets matches the router's documented histogram buckets.
var durationBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10}

var circuitStates = []string{"CLOSED", "OPEN", "HALF_OPEN"}
var healthStatuses = []string{"UNKNOWN", "HEALTHY", "UNHEALTHY"}

// NewMetrics registers the router's metrics against reg and returns the
// facade. Call once per process; a second registration against the same
// registerer panics, matching promauto's fail-fast convention.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ToolCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mcp_router_tool_calls_total",
			Help: "Total number of tool calls forwarded to an upstream, by server, tool, and outcome.",
		}, []string{"server", "tool", "ok"}),
		ToolCallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mcp_router_tool_call_duration_seconds",
			Help:    "Latency of tool calls forwarded to an upstream.",
			Buckets: durationBuckets,
		}, []string{"server", "tool", "ok"}),
		CircuitState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mcp_router_upstream_circuit_state",
			Help: "1 for the upstream's current circuit breaker state, 0 otherwise.",
		}, []string{"server", "state"}),
		CircuitOpensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mcp_router_upstream_circuit_opens_total",
			Help: "Total number of times an upstream's circuit breaker has opened.",
		}, []string{"server"}),
		UpstreamFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mcp_router_upstream_failures_total",
			Help: "Total number of transport-level failures against an upstream.",
		}, []string{"server"}),
		UpstreamHealth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mcp_router_upstream_health",
			Help: "1 for the upstream's current health status, 0 otherwise.",
		}, []string{"server", "status"}),
		UpstreamHealthChecksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mcp_router_upstream_health_checks_total",
			Help: "Total number of health probes run against an upstream, by outcome.",
		}, []string{"server", "ok"}),
		AuditRecordsDroppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mcp_router_audit_records_dropped_total",
			Help: "Total number of audit records dropped because the audit queue stayed full past the send timeout.",
		}),
		AuditQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mcp_router_audit_queue_depth",
			Help: "Number of audit records currently buffered waiting for the audit store.",
		}),
	}

	reg.MustRegister(
		m.ToolCallsTotal,
		m.ToolCallDuration,
		m.CircuitState,
		m.CircuitOpensTotal,
		m.UpstreamFailuresTotal,
		m.UpstreamHealth,
		m.UpstreamHealthChecksTotal,
		m.AuditRecordsDroppedTotal,
		m.AuditQueueDepth,
	)

	return m
}

func boolLabel(ok bool) string {
	if ok {
		return "true"
	}
	return "false"
}

// RecordToolCall records one forwarded tool call's outcome and latency.
// Safe to call on a nil *Metrics (no-op), so callers without a registered
// metrics facade (e.g. lightweight tests) don't need to guard every call.
func (m *Metrics) RecordToolCall(server, tool string, ok bool, d time.Duration) {
	if m == nil {
		return
	}
	label := boolLabel(ok)
	m.ToolCallsTotal.WithLabelValues(server, tool, label).Inc()
	m.ToolCallDuration.WithLabelValues(server, tool, label).Observe(d.Seconds())
}

// SetCircuitState sets the one-hot circuit-state gauge for server. Safe to
// call on a nil *Metrics.
func (m *Metrics) SetCircuitState(server, state string) {
	if m == nil {
		return
	}
	for _, s := range circuitStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.CircuitState.WithLabelValues(server, s).Set(v)
	}
}

// RecordCircuitOpen increments the circuit-opens counter and reflects OPEN
// in the state gauge immediately, ahead of the next breaker snapshot read.
// Safe to call on a nil *Metrics.
func (m *Metrics) RecordCircuitOpen(server string) {
	if m == nil {
		return
	}
	m.CircuitOpensTotal.WithLabelValues(server).Inc()
	m.SetCircuitState(server, "OPEN")
}

// RecordUpstreamFailure increments the transport-failure counter. Safe to
// call on a nil *Metrics.
func (m *Metrics) RecordUpstreamFailure(server string) {
	if m == nil {
		return
	}
	m.UpstreamFailuresTotal.WithLabelValues(server).Inc()
}

// SetUpstreamHealth sets the one-hot health-status gauge for server. Safe
// to call on a nil *Metrics.
func (m *Metrics) SetUpstreamHealth(server, status string) {
	if m == nil {
		return
	}
	for _, s := range healthStatuses {
		v := 0.0
		if s == status {
			v = 1
		}
		m.UpstreamHealth.WithLabelValues(server, s).Set(v)
	}
}

// RecordHealthCheck increments the health-check counter for one probe.
// Safe to call on a nil *Metrics.
func (m *Metrics) RecordHealthCheck(server string, ok bool) {
	if m == nil {
		return
	}
	m.UpstreamHealthChecksTotal.WithLabelValues(server, boolLabel(ok)).Inc()
}

// RecordAuditDrop increments the audit-drop counter. Safe to call on a nil
// *Metrics.
func (m *Metrics) RecordAuditDrop() {
	if m == nil {
		return
	}
	m.AuditRecordsDroppedTotal.Inc()
}

// SetAuditQueueDepth reflects the audit queue's current buffered length.
// Safe to call on a nil *Metrics.
func (m *Metrics) SetAuditQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.AuditQueueDepth.Set(float64(depth))
}
