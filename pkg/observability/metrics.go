package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the prometheus collectors for the service.
type Metrics struct {
	Registry *prometheus.Registry

	ToolRequests    *prometheus.CounterVec
	ToolDuration    *prometheus.HistogramVec
	CacheOperations *prometheus.CounterVec
	AdapterCalls    *prometheus.CounterVec
	AdapterDuration *prometheus.HistogramVec
	BreakerState    *prometheus.GaugeVec
}

// NewMetrics creates and registers all collectors on a fresh registry.
func NewMetrics(namespace string) *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		Registry: registry,
		ToolRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_requests_total",
			Help:      "Tool invocations by tool name and outcome.",
		}, []string{"tool", "status"}),
		ToolDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_duration_seconds",
			Help:      "Tool invocation latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"tool"}),
		CacheOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_operations_total",
			Help:      "Cache operations by tier, content type, and result.",
		}, []string{"tier", "content_type", "result"}),
		AdapterCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "adapter_calls_total",
			Help:      "Outbound adapter calls by source and outcome.",
		}, []string{"source", "status"}),
		AdapterDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "adapter_duration_seconds",
			Help:      "Outbound adapter call latency.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"source"}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Breaker state by key (0=closed, 1=half-open, 2=open).",
		}, []string{"key"}),
	}

	registry.MustRegister(
		m.ToolRequests,
		m.ToolDuration,
		m.CacheOperations,
		m.AdapterCalls,
		m.AdapterDuration,
		m.BreakerState,
	)
	return m
}

// ObserveTool records one tool invocation.
func (m *Metrics) ObserveTool(tool string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "failure"
	}
	m.ToolRequests.WithLabelValues(tool, status).Inc()
	m.ToolDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

// ObserveAdapterCall records one outbound adapter call.
func (m *Metrics) ObserveAdapterCall(source string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "failure"
	}
	m.AdapterCalls.WithLabelValues(source, status).Inc()
	m.AdapterDuration.WithLabelValues(source).Observe(duration.Seconds())
}

// ObserveCache records one cache operation outcome.
func (m *Metrics) ObserveCache(tier, contentType, result string) {
	m.CacheOperations.WithLabelValues(tier, contentType, result).Inc()
}
