package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Call outcomes recorded by the dispatcher.
const (
	OutcomeDispatched = "dispatched"
	OutcomeMalformed  = "malformed"
	OutcomeUnknown    = "unknown"
	OutcomeRejected   = "rejected"
)

// Metrics holds the bridge's Prometheus collectors. Every instance owns its
// registry so several bridges can live in one process.
type Metrics struct {
	registry *prometheus.Registry

	// Bridge metrics
	Calls                 *prometheus.CounterVec
	Responses             *prometheus.CounterVec
	SerializationFailures prometheus.Counter
	InflightCalls         prometheus.Gauge
	CallDuration          *prometheus.HistogramVec

	// Network metrics
	NetworkTasks    prometheus.Gauge
	NetworkRequests *prometheus.CounterVec
	NetworkBytes    prometheus.Histogram
	NetworkDuration *prometheus.HistogramVec

	// Content metrics
	ScriptErrors  *prometheus.CounterVec
	ContentViews  prometheus.Gauge
	WSConnections prometheus.Gauge
}

// NewMetrics creates a metrics collector with its own registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		Calls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bridge_calls_total",
				Help: "Call envelopes received, by capability and outcome",
			},
			[]string{"capability", "outcome"},
		),
		Responses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bridge_responses_total",
				Help: "Response envelopes delivered to content",
			},
			[]string{"capability"},
		),
		SerializationFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "bridge_serialization_failures_total",
				Help: "Responses dropped because they could not be encoded",
			},
		),
		InflightCalls: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "bridge_inflight_calls",
				Help: "Calls waiting for their first response",
			},
		),
		CallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bridge_call_duration_seconds",
				Help:    "Time from call receipt to first response",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"capability"},
		),

		NetworkTasks: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "network_tasks_pending",
				Help: "Network tasks started but not yet completed",
			},
		),
		NetworkRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "network_requests_total",
				Help: "Network tasks completed, by method and outcome",
			},
			[]string{"method", "outcome"},
		),
		NetworkBytes: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "network_response_size_bytes",
				Help:    "Accumulated response body size",
				Buckets: []float64{100, 1000, 10000, 100000, 1000000, 10000000},
			},
		),
		NetworkDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "network_request_duration_seconds",
				Help:    "Network task duration",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"method"},
		),

		ScriptErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "content_script_errors_total",
				Help: "Script evaluations that threw or were interrupted",
			},
			[]string{"kind"},
		),
		ContentViews: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "content_views_active",
				Help: "Open content views",
			},
		),
		WSConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "content_ws_connections",
				Help: "Open websocket content channels",
			},
		),
	}
}

// Registry exposes the underlying registry for tests and custom exporters.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the /metrics HTTP handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordCall counts a received call envelope.
func (m *Metrics) RecordCall(capability, outcome string) {
	if m == nil {
		return
	}
	m.Calls.WithLabelValues(capability, outcome).Inc()
}

// RecordResponse counts a delivered response.
func (m *Metrics) RecordResponse(capability string) {
	if m == nil {
		return
	}
	m.Responses.WithLabelValues(capability).Inc()
}

// RecordSerializationFailure counts a dropped response.
func (m *Metrics) RecordSerializationFailure() {
	if m == nil {
		return
	}
	m.SerializationFailures.Inc()
}

// CallStarted marks a call as waiting for its first response.
func (m *Metrics) CallStarted() {
	if m == nil {
		return
	}
	m.InflightCalls.Inc()
}

// CallSettled records the first response of a call.
func (m *Metrics) CallSettled(capability string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.InflightCalls.Dec()
	m.CallDuration.WithLabelValues(capability).Observe(elapsed.Seconds())
}

// TaskStarted marks a network task as pending.
func (m *Metrics) TaskStarted() {
	if m == nil {
		return
	}
	m.NetworkTasks.Inc()
}

// TaskCompleted records a finished network task.
func (m *Metrics) TaskCompleted(method, outcome string, size int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.NetworkTasks.Dec()
	m.NetworkRequests.WithLabelValues(method, outcome).Inc()
	m.NetworkBytes.Observe(float64(size))
	m.NetworkDuration.WithLabelValues(method).Observe(elapsed.Seconds())
}

// RecordScriptError counts a failed script evaluation.
func (m *Metrics) RecordScriptError(kind string) {
	if m == nil {
		return
	}
	m.ScriptErrors.WithLabelValues(kind).Inc()
}

// ViewOpened and ViewClosed track live content views.
func (m *Metrics) ViewOpened() {
	if m == nil {
		return
	}
	m.ContentViews.Inc()
}

func (m *Metrics) ViewClosed() {
	if m == nil {
		return
	}
	m.ContentViews.Dec()
}

// ConnectionOpened and ConnectionClosed track websocket channels.
func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.WSConnections.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.WSConnections.Dec()
}
