// Package metrics provides Prometheus metrics for the gate.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for request latency.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

// Scans can be much slower than plain requests on large files.
var scanBuckets = []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60}

// Metrics holds all Prometheus metric collectors for the gate.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	UpstreamDuration  *prometheus.HistogramVec
	UpstreamResponses *prometheus.CounterVec

	ScanVerdicts  *prometheus.CounterVec
	ScanDuration  *prometheus.HistogramVec
	CacheLookups  *prometheus.CounterVec
	GateDecisions *prometheus.CounterVec
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "upload_gate_http_requests_total",
			Help: "Total inbound HTTP requests.",
		}, []string{"method", "status_code", "route"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "upload_gate_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "route"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "upload_gate_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "upload_gate_upstream_request_duration_seconds",
			Help:    "Worker call latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method"}),

		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "upload_gate_upstream_responses_total",
			Help: "Total worker responses by method and status code.",
		}, []string{"method", "status_code"}),

		ScanVerdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "upload_gate_scan_verdicts_total",
			Help: "Scan verdicts by worker role.",
		}, []string{"role", "verdict"}),

		ScanDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "upload_gate_scan_duration_seconds",
			Help:    "Time spent scanning an upload, cache hits included.",
			Buckets: scanBuckets,
		}, []string{"verdict"}),

		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "upload_gate_verdict_cache_lookups_total",
			Help: "Verdict cache lookups by result (hit, miss, error).",
		}, []string{"result"}),

		GateDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "upload_gate_decisions_total",
			Help: "Gate decisions by worker role.",
		}, []string{"role", "decision"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.UpstreamDuration,
		m.UpstreamResponses,
		m.ScanVerdicts,
		m.ScanDuration,
		m.CacheLookups,
		m.GateDecisions,
	)

	return m
}

// knownMethods lists the allowed HTTP method label values (bounded cardinality).
var knownMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true,
}

// NormalizeMethod returns a bounded HTTP method label for Prometheus metrics.
// Non-standard methods are mapped to "other" to prevent cardinality explosion.
func NormalizeMethod(method string) string {
	if knownMethods[method] {
		return method
	}
	return "other"
}

// NormalizeRoute returns a bounded route label. Only registered route
// templates (never raw paths, which carry ids) are used as label values.
func NormalizeRoute(template string, registered map[string]bool) string {
	if template != "" && registered[template] {
		return template
	}
	return "other"
}
