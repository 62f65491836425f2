// Package metrics exposes the engine's operational counters as Prometheus
// metrics, the debug-API counterpart to internal/audit's tamper-evident
// event log: one records what happened for humans to query, the other
// records rates and durations for a scrape target to graph.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every counter/gauge/histogram the engine updates over its
// lifetime, registered against a private prometheus.Registry so tests can
// construct independent instances without colliding on the global
// DefaultRegisterer.
type Metrics struct {
	registry *prometheus.Registry

	DumpsLoaded        prometheus.Gauge
	DumpLoadErrors     prometheus.Counter
	RevMapNodesBuilt   *prometheus.GaugeVec
	RevMapBuildSeconds prometheus.Histogram
	FindingsRecorded   *prometheus.CounterVec
	APIRequestsTotal   *prometheus.CounterVec
}

// New creates a Metrics instance with every collector registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		DumpsLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "insightd",
			Name:      "dumps_loaded",
			Help:      "Number of physical-memory images currently loaded.",
		}),
		DumpLoadErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "insightd",
			Name:      "dump_load_errors_total",
			Help:      "Number of failed attempts to load a memory image.",
		}),
		RevMapNodesBuilt: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "insightd",
			Name:      "revmap_nodes",
			Help:      "Number of accepted nodes in a dump's reverse map.",
		}, []string{"dump_id"}),
		RevMapBuildSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "insightd",
			Name:      "revmap_build_seconds",
			Help:      "Wall-clock time spent building a dump's reverse map.",
			Buckets:   prometheus.DefBuckets,
		}),
		FindingsRecorded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "insightd",
			Name:      "findings_recorded_total",
			Help:      "Number of page-integrity findings recorded, by kind.",
		}, []string{"kind"}),
		APIRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "insightd",
			Name:      "api_requests_total",
			Help:      "Number of debug/query API requests served, by route and status class.",
		}, []string{"route", "status_class"}),
	}

	reg.MustRegister(
		m.DumpsLoaded,
		m.DumpLoadErrors,
		m.RevMapNodesBuilt,
		m.RevMapBuildSeconds,
		m.FindingsRecorded,
		m.APIRequestsTotal,
	)
	return m
}

// Handler returns an http.Handler serving this instance's metrics in the
// Prometheus text exposition format, for mounting at GET /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordFinding increments the FindingsRecorded counter for kind.
func (m *Metrics) RecordFinding(kind string) {
	m.FindingsRecorded.WithLabelValues(kind).Inc()
}

// RecordAPIRequest increments APIRequestsTotal for the given route and
// HTTP status code's class ("2xx", "4xx", "5xx", ...).
func (m *Metrics) RecordAPIRequest(route string, statusCode int) {
	m.APIRequestsTotal.WithLabelValues(route, statusClass(statusCode)).Inc()
}

func statusClass(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
