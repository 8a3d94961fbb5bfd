// Package metrics provides Prometheus metrics for the proxy.
package metrics

import (
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for dial and admin request latency.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

// Connections live from milliseconds to hours.
var connectionBuckets = []float64{.01, .1, .5, 1, 5, 15, 60, 300, 900, 3600}

// Relay directions.
const (
	DirectionUpstream   = "upstream"
	DirectionDownstream = "downstream"
)

// Metrics holds all Prometheus metric collectors for the proxy.
type Metrics struct {
	Registry *prometheus.Registry

	ConnectionsTotal   *prometheus.CounterVec
	ConnectionsActive  prometheus.Gauge
	ConnectionDuration *prometheus.HistogramVec

	DialDuration     *prometheus.HistogramVec
	DialFailures     prometheus.Counter
	TunnelRejections *prometheus.CounterVec
	RelayedBytes     *prometheus.CounterVec

	AdminRequestsTotal   *prometheus.CounterVec
	AdminRequestDuration *prometheus.HistogramVec
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		ConnectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authproxy_connections_total",
			Help: "Client connections handled, by kind and outcome.",
		}, []string{"kind", "outcome"}),

		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "authproxy_connections_active",
			Help: "Client connections currently being handled.",
		}),

		ConnectionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "authproxy_connection_duration_seconds",
			Help:    "Client connection lifetime in seconds.",
			Buckets: connectionBuckets,
		}, []string{"kind"}),

		DialDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "authproxy_upstream_dial_duration_seconds",
			Help:    "Upstream proxy connect latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"result"}),

		DialFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "authproxy_upstream_dial_failures_total",
			Help: "Failed connection attempts to the upstream proxy.",
		}),

		TunnelRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authproxy_tunnel_rejections_total",
			Help: "CONNECT requests the upstream proxy answered with a non-200 status.",
		}, []string{"status_code"}),

		RelayedBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authproxy_relayed_bytes_total",
			Help: "Bytes relayed, by direction.",
		}, []string{"direction"}),

		AdminRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authproxy_admin_http_requests_total",
			Help: "Total admin HTTP requests.",
		}, []string{"method", "status_code", "path"}),

		AdminRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "authproxy_admin_http_request_duration_seconds",
			Help:    "Admin HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "path"}),
	}

	reg.MustRegister(
		m.ConnectionsTotal,
		m.ConnectionsActive,
		m.ConnectionDuration,
		m.DialDuration,
		m.DialFailures,
		m.TunnelRejections,
		m.RelayedBytes,
		m.AdminRequestsTotal,
		m.AdminRequestDuration,
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

// knownPaths lists the allowed admin path label values (bounded cardinality).
var knownPaths = []string{"/healthz", "/proxy/status", "/metrics"}

// NormalizePath returns a bounded path label for Prometheus metrics.
func NormalizePath(path string) string {
	for _, prefix := range knownPaths {
		if path == prefix || strings.HasPrefix(path, prefix+"/") || strings.HasPrefix(path, prefix+"?") {
			return prefix
		}
	}
	return "other"
}

// StatusLabel returns a bounded label for an upstream status code.
func StatusLabel(code int) string {
	if code < 100 || code > 599 {
		return "invalid"
	}
	return strconv.Itoa(code)
}
