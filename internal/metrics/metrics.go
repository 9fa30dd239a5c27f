// Package metrics provides Prometheus metrics for the gateway.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for request latency.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

// Metrics holds all Prometheus metric collectors for the gateway.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	UpstreamDuration  *prometheus.HistogramVec
	UpstreamResponses *prometheus.CounterVec

	TokenDecodes      *prometheus.CounterVec
	Injections        prometheus.Counter
	TransformFailures prometheus.Counter
	RedirectsBuilt    prometheus.Counter
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tunnel_gateway_http_requests_total",
			Help: "Total inbound HTTP requests.",
		}, []string{"method", "status_code", "route"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tunnel_gateway_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "route"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tunnel_gateway_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tunnel_gateway_upstream_response_duration_seconds",
			Help:    "Time until upstream response headers arrived, in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method"}),

		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tunnel_gateway_upstream_responses_total",
			Help: "Total upstream responses by method and status code.",
		}, []string{"method", "status_code"}),

		TokenDecodes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tunnel_gateway_token_decodes_total",
			Help: "Token decode attempts by accepted scheme and outcome.",
		}, []string{"scheme", "outcome"}),

		Injections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tunnel_gateway_html_injections_total",
			Help: "HTML responses that received the injected fragment.",
		}),

		TransformFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tunnel_gateway_transform_failures_total",
			Help: "Response transforms that degraded to passthrough.",
		}),

		RedirectsBuilt: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tunnel_gateway_no_script_redirects_total",
			Help: "Gateway links issued by the no-script redirect route.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.UpstreamDuration,
		m.UpstreamResponses,
		m.TokenDecodes,
		m.Injections,
		m.TransformFailures,
		m.RedirectsBuilt,
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

// RouteLabeler maps request paths to a bounded route label. Destination URLs
// never reach a label.
type RouteLabeler struct {
	prefix string
	fixed  []string
}

// NewRouteLabeler builds a labeler for the gateway prefix and the fixed routes.
func NewRouteLabeler(prefix string, fixed ...string) *RouteLabeler {
	return &RouteLabeler{prefix: prefix, fixed: fixed}
}

// Label returns "relay" for gateway paths, the matching fixed route, or "other".
func (l *RouteLabeler) Label(path string) string {
	if l.prefix != "" && strings.HasPrefix(path, l.prefix) {
		return "relay"
	}
	for _, r := range l.fixed {
		if path == r || strings.HasPrefix(path, r+"/") || strings.HasPrefix(path, r+"?") {
			return r
		}
	}
	return "other"
}
