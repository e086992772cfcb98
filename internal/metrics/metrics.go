// Package metrics provides Prometheus metrics for the proxy.
package metrics

import (
	"path"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for request latency.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

// Rewrite outcomes.
const (
	RewriteInjected   = "injected"
	RewriteNoHTML     = "no_html"
	RewriteNoHead     = "no_head"
	RewriteFailed     = "failed"
	RewriteTooLarge   = "too_large"
	RewriteEncoded    = "encoded"
	RewriteReadFailed = "read_failed"
)

// Bind attempt results.
const (
	BindBound    = "bound"
	BindConflict = "conflict"
	BindFatal    = "fatal"
)

// Metrics holds all Prometheus metric collectors for the proxy.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	UpstreamDuration  *prometheus.HistogramVec
	UpstreamResponses *prometheus.CounterVec

	RewritesTotal     *prometheus.CounterVec
	BindAttemptsTotal *prometheus.CounterVec
	WebSocketsActive  prometheus.Gauge
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "devtools_proxy_http_requests_total",
			Help: "Total inbound HTTP requests.",
		}, []string{"method", "status_code", "route"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "devtools_proxy_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "route"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "devtools_proxy_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "devtools_proxy_upstream_request_duration_seconds",
			Help:    "Time to upstream response headers in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method"}),

		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "devtools_proxy_upstream_responses_total",
			Help: "Total upstream responses by method and status code.",
		}, []string{"method", "status_code"}),

		RewritesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "devtools_proxy_html_rewrites_total",
			Help: "HTML documents that reached the rewrite path, by outcome.",
		}, []string{"outcome"}),

		BindAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "devtools_proxy_bind_attempts_total",
			Help: "Listener bind attempts by result.",
		}, []string{"result"}),

		WebSocketsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "devtools_proxy_websockets_active",
			Help: "Number of WebSocket connections currently relayed upstream.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.UpstreamDuration,
		m.UpstreamResponses,
		m.RewritesTotal,
		m.BindAttemptsTotal,
		m.WebSocketsActive,
	)

	return m
}

// ObserveRewrite counts one rewrite-path outcome.
func (m *Metrics) ObserveRewrite(outcome string) {
	if m == nil {
		return
	}
	m.RewritesTotal.WithLabelValues(outcome).Inc()
}

// ObserveBind counts one bind attempt.
func (m *Metrics) ObserveBind(result string) {
	if m == nil {
		return
	}
	m.BindAttemptsTotal.WithLabelValues(result).Inc()
}

// WebSocketOpened marks a relayed WebSocket connection as active.
func (m *Metrics) WebSocketOpened() {
	if m == nil {
		return
	}
	m.WebSocketsActive.Inc()
}

// WebSocketClosed releases a slot taken by WebSocketOpened.
func (m *Metrics) WebSocketClosed() {
	if m == nil {
		return
	}
	m.WebSocketsActive.Dec()
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

// NormalizeRoute returns a bounded route label. Proxied paths collapse to
// "page" or "asset"; the proxy's own routes keep their registered pattern.
func NormalizeRoute(route, requestPath string) string {
	if route != "" && route != "/*" {
		return route
	}
	switch strings.ToLower(path.Ext(requestPath)) {
	case "", ".html":
		return "page"
	default:
		return "asset"
	}
}
