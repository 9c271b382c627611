// Package metrics exposes Prometheus instrumentation for the gateway.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Authentication outcomes recorded by IncAuth.
const (
	AuthBypass        = "bypass"
	AuthValidated     = "validated"
	AuthRefreshed     = "refreshed"
	AuthRejected      = "rejected"
	AuthRefreshFailed = "refresh_failed"
)

// Gateway captures request, authentication and upstream metrics.
type Gateway interface {
	ObserveRequest(method, route, status string, durationSeconds float64)
	IncAuth(outcome string)
	IncUpstreamError(service, status string)
}

// Noop implements Gateway without emitting anything.
type Noop struct{}

func (Noop) ObserveRequest(string, string, string, float64) {}
func (Noop) IncAuth(string)                                 {}
func (Noop) IncUpstreamError(string, string)                {}

type gatewayProm struct {
	requests  *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	auth      *prometheus.CounterVec
	upstreams *prometheus.CounterVec
	once      sync.Once
}

// NewGatewayProm constructs a Gateway backed by counters and histograms
// registered on reg. A nil reg means prometheus.DefaultRegisterer.
func NewGatewayProm(namespace string, reg prometheus.Registerer) Gateway {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	g := &gatewayProm{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method/route/status",
		}, []string{"method", "route", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method/route",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		auth: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_outcomes_total",
			Help:      "Authentication decisions by outcome",
		}, []string{"outcome"}),
		upstreams: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_errors_total",
			Help:      "Failed upstream responses by service/status",
		}, []string{"service", "status"}),
	}
	g.once.Do(func() {
		reg.MustRegister(g.requests, g.latency, g.auth, g.upstreams)
	})
	return g
}

func (g *gatewayProm) ObserveRequest(method, route, status string, durationSeconds float64) {
	g.requests.WithLabelValues(method, route, status).Inc()
	g.latency.WithLabelValues(method, route).Observe(durationSeconds)
}

func (g *gatewayProm) IncAuth(outcome string) {
	g.auth.WithLabelValues(outcome).Inc()
}

func (g *gatewayProm) IncUpstreamError(service, status string) {
	g.upstreams.WithLabelValues(service, status).Inc()
}

// NewRegistry returns a registry preloaded with the Go runtime and process
// collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler returns an HTTP handler for /metrics serving g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
