// Package metrics exposes the gateway's Prometheus collectors. A nil
// *Registry is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gateway"

type Registry struct {
	reg *prometheus.Registry

	requests     *prometheus.CounterVec
	latency      *prometheus.HistogramVec
	wsActive     *prometheus.GaugeVec
	wsReconnects *prometheus.CounterVec
	rateLimited  *prometheus.CounterVec
	fetchErrors  *prometheus.CounterVec
	restarts     prometheus.Counter
	compositions *prometheus.CounterVec
}

func NewRegistry() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Proxied requests by application, method and status.",
		}, []string{"application", "method", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_latency_seconds",
			Help:      "Time spent proxying a request, including the upstream round trip.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"application"}),
		wsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "active_connections",
			Help:      "Client WebSocket connections currently relayed.",
		}, []string{"application"}),
		wsReconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "upstream_reconnects_total",
			Help:      "Upstream WebSocket reconnection attempts.",
		}, []string{"application"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the per-application rate limit.",
		}, []string{"application"}),
		fetchErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "schema",
			Name:      "fetch_errors_total",
			Help:      "Failed schema fetches by kind (openapi, graphql).",
		}, []string{"kind", "application"}),
		restarts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "watcher",
			Name:      "restart_signals_total",
			Help:      "Restart signals emitted after a schema change.",
		}),
		compositions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compositions_total",
			Help:      "Composition cycles by result.",
		}, []string{"result"}),
	}
	r.reg.MustRegister(
		r.requests, r.latency, r.wsActive, r.wsReconnects,
		r.rateLimited, r.fetchErrors, r.restarts, r.compositions,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Handler serves the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// Gatherer exposes the underlying registry, mainly for tests.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

func (r *Registry) IncRequest(app, method, status string) {
	if r == nil {
		return
	}
	r.requests.WithLabelValues(app, method, status).Inc()
}

func (r *Registry) ObserveLatency(app string, d time.Duration) {
	if r == nil {
		return
	}
	r.latency.WithLabelValues(app).Observe(d.Seconds())
}

func (r *Registry) IncActiveWS(app string) {
	if r == nil {
		return
	}
	r.wsActive.WithLabelValues(app).Inc()
}

func (r *Registry) DecActiveWS(app string) {
	if r == nil {
		return
	}
	r.wsActive.WithLabelValues(app).Dec()
}

func (r *Registry) IncWSReconnect(app string) {
	if r == nil {
		return
	}
	r.wsReconnects.WithLabelValues(app).Inc()
}

func (r *Registry) IncRateLimited(app string) {
	if r == nil {
		return
	}
	r.rateLimited.WithLabelValues(app).Inc()
}

func (r *Registry) IncFetchError(kind, app string) {
	if r == nil {
		return
	}
	r.fetchErrors.WithLabelValues(kind, app).Inc()
}

func (r *Registry) IncRestartSignal() {
	if r == nil {
		return
	}
	r.restarts.Inc()
}

func (r *Registry) IncComposition(ok bool) {
	if r == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	r.compositions.WithLabelValues(result).Inc()
}
