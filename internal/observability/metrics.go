// Package observability exposes Prometheus metrics for the resolution
// engine and the HTTP surface.
package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/odyssey-erp/gatekeeper/internal/engine"
)

// Metrics collects Prometheus metrics behind a dedicated registry.
type Metrics struct {
	registry *prometheus.Registry
	handler  http.Handler

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	cacheLookups       *prometheus.CounterVec
	resolutionDuration prometheus.Histogram
	invalidationsTotal prometheus.Counter
	decisionsTotal     *prometheus.CounterVec
}

// NewMetrics initialises the registry and all engine metrics.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gatekeeper_http_requests_total",
		Help: "HTTP requests by route and status code.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gatekeeper_http_request_duration_seconds",
		Help:    "HTTP request duration per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	cacheLookups := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gatekeeper_cache_lookups_total",
		Help: "Permission cache lookups by result.",
	}, []string{"result"})
	resolution := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "gatekeeper_resolution_duration_seconds",
		Help:    "End-to-end permission resolution latency.",
		Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
	})
	invalidations := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gatekeeper_invalidations_total",
		Help: "Invalidation events processed.",
	})
	decisions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gatekeeper_decisions_total",
		Help: "Check decisions by outcome.",
	}, []string{"outcome"})
	registry.MustRegister(requests, duration, cacheLookups, resolution, invalidations, decisions)
	return &Metrics{
		registry:           registry,
		handler:            promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:      requests,
		requestDuration:    duration,
		cacheLookups:       cacheLookups,
		resolutionDuration: resolution,
		invalidationsTotal: invalidations,
		decisionsTotal:     decisions,
	}
}

// Handler returns the http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware records metrics for every HTTP request.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// Registerer exposes the registry for custom metric registration.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

// CacheHit implements engine.Metrics.
func (m *Metrics) CacheHit() {
	m.cacheLookups.WithLabelValues("hit").Inc()
}

// CacheMiss implements engine.Metrics.
func (m *Metrics) CacheMiss() {
	m.cacheLookups.WithLabelValues("miss").Inc()
}

// ResolutionObserved implements engine.Metrics.
func (m *Metrics) ResolutionObserved(d time.Duration) {
	m.resolutionDuration.Observe(d.Seconds())
}

// InvalidationReceived implements engine.Metrics.
func (m *Metrics) InvalidationReceived() {
	m.invalidationsTotal.Inc()
}

// DecisionRecorded implements engine.Metrics.
func (m *Metrics) DecisionRecorded(outcome engine.Outcome) {
	m.decisionsTotal.WithLabelValues(string(outcome)).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}
