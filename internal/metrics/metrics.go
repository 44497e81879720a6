// Package metrics exposes Prometheus collectors for the matcher and its API.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"trackguard/internal/engine"
)

// Metrics owns a registry so tests and multiple servers do not collide on
// the global one.
type Metrics struct {
	registry *prometheus.Registry

	decisionsTotal      *prometheus.CounterVec
	categoryToggles     *prometheus.CounterVec
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		decisionsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trackguard_decisions_total",
				Help: "Matcher decisions, labeled by reason and blocking category.",
			},
			[]string{"reason", "category"},
		),
		categoryToggles: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trackguard_category_toggles_total",
				Help: "Category enable/disable operations that changed state.",
			},
			[]string{"category", "state"},
		),
		httpRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trackguard_http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		),
		httpRequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "trackguard_http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "route"},
		),
	}
}

// ObserveDecision implements engine.Observer.
func (m *Metrics) ObserveDecision(d engine.Decision) {
	m.decisionsTotal.WithLabelValues(string(d.Reason), d.Category).Inc()
}

// ObserveToggle records a category toggle.
func (m *Metrics) ObserveToggle(category string, enabled bool) {
	state := "disabled"
	if enabled {
		state = "enabled"
	}
	m.categoryToggles.WithLabelValues(category, state).Inc()
}

// StatsSource is satisfied by *engine.URLMatcher.
type StatsSource interface {
	Stats() engine.Stats
}

// WatchMatcher exports gauges read from src at scrape time.
func (m *Metrics) WatchMatcher(src StatsSource) {
	gauge := func(name, help string, fn func(engine.Stats) int) {
		m.registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Name: name, Help: help},
			func() float64 { return float64(fn(src.Stats())) },
		))
	}
	gauge("trackguard_patterns", "Patterns loaded across all categories.",
		func(s engine.Stats) int { return s.Patterns })
	gauge("trackguard_entities", "Entities in the whitelist.",
		func(s engine.Stats) int { return s.Entities })
	gauge("trackguard_enabled_categories", "Categories currently enabled.",
		func(s engine.Stats) int { return len(s.Enabled) })
	gauge("trackguard_cache_matched_entries", "URLs in the matched cache.",
		func(s engine.Stats) int { return s.CachedMatched })
	gauge("trackguard_cache_unmatched_entries", "URLs in the unmatched cache.",
		func(s engine.Stats) int { return s.CachedUnmatched })
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry is exposed for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Middleware is a chi middleware that records HTTP request metrics.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)

		routePattern := "unknown"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			routePattern = rctx.RoutePattern()
		}
		m.httpRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(ww.status)).Inc()
		m.httpRequestDuration.WithLabelValues(r.Method, routePattern).Observe(time.Since(start).Seconds())
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}
