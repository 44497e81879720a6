package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trackguard/internal/engine"
)

func TestObserveDecision(t *testing.T) {
	m := New()
	m.ObserveDecision(engine.Decision{Blocked: true, Reason: engine.ReasonCategory, Category: "Advertising"})
	m.ObserveDecision(engine.Decision{Blocked: true, Reason: engine.ReasonCategory, Category: "Advertising"})
	m.ObserveDecision(engine.Decision{Reason: engine.ReasonNoMatch})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.decisionsTotal.WithLabelValues("category", "Advertising")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.decisionsTotal.WithLabelValues("no_match", "")))
}

func TestMatcherObserver(t *testing.T) {
	m := New()
	matcher, err := engine.Build(map[string][]string{"Advertising": {"adnet.test"}}, nil, engine.WithObserver(m))
	require.NoError(t, err)
	m.WatchMatcher(matcher)

	matcher.Matches("http://ads.adnet.test/a.js", "http://news.test/")
	matcher.Matches("http://ads.adnet.test/a.js", "http://news.test/")
	matcher.Matches("http://cdn.test/b.js", "http://news.test/")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.decisionsTotal.WithLabelValues("category", "Advertising")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.decisionsTotal.WithLabelValues("cached_matched", "")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.decisionsTotal.WithLabelValues("no_match", "")))

	expected := `
# HELP trackguard_cache_matched_entries URLs in the matched cache.
# TYPE trackguard_cache_matched_entries gauge
trackguard_cache_matched_entries 1
# HELP trackguard_cache_unmatched_entries URLs in the unmatched cache.
# TYPE trackguard_cache_unmatched_entries gauge
trackguard_cache_unmatched_entries 1
`
	require.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected),
		"trackguard_cache_matched_entries", "trackguard_cache_unmatched_entries"))
}

func TestObserveToggle(t *testing.T) {
	m := New()
	m.ObserveToggle("Analytics", false)
	m.ObserveToggle("Analytics", true)
	m.ObserveToggle("Analytics", true)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.categoryToggles.WithLabelValues("Analytics", "enabled")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.categoryToggles.WithLabelValues("Analytics", "disabled")))
}

func TestMiddlewareAndHandler(t *testing.T) {
	m := New()
	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Get("/things/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	r.Handle("/metrics", m.Handler())

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/things/42", nil))
	require.Equal(t, http.StatusTeapot, rec.Code)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.httpRequestsTotal.WithLabelValues("GET", "418")))

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `trackguard_http_request_duration_seconds_count{method="GET",route="/things/{id}"} 1`)
}
