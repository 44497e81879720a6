package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"trackguard/internal/analysis"
	"trackguard/internal/engine"
	"trackguard/internal/features"
	"trackguard/internal/metrics"
)

type fakeStore struct {
	saved map[string]bool
	err   error
}

func (f *fakeStore) SaveCategoryState(name string, enabled bool) error {
	if f.err != nil {
		return f.err
	}
	if f.saved == nil {
		f.saved = make(map[string]bool)
	}
	f.saved[name] = enabled
	return nil
}

type fakeScanner struct {
	report *analysis.Report
	err    error
}

func (f *fakeScanner) ScanPage(_ context.Context, target string) (*analysis.Report, error) {
	if f.err != nil {
		return nil, f.err
	}
	r := *f.report
	r.Page = target
	return &r, nil
}

func newTestServer(t *testing.T, store StateStore, scanner PageScanner) (*Server, *engine.URLMatcher) {
	t.Helper()
	mt := metrics.New()
	m, err := engine.Build(map[string][]string{
		"Advertising": {"adnet.test"},
		"Analytics":   {"stats.example.com"},
	}, engine.EntityTable{
		{Name: "Example", Properties: []string{"example.com"}, Resources: []string{"stats.example.com"}},
	}, engine.WithObserver(mt))
	require.NoError(t, err)
	mt.WatchMatcher(m)
	return NewServer(m, scanner, store, mt, zap.NewNop()), m
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(method, path, r))
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestHealthz(t *testing.T) {
	s, _ := newTestServer(t, nil, nil)
	rec := do(t, s, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode(t, rec)["status"])
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestListCategories(t *testing.T) {
	s, _ := newTestServer(t, nil, nil)
	rec := do(t, s, http.MethodGet, "/v1/categories", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Categories []categoryState `json:"categories"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, []categoryState{
		{Name: "Advertising", Enabled: true},
		{Name: "Analytics", Enabled: true},
		{Name: engine.WebfontsCategory, Enabled: false},
	}, body.Categories)
}

func TestSetCategory(t *testing.T) {
	store := &fakeStore{}
	s, m := newTestServer(t, store, nil)

	// Warm the matched cache, then disable the category.
	require.True(t, m.Matches("http://ads.adnet.test/x.js", "http://news.test/"))

	rec := do(t, s, http.MethodPut, "/v1/categories/Advertising", `{"enabled": false}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decode(t, rec)["enabled"])
	assert.Equal(t, map[string]bool{"Advertising": false}, store.saved)

	assert.False(t, m.IsEnabled("Advertising"))
	assert.False(t, m.Matches("http://ads.adnet.test/x.js", "http://news.test/"))
}

func TestSetCategory_Errors(t *testing.T) {
	tests := []struct {
		name  string
		path  string
		body  string
		store *fakeStore
		code  int
	}{
		{"unknown category", "/v1/categories/Cryptomining", `{"enabled": true}`, &fakeStore{}, http.StatusNotFound},
		{"bad json", "/v1/categories/Advertising", `{"enabled":`, &fakeStore{}, http.StatusBadRequest},
		{"missing field", "/v1/categories/Advertising", `{}`, &fakeStore{}, http.StatusBadRequest},
		{"store failure", "/v1/categories/Advertising", `{"enabled": false}`, &fakeStore{err: errors.New("disk full")}, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, m := newTestServer(t, tt.store, nil)
			rec := do(t, s, http.MethodPut, tt.path, tt.body)
			assert.Equal(t, tt.code, rec.Code)
			assert.Contains(t, decode(t, rec), "error")
			// Nothing changed.
			assert.True(t, m.IsEnabled("Advertising"))
			assert.Empty(t, tt.store.saved)
		})
	}
}

func TestMatch(t *testing.T) {
	s, _ := newTestServer(t, nil, nil)
	rec := do(t, s, http.MethodPost, "/v1/match", `{
		"page": "https://www.example.com/",
		"url": "https://ads.adnet.test/tag.js",
		"urls": ["https://stats.example.com/s.js", "https://cdn.other.test/lib.js", "http://[::1"]
	}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Results []matchResult `json:"results"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Results, 4)

	assert.Equal(t, matchResult{
		URL:      "https://ads.adnet.test/tag.js",
		Decision: engine.Decision{Blocked: true, Reason: engine.ReasonCategory, Category: "Advertising"},
	}, body.Results[0])
	assert.Equal(t, engine.ReasonEntity, body.Results[1].Reason)
	assert.Equal(t, engine.ReasonNoMatch, body.Results[2].Reason)
	assert.Equal(t, engine.ReasonMalformed, body.Results[3].Reason)
}

func TestMatch_BadRequests(t *testing.T) {
	s, _ := newTestServer(t, nil, nil)
	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodPost, "/v1/match", `nope`).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodPost, "/v1/match", `{"page": "x"}`).Code)

	urls := make([]string, maxMatchBatch+1)
	for i := range urls {
		urls[i] = "http://a.test/"
	}
	raw, err := json.Marshal(map[string]any{"urls": urls})
	require.NoError(t, err)
	assert.Equal(t, http.StatusRequestEntityTooLarge, do(t, s, http.MethodPost, "/v1/match", string(raw)).Code)
}

func TestScan(t *testing.T) {
	scanner := &fakeScanner{report: &analysis.Report{
		Resources: []analysis.ResourceDecision{{
			Resource: features.Resource{URL: "https://ads.adnet.test/tag.js", Tag: "script"},
			Decision: engine.Decision{Blocked: true, Reason: engine.ReasonCategory, Category: "Advertising"},
		}},
		Blocked: 1,
	}}
	s, _ := newTestServer(t, nil, scanner)

	rec := do(t, s, http.MethodPost, "/v1/scan", `{"url": "https://news.test/"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var report analysis.Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, "https://news.test/", report.Page)
	assert.Equal(t, 1, report.Blocked)
	assert.Equal(t, "script", report.Resources[0].Tag)

	scanner.err = errors.New("dial tcp: no route")
	assert.Equal(t, http.StatusBadGateway, do(t, s, http.MethodPost, "/v1/scan", `{"url": "https://news.test/"}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodPost, "/v1/scan", `{}`).Code)
}

func TestScan_Disabled(t *testing.T) {
	s, _ := newTestServer(t, nil, nil)
	assert.Equal(t, http.StatusNotImplemented, do(t, s, http.MethodPost, "/v1/scan", `{"url": "x"}`).Code)
}

func TestMetricsAndStats(t *testing.T) {
	s, _ := newTestServer(t, nil, nil)
	do(t, s, http.MethodPost, "/v1/match", `{"url": "https://ads.adnet.test/a.js"}`)

	rec := do(t, s, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `trackguard_decisions_total{category="Advertising",reason="category"} 1`)
	assert.Contains(t, rec.Body.String(), `trackguard_patterns 2`)

	rec = do(t, s, http.MethodGet, "/v1/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var stats engine.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 2, stats.Patterns)
	assert.Equal(t, 1, stats.CachedMatched)
}

func TestSetMatcher(t *testing.T) {
	s, _ := newTestServer(t, nil, nil)

	rebuilt, err := engine.Build(map[string][]string{"Social": {"social.test"}}, nil)
	require.NoError(t, err)
	s.SetMatcher(rebuilt)

	rec := do(t, s, http.MethodPost, "/v1/match", `{"urls": ["https://w.social.test/a.js", "https://ads.adnet.test/a.js"]}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Results []matchResult `json:"results"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.Results[0].Blocked)
	assert.False(t, body.Results[1].Blocked)

	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodPut, "/v1/categories/Advertising", `{"enabled": false}`).Code)
}

func TestSetCategory_CountsOnlyChanges(t *testing.T) {
	s, _ := newTestServer(t, &fakeStore{}, nil)

	for i := 0; i < 2; i++ {
		require.Equal(t, http.StatusOK, do(t, s, http.MethodPut, "/v1/categories/Advertising", `{"enabled": false}`).Code)
	}
	// Already enabled: not a change.
	require.Equal(t, http.StatusOK, do(t, s, http.MethodPut, "/v1/categories/Analytics", `{"enabled": true}`).Code)

	body := do(t, s, http.MethodGet, "/metrics", "").Body.String()
	assert.Contains(t, body, `trackguard_category_toggles_total{category="Advertising",state="disabled"} 1`)
	assert.NotContains(t, body, `trackguard_category_toggles_total{category="Analytics"`)
}

func TestReload_TogglesWaitForSwap(t *testing.T) {
	store := &fakeStore{}
	s, old := newTestServer(t, store, nil)

	var rebuilt *engine.URLMatcher
	done := make(chan int, 1)
	_, err := s.Reload(func() (*engine.URLMatcher, error) {
		go func() {
			done <- do(t, s, http.MethodPut, "/v1/categories/Advertising", `{"enabled": false}`).Code
		}()
		select {
		case <-done:
			t.Error("toggle completed while a reload was in progress")
		case <-time.After(50 * time.Millisecond):
		}

		m, err := engine.Build(map[string][]string{"Advertising": {"adnet.test"}}, nil)
		rebuilt = m
		return m, err
	})
	require.NoError(t, err)

	select {
	case code := <-done:
		require.Equal(t, http.StatusOK, code)
	case <-time.After(3 * time.Second):
		t.Fatal("toggle did not finish after the reload")
	}

	assert.False(t, rebuilt.IsEnabled("Advertising"))
	assert.True(t, old.IsEnabled("Advertising"))
	assert.Equal(t, map[string]bool{"Advertising": false}, store.saved)
}

func TestReload_BuildErrorKeepsMatcher(t *testing.T) {
	s, _ := newTestServer(t, nil, nil)

	_, err := s.Reload(func() (*engine.URLMatcher, error) {
		return nil, errors.New("feed store locked")
	})
	require.Error(t, err)

	rec := do(t, s, http.MethodPost, "/v1/match", `{"url": "https://ads.adnet.test/a.js"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"category":"Advertising"`)
}
