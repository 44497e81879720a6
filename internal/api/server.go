// Package api exposes the matcher over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"trackguard/internal/analysis"
	"trackguard/internal/engine"
	"trackguard/internal/metrics"
)

// StateStore persists category toggles.
type StateStore interface {
	SaveCategoryState(name string, enabled bool) error
}

// PageScanner audits a live page.
type PageScanner interface {
	ScanPage(ctx context.Context, target string) (*analysis.Report, error)
}

// Server wires HTTP handlers to the matcher.
type Server struct {
	router  chi.Router
	matcher atomic.Pointer[engine.URLMatcher]
	// toggleMu orders toggles against Reload so a toggle is never applied
	// only to a matcher that is about to be replaced.
	toggleMu sync.Mutex
	scanner  PageScanner
	store    StateStore
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes. scanner, store
// and m may be nil: the scan route then answers 501, toggles are not
// persisted and /metrics is not mounted.
func NewServer(matcher *engine.URLMatcher, scanner PageScanner, store StateStore, m *metrics.Metrics, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		scanner: scanner,
		store:   store,
		metrics: m,
		logger:  logger,
	}
	s.matcher.Store(matcher)

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	if m != nil {
		r.Use(m.Middleware)
		r.Method(http.MethodGet, "/metrics", m.Handler())
	}

	r.Get("/healthz", s.healthz)
	r.Route("/v1", func(r chi.Router) {
		r.Get("/stats", s.stats)
		r.Get("/categories", s.listCategories)
		r.Put("/categories/{name}", s.setCategory)
		r.Post("/match", s.match)
		r.With(timeoutMiddleware(30*time.Second)).Post("/scan", s.scan)
	})

	s.router = r
	return s
}

// SetMatcher swaps in a matcher built elsewhere. Requests already running
// finish against the old one.
func (s *Server) SetMatcher(m *engine.URLMatcher) {
	s.toggleMu.Lock()
	defer s.toggleMu.Unlock()
	s.matcher.Store(m)
}

// Reload builds a replacement matcher and swaps it in while holding off
// category toggles, so build sees every persisted toggle and no toggle lands
// on the outgoing matcher. On error the current matcher stays.
func (s *Server) Reload(build func() (*engine.URLMatcher, error)) (*engine.URLMatcher, error) {
	s.toggleMu.Lock()
	defer s.toggleMu.Unlock()

	m, err := build()
	if err != nil {
		return nil, err
	}
	s.matcher.Store(m)
	return m, nil
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) stats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.matcher.Load().Stats())
}

type categoryState struct {
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`
}

func (s *Server) listCategories(w http.ResponseWriter, _ *http.Request) {
	matcher := s.matcher.Load()
	names := matcher.Categories()
	out := make([]categoryState, 0, len(names))
	for _, name := range names {
		out = append(out, categoryState{Name: name, Enabled: matcher.IsEnabled(name)})
	}
	writeJSON(w, http.StatusOK, map[string]any{"categories": out})
}

type setCategoryRequest struct {
	Enabled *bool `json:"enabled"`
}

func (s *Server) setCategory(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var req setCategoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Enabled == nil {
		writeError(w, http.StatusBadRequest, `body must be {"enabled": true|false}`)
		return
	}

	s.toggleMu.Lock()
	defer s.toggleMu.Unlock()

	matcher := s.matcher.Load()
	if !known(matcher, name) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown category %q", name))
		return
	}

	if s.store != nil {
		if err := s.store.SaveCategoryState(name, *req.Enabled); err != nil {
			s.logger.Error("persist category state", zap.String("category", name), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "could not persist category state")
			return
		}
	}

	changed, err := matcher.ToggleCategory(name, *req.Enabled)
	if err != nil {
		var unknown *engine.UnknownCategoryError
		if errors.As(err, &unknown) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if s.metrics != nil && changed {
		s.metrics.ObserveToggle(name, *req.Enabled)
	}

	writeJSON(w, http.StatusOK, categoryState{Name: name, Enabled: *req.Enabled})
}

func known(m *engine.URLMatcher, name string) bool {
	names := m.Categories()
	i := sort.SearchStrings(names, name)
	return i < len(names) && names[i] == name
}

type matchRequest struct {
	Page string   `json:"page"`
	URL  string   `json:"url"`
	URLs []string `json:"urls"`
}

type matchResult struct {
	URL string `json:"url"`
	engine.Decision
}

// maxMatchBatch bounds the urls array of one /v1/match call.
const maxMatchBatch = 1000

func (s *Server) match(w http.ResponseWriter, r *http.Request) {
	var req matchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	urls := req.URLs
	if req.URL != "" {
		urls = append([]string{req.URL}, urls...)
	}
	if len(urls) == 0 {
		writeError(w, http.StatusBadRequest, "url or urls required")
		return
	}
	if len(urls) > maxMatchBatch {
		writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("at most %d urls per request", maxMatchBatch))
		return
	}

	matcher := s.matcher.Load()
	results := make([]matchResult, 0, len(urls))
	for _, u := range urls {
		results = append(results, matchResult{URL: u, Decision: matcher.Decide(u, req.Page)})
	}
	writeJSON(w, http.StatusOK, map[string]any{"page": req.Page, "results": results})
}

type scanRequest struct {
	URL string `json:"url"`
}

func (s *Server) scan(w http.ResponseWriter, r *http.Request) {
	if s.scanner == nil {
		writeError(w, http.StatusNotImplemented, "page scanning is disabled")
		return
	}
	var req scanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.URL == "" {
		writeError(w, http.StatusBadRequest, "url required")
		return
	}

	report, err := s.scanner.ScanPage(r.Context(), req.URL)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type requestIDKey struct{}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		reqID, _ := r.Context().Value(requestIDKey{}).(string)
		s.logger.Info("request completed",
			zap.String("request_id", reqID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
