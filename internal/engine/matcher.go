package engine

import (
	"net/url"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Reason explains a Decision.
type Reason string

const (
	ReasonMalformed       Reason = "malformed"
	ReasonWebfont         Reason = "webfont"
	ReasonCachedUnmatched Reason = "cached_unmatched"
	ReasonEntity          Reason = "entity"
	ReasonSameOrigin      Reason = "same_origin"
	ReasonCachedMatched   Reason = "cached_matched"
	ReasonCategory        Reason = "category"
	ReasonNoMatch         Reason = "no_match"
)

// Decision is the outcome of one lookup.
type Decision struct {
	Blocked  bool   `json:"blocked"`
	Reason   Reason `json:"reason"`
	Category string `json:"category,omitempty"`
}

// Observer receives every decision URLMatcher makes.
type Observer interface {
	ObserveDecision(Decision)
}

var webfontExtensions = []string{".woff2", ".woff", ".eot", ".ttf", ".otf"}

// URLMatcher decides whether a resource embedded in a page should be blocked.
// Lookups may run concurrently with each other and with SetCategoryEnabled.
type URLMatcher struct {
	mu       sync.RWMutex
	registry *CategoryRegistry
	entities *EntityWhitelist
	cache    *MatchCache

	logger   *zap.Logger
	observer Observer
}

type options struct {
	enabled    []string
	enabledSet bool
	cacheSize  int
	overrides  map[string][]string
	logger     *zap.Logger
	observer   Observer
}

type Option func(*options)

// WithEnabled sets the initially enabled categories. Without it every
// trie-backed category starts enabled and webfont blocking starts off.
func WithEnabled(names ...string) Option {
	return func(o *options) {
		o.enabled = names
		o.enabledSet = true
	}
}

func WithCacheSize(n int) Option {
	return func(o *options) { o.cacheSize = n }
}

// WithOverrides appends extra patterns to already loaded categories.
func WithOverrides(overrides map[string][]string) Option {
	return func(o *options) { o.overrides = overrides }
}

func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

func WithObserver(obs Observer) Option {
	return func(o *options) { o.observer = obs }
}

// Build constructs a matcher from pre-parsed category patterns and an entity
// table.
func Build(patterns map[string][]string, entities EntityTable, opts ...Option) (*URLMatcher, error) {
	o := options{cacheSize: DefaultCacheSize}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}

	enabled := o.enabled
	if !o.enabledSet {
		for name := range patterns {
			enabled = append(enabled, name)
		}
	}

	registry, err := NewCategoryRegistry(patterns, enabled)
	if err != nil {
		return nil, err
	}
	for category, list := range o.overrides {
		if err := registry.AddOverrides(category, list); err != nil {
			return nil, err
		}
	}

	m := &URLMatcher{
		registry: registry,
		entities: NewEntityWhitelist(entities),
		cache:    NewMatchCache(o.cacheSize),
		logger:   o.logger,
		observer: o.observer,
	}
	m.logger.Info("url matcher built",
		zap.Int("categories", len(patterns)),
		zap.Int("patterns", registry.Patterns()),
		zap.Int("entities", m.entities.Entities()),
		zap.Strings("enabled", registry.Enabled()),
	)
	return m, nil
}

// SetCategoryEnabled enables or disables a category. Enabling drops the cached
// negatives and disabling drops the cached positives, both under the same lock
// that lookups hold.
func (m *URLMatcher) SetCategoryEnabled(category string, enabled bool) error {
	_, err := m.ToggleCategory(category, enabled)
	return err
}

// ToggleCategory is SetCategoryEnabled that also reports whether the state
// actually changed. A request for the current state is a no-op and keeps the
// cache.
func (m *URLMatcher) ToggleCategory(category string, enabled bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	changed, err := m.registry.SetEnabled(category, enabled)
	if err != nil || !changed {
		return false, err
	}

	if enabled {
		m.cache.InvalidateUnmatched()
	} else {
		m.cache.InvalidateMatched()
	}
	m.logger.Info("category toggled", zap.String("category", category), zap.Bool("enabled", enabled))
	return true, nil
}

func (m *URLMatcher) IsEnabled(category string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.registry.IsEnabled(category)
}

func (m *URLMatcher) Categories() []string {
	return m.registry.Categories()
}

// Matches reports whether resourceURL should be blocked when loaded from a
// page at pageURL.
func (m *URLMatcher) Matches(resourceURL, pageURL string) bool {
	return m.Decide(resourceURL, pageURL).Blocked
}

// Decide is Matches with the reason attached.
func (m *URLMatcher) Decide(resourceURL, pageURL string) Decision {
	d := m.decide(resourceURL, pageURL)
	if m.observer != nil {
		m.observer.ObserveDecision(d)
	}
	return d
}

func (m *URLMatcher) decide(resourceURL, pageURL string) Decision {
	res, ok := parseURL(resourceURL)
	if !ok {
		m.logger.Debug("malformed resource url", zap.String("url", resourceURL))
		return Decision{Reason: ReasonMalformed}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	// Webfont blocking wins over the whitelist and the same-origin check.
	if m.registry.IsEnabled(WebfontsCategory) && isWebfont(res.Path) {
		return Decision{Blocked: true, Reason: ReasonWebfont, Category: WebfontsCategory}
	}

	key := res.String()
	if m.cache.CheckUnmatched(key) {
		return Decision{Reason: ReasonCachedUnmatched}
	}

	resHost := hostOf(res)
	var pageHost string
	if page, ok := parseURL(pageURL); ok {
		pageHost = hostOf(page)
	}

	// Neither of these depends on category state and both depend on the page,
	// so they are not cached.
	if m.entities.IsWhitelisted(pageHost, resHost) {
		return Decision{Reason: ReasonEntity}
	}
	if pageHost != "" && pageHost == resHost {
		return Decision{Reason: ReasonSameOrigin}
	}

	if m.cache.CheckMatched(key) {
		return Decision{Blocked: true, Reason: ReasonCachedMatched}
	}

	if category, ok := m.registry.FindMatchAcrossEnabled(NewReverseDomain(resHost)); ok {
		m.cache.RecordMatched(key)
		return Decision{Blocked: true, Reason: ReasonCategory, Category: category}
	}
	m.cache.RecordUnmatched(key)
	return Decision{Reason: ReasonNoMatch}
}

// Stats is a point-in-time view of the matcher.
type Stats struct {
	Categories      int      `json:"categories"`
	Patterns        int      `json:"patterns"`
	Entities        int      `json:"entities"`
	Enabled         []string `json:"enabled"`
	CachedMatched   int      `json:"cached_matched"`
	CachedUnmatched int      `json:"cached_unmatched"`
}

func (m *URLMatcher) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	matched, unmatched := m.cache.Len()
	return Stats{
		Categories:      len(m.registry.order),
		Patterns:        m.registry.Patterns(),
		Entities:        m.entities.Entities(),
		Enabled:         m.registry.Enabled(),
		CachedMatched:   matched,
		CachedUnmatched: unmatched,
	}
}

// parseURL accepts scheme-less input such as "ads.example.com/x.js". Opaque
// URLs and URLs without a host are rejected.
func parseURL(raw string) (*url.URL, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, false
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Opaque != "" || u.Hostname() == "" {
		return nil, false
	}
	return u, true
}

// hostOf returns the lowercased host without the root dot, so "a.com." and
// "a.com" compare equal.
func hostOf(u *url.URL) string {
	return strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
}

func isWebfont(path string) bool {
	path = strings.ToLower(path)
	for _, ext := range webfontExtensions {
		if strings.HasSuffix(path, ext) {
			return true
		}
	}
	return false
}
