package engine

import (
	"fmt"
	"sort"
)

// WebfontsCategory is a pseudo-category. It has no trie: when enabled, any
// resource whose path ends in a web font extension is blocked.
const WebfontsCategory = "Webfonts"

// CategoryRegistry owns one PatternTrie per category and the set of enabled
// categories. It does no locking of its own; URLMatcher serializes access.
type CategoryRegistry struct {
	tries   map[string]*PatternTrie
	order   []string // sorted trie-backed category names
	enabled map[string]bool
}

func NewCategoryRegistry(patterns map[string][]string, enabled []string) (*CategoryRegistry, error) {
	r := &CategoryRegistry{
		tries:   make(map[string]*PatternTrie, len(patterns)),
		enabled: make(map[string]bool, len(enabled)),
	}

	for name, list := range patterns {
		if name == WebfontsCategory {
			return nil, fmt.Errorf("%w: %q is reserved", ErrInvalidRegistry, name)
		}
		trie := NewPatternTrie()
		for _, p := range list {
			trie.Put(p)
		}
		r.tries[name] = trie
		r.order = append(r.order, name)
	}
	sort.Strings(r.order)

	for _, name := range enabled {
		if name != WebfontsCategory && r.tries[name] == nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidRegistry, &UnknownCategoryError{Name: name})
		}
		r.enabled[name] = true
	}
	return r, nil
}

// AddOverrides appends patterns to an existing category.
func (r *CategoryRegistry) AddOverrides(category string, patterns []string) error {
	trie := r.tries[category]
	if trie == nil {
		return &UnknownCategoryError{Name: category}
	}
	for _, p := range patterns {
		trie.Put(p)
	}
	return nil
}

// SetEnabled toggles a category. changed is false when the category was
// already in the requested state.
func (r *CategoryRegistry) SetEnabled(name string, enabled bool) (changed bool, err error) {
	if name != WebfontsCategory && r.tries[name] == nil {
		return false, &UnknownCategoryError{Name: name}
	}
	if r.enabled[name] == enabled {
		return false, nil
	}
	if enabled {
		r.enabled[name] = true
	} else {
		delete(r.enabled, name)
	}
	return true, nil
}

func (r *CategoryRegistry) IsEnabled(name string) bool {
	return r.enabled[name]
}

// Categories returns every known category, the webfonts pseudo-category
// included, sorted by name.
func (r *CategoryRegistry) Categories() []string {
	out := make([]string, 0, len(r.order)+1)
	out = append(out, r.order...)
	out = append(out, WebfontsCategory)
	sort.Strings(out)
	return out
}

// Enabled returns the enabled categories sorted by name.
func (r *CategoryRegistry) Enabled() []string {
	out := make([]string, 0, len(r.enabled))
	for name := range r.enabled {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// FindMatchAcrossEnabled returns the first enabled category whose trie
// matches rd. Any hit blocks, so the order only decides which name is
// reported.
func (r *CategoryRegistry) FindMatchAcrossEnabled(rd ReverseDomain) (string, bool) {
	for _, name := range r.order {
		if !r.enabled[name] {
			continue
		}
		if r.tries[name].FindMatch(rd) {
			return name, true
		}
	}
	return "", false
}

// Patterns returns the total number of patterns across all categories.
func (r *CategoryRegistry) Patterns() int {
	n := 0
	for _, t := range r.tries {
		n += t.Len()
	}
	return n
}
