package engine

import (
	lru "github.com/hashicorp/golang-lru"
)

const DefaultCacheSize = 1024

// MatchCache remembers recent verdicts per resource URL in two bounded sets.
// A URL is never in both. The sets are safe for concurrent use.
type MatchCache struct {
	matched   *lru.Cache
	unmatched *lru.Cache
}

func NewMatchCache(size int) *MatchCache {
	if size <= 0 {
		size = DefaultCacheSize
	}
	// lru.New only fails for a non-positive size.
	matched, _ := lru.New(size)
	unmatched, _ := lru.New(size)
	return &MatchCache{matched: matched, unmatched: unmatched}
}

func (c *MatchCache) CheckMatched(url string) bool {
	_, ok := c.matched.Get(url)
	return ok
}

func (c *MatchCache) CheckUnmatched(url string) bool {
	_, ok := c.unmatched.Get(url)
	return ok
}

func (c *MatchCache) RecordMatched(url string) {
	c.unmatched.Remove(url)
	c.matched.Add(url, struct{}{})
}

func (c *MatchCache) RecordUnmatched(url string) {
	c.matched.Remove(url)
	c.unmatched.Add(url, struct{}{})
}

// InvalidateMatched drops every cached positive. Called when a category is
// disabled.
func (c *MatchCache) InvalidateMatched() {
	c.matched.Purge()
}

// InvalidateUnmatched drops every cached negative. Called when a category is
// enabled.
func (c *MatchCache) InvalidateUnmatched() {
	c.unmatched.Purge()
}

func (c *MatchCache) Len() (matched, unmatched int) {
	return c.matched.Len(), c.unmatched.Len()
}
