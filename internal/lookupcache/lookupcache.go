// Package lookupcache memoizes membership results for fast-mode queries.
package lookupcache

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Cache is a bounded, thread-safe LRU from normalized query bytes to the
// boolean membership result. A nil *Cache is a valid disabled cache; all
// methods are nil-receiver safe.
//
// Cached values can never go stale because the fast-mode index is immutable;
// reread mode must bypass the cache entirely.
type Cache struct {
	inner *lru.Cache[string, bool]
}

// New constructs a cache holding up to capacity entries. A capacity of zero
// or less disables caching and returns a nil cache.
func New(capacity int) (*Cache, error) {
	if capacity <= 0 {
		return nil, nil
	}
	inner, err := lru.New[string, bool](capacity)
	if err != nil {
		return nil, fmt.Errorf("lookupcache: %w", err)
	}
	return &Cache{inner: inner}, nil
}

// Get returns the cached result for query and whether it was present,
// promoting the entry to most-recently-used on a hit.
func (c *Cache) Get(query []byte) (bool, bool) {
	if c == nil {
		return false, false
	}
	return c.inner.Get(string(query))
}

// Put stores the result for query, evicting the least-recently-used entry
// when at capacity.
func (c *Cache) Put(query []byte, exists bool) {
	if c == nil {
		return
	}
	c.inner.Add(string(query), exists)
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	if c == nil {
		return 0
	}
	return c.inner.Len()
}
