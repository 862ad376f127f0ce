package rules

import (
	"sync"
	"time"
)

// InMemoryQueriesCache is a simple in-memory implementation of QueriesCache.
// Thread-safe for concurrent access
type InMemoryQueriesCache struct {
	queries  []*SavedQuery
	cachedAt time.Time
	config   CacheConfig
	mu       sync.RWMutex
	isValid  bool
	now      func() time.Time
}

// NewInMemoryQueriesCache creates a new in-memory queries cache
func NewInMemoryQueriesCache(config CacheConfig) *InMemoryQueriesCache {
	return &InMemoryQueriesCache{
		config: config,
		now:    time.Now,
	}
}

// Get returns a copy of the cached queries, or nil when invalid or expired
func (c *InMemoryQueriesCache) Get() []*SavedQuery {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.fresh() {
		return nil
	}

	queriesCopy := make([]*SavedQuery, len(c.queries))
	copy(queriesCopy, c.queries)
	return queriesCopy
}

// Set stores a copy of queries
func (c *InMemoryQueriesCache) Set(queries []*SavedQuery) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.queries = make([]*SavedQuery, len(queries))
	copy(c.queries, queries)
	c.cachedAt = c.now()
	c.isValid = true
}

// Invalidate clears the cache
func (c *InMemoryQueriesCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.isValid = false
	c.queries = nil
}

// IsValid returns true if cache contains unexpired data
func (c *InMemoryQueriesCache) IsValid() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.fresh()
}

// fresh must be called with mu held
func (c *InMemoryQueriesCache) fresh() bool {
	if !c.isValid {
		return false
	}
	if c.config.TTL > 0 {
		return c.now().Sub(c.cachedAt) <= c.config.TTL
	}
	return true
}
