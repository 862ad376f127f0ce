package rules

import "time"

// QueriesCache provides an abstraction for caching the active saved queries
type QueriesCache interface {
	// Get retrieves cached queries, returns nil if cache miss or expired
	Get() []*SavedQuery

	// Set stores queries in cache
	Set(queries []*SavedQuery)

	// Invalidate clears the cache, forcing a refresh on next Get
	Invalidate()

	// IsValid returns true if cache has valid data
	IsValid() bool
}

// CacheConfig holds configuration for cache behavior
type CacheConfig struct {
	// TTL is the time-to-live for cached entries.
	// 0 means no expiration (manual invalidation only)
	TTL time.Duration
}

// DefaultCacheConfig invalidates only on mutation
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{TTL: 0}
}
