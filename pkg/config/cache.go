package config

// CacheConfig configures the process-local credential cache.
type CacheConfig struct {
	// Capacity is the maximum number of entries. 0 means unbounded; otherwise
	// entries are evicted LRU over last_used.
	Capacity int

	// Shards is the number of lock shards. Must be a power of two.
	Shards int
}

func loadCacheConfig() CacheConfig {
	return CacheConfig{
		Capacity: getEnvInt("CACHE_CAPACITY", 0),
		Shards:   getEnvInt("CACHE_SHARDS", 16),
	}
}
