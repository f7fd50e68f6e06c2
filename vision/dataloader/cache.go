package dataloader

import (
	"fmt"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
)

// CacheManager is an LRU cache of preprocessed image tensors keyed by file
// path. It is safe for concurrent use and can be shared between loaders.
type CacheManager struct {
	cache   *lru.Cache
	maxSize int

	hits   int64
	misses int64
}

// NewCacheManager creates a cache holding at most maxSize tensors.
func NewCacheManager(maxSize int) (*CacheManager, error) {
	cache, err := lru.New(maxSize)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create image cache")
	}
	return &CacheManager{cache: cache, maxSize: maxSize}, nil
}

// Get retrieves an item from the cache. Callers must not modify the
// returned slice.
func (cm *CacheManager) Get(key string) ([]float64, bool) {
	if v, ok := cm.cache.Get(key); ok {
		atomic.AddInt64(&cm.hits, 1)
		return v.([]float64), true
	}
	atomic.AddInt64(&cm.misses, 1)
	return nil, false
}

// Put adds an item to the cache, evicting the least recently used one when
// full.
func (cm *CacheManager) Put(key string, data []float64) {
	cm.cache.Add(key, data)
}

// Stats returns cache statistics
func (cm *CacheManager) Stats() CacheStats {
	hits := atomic.LoadInt64(&cm.hits)
	misses := atomic.LoadInt64(&cm.misses)
	stats := CacheStats{
		Size:    cm.cache.Len(),
		MaxSize: cm.maxSize,
		Hits:    hits,
		Misses:  misses,
	}
	if total := hits + misses; total > 0 {
		stats.HitRate = float64(hits) / float64(total) * 100
	}
	return stats
}

// Clear empties the cache. Statistics are cumulative and survive.
func (cm *CacheManager) Clear() {
	cm.cache.Purge()
}

// ResetStats resets the statistics
func (cm *CacheManager) ResetStats() {
	atomic.StoreInt64(&cm.hits, 0)
	atomic.StoreInt64(&cm.misses, 0)
}

// CacheStats holds cache statistics
type CacheStats struct {
	Size    int
	MaxSize int
	Hits    int64
	Misses  int64
	HitRate float64
}

// String returns a string representation of cache stats
func (cs CacheStats) String() string {
	return fmt.Sprintf("Cache: %d/%d items, Hits: %d, Misses: %d, Hit Rate: %.1f%%",
		cs.Size, cs.MaxSize, cs.Hits, cs.Misses, cs.HitRate)
}
