package middleware

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/scttfrdmn/genekit/genekit-go/evaluation"
	"github.com/scttfrdmn/genekit/genekit-go/gene"
)

// CachingConfig configures caching behavior.
type CachingConfig struct {
	// MaxCacheSize is the maximum number of entries in the cache.
	// Default: 1000
	MaxCacheSize int

	// DefaultTTL is the time-to-live for cache entries.
	// Default: 5 minutes
	DefaultTTL time.Duration

	// KeyGenerator is an optional custom function to generate cache keys.
	// If nil, a SHA256 hash of the JSON encoding of the args is used.
	KeyGenerator func(gene.Args) string
}

// DefaultCachingConfig returns a caching config with sensible defaults.
func DefaultCachingConfig() CachingConfig {
	return CachingConfig{
		MaxCacheSize: 1000,
		DefaultTTL:   5 * time.Minute,
		KeyGenerator: nil,
	}
}

// Validate validates the caching configuration.
func (c *CachingConfig) Validate() error {
	if c.MaxCacheSize < 1 {
		return fmt.Errorf("max_cache_size must be at least 1, got %d", c.MaxCacheSize)
	}
	if c.DefaultTTL <= 0 {
		return fmt.Errorf("default_ttl must be positive, got %v", c.DefaultTTL)
	}
	return nil
}

// CachingMetrics tracks caching middleware metrics.
type CachingMetrics struct {
	mu            sync.RWMutex
	TotalRequests int64
	CacheHits     int64
	CacheMisses   int64
	Evictions     int64
	Invalidations int64
	CurrentSize   int64
}

// NewCachingMetrics creates a new metrics instance.
func NewCachingMetrics() *CachingMetrics {
	return &CachingMetrics{}
}

func (m *CachingMetrics) recordHit() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TotalRequests++
	m.CacheHits++
}

func (m *CachingMetrics) recordMiss() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TotalRequests++
	m.CacheMisses++
}

func (m *CachingMetrics) recordEviction(size int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Evictions++
	m.CurrentSize = int64(size)
}

func (m *CachingMetrics) recordInvalidations(n, size int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Invalidations += int64(n)
	m.CurrentSize = int64(size)
}

func (m *CachingMetrics) updateSize(size int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CurrentSize = int64(size)
}

// HitRate returns the cache hit rate.
func (m *CachingMetrics) HitRate() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.TotalRequests == 0 {
		return 0.0
	}
	return float64(m.CacheHits) / float64(m.TotalRequests)
}

// GetStats returns a snapshot of all metrics.
func (m *CachingMetrics) GetStats() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()

	total := float64(max(m.TotalRequests, 1))
	return map[string]any{
		"total_requests": m.TotalRequests,
		"cache_hits":     m.CacheHits,
		"cache_misses":   m.CacheMisses,
		"hit_rate":       float64(m.CacheHits) / total,
		"miss_rate":      float64(m.CacheMisses) / total,
		"evictions":      m.Evictions,
		"invalidations":  m.Invalidations,
		"current_size":   m.CurrentSize,
	}
}

// cacheEntry is a cached score with its expiry.
type cacheEntry struct {
	key       string
	score     float64
	expiresAt time.Time
}

func (e *cacheEntry) isExpired(now time.Time) bool {
	return now.After(e.expiresAt)
}

// CachingDecorator memoizes objective scores per configuration.
//
// Optimizers revisit configurations often (elites, converged populations,
// mutations back to a best-known value); the cache answers those without a
// new objective call. It implements:
//
//   - LRU eviction when the cache is full
//   - TTL based expiration with periodic cleanup
//   - Invalidation of one configuration or the whole cache
//
// Errors are never cached.
//
// Example:
//
//	cache, _ := middleware.NewCachingDecorator(objective, middleware.DefaultCachingConfig())
//	config.Objective = cache.Evaluate
//	...
//	fmt.Printf("Hit rate: %.2f%%\n", cache.Metrics().HitRate()*100)
type CachingDecorator struct {
	objective evaluation.ObjectiveFunc
	config    CachingConfig
	metrics   *CachingMetrics

	mu             sync.Mutex
	cache          map[string]*list.Element // key -> element holding *cacheEntry
	lruList        *list.List               // front is most recently used
	cleanupCounter int64
}

// NewCachingDecorator creates a new caching decorator.
func NewCachingDecorator(objective evaluation.ObjectiveFunc, config CachingConfig) (*CachingDecorator, error) {
	if objective == nil {
		return nil, fmt.Errorf("objective function is required")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &CachingDecorator{
		objective: objective,
		config:    config,
		metrics:   NewCachingMetrics(),
		cache:     make(map[string]*list.Element),
		lruList:   list.New(),
	}, nil
}

// Caching returns a Middleware that wraps the objective in a CachingDecorator.
// An invalid config panics.
func Caching(config CachingConfig) Middleware {
	return func(next evaluation.ObjectiveFunc) evaluation.ObjectiveFunc {
		c, err := NewCachingDecorator(next, config)
		if err != nil {
			panic(err)
		}
		return c.Evaluate
	}
}

// Metrics returns the caching metrics.
func (c *CachingDecorator) Metrics() *CachingMetrics {
	return c.metrics
}

// cacheKey hashes the JSON form of args. encoding/json sorts map keys, so
// equal configurations produce equal keys.
func (c *CachingDecorator) cacheKey(args gene.Args) string {
	if c.config.KeyGenerator != nil {
		return c.config.KeyGenerator(args)
	}

	jsonBytes, err := json.Marshal(args)
	if err != nil {
		return fmt.Sprintf("%v", args)
	}
	hash := sha256.Sum256(jsonBytes)
	return fmt.Sprintf("%x", hash)
}

// evictLRU evicts the least recently used entry if cache is full.
func (c *CachingDecorator) evictLRU() {
	if c.lruList.Len() < c.config.MaxCacheSize {
		return
	}
	if oldest := c.lruList.Back(); oldest != nil {
		c.remove(oldest)
		c.metrics.recordEviction(len(c.cache))
	}
}

func (c *CachingDecorator) remove(elem *list.Element) {
	c.lruList.Remove(elem)
	delete(c.cache, elem.Value.(*cacheEntry).key)
}

// cleanupExpired removes expired entries from cache.
func (c *CachingDecorator) cleanupExpired(now time.Time) {
	for elem := c.lruList.Back(); elem != nil; {
		prev := elem.Prev()
		if elem.Value.(*cacheEntry).isExpired(now) {
			c.remove(elem)
			c.metrics.recordEviction(len(c.cache))
		}
		elem = prev
	}
}

// Evaluate scores args, answering from the cache when possible.
func (c *CachingDecorator) Evaluate(ctx context.Context, args gene.Args) (float64, error) {
	key := c.cacheKey(args)
	now := time.Now()

	c.mu.Lock()
	if elem, ok := c.cache[key]; ok {
		entry := elem.Value.(*cacheEntry)
		if !entry.isExpired(now) {
			c.lruList.MoveToFront(elem)
			c.metrics.recordHit()
			c.mu.Unlock()
			return entry.score, nil
		}
		c.remove(elem)
		c.metrics.recordEviction(len(c.cache))
	}

	c.metrics.recordMiss()
	c.cleanupCounter++
	if c.cleanupCounter%100 == 0 {
		c.cleanupExpired(now)
	}
	c.mu.Unlock()

	// Objective calls run outside the lock.
	score, err := c.objective(ctx, args)
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.cache[key]; ok {
		// A concurrent call stored the same configuration.
		c.remove(elem)
	}
	c.evictLRU()
	c.cache[key] = c.lruList.PushFront(&cacheEntry{
		key:       key,
		score:     score,
		expiresAt: time.Now().Add(c.config.DefaultTTL),
	})
	c.metrics.updateSize(len(c.cache))

	return score, nil
}

// Invalidate drops the entry of args, or the entire cache when args is nil.
func (c *CachingDecorator) Invalidate(args gene.Args) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if args != nil {
		if elem, ok := c.cache[c.cacheKey(args)]; ok {
			c.remove(elem)
			c.metrics.recordInvalidations(1, len(c.cache))
		}
		return
	}

	count := len(c.cache)
	c.cache = make(map[string]*list.Element)
	c.lruList = list.New()
	c.metrics.recordInvalidations(count, 0)
}

// GetCacheSize returns the current cache size.
func (c *CachingDecorator) GetCacheSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.cache)
}

// GetCacheInfo returns detailed cache information.
func (c *CachingDecorator) GetCacheInfo() map[string]any {
	return map[string]any{
		"size":        c.GetCacheSize(),
		"max_size":    c.config.MaxCacheSize,
		"default_ttl": c.config.DefaultTTL.Seconds(),
		"metrics":     c.metrics.GetStats(),
	}
}
