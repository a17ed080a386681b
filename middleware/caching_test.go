package middleware

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/scttfrdmn/genekit/genekit-go/gene"
)

func TestCachingConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		config  CachingConfig
		wantErr bool
	}{
		{"defaults", DefaultCachingConfig(), false},
		{"zero size", CachingConfig{MaxCacheSize: 0, DefaultTTL: time.Second}, true},
		{"zero ttl", CachingConfig{MaxCacheSize: 1, DefaultTTL: 0}, true},
		{"negative ttl", CachingConfig{MaxCacheSize: 1, DefaultTTL: -time.Second}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}

	if _, err := NewCachingDecorator(nil, DefaultCachingConfig()); err == nil {
		t.Error("expected error for nil objective")
	}
}

func TestCacheHit(t *testing.T) {
	fake := &fakeObjective{}
	cache, err := NewCachingDecorator(fake.Evaluate, DefaultCachingConfig())
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		score, err := cache.Evaluate(ctx, gene.Args{"x": 2.0, "layers": int64(3)})
		if err != nil || score != 4 {
			t.Fatalf("Evaluate() = %v, %v", score, err)
		}
	}

	if fake.Calls() != 1 {
		t.Errorf("objective calls = %d, want 1", fake.Calls())
	}
	m := cache.Metrics()
	if m.CacheHits != 2 || m.CacheMisses != 1 {
		t.Errorf("hits=%d misses=%d, want 2/1", m.CacheHits, m.CacheMisses)
	}
}

// TestCacheKeyIgnoresMapOrder tests that equal configurations share an entry.
func TestCacheKeyIgnoresMapOrder(t *testing.T) {
	cache, _ := NewCachingDecorator((&fakeObjective{}).Evaluate, DefaultCachingConfig())

	a := gene.Args{"x": 1.0, "opt": map[string]any{"k": int64(2), "j": "a"}}
	b := gene.Args{"opt": map[string]any{"j": "a", "k": int64(2)}, "x": 1.0}
	if cache.cacheKey(a) != cache.cacheKey(b) {
		t.Error("equal args produced different keys")
	}
	if cache.cacheKey(a) == cache.cacheKey(gene.Args{"x": 2.0}) {
		t.Error("different args produced the same key")
	}
}

func TestCacheErrorsNotCached(t *testing.T) {
	fake := &fakeObjective{failCount: 1}
	cache, _ := NewCachingDecorator(fake.Evaluate, DefaultCachingConfig())

	ctx := context.Background()
	if _, err := cache.Evaluate(ctx, gene.Args{"x": 1.0}); err == nil {
		t.Fatal("expected first call to fail")
	}
	if cache.GetCacheSize() != 0 {
		t.Errorf("cache size = %d after error, want 0", cache.GetCacheSize())
	}
	if score, err := cache.Evaluate(ctx, gene.Args{"x": 1.0}); err != nil || score != 2 {
		t.Errorf("second call = %v, %v", score, err)
	}
}

func TestCacheTTLExpiration(t *testing.T) {
	fake := &fakeObjective{}
	cache, _ := NewCachingDecorator(fake.Evaluate, CachingConfig{
		MaxCacheSize: 10,
		DefaultTTL:   20 * time.Millisecond,
	})

	ctx := context.Background()
	args := gene.Args{"x": 1.0}
	cache.Evaluate(ctx, args)
	time.Sleep(40 * time.Millisecond)
	cache.Evaluate(ctx, args)

	if fake.Calls() != 2 {
		t.Errorf("objective calls = %d, want 2 after expiry", fake.Calls())
	}
	if cache.Metrics().Evictions != 1 {
		t.Errorf("evictions = %d, want 1", cache.Metrics().Evictions)
	}
}

func TestCacheLRUEviction(t *testing.T) {
	fake := &fakeObjective{}
	cache, _ := NewCachingDecorator(fake.Evaluate, CachingConfig{
		MaxCacheSize: 2,
		DefaultTTL:   time.Minute,
	})

	ctx := context.Background()
	one, two, three := gene.Args{"x": 1.0}, gene.Args{"x": 2.0}, gene.Args{"x": 3.0}
	cache.Evaluate(ctx, one)
	cache.Evaluate(ctx, two)
	cache.Evaluate(ctx, one) // one is now most recently used
	cache.Evaluate(ctx, three)

	if cache.GetCacheSize() != 2 {
		t.Fatalf("cache size = %d, want 2", cache.GetCacheSize())
	}
	calls := fake.Calls()
	cache.Evaluate(ctx, one)
	if fake.Calls() != calls {
		t.Error("most recently used entry was evicted")
	}
	cache.Evaluate(ctx, two)
	if fake.Calls() != calls+1 {
		t.Error("least recently used entry was kept")
	}
}

func TestCacheInvalidate(t *testing.T) {
	fake := &fakeObjective{}
	cache, _ := NewCachingDecorator(fake.Evaluate, DefaultCachingConfig())

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		cache.Evaluate(ctx, gene.Args{"x": float64(i)})
	}

	cache.Invalidate(gene.Args{"x": 0.0})
	if cache.GetCacheSize() != 3 {
		t.Errorf("size after single invalidation = %d, want 3", cache.GetCacheSize())
	}
	cache.Invalidate(gene.Args{"x": 99.0}) // absent, no-op
	cache.Invalidate(nil)
	if cache.GetCacheSize() != 0 {
		t.Errorf("size after full invalidation = %d, want 0", cache.GetCacheSize())
	}
	if cache.Metrics().Invalidations != 4 {
		t.Errorf("invalidations = %d, want 4", cache.Metrics().Invalidations)
	}
}

func TestCacheCustomKeyGenerator(t *testing.T) {
	fake := &fakeObjective{}
	cache, _ := NewCachingDecorator(fake.Evaluate, CachingConfig{
		MaxCacheSize: 10,
		DefaultTTL:   time.Minute,
		KeyGenerator: func(args gene.Args) string { return fmt.Sprint(args["x"]) },
	})

	ctx := context.Background()
	cache.Evaluate(ctx, gene.Args{"x": 1.0, "noise": 1})
	cache.Evaluate(ctx, gene.Args{"x": 1.0, "noise": 2})
	if fake.Calls() != 1 {
		t.Errorf("objective calls = %d, want 1", fake.Calls())
	}
}

func TestCacheInfo(t *testing.T) {
	cache, _ := NewCachingDecorator((&fakeObjective{}).Evaluate, DefaultCachingConfig())
	ctx := context.Background()
	cache.Evaluate(ctx, gene.Args{"x": 1.0})
	cache.Evaluate(ctx, gene.Args{"x": 1.0})

	info := cache.GetCacheInfo()
	if info["size"] != 1 || info["max_size"] != 1000 {
		t.Errorf("info = %v", info)
	}
	stats := info["metrics"].(map[string]any)
	if stats["hit_rate"] != 0.5 {
		t.Errorf("hit_rate = %v, want 0.5", stats["hit_rate"])
	}
	if cache.Metrics().HitRate() != 0.5 {
		t.Errorf("HitRate() = %v, want 0.5", cache.Metrics().HitRate())
	}
}

func TestCacheConcurrentAccess(t *testing.T) {
	fake := &fakeObjective{}
	cache, _ := NewCachingDecorator(fake.Evaluate, CachingConfig{
		MaxCacheSize: 5,
		DefaultTTL:   time.Minute,
	})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			x := float64(i % 8)
			score, err := cache.Evaluate(context.Background(), gene.Args{"x": x})
			if err != nil || score != 2*x {
				t.Errorf("Evaluate(%v) = %v, %v", x, score, err)
			}
		}(i)
	}
	wg.Wait()

	if size := cache.GetCacheSize(); size > 5 {
		t.Errorf("cache size = %d exceeds max 5", size)
	}
	if cache.Metrics().TotalRequests != 50 {
		t.Errorf("total requests = %d, want 50", cache.Metrics().TotalRequests)
	}
}
