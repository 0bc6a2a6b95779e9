package rules

import (
	"fmt"
	"sync"
	"testing"
)

func result(v int) *Result {
	return &Result{RuleSetID: "rs", Outputs: map[string]any{"v": v}, Fired: []string{"A"}}
}

func TestResultCacheHitMiss(t *testing.T) {
	c := NewResultCache(DefaultCacheConfig())

	if _, ok := c.Get("rs", "k"); ok {
		t.Fatal("empty cache returned a hit")
	}
	c.Put("rs", "k", result(1), c.Generation("rs"))

	got, ok := c.Get("rs", "k")
	if !ok || got.Outputs["v"] != 1 {
		t.Fatalf("Get() = %+v, %v", got, ok)
	}

	m := c.Metrics("rs")
	if m.Hits != 1 || m.Misses != 1 || m.HitRate != 0.5 || m.CacheSize != 1 {
		t.Errorf("Metrics() = %+v", m)
	}
}

func TestResultCacheReturnsCopies(t *testing.T) {
	c := NewResultCache(DefaultCacheConfig())
	res := result(1)
	c.Put("rs", "k", res, 0)

	// Mutating the stored or returned value must not leak into the cache
	res.Outputs["v"] = 2
	got, _ := c.Get("rs", "k")
	got.Outputs["v"] = 3

	again, _ := c.Get("rs", "k")
	if again.Outputs["v"] != 1 {
		t.Errorf("cached value = %v, want 1", again.Outputs["v"])
	}
}

func TestResultCacheLRUEviction(t *testing.T) {
	c := NewResultCache(CacheConfig{MaxEntriesPerRuleSet: 2})

	c.Put("rs", "a", result(1), 0)
	c.Put("rs", "b", result(2), 0)
	c.Get("rs", "a") // a is now most recently used
	c.Put("rs", "c", result(3), 0)

	if _, ok := c.Get("rs", "b"); ok {
		t.Error("least recently used entry b should have been evicted")
	}
	for _, key := range []string{"a", "c"} {
		if _, ok := c.Get("rs", key); !ok {
			t.Errorf("entry %s should still be cached", key)
		}
	}

	m := c.Metrics("rs")
	if m.Evictions != 1 || m.CacheSize != 2 || m.MaxCacheSize != 2 {
		t.Errorf("Metrics() = %+v", m)
	}
}

func TestResultCacheSectionsAreIndependent(t *testing.T) {
	c := NewResultCache(CacheConfig{MaxEntriesPerRuleSet: 1})

	c.Put("one", "k", result(1), 0)
	c.Put("two", "k", result(2), 0)

	a, okA := c.Get("one", "k")
	b, okB := c.Get("two", "k")
	if !okA || !okB || a.Outputs["v"] != 1 || b.Outputs["v"] != 2 {
		t.Errorf("sections interfered: %+v %+v", a, b)
	}

	c.Invalidate("one")
	if _, ok := c.Get("two", "k"); !ok {
		t.Error("invalidating one rule set dropped another")
	}
}

func TestResultCacheInvalidate(t *testing.T) {
	c := NewResultCache(DefaultCacheConfig())

	gen := c.Generation("rs")
	c.Put("rs", "k", result(1), gen)
	c.Get("rs", "k")

	c.Invalidate("rs")
	if _, ok := c.Get("rs", "k"); ok {
		t.Error("entry survived Invalidate")
	}

	m := c.Metrics("rs")
	if m.Hits != 1 || m.CacheSize != 0 {
		t.Errorf("counters should survive Invalidate: %+v", m)
	}

	// A result computed before the invalidation must not be stored
	c.Put("rs", "k", result(1), gen)
	if _, ok := c.Get("rs", "k"); ok {
		t.Error("stale generation result was stored")
	}

	c.Put("rs", "k", result(2), c.Generation("rs"))
	if got, ok := c.Get("rs", "k"); !ok || got.Outputs["v"] != 2 {
		t.Errorf("current generation result not stored: %+v", got)
	}
}

func TestResultCacheRecordMiss(t *testing.T) {
	c := NewResultCache(DefaultCacheConfig())
	c.RecordMiss("rs")
	c.RecordMiss("rs")

	if m := c.Metrics("rs"); m.Misses != 2 || m.HitRate != 0 {
		t.Errorf("Metrics() = %+v", m)
	}
}

func TestResultCacheUnknownRuleSet(t *testing.T) {
	c := NewResultCache(CacheConfig{})

	m := c.Metrics("none")
	if m.RuleSetID != "none" || m.Hits != 0 || m.MaxCacheSize != DefaultMaxEntriesPerRuleSet {
		t.Errorf("Metrics() = %+v", m)
	}
}

func TestResultCacheConcurrent(t *testing.T) {
	c := NewResultCache(CacheConfig{MaxEntriesPerRuleSet: 50})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				key := fmt.Sprintf("k%d", (i*100+j)%80)
				if _, ok := c.Get("rs", key); !ok {
					c.Put("rs", key, result(j), c.Generation("rs"))
				}
				if j%25 == 0 {
					c.Invalidate("rs")
				}
			}
		}(i)
	}
	wg.Wait()

	m := c.Metrics("rs")
	if m.Hits+m.Misses != 2000 {
		t.Errorf("hits+misses = %d, want 2000", m.Hits+m.Misses)
	}
	if m.CacheSize > 50 {
		t.Errorf("CacheSize = %d exceeds max", m.CacheSize)
	}
}
