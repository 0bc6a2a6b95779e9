package rules

import (
	"container/list"
	"sync"

	"github.com/liamcoop/rulesets/internal/logger"
)

// DefaultMaxEntriesPerRuleSet bounds the result cache of one rule set
const DefaultMaxEntriesPerRuleSet = 1000

// CacheConfig holds configuration for result cache behavior
type CacheConfig struct {
	// MaxEntriesPerRuleSet is the number of cached results kept per rule set
	// before least recently used entries are evicted. Values <= 0 use the default.
	MaxEntriesPerRuleSet int
}

// DefaultCacheConfig returns sensible defaults for result caching
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		MaxEntriesPerRuleSet: DefaultMaxEntriesPerRuleSet,
	}
}

type cacheEntry struct {
	key    string
	result *Result
}

// cacheSection is the LRU and counters of one rule set
type cacheSection struct {
	mu        sync.Mutex
	items     map[string]*list.Element
	order     *list.List
	hits      int64
	misses    int64
	evictions int64
	// generation advances on every Invalidate
	generation uint64
}

func newCacheSection() *cacheSection {
	return &cacheSection{
		items: make(map[string]*list.Element),
		order: list.New(),
	}
}

// ResultCache memoizes execution results keyed by (rule set id, facts fingerprint).
// Thread-safe; each rule set has its own lock.
type ResultCache struct {
	config   CacheConfig
	sections map[string]*cacheSection
	metrics  *promMetrics
	mu       sync.RWMutex
}

// NewResultCache creates an empty cache
func NewResultCache(config CacheConfig) *ResultCache {
	if config.MaxEntriesPerRuleSet <= 0 {
		config.MaxEntriesPerRuleSet = DefaultMaxEntriesPerRuleSet
	}
	return &ResultCache{
		config:   config,
		sections: make(map[string]*cacheSection),
	}
}

func (c *ResultCache) section(ruleSetID string) *cacheSection {
	c.mu.RLock()
	s, ok := c.sections[ruleSetID]
	c.mu.RUnlock()
	if ok {
		return s
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok = c.sections[ruleSetID]; !ok {
		s = newCacheSection()
		c.sections[ruleSetID] = s
	}
	return s
}

// Get returns a copy of the cached result and counts a hit or a miss
func (c *ResultCache) Get(ruleSetID, factsKey string) (*Result, bool) {
	s := c.section(ruleSetID)

	s.mu.Lock()
	element, exists := s.items[factsKey]
	if !exists {
		s.misses++
		s.mu.Unlock()
		c.metrics.cacheMiss(ruleSetID)
		return nil, false
	}
	s.order.MoveToFront(element)
	s.hits++
	res := element.Value.(*cacheEntry).result.clone()
	s.mu.Unlock()

	c.metrics.cacheHit(ruleSetID)
	return res, true
}

// RecordMiss counts a miss for lookups that never reached the cache
func (c *ResultCache) RecordMiss(ruleSetID string) {
	s := c.section(ruleSetID)
	s.mu.Lock()
	s.misses++
	s.mu.Unlock()
	c.metrics.cacheMiss(ruleSetID)
}

// Generation returns the invalidation generation of a rule set. Pass it to Put
// so results computed before an invalidation are not stored after it.
func (c *ResultCache) Generation(ruleSetID string) uint64 {
	s := c.section(ruleSetID)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

// Put stores a copy of res, evicting the least recently used entry when the
// rule set is at capacity. It is a no-op if the rule set was invalidated
// since generation was read.
func (c *ResultCache) Put(ruleSetID, factsKey string, res *Result, generation uint64) {
	s := c.section(ruleSetID)

	s.mu.Lock()
	if s.generation != generation {
		s.mu.Unlock()
		return
	}
	if element, exists := s.items[factsKey]; exists {
		element.Value.(*cacheEntry).result = res.clone()
		s.order.MoveToFront(element)
		s.mu.Unlock()
		return
	}

	s.items[factsKey] = s.order.PushFront(&cacheEntry{key: factsKey, result: res.clone()})

	evicted := 0
	for len(s.items) > c.config.MaxEntriesPerRuleSet {
		oldest := s.order.Back()
		if oldest == nil {
			break
		}
		delete(s.items, oldest.Value.(*cacheEntry).key)
		s.order.Remove(oldest)
		s.evictions++
		evicted++
	}
	size := len(s.items)
	s.mu.Unlock()

	if evicted > 0 {
		logger.CacheEvictions.Add(int64(evicted))
		logger.Warn("result cache full, evicted least recently used entries",
			"ruleset_id", ruleSetID,
			"evicted", evicted,
			"max_entries", c.config.MaxEntriesPerRuleSet)
	}
	c.metrics.cacheSize(ruleSetID, size)
}

// Invalidate drops every cached result of a rule set. Hit and miss counters are kept.
func (c *ResultCache) Invalidate(ruleSetID string) {
	s := c.section(ruleSetID)

	s.mu.Lock()
	s.generation++
	s.items = make(map[string]*list.Element)
	s.order.Init()
	s.mu.Unlock()

	c.metrics.cacheSize(ruleSetID, 0)
}

// Metrics returns the counters of one rule set
func (c *ResultCache) Metrics(ruleSetID string) CacheMetrics {
	m := CacheMetrics{
		RuleSetID:    ruleSetID,
		MaxCacheSize: c.config.MaxEntriesPerRuleSet,
	}

	c.mu.RLock()
	s, ok := c.sections[ruleSetID]
	c.mu.RUnlock()
	if !ok {
		return m
	}

	s.mu.Lock()
	m.Hits = s.hits
	m.Misses = s.misses
	m.Evictions = s.evictions
	m.CacheSize = len(s.items)
	s.mu.Unlock()

	if total := m.Hits + m.Misses; total > 0 {
		m.HitRate = float64(m.Hits) / float64(total)
	}
	return m
}
