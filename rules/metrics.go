package rules

import (
	"sync"
	"time"
)

// metricsRecord holds the running statistics of one rule set.
// All fields are guarded by mu so every update is serialized per rule set.
type metricsRecord struct {
	mu       sync.Mutex
	total    int64
	failures int64
	sumMs    float64
	peakMs   float64
	lastMs   float64
}

// Aggregator maintains exact running execution statistics per rule set.
// Updates are O(1). The mean and error rate are derived from the running sum
// and failure count, so they equal sum(latency)/n and failures/n exactly.
type Aggregator struct {
	records map[string]*metricsRecord
	metrics *promMetrics
	mu      sync.RWMutex
}

// NewAggregator creates an empty aggregator
func NewAggregator() *Aggregator {
	return &Aggregator{
		records: make(map[string]*metricsRecord),
	}
}

func (a *Aggregator) record(ruleSetID string) *metricsRecord {
	a.mu.RLock()
	r, ok := a.records[ruleSetID]
	a.mu.RUnlock()
	if ok {
		return r
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if r, ok = a.records[ruleSetID]; !ok {
		r = &metricsRecord{}
		a.records[ruleSetID] = r
	}
	return r
}

// Record adds one execution attempt
func (a *Aggregator) Record(ruleSetID string, latency time.Duration, failed bool) {
	ms := durationMs(latency)
	r := a.record(ruleSetID)

	r.mu.Lock()
	r.total++
	if failed {
		r.failures++
	}
	r.sumMs += ms
	r.lastMs = ms
	if ms > r.peakMs {
		r.peakMs = ms
	}
	r.mu.Unlock()

	a.metrics.execution(ruleSetID, latency, failed)
}

// Snapshot returns the statistics of a rule set. CacheHitRate is left for the
// caller to fill from the result cache.
func (a *Aggregator) Snapshot(ruleSetID string) ExecutionMetrics {
	m := ExecutionMetrics{RuleSetID: ruleSetID}

	a.mu.RLock()
	r, ok := a.records[ruleSetID]
	a.mu.RUnlock()
	if !ok {
		return m
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	m.TotalExecutions = r.total
	m.PeakExecutionTimeMs = r.peakMs
	m.LastExecutionTimeMs = r.lastMs
	if r.total > 0 {
		m.AverageExecutionTimeMs = r.sumMs / float64(r.total)
		m.ErrorRate = float64(r.failures) / float64(r.total)
	}
	return m
}
