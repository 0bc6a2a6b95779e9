package rules

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// promMetrics exports engine statistics to Prometheus.
// A nil *promMetrics disables export; every method is nil-safe.
type promMetrics struct {
	executionsTotal   *prometheus.CounterVec
	executionDuration *prometheus.HistogramVec
	cacheHitsTotal    *prometheus.CounterVec
	cacheMissesTotal  *prometheus.CounterVec
	cacheEntries      *prometheus.GaugeVec
	deploymentsTotal  *prometheus.CounterVec
	loadedRuleSets    prometheus.Gauge
}

func newPromMetrics(reg prometheus.Registerer) (*promMetrics, error) {
	if reg == nil {
		return nil, nil
	}

	m := &promMetrics{
		executionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rulesets",
			Subsystem: "engine",
			Name:      "executions_total",
			Help:      "Total rule set executions by outcome",
		}, []string{"ruleset_id", "result"}),

		executionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "rulesets",
			Subsystem: "engine",
			Name:      "execution_duration_seconds",
			Help:      "Time spent executing rule sets, cache hits included",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		}, []string{"ruleset_id"}),

		cacheHitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rulesets",
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Result cache hits",
		}, []string{"ruleset_id"}),

		cacheMissesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rulesets",
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Result cache misses",
		}, []string{"ruleset_id"}),

		cacheEntries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "rulesets",
			Subsystem: "cache",
			Name:      "entries",
			Help:      "Cached results per rule set",
		}, []string{"ruleset_id"}),

		deploymentsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rulesets",
			Subsystem: "registry",
			Name:      "deployments_total",
			Help:      "Lifecycle operations by kind and outcome",
		}, []string{"operation", "result"}),

		loadedRuleSets: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rulesets",
			Subsystem: "engine",
			Name:      "loaded_rulesets",
			Help:      "Compiled rule sets held in memory",
		}),
	}

	collectors := []prometheus.Collector{
		m.executionsTotal,
		m.executionDuration,
		m.cacheHitsTotal,
		m.cacheMissesTotal,
		m.cacheEntries,
		m.deploymentsTotal,
		m.loadedRuleSets,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register metrics: %w", err)
		}
	}

	return m, nil
}

func (m *promMetrics) execution(ruleSetID string, latency time.Duration, failed bool) {
	if m == nil {
		return
	}
	result := "success"
	if failed {
		result = "failure"
	}
	m.executionsTotal.WithLabelValues(ruleSetID, result).Inc()
	m.executionDuration.WithLabelValues(ruleSetID).Observe(latency.Seconds())
}

func (m *promMetrics) cacheHit(ruleSetID string) {
	if m == nil {
		return
	}
	m.cacheHitsTotal.WithLabelValues(ruleSetID).Inc()
}

func (m *promMetrics) cacheMiss(ruleSetID string) {
	if m == nil {
		return
	}
	m.cacheMissesTotal.WithLabelValues(ruleSetID).Inc()
}

func (m *promMetrics) cacheSize(ruleSetID string, size int) {
	if m == nil {
		return
	}
	m.cacheEntries.WithLabelValues(ruleSetID).Set(float64(size))
}

func (m *promMetrics) lifecycle(operation string, ok bool) {
	if m == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	m.deploymentsTotal.WithLabelValues(operation, result).Inc()
}

func (m *promMetrics) loaded(n int) {
	if m == nil {
		return
	}
	m.loadedRuleSets.Set(float64(n))
}
