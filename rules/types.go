package rules

import "time"

// Status is the lifecycle state of a deployed rule set
type Status string

const (
	StatusActive   Status = "ACTIVE"
	StatusInactive Status = "INACTIVE"
	// StatusDeleted is terminal: no transition leaves it
	StatusDeleted Status = "DELETED"
)

// Valid reports whether s is a known status
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusInactive, StatusDeleted:
		return true
	}
	return false
}

// RuleSetMetadata is the registry record for a deployed rule set
type RuleSetMetadata struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Version        string    `json:"version"`
	Status         Status    `json:"status"`
	CreatedAt      time.Time `json:"createdAt"`
	LastUpdated    time.Time `json:"lastUpdated"`
	ExecutionCount int64     `json:"executionCount"`
}

func (m *RuleSetMetadata) clone() *RuleSetMetadata {
	if m == nil {
		return nil
	}
	c := *m
	return &c
}

// Severity of a compiler diagnostic
type Severity string

const (
	SeverityError   Severity = "ERROR"
	SeverityWarning Severity = "WARNING"
)

// Diagnostic is a structured compiler message
type Diagnostic struct {
	Code     string   `json:"code"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
	Rule     string   `json:"rule,omitempty"`
	Line     int      `json:"line,omitempty"`
}

// ValidationResult is the verdict of compiling rule content.
// Valid is true iff no ERROR diagnostic is present.
type ValidationResult struct {
	Valid            bool         `json:"valid"`
	Diagnostics      []Diagnostic `json:"diagnostics"`
	ValidationTimeMs float64      `json:"validationTimeMs"`
}

// Errors returns only the ERROR severity diagnostics
func (v ValidationResult) Errors() []Diagnostic {
	var out []Diagnostic
	for _, d := range v.Diagnostics {
		if d.Severity == SeverityError {
			out = append(out, d)
		}
	}
	return out
}

// DeploymentResult is returned by deploy and update. On failure it is the
// only observable effect of the call.
type DeploymentResult struct {
	ID               string       `json:"id"`
	Successful       bool         `json:"successful"`
	Message          string       `json:"message"`
	ValidationErrors []Diagnostic `json:"validationErrors"`
}

// ExecutionMetrics are the running execution statistics of one rule set
type ExecutionMetrics struct {
	RuleSetID              string  `json:"ruleSetId"`
	TotalExecutions        int64   `json:"totalExecutions"`
	AverageExecutionTimeMs float64 `json:"averageExecutionTimeMs"`
	PeakExecutionTimeMs    float64 `json:"peakExecutionTimeMs"`
	LastExecutionTimeMs    float64 `json:"lastExecutionTimeMs"`
	ErrorRate              float64 `json:"errorRate"`
	CacheHitRate           float64 `json:"cacheHitRate"`
}

// CacheMetrics are the result cache counters of one rule set
type CacheMetrics struct {
	RuleSetID    string  `json:"ruleSetId"`
	Hits         int64   `json:"hits"`
	Misses       int64   `json:"misses"`
	HitRate      float64 `json:"hitRate"`
	CacheSize    int     `json:"cacheSize"`
	MaxCacheSize int     `json:"maxCacheSize"`
	Evictions    int64   `json:"evictions"`
}

// Facts is the per-call input: named values inserted into a session
type Facts = map[string]any

// Result is the output of one execution. Outputs holds exactly the keys
// assigned by the actions of fired rules.
type Result struct {
	RuleSetID string         `json:"ruleSetId"`
	Outputs   map[string]any `json:"outputs"`
	Fired     []string       `json:"fired"`
}

// Lookup returns an output value by key
func (r *Result) Lookup(key string) (any, bool) {
	if r == nil {
		return nil, false
	}
	v, ok := r.Outputs[key]
	return v, ok
}

// clone copies the result so cached values cannot be mutated by callers.
// Nested containers are copied one level deep.
func (r *Result) clone() *Result {
	if r == nil {
		return nil
	}
	out := &Result{
		RuleSetID: r.RuleSetID,
		Outputs:   make(map[string]any, len(r.Outputs)),
		Fired:     append([]string(nil), r.Fired...),
	}
	for k, v := range r.Outputs {
		out.Outputs[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, e := range t {
			m[k] = copyValue(e)
		}
		return m
	case []any:
		s := make([]any, len(t))
		for i, e := range t {
			s[i] = copyValue(e)
		}
		return s
	default:
		return v
	}
}
