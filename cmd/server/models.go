package main

import (
	"encoding/json"
	"io"

	"github.com/liamcoop/rulesets/rules"
)

// API request and response models

// ContentRequest carries rule text for validate and deploy
type ContentRequest struct {
	Content string `json:"content"`
}

// UpdateRequest carries replacement rule text and its version
type UpdateRequest struct {
	Content string `json:"content"`
	Version string `json:"version"`
}

// StatusRequest moves a rule set between ACTIVE and INACTIVE
type StatusRequest struct {
	Status rules.Status `json:"status"`
}

// ExecuteRequest carries the facts of one execution
type ExecuteRequest struct {
	Facts map[string]any `json:"facts"`
}

// BatchRequest carries the fact sets of a batch execution
type BatchRequest struct {
	FactSets []map[string]any `json:"factSets"`
}

// BatchResponse holds one entry per fact set; failed items are null
type BatchResponse struct {
	Results   []*rules.Result `json:"results"`
	Failed    int             `json:"failed"`
	Succeeded int             `json:"succeeded"`
}

// ListResponse lists registry records
type ListResponse struct {
	RuleSets []*rules.RuleSetMetadata `json:"ruleSets"`
	Count    int                      `json:"count"`
}

// MetricsResponse combines execution and cache statistics of one rule set
type MetricsResponse struct {
	Execution rules.ExecutionMetrics `json:"execution"`
	Cache     rules.CacheMetrics     `json:"cache"`
}

// decodeJSON decodes a request body keeping integral numbers as int64, so
// facts compare and assign like values supplied from Go
func decodeJSON(r io.Reader, v any) error {
	dec := json.NewDecoder(r)
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return err
	}

	switch t := v.(type) {
	case *ExecuteRequest:
		t.Facts = rules.NormalizeFacts(t.Facts)
	case *BatchRequest:
		for i, f := range t.FactSets {
			t.FactSets[i] = rules.NormalizeFacts(f)
		}
	}
	return nil
}
