package rules

import (
	"encoding/json"
	"fmt"
	"io"
)

// DecodeFacts reads a JSON object of facts. Integral numbers become int64 and
// other numbers float64, so facts compare and assign like values supplied from Go.
func DecodeFacts(r io.Reader) (Facts, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	var facts Facts
	if err := dec.Decode(&facts); err != nil {
		return nil, fmt.Errorf("invalid facts: %w", err)
	}
	if facts == nil {
		facts = Facts{}
	}
	return NormalizeFacts(facts), nil
}

// NormalizeFacts replaces json.Number values, including nested ones, in place
func NormalizeFacts(facts Facts) Facts {
	for k, v := range facts {
		facts[k] = normalizeNumber(v)
	}
	return facts
}

func normalizeNumber(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	case map[string]any:
		return NormalizeFacts(t)
	case []any:
		for i, e := range t {
			t[i] = normalizeNumber(e)
		}
		return t
	default:
		return v
	}
}
