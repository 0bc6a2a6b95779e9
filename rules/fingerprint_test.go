package rules

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
)

func TestFingerprintContent(t *testing.T) {
	a := FingerprintContent("rule A when x > 1 then y = 2")
	b := FingerprintContent("rule A when x > 1 then y = 2")
	c := FingerprintContent("rule A when x > 1 then y = 3")

	if a != b {
		t.Errorf("identical content produced %s and %s", a, b)
	}
	if a == c {
		t.Error("different content produced the same fingerprint")
	}

	id, err := uuid.Parse(a)
	if err != nil {
		t.Fatalf("fingerprint %s is not a UUID: %v", a, err)
	}
	if id.Version() != 5 {
		t.Errorf("fingerprint version = %d, want 5", id.Version())
	}
}

func TestFingerprintFacts(t *testing.T) {
	first, err := FingerprintFacts(Facts{"amount": 60, "customer": map[string]any{"tier": "gold", "years": 2}})
	if err != nil {
		t.Fatal(err)
	}
	second, _ := FingerprintFacts(Facts{"customer": map[string]any{"years": 2, "tier": "gold"}, "amount": 60})
	if first != second {
		t.Error("fingerprint depends on map insertion order")
	}

	other, _ := FingerprintFacts(Facts{"amount": 61})
	if other == first {
		t.Error("different facts produced the same fingerprint")
	}

	// Content and facts fingerprints live in separate namespaces
	empty, _ := FingerprintFacts(Facts{})
	if empty == FingerprintContent("{}") {
		t.Error("facts and content fingerprints collide")
	}
}

func TestFingerprintFactsUnsupported(t *testing.T) {
	if _, err := FingerprintFacts(Facts{"ch": make(chan int)}); err == nil {
		t.Error("expected error for facts that cannot be encoded")
	}
}

func TestFingerprintFactsDistinguishesKinds(t *testing.T) {
	tests := []struct {
		name string
		a, b Facts
	}{
		{"int and float", Facts{"amount": int64(100)}, Facts{"amount": float64(100)}},
		{"int and uint", Facts{"amount": int64(100)}, Facts{"amount": uint64(100)}},
		{"nested int and float", Facts{"order": map[string]any{"amount": 100}}, Facts{"order": map[string]any{"amount": 100.0}}},
		{"list int and float", Facts{"items": []any{1, 2}}, Facts{"items": []any{1.0, 2.0}}},
		{"string and number", Facts{"amount": "100"}, Facts{"amount": 100}},
		{"string and bytes", Facts{"raw": "ab"}, Facts{"raw": []byte("ab")}},
		{"null and missing", Facts{"amount": nil}, Facts{}},
		{"bool and string", Facts{"flag": true}, Facts{"flag": "true"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := FingerprintFacts(tt.a)
			if err != nil {
				t.Fatal(err)
			}
			b, err := FingerprintFacts(tt.b)
			if err != nil {
				t.Fatal(err)
			}
			if a == b {
				t.Errorf("%v and %v share fingerprint %s", tt.a, tt.b, a)
			}
		})
	}
}

func TestFingerprintFactsIntWidths(t *testing.T) {
	// CEL adapts every signed integer to int, so widths share a key
	a, _ := FingerprintFacts(Facts{"amount": 100})
	b, _ := FingerprintFacts(Facts{"amount": int64(100)})
	if a != b {
		t.Error("int and int64 of the same value should share a fingerprint")
	}

	c, _ := FingerprintFacts(Facts{"amount": json.Number("100")})
	if c != b {
		t.Error("json.Number should fingerprint as its normalized value")
	}
}
