package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/liamcoop/rulesets/rules"
)

const discountRules = "rule Foo when amount > 50 then discount = 10"

func newTestServer(t *testing.T) (*httptest.Server, *rules.Engine) {
	t.Helper()

	reg := prometheus.NewRegistry()
	cfg := rules.DefaultConfig()
	cfg.Registerer = reg

	engine, err := rules.NewEngine(context.Background(), rules.NewInMemoryRegistry(), rules.NewInMemoryContentStore(), cfg)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}

	ts := httptest.NewServer(NewServer(engine, reg, nil))
	t.Cleanup(ts.Close)
	return ts, engine
}

func doJSON(t *testing.T, method, url string, body any) (*http.Response, []byte) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal request: %v", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("failed to create request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, url, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response: %v", err)
	}
	return resp, data
}

func decode(t *testing.T, data []byte, v any) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("failed to decode %s: %v", data, err)
	}
}

func deploy(t *testing.T, baseURL, content string) rules.DeploymentResult {
	t.Helper()
	resp, body := doJSON(t, http.MethodPost, baseURL+"/api/v1/rulesets", ContentRequest{Content: content})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("deploy status = %d, body = %s", resp.StatusCode, body)
	}
	var res rules.DeploymentResult
	decode(t, body, &res)
	return res
}

func TestHealth(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, body := doJSON(t, http.MethodGet, ts.URL+"/api/v1/health", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %s", resp.StatusCode, body)
	}

	var health map[string]any
	decode(t, body, &health)
	if health["status"] != "healthy" {
		t.Errorf("status = %v, want healthy", health["status"])
	}
}

func TestHealth_Unhealthy(t *testing.T) {
	engine, err := rules.NewEngine(context.Background(), rules.NewInMemoryRegistry(), rules.NewInMemoryContentStore(), rules.DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	ts := httptest.NewServer(NewServer(engine, nil, func(context.Context) error {
		return errors.New("connection refused")
	}))
	defer ts.Close()

	resp, _ := doJSON(t, http.MethodGet, ts.URL+"/api/v1/health", nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}

	resp, _ = doJSON(t, http.MethodGet, ts.URL+"/metrics", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("/metrics status = %d, want 404 without a gatherer", resp.StatusCode)
	}
}

func TestDeployAndExecute(t *testing.T) {
	ts, _ := newTestServer(t)
	res := deploy(t, ts.URL, discountRules)

	if !res.Successful || res.ID == "" {
		t.Fatalf("deploy result = %+v", res)
	}
	if res.ID != rules.FingerprintContent(discountRules) {
		t.Errorf("id = %s, want content fingerprint", res.ID)
	}

	t.Run("metadata", func(t *testing.T) {
		resp, body := doJSON(t, http.MethodGet, ts.URL+"/api/v1/rulesets/"+res.ID, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d, body = %s", resp.StatusCode, body)
		}
		var meta rules.RuleSetMetadata
		decode(t, body, &meta)
		if meta.Version != "1.0" || meta.Status != rules.StatusActive || meta.Name != "Foo" {
			t.Errorf("metadata = %+v", meta)
		}
	})

	t.Run("matching facts", func(t *testing.T) {
		resp, body := doJSON(t, http.MethodPost, ts.URL+"/api/v1/rulesets/"+res.ID+"/execute",
			ExecuteRequest{Facts: map[string]any{"amount": 60}})
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d, body = %s", resp.StatusCode, body)
		}
		var out rules.Result
		decode(t, body, &out)
		if out.Outputs["discount"] != float64(10) {
			t.Errorf("discount = %v, want 10", out.Outputs["discount"])
		}
	})

	t.Run("non matching facts", func(t *testing.T) {
		resp, body := doJSON(t, http.MethodPost, ts.URL+"/api/v1/rulesets/"+res.ID+"/execute",
			ExecuteRequest{Facts: map[string]any{"amount": 10}})
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d, body = %s", resp.StatusCode, body)
		}
		var out rules.Result
		decode(t, body, &out)
		if _, ok := out.Outputs["discount"]; ok {
			t.Errorf("outputs = %v, want no discount", out.Outputs)
		}
	})

	t.Run("execution fault", func(t *testing.T) {
		resp, body := doJSON(t, http.MethodPost, ts.URL+"/api/v1/rulesets/"+res.ID+"/execute",
			ExecuteRequest{Facts: map[string]any{"amount": "abc"}})
		if resp.StatusCode != http.StatusUnprocessableEntity {
			t.Errorf("status = %d, want 422, body = %s", resp.StatusCode, body)
		}
	})

	t.Run("metrics", func(t *testing.T) {
		resp, body := doJSON(t, http.MethodGet, ts.URL+"/api/v1/rulesets/"+res.ID+"/metrics", nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d, body = %s", resp.StatusCode, body)
		}
		var m MetricsResponse
		decode(t, body, &m)
		if m.Execution.TotalExecutions != 3 {
			t.Errorf("total executions = %d, want 3", m.Execution.TotalExecutions)
		}
		if m.Execution.ErrorRate <= 0 {
			t.Errorf("error rate = %v, want > 0", m.Execution.ErrorRate)
		}
		if m.Cache.Misses != 3 {
			t.Errorf("cache misses = %d, want 3", m.Cache.Misses)
		}
	})
}

func TestDeploy_Invalid(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/api/v1/rulesets", ContentRequest{Content: "rule Foo when amount > then x = 1"})
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", resp.StatusCode)
	}
	var res rules.DeploymentResult
	decode(t, body, &res)
	if res.Successful || len(res.ValidationErrors) == 0 {
		t.Errorf("result = %+v, want failure with diagnostics", res)
	}

	resp, body = doJSON(t, http.MethodGet, ts.URL+"/api/v1/rulesets", nil)
	var list ListResponse
	decode(t, body, &list)
	if resp.StatusCode != http.StatusOK || list.Count != 0 {
		t.Errorf("list = %+v, want empty", list)
	}
}

func TestValidate(t *testing.T) {
	ts, _ := newTestServer(t)

	tests := []struct {
		name      string
		content   string
		wantValid bool
	}{
		{"valid", discountRules, true},
		{"empty", "", false},
		{"bad condition", "rule Foo when amount >> 1 then x = 1", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := doJSON(t, http.MethodPost, ts.URL+"/api/v1/validate", ContentRequest{Content: tt.content})
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("status = %d", resp.StatusCode)
			}
			var vr rules.ValidationResult
			decode(t, body, &vr)
			if vr.Valid != tt.wantValid {
				t.Errorf("valid = %v, want %v (diagnostics %+v)", vr.Valid, tt.wantValid, vr.Diagnostics)
			}
			if vr.Diagnostics == nil {
				t.Error("diagnostics should never be null")
			}
		})
	}
}

func TestUpdateAndUndeploy(t *testing.T) {
	ts, _ := newTestServer(t)
	res := deploy(t, ts.URL, discountRules)

	resp, body := doJSON(t, http.MethodPut, ts.URL+"/api/v1/rulesets/"+res.ID,
		UpdateRequest{Content: "rule Foo when amount > 50 then discount = 20", Version: "1.1"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update status = %d, body = %s", resp.StatusCode, body)
	}

	resp, body = doJSON(t, http.MethodPost, ts.URL+"/api/v1/rulesets/"+res.ID+"/execute",
		ExecuteRequest{Facts: map[string]any{"amount": 60}})
	var out rules.Result
	decode(t, body, &out)
	if resp.StatusCode != http.StatusOK || out.Outputs["discount"] != float64(20) {
		t.Errorf("after update: status %d, outputs %v", resp.StatusCode, out.Outputs)
	}

	resp, body = doJSON(t, http.MethodPut, ts.URL+"/api/v1/rulesets/"+res.ID,
		UpdateRequest{Content: discountRules, Version: "0.9"})
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("version regression status = %d, want 422, body = %s", resp.StatusCode, body)
	}

	// Undeploy by version
	resp, _ = doJSON(t, http.MethodDelete, ts.URL+"/api/v1/rulesets/1.1", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("undeploy status = %d, want 204", resp.StatusCode)
	}

	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/api/v1/rulesets/"+res.ID+"/execute",
		ExecuteRequest{Facts: map[string]any{"amount": 60}})
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("execute after undeploy status = %d, want 404", resp.StatusCode)
	}

	resp, _ = doJSON(t, http.MethodDelete, ts.URL+"/api/v1/rulesets/9.9", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("undeploy unknown version status = %d, want 404", resp.StatusCode)
	}
}

func TestSetStatus(t *testing.T) {
	ts, _ := newTestServer(t)
	res := deploy(t, ts.URL, discountRules)

	resp, body := doJSON(t, http.MethodPut, ts.URL+"/api/v1/rulesets/"+res.ID+"/status", StatusRequest{Status: rules.StatusInactive})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %s", resp.StatusCode, body)
	}

	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/api/v1/rulesets/"+res.ID+"/execute",
		ExecuteRequest{Facts: map[string]any{"amount": 60}})
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("execute inactive status = %d, want 404", resp.StatusCode)
	}

	resp, _ = doJSON(t, http.MethodPut, ts.URL+"/api/v1/rulesets/"+res.ID+"/status", StatusRequest{Status: rules.StatusDeleted})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("set DELETED status = %d, want 400", resp.StatusCode)
	}
}

func TestExecuteBatch(t *testing.T) {
	ts, _ := newTestServer(t)
	res := deploy(t, ts.URL, discountRules)

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/api/v1/rulesets/"+res.ID+"/execute/batch", BatchRequest{
		FactSets: []map[string]any{
			{"amount": 60},
			{"amount": "abc"},
			{"amount": 10},
		},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %s", resp.StatusCode, body)
	}

	var batch BatchResponse
	decode(t, body, &batch)
	if len(batch.Results) != 3 {
		t.Fatalf("results = %d, want 3", len(batch.Results))
	}
	if batch.Results[1] != nil {
		t.Errorf("failed item = %+v, want null", batch.Results[1])
	}
	if batch.Results[0] == nil || batch.Results[2] == nil {
		t.Errorf("successful items missing: %+v", batch.Results)
	}
	if batch.Failed != 1 || batch.Succeeded != 2 {
		t.Errorf("failed=%d succeeded=%d, want 1 and 2", batch.Failed, batch.Succeeded)
	}

	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/api/v1/rulesets/unknown/execute/batch", BatchRequest{})
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown rule set status = %d, want 404", resp.StatusCode)
	}
}

func TestValidateExistingAndReload(t *testing.T) {
	ts, _ := newTestServer(t)
	res := deploy(t, ts.URL, discountRules)

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/api/v1/rulesets/"+res.ID+"/validate", nil)
	var vr rules.ValidationResult
	decode(t, body, &vr)
	if resp.StatusCode != http.StatusOK || !vr.Valid {
		t.Errorf("validate existing = %d %+v", resp.StatusCode, vr)
	}

	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/api/v1/rulesets/"+res.ID+"/reload", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("reload status = %d, want 204", resp.StatusCode)
	}

	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/api/v1/rulesets/missing/reload", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("reload unknown status = %d, want 404", resp.StatusCode)
	}
}

func TestPrometheusEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)
	res := deploy(t, ts.URL, discountRules)
	doJSON(t, http.MethodPost, ts.URL+"/api/v1/rulesets/"+res.ID+"/execute", ExecuteRequest{Facts: map[string]any{"amount": 60}})

	resp, body := doJSON(t, http.MethodGet, ts.URL+"/metrics", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	for _, name := range []string{"rulesets_engine_executions_total", "rulesets_registry_deployments_total"} {
		if !strings.Contains(string(body), name) {
			t.Errorf("/metrics missing %s", name)
		}
	}
}

func TestNormalizeFacts(t *testing.T) {
	var req ExecuteRequest
	if err := decodeJSON(strings.NewReader(`{"facts":{"n":3,"f":1.5,"nested":{"k":7},"list":[1,2.5]}}`), &req); err != nil {
		t.Fatal(err)
	}

	if req.Facts["n"] != int64(3) {
		t.Errorf("n = %T %v, want int64 3", req.Facts["n"], req.Facts["n"])
	}
	if req.Facts["f"] != 1.5 {
		t.Errorf("f = %T %v, want float64 1.5", req.Facts["f"], req.Facts["f"])
	}
	if nested := req.Facts["nested"].(map[string]any); nested["k"] != int64(7) {
		t.Errorf("nested.k = %T %v, want int64 7", nested["k"], nested["k"])
	}
	if list := req.Facts["list"].([]any); list[0] != int64(1) || list[1] != 2.5 {
		t.Errorf("list = %v", list)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{rules.ErrNotFound, http.StatusNotFound},
		{rules.ErrContentMissing, http.StatusGone},
		{&rules.ExecutionError{RuleSetID: "x", Err: rules.ErrContentMissing}, http.StatusGone},
		{rules.ErrAmbiguousVersion, http.StatusConflict},
		{rules.ErrDeleted, http.StatusConflict},
		{rules.ErrInvalidStatus, http.StatusBadRequest},
		{&rules.ExecutionError{RuleSetID: "x", Err: errors.New("no such overload")}, http.StatusUnprocessableEntity},
		{&rules.CompilationError{RuleSetID: "x"}, http.StatusUnprocessableEntity},
		{errors.New("disk full"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			if got := statusFor(tt.err); got != tt.want {
				t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
			}
		})
	}
}
