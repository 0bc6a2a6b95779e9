package logger

import (
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"TRACE", LevelTrace, false},
		{"debug", LevelDebug, false},
		{"Info", LevelInfo, false},
		{"WARN", LevelWarning, false},
		{"warning", LevelWarning, false},
		{" error ", LevelError, false},
		{"FATAL", LevelFatal, false},
		{"verbose", LevelInfo, true},
		{"", LevelInfo, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestSetLevel(t *testing.T) {
	orig := GetLevel()
	defer SetLevel(orig)

	SetLevel(LevelError)
	if GetLevel() != LevelError {
		t.Errorf("GetLevel() = %v, want %v", GetLevel(), LevelError)
	}
}

func TestWarnAndErrorCountRegardlessOfSampling(t *testing.T) {
	SetSampleRate(1000000)
	defer SetSampleRate(1)

	warnings := TotalWarnings.Load()
	errors := TotalErrors.Load()

	for i := 0; i < 10; i++ {
		Warn("sampled warning", "i", i)
		Error("sampled error", "i", i)
	}

	if got := TotalWarnings.Load() - warnings; got != 10 {
		t.Errorf("warnings counted = %d, want 10", got)
	}
	if got := TotalErrors.Load() - errors; got != 10 {
		t.Errorf("errors counted = %d, want 10", got)
	}
}

func TestCountHTTPStatus(t *testing.T) {
	before := Counters()

	CountHTTPStatus(200)
	CountHTTPStatus(404)
	CountHTTPStatus(422)
	CountHTTPStatus(503)

	after := Counters()
	if got := after["http_4xx"] - before["http_4xx"]; got != 2 {
		t.Errorf("http_4xx delta = %d, want 2", got)
	}
	if got := after["http_404"] - before["http_404"]; got != 1 {
		t.Errorf("http_404 delta = %d, want 1", got)
	}
	if got := after["http_5xx"] - before["http_5xx"]; got != 1 {
		t.Errorf("http_5xx delta = %d, want 1", got)
	}
}
