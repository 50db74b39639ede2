package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHealthCheckHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	HealthCheckHandler(func() int { return 3 })(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}

	var status HealthStatus
	if err := json.NewDecoder(rec.Body).Decode(&status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if status.Status != "healthy" {
		t.Errorf("Expected status 'healthy', got '%s'", status.Status)
	}
	if status.ActiveSessions == nil || *status.ActiveSessions != 3 {
		t.Errorf("Expected 3 active sessions, got %v", status.ActiveSessions)
	}
}

func TestReadinessHandler(t *testing.T) {
	healthy := func(ctx context.Context) (bool, error) { return true, nil }
	failing := func(ctx context.Context) (bool, error) { return false, errors.New("no route to host") }

	tests := []struct {
		name     string
		checks   map[string]HealthCheckFunc
		wantCode int
		wantBody string
	}{
		{"all healthy", map[string]HealthCheckFunc{"deepgram": healthy, "claude": healthy}, http.StatusOK, "ready"},
		{"one failing", map[string]HealthCheckFunc{"deepgram": healthy, "tts": failing}, http.StatusServiceUnavailable, "not_ready"},
		{"no checks", nil, http.StatusOK, "ready"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			ReadinessHandler(tt.checks)(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))

			if rec.Code != tt.wantCode {
				t.Errorf("Expected code %d, got %d", tt.wantCode, rec.Code)
			}

			var status HealthStatus
			if err := json.NewDecoder(rec.Body).Decode(&status); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if status.Status != tt.wantBody {
				t.Errorf("Expected status %q, got %q", tt.wantBody, status.Status)
			}
			if len(status.Dependencies) != len(tt.checks) {
				t.Errorf("Expected %d dependencies, got %d", len(tt.checks), len(status.Dependencies))
			}
		})
	}
}

func TestReadinessHandler_ReportsMessage(t *testing.T) {
	checks := map[string]HealthCheckFunc{
		"tts": func(ctx context.Context) (bool, error) { return false, errors.New("unauthorized") },
	}
	rec := httptest.NewRecorder()
	ReadinessHandler(checks)(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))

	var status HealthStatus
	if err := json.NewDecoder(rec.Body).Decode(&status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got := status.Dependencies["tts"].Message; got != "unauthorized" {
		t.Errorf("Expected message 'unauthorized', got %q", got)
	}
}

func TestParseLevel(t *testing.T) {
	if ParseLevel("debug").String() != "debug" {
		t.Error("Expected debug level")
	}
	if ParseLevel("bogus").String() != "info" {
		t.Error("Expected unknown level to map to info")
	}
}

func TestWriteJSON_EncodeFailure(t *testing.T) {
	rec := httptest.NewRecorder()
	writeJSON(rec, http.StatusOK, map[string]any{"stream": make(chan int)})

	if rec.Code != http.StatusOK {
		t.Errorf("Expected status written before encoding, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Expected JSON content type, got %q", ct)
	}
}
