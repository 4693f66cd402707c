package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func reset() {
	healthChecker = newHealthChecker()
}

func TestGetHealth_AllHealthy(t *testing.T) {
	reset()
	SetVersion("1.0.0")
	UpdateComponent(ComponentTopology, true, "")
	UpdateComponent(ComponentCatalog, true, "")

	health := GetHealth()

	if health.Status != "healthy" {
		t.Errorf("expected status 'healthy', got '%s'", health.Status)
	}
	if health.Version != "1.0.0" {
		t.Errorf("expected version '1.0.0', got '%s'", health.Version)
	}
	if len(health.Components) != 2 {
		t.Errorf("expected 2 components, got %d", len(health.Components))
	}
}

func TestGetHealth_OneUnhealthy(t *testing.T) {
	reset()
	UpdateComponent(ComponentCatalog, true, "")
	UpdateComponent(ComponentTopology, false, "no endpoint answered")

	health := GetHealth()

	if health.Status != "unhealthy" {
		t.Errorf("expected status 'unhealthy', got '%s'", health.Status)
	}
	if health.Components[ComponentTopology] != "unhealthy: no endpoint answered" {
		t.Errorf("unexpected topology status: %s", health.Components[ComponentTopology])
	}
}

func TestGetReadiness(t *testing.T) {
	tests := []struct {
		name       string
		setup      func()
		wantStatus string
	}{
		{
			name:       "critical component missing",
			setup:      func() { UpdateComponent(ComponentAlerts, true, "") },
			wantStatus: "not_ready",
		},
		{
			name:       "critical component unhealthy",
			setup:      func() { UpdateComponent(ComponentTopology, false, "inconsistent") },
			wantStatus: "not_ready",
		},
		{
			name:       "ready",
			setup:      func() { UpdateComponent(ComponentTopology, true, "") },
			wantStatus: "ready",
		},
		{
			name: "extra critical component",
			setup: func() {
				SetCriticalComponents(ComponentTopology, ComponentCatalog)
				UpdateComponent(ComponentTopology, true, "")
			},
			wantStatus: "not_ready",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reset()
			tt.setup()
			if got := GetReadiness().Status; got != tt.wantStatus {
				t.Errorf("expected status %q, got %q", tt.wantStatus, got)
			}
		})
	}
}

func TestHealthHandler_Unhealthy(t *testing.T) {
	reset()
	UpdateComponent(ComponentTopology, false, "down")

	rec := httptest.NewRecorder()
	HealthHandler()(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status 503, got %d", rec.Code)
	}
	var body HealthStatus
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body.Status != "unhealthy" {
		t.Errorf("expected status 'unhealthy', got '%s'", body.Status)
	}
}

func TestMuxRoutes(t *testing.T) {
	reset()
	UpdateComponent(ComponentTopology, true, "")
	srv := httptest.NewServer(Mux())
	defer srv.Close()

	for _, path := range []string{"/metrics", "/health", "/ready"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s: expected 200, got %d", path, resp.StatusCode)
		}
	}
}
