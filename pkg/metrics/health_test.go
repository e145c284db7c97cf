package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func resetHealth(t *testing.T) {
	t.Helper()
	healthChecker = newHealthChecker()
}

func TestRegisterComponent(t *testing.T) {
	resetHealth(t)

	RegisterComponent("api", true, "listening")
	UpdateComponent("api", false, "closed")

	comp, ok := healthChecker.components["api"]
	if !ok {
		t.Fatal("component not registered")
	}
	if comp.Healthy {
		t.Error("component should reflect the last update")
	}
	if comp.Message != "closed" {
		t.Errorf("expected message 'closed', got '%s'", comp.Message)
	}
}

func TestGetHealth(t *testing.T) {
	tests := []struct {
		name       string
		components map[string]bool
		want       string
	}{
		{name: "no components", components: nil, want: StatusHealthy},
		{name: "all healthy", components: map[string]bool{"api": true, "monitor": true}, want: StatusHealthy},
		{name: "reporter failing", components: map[string]bool{"api": true, "reporter.node": false}, want: StatusDegraded},
		{name: "critical failing", components: map[string]bool{"monitor": false, "reporter.node": false}, want: StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetHealth(t)
			for name, healthy := range tt.components {
				RegisterComponent(name, healthy, "msg")
			}

			health := GetHealth()
			if health.Status != tt.want {
				t.Errorf("GetHealth().Status = %s, want %s", health.Status, tt.want)
			}
			if len(health.Components) != len(tt.components) {
				t.Errorf("expected %d components, got %d", len(tt.components), len(health.Components))
			}
		})
	}
}

func TestGetReadiness(t *testing.T) {
	resetHealth(t)

	RegisterComponent("api", true, "")
	if got := GetReadiness(); got.Status != StatusNotReady || got.Message == "" {
		t.Errorf("expected not_ready with a message while monitor is missing, got %+v", got)
	}

	RegisterComponent("monitor", false, "first sample pending")
	if got := GetReadiness(); got.Status != StatusNotReady {
		t.Errorf("expected not_ready, got %s", got.Status)
	}

	UpdateComponent("monitor", true, "")
	if got := GetReadiness(); got.Status != StatusReady {
		t.Errorf("expected ready, got %s", got.Status)
	}
}

func TestHealthHandler(t *testing.T) {
	resetHealth(t)
	SetVersion("test")
	RegisterComponent("reporter.metric", false, "connection refused")

	w := httptest.NewRecorder()
	HealthHandler()(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	if w.Code != http.StatusOK {
		t.Errorf("degraded node should answer 200, got %d", w.Code)
	}

	var health HealthStatus
	if err := json.NewDecoder(w.Body).Decode(&health); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if health.Status != StatusDegraded {
		t.Errorf("expected degraded, got %s", health.Status)
	}
	if health.Version != "test" {
		t.Errorf("expected version 'test', got %s", health.Version)
	}
}

func TestHealthHandler_Unhealthy(t *testing.T) {
	resetHealth(t)
	RegisterComponent("api", false, "bind failed")

	w := httptest.NewRecorder()
	HealthHandler()(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status 503, got %d", w.Code)
	}
}

func TestReadyHandler(t *testing.T) {
	resetHealth(t)
	RegisterComponent("api", true, "")
	RegisterComponent("monitor", true, "")

	w := httptest.NewRecorder()
	ReadyHandler()(w, httptest.NewRequest(http.MethodGet, "/ready", nil))

	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("unexpected content type %q", ct)
	}
}

func TestLivenessHandler(t *testing.T) {
	resetHealth(t)

	w := httptest.NewRecorder()
	LivenessHandler()(w, httptest.NewRequest(http.MethodGet, "/live", nil))

	var body map[string]string
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body["status"] != "alive" {
		t.Errorf("expected alive, got %s", body["status"])
	}
}
