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
	HealthCheckHandler()(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}

	var status HealthStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("Failed to decode body: %v", err)
	}
	if status.Service != "caption-gateway" {
		t.Errorf("Expected service 'caption-gateway', got '%s'", status.Service)
	}
}

func TestReadinessHandler_AllHealthy(t *testing.T) {
	checks := map[string]HealthCheckFunc{
		"socket": func(ctx context.Context) (bool, error) { return true, nil },
		"unused": nil,
	}

	rec := httptest.NewRecorder()
	ReadinessHandler(checks)(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}

	var status HealthStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("Failed to decode body: %v", err)
	}
	if len(status.Dependencies) != 1 {
		t.Errorf("Expected 1 dependency, got %d", len(status.Dependencies))
	}
}

func TestReadinessHandler_Unhealthy(t *testing.T) {
	checks := map[string]HealthCheckFunc{
		"socket":    func(ctx context.Context) (bool, error) { return true, nil },
		"translate": func(ctx context.Context) (bool, error) { return false, errors.New("connection refused") },
	}

	rec := httptest.NewRecorder()
	ReadinessHandler(checks)(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("Expected 503, got %d", rec.Code)
	}

	var status HealthStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("Failed to decode body: %v", err)
	}
	if status.Status != "not_ready" {
		t.Errorf("Expected status 'not_ready', got '%s'", status.Status)
	}
	if status.Dependencies["translate"].Message != "connection refused" {
		t.Errorf("Expected translate message 'connection refused', got '%s'", status.Dependencies["translate"].Message)
	}
}

func TestHTTPCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/down" {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	ok, err := HTTPCheck(srv.Client(), srv.URL+"/up")(context.Background())
	if err != nil || !ok {
		t.Errorf("Expected 404 to count as reachable, got ok=%v err=%v", ok, err)
	}

	ok, _ = HTTPCheck(srv.Client(), srv.URL+"/down")(context.Background())
	if ok {
		t.Error("Expected 502 to count as unhealthy")
	}
}

func TestParseLevel(t *testing.T) {
	if ParseLevel("debug").String() != "debug" {
		t.Errorf("Expected debug level")
	}
	if ParseLevel("bogus").String() != "info" {
		t.Errorf("Expected unknown level to fall back to info")
	}
}
