package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"exec_gateway/internal/core"
	"exec_gateway/internal/infrastructure/health"
	"exec_gateway/pkg/logging"
)

func newTestServer(t *testing.T, hm core.IHealthMonitor) *Server {
	t.Helper()
	logger, err := logging.NewZapLogger("error")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	return NewServer(0, hm, logger)
}

func TestHandleHealth_Healthy(t *testing.T) {
	hm := health.NewManager(nil)
	hm.Register("redis", func() error { return nil })
	s := newTestServer(t, hm)

	rec := httptest.NewRecorder()
	s.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var body struct {
		Status     string            `json:"status"`
		Components map[string]string `json:"components"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "healthy" {
		t.Errorf("Expected healthy, got %s", body.Status)
	}
	if body.Components["redis"] != "healthy" {
		t.Errorf("Expected redis healthy, got %s", body.Components["redis"])
	}
}

func TestHandleHealth_Unhealthy(t *testing.T) {
	hm := health.NewManager(nil)
	hm.Register("database", func() error { return fmt.Errorf("connection refused") })
	s := newTestServer(t, hm)

	rec := httptest.NewRecorder()
	s.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("Expected 503, got %d", rec.Code)
	}
}

func TestHandleHealth_NoMonitor(t *testing.T) {
	s := newTestServer(t, nil)

	rec := httptest.NewRecorder()
	s.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
}
