package http

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	outboundaudit "github.com/mcprouter/mcprouter/internal/adapter/outbound/audit"
	"github.com/mcprouter/mcprouter/internal/adapter/outbound/memory"
	"github.com/mcprouter/mcprouter/internal/domain/audit"
	"github.com/mcprouter/mcprouter/internal/service"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newDiscardAuditStore(t *testing.T) audit.AuditStore {
	t.Helper()
	store, err := outboundaudit.NewFromOutput("stdout")
	if err != nil {
		t.Fatalf("NewFromOutput: %v", err)
	}
	return store
}

func TestHealthChecker_Healthy(t *testing.T) {
	rateLimiter := memory.NewRateLimiter()
	auditService := service.NewAuditService(newDiscardAuditStore(t), discardLogger(), nil,
		service.WithChannelSize(100),
	)

	hc := NewHealthChecker(rateLimiter, auditService, "test-version")

	health := hc.Check()

	if health.Status != "healthy" {
		t.Errorf("Status = %q, want healthy", health.Status)
	}
	if health.Version != "test-version" {
		t.Errorf("Version = %q, want test-version", health.Version)
	}
	if health.Checks["rate_limiter"] != "ok" {
		t.Errorf("rate_limiter check = %q, want ok", health.Checks["rate_limiter"])
	}
}

func TestHealthChecker_NilComponents(t *testing.T) {
	hc := NewHealthChecker(nil, nil, "")
	health := hc.Check()

	if health.Status != "healthy" {
		t.Errorf("Status = %q, want healthy", health.Status)
	}
	if health.Checks["rate_limiter"] != "not configured" {
		t.Errorf("rate_limiter = %q, want 'not configured'", health.Checks["rate_limiter"])
	}
	if health.Checks["audit"] != "not configured" {
		t.Errorf("audit = %q, want 'not configured'", health.Checks["audit"])
	}
}

func TestHealthChecker_Handler_HTTP(t *testing.T) {
	hc := NewHealthChecker(memory.NewRateLimiter(), nil, "1.0.0")

	req := httptest.NewRequest("GET", "/health", nil)
	rec := httptest.NewRecorder()

	hc.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("Status code = %d, want %d", rec.Code, http.StatusOK)
	}

	contentType := rec.Header().Get("Content-Type")
	if contentType != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", contentType)
	}

	var resp HealthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if resp.Status != "healthy" {
		t.Errorf("Response status = %q, want healthy", resp.Status)
	}
	if resp.Version != "1.0.0" {
		t.Errorf("Response version = %q, want 1.0.0", resp.Version)
	}
}

func TestHealthChecker_Unhealthy_AuditFull(t *testing.T) {
	auditService := service.NewAuditService(newDiscardAuditStore(t), discardLogger(), nil,
		service.WithChannelSize(10),
		service.WithSendTimeout(0),
	)

	for i := 0; i < 10; i++ {
		auditService.Record(audit.AuditRecord{Tool: "test"})
	}

	hc := NewHealthChecker(nil, auditService, "")
	health := hc.Check()

	if health.Status != "unhealthy" {
		t.Errorf("Status = %q, want unhealthy (audit channel >90%% full)", health.Status)
	}
}

func TestHealthChecker_Handler_Unhealthy_503(t *testing.T) {
	auditService := service.NewAuditService(newDiscardAuditStore(t), discardLogger(), nil,
		service.WithChannelSize(10),
		service.WithSendTimeout(0),
	)

	for i := 0; i < 10; i++ {
		auditService.Record(audit.AuditRecord{Tool: "test"})
	}

	hc := NewHealthChecker(nil, auditService, "")

	req := httptest.NewRequest("GET", "/health", nil)
	rec := httptest.NewRecorder()

	hc.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("Status code = %d, want %d (503 Service Unavailable)", rec.Code, http.StatusServiceUnavailable)
	}

	var resp HealthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if resp.Status != "unhealthy" {
		t.Errorf("Response status = %q, want unhealthy", resp.Status)
	}
}

func TestHealthChecker_GoroutineCount(t *testing.T) {
	hc := NewHealthChecker(nil, nil, "")
	health := hc.Check()

	if health.Checks["goroutines"] == "" {
		t.Error("goroutines check should be present")
	}
	if health.Checks["goroutines"] == "0" {
		t.Error("goroutines count should be > 0")
	}
}
