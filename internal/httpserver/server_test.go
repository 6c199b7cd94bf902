package httpserver

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mydriatech/fragtale/internal/config"
	"github.com/mydriatech/fragtale/pkg/backend/mem"
	"github.com/mydriatech/fragtale/pkg/engine"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := &config.Config{
		CORSAllowedOrigins:     []string{"*"},
		IntegrityCurrentSecret: "test-integrity-secret",
		IntegrityCurrentOID:    "sha256",
		CorrelationSecret:      "test-correlation-secret",
	}
	eng, err := engine.New(t.Context(), cfg, mem.New(), nil, "test", testLogger())
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	t.Cleanup(func() { eng.Close(t.Context()) })
	return NewServer(cfg, testLogger(), eng, prometheus.NewRegistry(), nil, nil)
}

func TestHealthzAndReadyzReportOK(t *testing.T) {
	s := newTestServer(t)

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /healthz = %d, want 200", rec.Code)
	}

	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /readyz = %d, want 200", rec.Code)
	}
}

func TestPublishThenNextThenConfirm(t *testing.T) {
	s := newTestServer(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPut, "/api/v1/topics/orders/events", bytes.NewBufferString(`{"k":"v"}`))
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("PUT .../events = %d, want 204; body: %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("correlation-token") == "" {
		t.Fatalf("expected a correlation-token response header")
	}

	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/topics/orders/next?from=consumer1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("GET .../next = %d, want 200; body: %s", rec.Code, rec.Body.String())
	}
	var gist deliveryGistDTO
	if err := json.Unmarshal(rec.Body.Bytes(), &gist); err != nil {
		t.Fatalf("decoding delivery gist: %v", err)
	}
	if gist.Document != `{"k":"v"}` {
		t.Fatalf("gist.Document = %q, want %q", gist.Document, `{"k":"v"}`)
	}
	link := rec.Header().Get("Link")
	if link == "" {
		t.Fatalf("expected a Link header pointing at the confirm endpoint")
	}

	confirmPath, _, _ := strings.Cut(strings.TrimPrefix(link, "<"), ">")
	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, confirmPath+"?from=consumer1", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("PUT %s = %d, want 204; body: %s", confirmPath, rec.Code, rec.Body.String())
	}
}

func TestNextWithoutEventsReturns204(t *testing.T) {
	s := newTestServer(t)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/topics/empty/next?from=consumer1", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("GET .../next on an empty topic = %d, want 204", rec.Code)
	}
}

func TestNextRequiresFromQueryParameter(t *testing.T) {
	s := newTestServer(t)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/topics/orders/next", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("GET .../next without from = %d, want 400", rec.Code)
	}
}

func TestUpsertDescriptorThenGetByEventID(t *testing.T) {
	s := newTestServer(t)

	descriptorBody := `{
		"schema_type": "https://json-schema.org/draft/2020-12/schema",
		"schema_data": "{\"type\":\"object\",\"required\":[\"k\"]}"
	}`
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPut, "/api/v1/topics/orders/description", bytes.NewBufferString(descriptorBody))
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("PUT .../description = %d, want 204; body: %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPut, "/api/v1/topics/orders/events", bytes.NewBufferString(`{}`))
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("publishing a document missing the required field = %d, want 400; body: %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPut, "/api/v1/topics/orders/events", bytes.NewBufferString(`{"k":1}`))
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("publishing a conforming document = %d, want 204; body: %s", rec.Code, rec.Body.String())
	}
}

func TestByEventIDReturns404ForUnknownEvent(t *testing.T) {
	s := newTestServer(t)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/topics/orders/events/by_event_id/does-not-exist", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("GET .../by_event_id/does-not-exist = %d, want 404", rec.Code)
	}
}
