package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/angelmondragon/creditmeter/pkg/logger"
)

var testLogger = logger.New(logger.Options{ServiceName: "test", Output: io.Discard})

func TestRequestIDPropagatesOrMints(t *testing.T) {
	handler := RequestID(testLogger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-Id", "req-123")
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	if got := resp.Header().Get("X-Request-Id"); got != "req-123" {
		t.Fatalf("expected propagated id, got %q", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-Id", strings.Repeat("x", maxRequestIDLen+1))
	resp = httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	if got := resp.Header().Get("X-Request-Id"); got == "" || len(got) > maxRequestIDLen {
		t.Fatalf("expected minted id, got %q", got)
	}
}

func TestRecovererWritesInternalError(t *testing.T) {
	handler := Recoverer(testLogger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/", nil))
	if resp.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", resp.Code)
	}
	if !strings.Contains(resp.Body.String(), "INTERNAL_ERROR") {
		t.Fatalf("unexpected body %s", resp.Body.String())
	}
}

func TestTenantContextBindsRouteParam(t *testing.T) {
	var seen string
	r := chi.NewRouter()
	r.Route("/api/v1/tenants/{tenantId}", func(r chi.Router) {
		r.Use(TenantContext(testLogger))
		r.Get("/balance", func(w http.ResponseWriter, r *http.Request) {
			seen = TenantIDFromContext(r.Context())
		})
	})
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/tenants/acme/balance", nil))
	if seen != "acme" {
		t.Fatalf("expected tenant acme, got %q", seen)
	}
}

func TestLoggingRecordsStatus(t *testing.T) {
	handler := Logging(testLogger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("short and stout"))
	}))
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/", nil))
	if resp.Code != http.StatusTeapot {
		t.Fatalf("status not forwarded: %d", resp.Code)
	}
}

func TestIdempotencySkipsRequestsWithoutKey(t *testing.T) {
	calls := 0
	r := chi.NewRouter()
	r.With(Idempotency(nil, testLogger)).Post("/api/v1/tenants/{tenantId}/credits", func(w http.ResponseWriter, r *http.Request) {
		calls++
	})
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/tenants/acme/credits", strings.NewReader(`{}`))
		r.ServeHTTP(httptest.NewRecorder(), req)
	}
	if calls != 2 {
		t.Fatalf("expected both calls to reach the handler, got %d", calls)
	}
}
