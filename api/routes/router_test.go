package routes

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/creditmeter/api/controllers"
	"github.com/angelmondragon/creditmeter/internal/balance"
	"github.com/angelmondragon/creditmeter/internal/metering"
	"github.com/angelmondragon/creditmeter/internal/pricing"
	"github.com/angelmondragon/creditmeter/pkg/config"
	"github.com/angelmondragon/creditmeter/pkg/logger"
	"github.com/angelmondragon/creditmeter/pkg/metrics"
	"github.com/angelmondragon/creditmeter/pkg/redis"
)

type stubPinger struct{ err error }

func (s stubPinger) Ping(context.Context) error { return s.err }

type routerFixture struct {
	handler http.Handler
	store   *balance.MemoryStore
}

func newRouterFixture(t *testing.T, readiness map[string]controllers.Pinger) *routerFixture {
	t.Helper()
	logg := logger.New(logger.Options{ServiceName: "router-test", Output: io.Discard})
	registry := prometheus.NewRegistry()

	table, err := pricing.NewTable(nil)
	if err != nil {
		t.Fatalf("pricing: %v", err)
	}
	adRates, err := pricing.NewAdRates(nil)
	if err != nil {
		t.Fatalf("ad rates: %v", err)
	}
	store := balance.NewMemoryStore()
	svc, err := metering.NewService(metering.ServiceParams{
		Store:   store,
		Pricing: table,
		AdRates: adRates,
		Logger:  logg,
		Metrics: metrics.NewMeteringMetrics(registry),
	})
	if err != nil {
		t.Fatalf("metering: %v", err)
	}

	srv := miniredis.RunT(t)
	raw := goredis.NewClient(&goredis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = raw.Close() })

	cfg := &config.Config{}
	cfg.App.Env = "test"
	return &routerFixture{
		handler: NewRouter(cfg, logg, svc, redis.NewFromUniversal(raw), readiness, registry),
		store:   store,
	}
}

func (f *routerFixture) do(t *testing.T, method, target, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp := httptest.NewRecorder()
	f.handler.ServeHTTP(resp, req)
	return resp
}

func TestHealthRoutes(t *testing.T) {
	f := newRouterFixture(t, map[string]controllers.Pinger{"db": stubPinger{}, "redis": stubPinger{}})
	if resp := f.do(t, http.MethodGet, "/health/live", "", nil); resp.Code != http.StatusOK {
		t.Fatalf("live: %d", resp.Code)
	}
	resp := f.do(t, http.MethodGet, "/health/ready", "", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("ready: %d", resp.Code)
	}
	if resp.Header().Get("X-Request-Id") == "" {
		t.Fatal("expected request id header")
	}
}

func TestReadyFailsWhenDependencyDown(t *testing.T) {
	f := newRouterFixture(t, map[string]controllers.Pinger{"redis": stubPinger{err: errors.New("dial tcp: refused")}})
	resp := f.do(t, http.MethodGet, "/health/ready", "", nil)
	if resp.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.Code)
	}
}

func TestMeteringFlowOverHTTP(t *testing.T) {
	f := newRouterFixture(t, nil)

	resp := f.do(t, http.MethodPost, "/api/v1/tenants/acme/credits", `{"amount":"25"}`, nil)
	if resp.Code != http.StatusCreated {
		t.Fatalf("credits: %d %s", resp.Code, resp.Body.String())
	}
	resp = f.do(t, http.MethodPost, "/api/v1/tenants/acme/usage", `{"resourceType":"cpu","amount":1000}`, nil)
	if resp.Code != http.StatusCreated {
		t.Fatalf("usage: %d %s", resp.Code, resp.Body.String())
	}

	resp = f.do(t, http.MethodGet, "/api/v1/tenants/acme/balance", "", nil)
	var bal struct {
		Data struct {
			Balance decimal.Decimal `json:"balance"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&bal); err != nil {
		t.Fatalf("decode balance: %v", err)
	}
	if !bal.Data.Balance.Equal(decimal.RequireFromString("24.96")) {
		t.Fatalf("expected 24.96, got %s", bal.Data.Balance)
	}

	resp = f.do(t, http.MethodGet, "/api/v1/tenants/acme/transactions?limit=10", "", nil)
	var history struct {
		Data struct {
			Transactions []balance.Transaction `json:"transactions"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&history); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(history.Data.Transactions) != 2 || history.Data.Transactions[0].Type != "debit" {
		t.Fatalf("unexpected history %+v", history.Data.Transactions)
	}
}

func TestCreditsReplayWithIdempotencyKey(t *testing.T) {
	f := newRouterFixture(t, nil)
	headers := map[string]string{"Idempotency-Key": "topup-1"}

	first := f.do(t, http.MethodPost, "/api/v1/tenants/acme/credits", `{"amount":"10"}`, headers)
	if first.Code != http.StatusCreated {
		t.Fatalf("first: %d %s", first.Code, first.Body.String())
	}
	second := f.do(t, http.MethodPost, "/api/v1/tenants/acme/credits", `{"amount":"10"}`, headers)
	if second.Code != http.StatusCreated {
		t.Fatalf("replay: %d", second.Code)
	}
	if second.Header().Get("Idempotent-Replayed") != "true" {
		t.Fatal("expected replayed response")
	}
	if first.Body.String() != second.Body.String() {
		t.Fatalf("replayed body differs:\n%s\n%s", first.Body.String(), second.Body.String())
	}
	bal, err := f.store.Balance(context.Background(), "acme")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if !bal.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("credit applied twice, balance %s", bal)
	}

	conflict := f.do(t, http.MethodPost, "/api/v1/tenants/acme/credits", `{"amount":"11"}`, headers)
	if conflict.Code != http.StatusConflict {
		t.Fatalf("expected 409 for reused key, got %d", conflict.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	f := newRouterFixture(t, nil)
	f.do(t, http.MethodPost, "/api/v1/tenants/acme/credits", `{"amount":"1"}`, nil)

	resp := f.do(t, http.MethodGet, "/metrics", "", nil)
	if resp.Code != http.StatusOK {
		t.Fatalf("metrics: %d", resp.Code)
	}
	if !strings.Contains(resp.Body.String(), "creditmeter_credits_added_total") {
		t.Fatalf("expected metering metrics in output")
	}
}

func TestOversizedCreditIsBadRequest(t *testing.T) {
	f := newRouterFixture(t, nil)
	for i := 0; i < 10; i++ {
		resp := f.do(t, http.MethodPost, "/api/v1/tenants/acme/credits", `{"amount":"100000000000"}`, nil)
		if resp.Code != http.StatusBadRequest {
			t.Fatalf("attempt %d: expected 400, got %d %s", i, resp.Code, resp.Body.String())
		}
	}
	resp := f.do(t, http.MethodPost, "/api/v1/tenants/acme/credits", `{"amount":"1"}`, nil)
	if resp.Code != http.StatusCreated {
		t.Fatalf("credits after rejected attempts: %d %s", resp.Code, resp.Body.String())
	}
}

func TestUsageSummaryRouteValidatesWindow(t *testing.T) {
	f := newRouterFixture(t, nil)
	resp := f.do(t, http.MethodGet, "/api/v1/tenants/acme/usage/summary?from=bad", "", nil)
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d %s", resp.Code, resp.Body.String())
	}
}
