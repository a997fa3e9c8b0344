package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/angelmondragon/creditmeter/api/controllers"
	"github.com/angelmondragon/creditmeter/api/middleware"
	"github.com/angelmondragon/creditmeter/pkg/config"
	"github.com/angelmondragon/creditmeter/pkg/logger"
)

func NewRouter(
	cfg *config.Config,
	logg *logger.Logger,
	meteringService controllers.MeteringService,
	idempotencyStore middleware.IdempotencyStore,
	readiness map[string]controllers.Pinger,
	gatherer prometheus.Gatherer,
) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
	)

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, readiness))
	})
	if gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	idempotent := middleware.Idempotency(idempotencyStore, logg)
	r.Route("/api/v1/tenants/{tenantId}", func(r chi.Router) {
		r.Use(middleware.TenantContext(logg))
		r.With(idempotent).Post("/usage", controllers.RecordUsage(meteringService, logg))
		r.With(idempotent).Post("/credits", controllers.AddCredits(meteringService, logg))
		r.With(idempotent).Post("/ad-revenue", controllers.ProcessAdRevenue(meteringService, logg))
		r.Get("/balance", controllers.GetBalance(meteringService, logg))
		r.Get("/transactions", controllers.ListTransactions(meteringService, logg))
		r.Get("/usage", controllers.ListUsage(meteringService, logg))
		r.Get("/usage/summary", controllers.GetUsageSummary(meteringService, logg))
	})

	return r
}
