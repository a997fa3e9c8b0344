package controllers

import (
	"context"
	"net/http"
	"time"

	"github.com/angelmondragon/creditmeter/api/responses"
	"github.com/angelmondragon/creditmeter/pkg/config"
	pkgerrors "github.com/angelmondragon/creditmeter/pkg/errors"
	"github.com/angelmondragon/creditmeter/pkg/logger"
)

const readinessTimeout = 2 * time.Second

// Pinger is any dependency the readiness check pings.
type Pinger interface {
	Ping(ctx context.Context) error
}

func HealthLive(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Creditmeter-Env", cfg.App.Env)
		responses.WriteSuccess(w, map[string]string{"status": "live"})
	}
}

// HealthReady pings every named dependency and reports 503 when one fails.
// A nil pinger is skipped, which is how the memory store runs without Redis.
func HealthReady(cfg *config.Config, logg *logger.Logger, deps map[string]Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Creditmeter-Env", cfg.App.Env)
		ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
		defer cancel()

		checks := make(map[string]string, len(deps))
		for name, dep := range deps {
			if dep == nil {
				continue
			}
			if err := dep.Ping(ctx); err != nil {
				checks[name] = "down"
				responses.WriteError(r.Context(), logg, w,
					pkgerrors.Wrap(pkgerrors.CodeDependency, err, name+" unavailable").WithDetails(map[string]string{"dependency": name}))
				return
			}
			checks[name] = "up"
		}
		responses.WriteSuccess(w, map[string]any{"status": "ready", "checks": checks})
	}
}
