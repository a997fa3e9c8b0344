package middleware

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/angelmondragon/creditmeter/pkg/logger"
)

// TenantContext binds the {tenantId} route parameter to the request context
// and its log fields.
func TenantContext(logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tenantID := strings.TrimSpace(chi.URLParam(r, "tenantId"))
			if tenantID == "" {
				next.ServeHTTP(w, r)
				return
			}
			ctx := WithTenantID(r.Context(), tenantID)
			if logg != nil {
				ctx = logg.WithTenantID(ctx, tenantID)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
