package middleware

import (
	"fmt"
	"net/http"

	"github.com/angelmondragon/creditmeter/api/responses"
	pkgerrors "github.com/angelmondragon/creditmeter/pkg/errors"
	"github.com/angelmondragon/creditmeter/pkg/logger"
)

// Recoverer turns handler panics into an INTERNAL_ERROR envelope.
func Recoverer(logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				err := fmt.Errorf("panic: %v", rec)
				responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "panic"))
			}()
			next.ServeHTTP(w, r)
		})
	}
}
