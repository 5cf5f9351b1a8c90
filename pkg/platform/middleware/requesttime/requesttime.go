// Package requesttime provides middleware for request-scoped time.
// All operations within a single request use the same "now", so the expiry
// computed when a code is issued and the sweep cutoff agree with each other.
package requesttime

import (
	"net/http"
	"time"

	"idlink/pkg/requestcontext"
)

// Middleware captures the current time at the start of the request.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := requestcontext.WithTime(r.Context(), time.Now())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
