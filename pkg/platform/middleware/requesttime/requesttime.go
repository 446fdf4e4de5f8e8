// Package requesttime pins one "now" per request so the record timestamp,
// the audit event and the notification of a mutation agree.
package requesttime

import (
	"net/http"
	"time"

	"factora/pkg/requestcontext"
)

// Middleware captures the current time at the start of the request.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := requestcontext.WithTime(r.Context(), time.Now().UTC())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
