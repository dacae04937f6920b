package middleware

import (
	"net/http"

	"github.com/rs/xid"

	"github.com/idport/idport/internal/core"
)

const CorrelationIDHeader = "X-Correlation-ID"

// CorrelationIDMiddleware assigns every request a correlation id, kept
// from the caller when present so ids stay stable across the login
// frontend and the token endpoints. The id is echoed in the response and
// ends up in the audit trail.
func CorrelationIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(CorrelationIDHeader)
		if id == "" || len(id) > 64 {
			id = xid.New().String()
		}
		w.Header().Set(CorrelationIDHeader, id)

		ctx := core.WithCorrelationID(r.Context(), id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
