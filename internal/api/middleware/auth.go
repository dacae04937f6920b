package middleware

import (
	"context"
	"net/http"
	"slices"
	"strings"

	"github.com/idport/idport/internal/api/presenter"
	"github.com/idport/idport/internal/core"
)

// TokenVerifier is the slice of the verifier the auth middleware needs.
type TokenVerifier interface {
	Verify(ctx context.Context, kind core.TokenKind, presented string, ignoreAccountStatus bool) (*core.VerifiedToken, error)
}

type verifiedTokenKey struct{}

// VerifiedFromContext returns the token that authenticated the request.
func VerifiedFromContext(ctx context.Context) *core.VerifiedToken {
	vt, _ := ctx.Value(verifiedTokenKey{}).(*core.VerifiedToken)
	return vt
}

// TokenAuth guards a handler behind a verified API token. When scope is
// non-empty the token must carry it.
func TokenAuth(verifier TokenVerifier, scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			tokenStr := strings.TrimSpace(strings.TrimPrefix(auth, "Bearer"))
			if tokenStr == "" {
				presenter.Error(w, r, "login required", http.StatusUnauthorized)
				return
			}

			vt, err := verifier.Verify(r.Context(), core.KindAPI, tokenStr, false)
			if err != nil {
				presenter.Error(w, r, "invalid token", http.StatusUnauthorized)
				return
			}
			if scope != "" && !slices.Contains(vt.Scopes, scope) {
				presenter.Error(w, r, "insufficient privileges", http.StatusForbidden)
				return
			}

			ctx := context.WithValue(r.Context(), verifiedTokenKey{}, vt)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
