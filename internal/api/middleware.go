package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/technosupport/ts-kiosk/internal/tokens"
)

type contextKey int

const claimsKey contextKey = iota

// ClaimsFrom returns the authenticated identity stored by Authenticate.
func ClaimsFrom(ctx context.Context) (*tokens.ClientClaims, bool) {
	c, ok := ctx.Value(claimsKey).(*tokens.ClientClaims)
	return c, ok
}

// Authenticate validates the bearer token and stores the claims on the
// request context. Missing or bad credentials end the request with 401.
func Authenticate(tm *tokens.Manager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if !strings.HasPrefix(header, "Bearer ") {
				writeError(w, http.StatusUnauthorized, "missing bearer token")
				return
			}
			claims, err := tm.ValidateClientToken(strings.TrimPrefix(header, "Bearer "))
			if err != nil {
				writeError(w, http.StatusUnauthorized, "invalid or expired token")
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey, claims)))
		})
	}
}

// RequireRole gates a route to one role; wrong roles get 403.
func RequireRole(role tokens.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := ClaimsFrom(r.Context())
			if !ok {
				writeError(w, http.StatusUnauthorized, "missing bearer token")
				return
			}
			if claims.Role != role {
				writeError(w, http.StatusForbidden, "insufficient role")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
