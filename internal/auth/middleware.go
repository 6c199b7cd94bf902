package auth

import (
	"net/http"

	"github.com/mydriatech/fragtale/internal/httpserver"
	"github.com/mydriatech/fragtale/pkg/access"
)

// Middleware validates the "Authorization" bearer JWT on every request
// using authenticator and stores the resulting access.Identity in the
// request context for downstream handlers (spec.md §6: every /api/v1
// endpoint requires a valid bearer token, rejecting otherwise with 401).
func Middleware(authenticator *Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				httpserver.RespondError(w, http.StatusUnauthorized, "unauthorized", "missing Authorization header")
				return
			}
			claims, err := authenticator.Authenticate(r.Context(), header)
			if err != nil {
				httpserver.RespondError(w, http.StatusUnauthorized, "unauthorized", err.Error())
				return
			}
			identity := access.Identity{Subject: claims.Subject}
			next.ServeHTTP(w, r.WithContext(access.NewContext(r.Context(), identity)))
		})
	}
}
