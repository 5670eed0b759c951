package api

import (
	"net/http"
	"strings"

	"go.flowcatalyst.tech/internal/router/auth"
)

// RequireBearerAuth rejects requests without a valid bearer token. When
// verifier is nil, auth is treated as disabled and every request passes.
func RequireBearerAuth(verifier *auth.Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if verifier == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			const prefix = "Bearer "
			if !strings.HasPrefix(header, prefix) {
				http.Error(w, "missing bearer token", http.StatusUnauthorized)
				return
			}
			if _, err := verifier.Verify(strings.TrimPrefix(header, prefix)); err != nil {
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
