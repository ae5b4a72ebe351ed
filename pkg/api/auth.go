package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// managementAuth requires "Authorization: Bearer <token>". An empty token
// fails closed.
func managementAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				WriteNotFound(w, r, "policy management unavailable")
				return
			}
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				WriteUnauthorized(w, r, "Missing Authorization header")
				return
			}
			scheme, got, ok := strings.Cut(authHeader, " ")
			if !ok || scheme != "Bearer" {
				WriteUnauthorized(w, r, "Invalid Authorization header format (expected 'Bearer <token>')")
				return
			}
			if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				WriteUnauthorized(w, r, "Invalid management token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
