// Package auth implements the control plane's static Bearer-token
// authentication and shared HTTP middleware (spec §4.11, §6).
package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/rumi-ai/kernel/pkg/api"
)

// publicPaths are reachable without an Authorization header.
var publicPaths = map[string]bool{
	"/health":    true,
	"/readiness": true,
}

func isPublicPath(path string) bool {
	return publicPaths[path]
}

// BearerAuth compares every request's Authorization header against
// token in constant time. A nil or empty token fails closed: every
// non-public request is rejected.
func BearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isPublicPath(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			if token == "" {
				api.WriteUnauthorized(w, "authentication not configured")
				return
			}

			header := r.Header.Get("Authorization")
			const prefix = "Bearer "
			if !strings.HasPrefix(header, prefix) {
				api.WriteUnauthorized(w, "missing or malformed Authorization header")
				return
			}
			presented := strings.TrimPrefix(header, prefix)

			if subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
				api.WriteUnauthorized(w, "invalid token")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
