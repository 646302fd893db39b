/**
 * @description
 * This file contains custom middleware for the HTTP router. The bonus-service
 * is only ever called by trusted backend peers (the bot backend and admin
 * tooling), so authentication is a shared internal API key rather than
 * end-user tokens.
 *
 * @dependencies
 * - crypto/subtle, net/http, strings: Standard Go libraries.
 */

package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

const internalAPIKeyHeader = "X-Internal-API-Key"

// InternalAPIKeyMiddleware creates a middleware that validates the shared
// service key. Comparison is constant-time.
func InternalAPIKeyMiddleware(apiKey string) func(http.Handler) http.Handler {
	expected := strings.TrimSpace(apiKey)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if expected == "" {
				http.Error(w, "Internal API key is not configured", http.StatusServiceUnavailable)
				return
			}
			provided := strings.TrimSpace(r.Header.Get(internalAPIKeyHeader))
			if provided == "" {
				http.Error(w, "Internal API key required", http.StatusUnauthorized)
				return
			}
			if subtle.ConstantTimeCompare([]byte(provided), []byte(expected)) != 1 {
				http.Error(w, "Invalid internal API key", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
