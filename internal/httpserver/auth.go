package httpserver

import (
	"crypto/subtle"
	"net/http"
)

// RequireAPIKey returns middleware that rejects requests whose X-API-Key
// header does not match key. If key is empty the middleware is a no-op,
// which is only acceptable for local development — callers must not wire
// this into a production listener with an empty key.
func RequireAPIKey(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if key == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get("X-API-Key")
			if subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
				RespondError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid X-API-Key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
