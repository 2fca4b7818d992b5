// Package middleware holds the HTTP middleware for the embedded server.
package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// Auth gates every request behind a shared bearer token. The token
// arrives in the Authorization header, or in a token query parameter for
// the endpoints browsers open without headers (downloads, websocket
// dials). An empty configured token disables the check, which is the
// default for LAN-only use.
func Auth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}

			supplied := r.URL.Query().Get("token")
			if header := r.Header.Get("Authorization"); header != "" {
				parts := strings.SplitN(header, " ", 2)
				if len(parts) != 2 || parts[0] != "Bearer" {
					http.Error(w, "missing bearer token", http.StatusUnauthorized)
					return
				}
				supplied = parts[1]
			}
			if supplied == "" {
				http.Error(w, "missing bearer token", http.StatusUnauthorized)
				return
			}
			if subtle.ConstantTimeCompare([]byte(supplied), []byte(token)) != 1 {
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
