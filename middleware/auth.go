// Package middleware holds HTTP middleware shared by the daemon's endpoints.
package middleware

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
)

// Auth requires "Authorization: Bearer <token>" on every path except the
// public ones. The WebSocket endpoint is listed public because it
// authenticates with its first RPC.
func Auth(token string, public ...string) func(http.Handler) http.Handler {
	open := make(map[string]struct{}, len(public))
	for _, p := range public {
		open[p] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := open[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}

			scheme, credential, ok := strings.Cut(r.Header.Get("Authorization"), " ")
			if !ok || scheme != "Bearer" {
				if r.Header.Get("Authorization") == "" {
					http.Error(w, "Unauthorized", http.StatusUnauthorized)
				} else {
					http.Error(w, "Invalid authorization header", http.StatusUnauthorized)
				}
				return
			}

			if subtle.ConstantTimeCompare([]byte(credential), []byte(token)) != 1 {
				slog.Warn("rejected request with invalid token", "path", r.URL.Path, "remote", r.RemoteAddr)
				http.Error(w, "Invalid token", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
