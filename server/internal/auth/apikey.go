package auth

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
)

// QueryParam is the query parameter consulted when the header is absent.
const QueryParam = "key"

// APIKey returns middleware that enforces API key authentication.
//
// Behaviour:
//   - If mode != "apikey" or key == "", every request is allowed.
//   - Otherwise the value of header (or the "key" query parameter) must equal key.
//   - A missing or incorrect key returns 401 Unauthorized.
func APIKey(mode, header, key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if mode != "apikey" || key == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get(header)
			if got == "" {
				got = r.URL.Query().Get(QueryParam)
			}
			if subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
				slog.Warn("auth: rejected host connection", "remote", r.RemoteAddr)
				http.Error(w, "invalid api key", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
