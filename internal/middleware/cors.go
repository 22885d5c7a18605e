// Package middleware provides HTTP middleware for the droidpilot API.
package middleware

import (
	"net/http"
	"strconv"
)

// Last-Event-ID lets browsers resume the SSE stream.
const (
	allowMethods    = "GET, POST, OPTIONS"
	allowHeaders    = "Content-Type, Last-Event-ID"
	preflightMaxAge = 600
)

// CORS returns middleware that handles CORS headers. "*" allows any origin
// but never with credentials.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	explicit := make(map[string]bool, len(allowedOrigins))
	wildcard := false
	for _, o := range allowedOrigins {
		if o == "*" {
			wildcard = true
			continue
		}
		explicit[o] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			w.Header().Add("Vary", "Origin")

			if origin != "" && (wildcard || explicit[origin]) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", allowMethods)
				w.Header().Set("Access-Control-Allow-Headers", allowHeaders)
				// Setting Allow-Credentials with a wildcard-echoed origin enables CSRF.
				if explicit[origin] {
					w.Header().Set("Access-Control-Allow-Credentials", "true")
				}
			}

			if r.Method == http.MethodOptions {
				w.Header().Set("Access-Control-Max-Age", strconv.Itoa(preflightMaxAge))
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
