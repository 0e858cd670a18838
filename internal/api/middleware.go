/**
 * @description
 * This file contains custom middleware for the HTTP router. Middlewares are
 * used to process requests before they reach the final handler, perfect for
 * tasks like authentication or adding context to a request.
 *
 * @dependencies
 * - crypto/subtle, net, net/http, strings: Standard Go libraries.
 */

package api

import (
	"crypto/subtle"
	"net"
	"net/http"
	"strings"
)

const internalAPIKeyHeader = "X-Internal-API-Key"

// InternalAPIKeyMiddleware guards the operator endpoints with a shared
// service key. The comparison is constant-time; an unconfigured key disables
// the endpoints entirely rather than leaving them open.
func InternalAPIKeyMiddleware(apiKey string) func(http.Handler) http.Handler {
	expected := strings.TrimSpace(apiKey)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if expected == "" {
				http.Error(w, "Internal endpoints are not configured", http.StatusServiceUnavailable)
				return
			}
			provided := strings.TrimSpace(r.Header.Get(internalAPIKeyHeader))
			if provided == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(expected)) != 1 {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP extracts the requester's address for rate-limit keying, preferring
// the first entry of X-Forwarded-For when a proxy is in front.
func clientIP(r *http.Request) string {
	if forwarded := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if ip := strings.TrimSpace(parts[0]); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
