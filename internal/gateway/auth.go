package gateway

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// AuthMiddleware validates the shared API token from the Authorization
// header. An empty configured token disables auth entirely, which is only
// sensible for loopback binds.
type AuthMiddleware struct {
	token string
}

// NewAuthMiddleware creates an auth middleware for the given token.
func NewAuthMiddleware(token string) *AuthMiddleware {
	return &AuthMiddleware{token: token}
}

// Wrap wraps an http.Handler with token authentication.
func (am *AuthMiddleware) Wrap(next http.Handler) http.Handler {
	if am.token == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Health checks stay reachable without credentials.
		if r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}

		candidate := ExtractAPIKey(r)
		if candidate == "" {
			http.Error(w, `{"error":"missing API token"}`, http.StatusUnauthorized)
			return
		}
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(am.token)) != 1 {
			http.Error(w, `{"error":"invalid API token"}`, http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ExtractAPIKey extracts the API token from request headers.
// It checks, in order: Authorization: Bearer <token>, X-API-Key header.
func ExtractAPIKey(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.Header.Get("X-API-Key")
}
