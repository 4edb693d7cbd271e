package gateway

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// AuthMiddleware checks a single shared bearer token. An empty token
// disables authentication.
type AuthMiddleware struct {
	token   []byte
	enabled bool
}

func NewAuthMiddleware(token string) *AuthMiddleware {
	token = strings.TrimSpace(token)
	return &AuthMiddleware{token: []byte(token), enabled: token != ""}
}

// exempt paths are reachable without a token.
func exempt(path string) bool {
	return path == "/health" || path == "/metrics"
}

// Wrap wraps an http.Handler with bearer token checking.
func (am *AuthMiddleware) Wrap(next http.Handler) http.Handler {
	if !am.enabled {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if exempt(r.URL.Path) || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		key := ExtractAPIKey(r)
		if key == "" {
			writeJSON(w, http.StatusUnauthorized, errorBody("missing API token"))
			return
		}
		if subtle.ConstantTimeCompare([]byte(key), am.token) != 1 {
			writeJSON(w, http.StatusForbidden, errorBody("invalid API token"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ExtractAPIKey reads the token from, in order: Authorization: Bearer <key>,
// X-API-Key, and the api_key query parameter (for WebSocket clients that
// cannot set headers).
func ExtractAPIKey(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	return r.URL.Query().Get("api_key")
}
