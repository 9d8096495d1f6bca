package auth

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
)

const (
	// HeaderAdminToken carries the admin secret on API requests.
	HeaderAdminToken = "x-admin-token"
	// QueryAdminToken carries it where headers cannot be set, such as download links and websockets.
	QueryAdminToken = "adminToken"
)

// TokenFromRequest returns the admin token from the header, falling back to the query string.
func TokenFromRequest(r *http.Request) string {
	if token := r.Header.Get(HeaderAdminToken); token != "" {
		return token
	}
	return r.URL.Query().Get(QueryAdminToken)
}

// IsAdmin reports whether token matches secret. An empty secret disables admin access.
func IsAdmin(secret, token string) bool {
	if secret == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(secret), []byte(token)) == 1
}

// AdminTokenMiddleware rejects requests that do not present the admin secret.
func AdminTokenMiddleware(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !IsAdmin(secret, TokenFromRequest(r)) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusForbidden)
				json.NewEncoder(w).Encode(map[string]string{"error": "Admin token required"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
