package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/websoft9/sshbridge/internal/config"
)

// Auth guards routes with the shared bridge token. An empty configured
// token disables the check entirely.
//
// The token is accepted from the Authorization header or from a "token"
// query parameter; browsers cannot set custom headers on a WebSocket
// upgrade, so host frontends send it as ?token=.
func Auth(cfg *config.Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if cfg.BridgeToken == "" {
				next.ServeHTTP(w, r)
				return
			}

			token := bearerToken(r)
			if token == "" {
				token = r.URL.Query().Get("token")
			}
			if token == "" {
				http.Error(w, "Missing authorization token", http.StatusUnauthorized)
				return
			}
			if subtle.ConstantTimeCompare([]byte(token), []byte(cfg.BridgeToken)) != 1 {
				http.Error(w, "Invalid token", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return ""
	}
	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || parts[0] != "Bearer" {
		return ""
	}
	return parts[1]
}
