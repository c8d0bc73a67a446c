package auth

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/haasonsaas/relay/internal/relayerr"
)

// TokenFromRequest extracts a bearer token from the Authorization header,
// the X-API-Key header, or the token query parameter used by browsers that
// cannot set headers on a WebSocket upgrade.
func TokenFromRequest(r *http.Request) string {
	if value := r.Header.Get("Authorization"); value != "" {
		lower := strings.ToLower(value)
		if strings.HasPrefix(lower, "bearer ") {
			return strings.TrimSpace(value[len("bearer "):])
		}
	}
	for _, key := range []string{"X-API-Key", "Api-Key"} {
		if value := strings.TrimSpace(r.Header.Get(key)); value != "" {
			return value
		}
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

// Middleware authenticates plain HTTP requests and stores the user in the
// request context.
func Middleware(gate *Gate, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, err := gate.Authenticate(r.Context(), TokenFromRequest(r))
			if err != nil {
				if logger != nil {
					logger.Warn("http authentication failed", "path", r.URL.Path, "error", err)
				}
				http.Error(w, relayerr.Public(err), http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
		})
	}
}
