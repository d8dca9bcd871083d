package auth

import (
	"net/http"
	"strings"

	"github.com/strefethen/sonos-remote/internal/api"
	"github.com/strefethen/sonos-remote/internal/apperrors"
)

// Public paths stay reachable without a token so health checks keep
// working for probes. NOTIFY delivery never passes through here; it runs
// on its own listener.
var publicPrefixes = []string{
	"/v1/health",
}

// Middleware validates bearer tokens on protected routes. With an empty
// secret the API is open, which is the default on a trusted home network.
func Middleware(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if secret == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isPublicRoute(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			header := r.Header.Get("Authorization")
			token, found := strings.CutPrefix(header, "Bearer ")
			if !found || token == "" {
				api.WriteError(w, r, apperrors.NewUnauthorizedError("missing bearer token"))
				return
			}

			claims, err := VerifyToken(secret, token)
			if err != nil {
				message := "invalid token"
				if err == ErrTokenExpired {
					message = "token expired"
				}
				api.WriteError(w, r, apperrors.NewUnauthorizedError(message))
				return
			}

			next.ServeHTTP(w, r.WithContext(WithClient(r.Context(), Client{
				Name: claims.ClientName,
			})))
		})
	}
}

func isPublicRoute(path string) bool {
	for _, prefix := range publicPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}
