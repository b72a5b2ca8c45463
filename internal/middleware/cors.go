// Package middleware provides HTTP middleware for the experiment API.
package middleware

import (
	"net/http"

	"github.com/rs/cors"
)

// CORS returns middleware that handles CORS headers. Credentials are only
// allowed for explicit origins, never for the wildcard.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	wildcard := false
	for _, o := range allowedOrigins {
		if o == "*" {
			wildcard = true
			break
		}
	}

	c := cors.New(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "X-Session-ID"},
		AllowCredentials: !wildcard,
	})
	return c.Handler
}

// Origins returns the allowed origins for a deployment: the configured
// frontend URL, or every origin in development.
func Origins(frontendURL string, isDev bool) []string {
	if isDev || frontendURL == "" {
		return []string{"*"}
	}
	return []string{frontendURL}
}
