// Package middleware holds HTTP middleware shared by the API routes.
package middleware

import (
	"net/http"
	"slices"

	"github.com/go-chi/cors"
)

// CORS allows browser clients from origins. "*" allows any origin; credentials
// are only allowed for an explicit list.
func CORS(origins []string) func(http.Handler) http.Handler {
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: !slices.Contains(origins, "*"),
		MaxAge:           300,
	})
}
