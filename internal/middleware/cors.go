package middleware

import (
	"net/http"

	"github.com/go-chi/cors"
)

// CORS allows cross-origin API calls from the listed origins. With no
// origins configured it is a pass-through and browsers stay same-origin.
// Credentials are never allowed since auth travels in the Authorization header.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	if len(allowedOrigins) == 0 {
		// cors.Options treats an empty list as "*".
		return func(next http.Handler) http.Handler { return next }
	}

	return cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{
			http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions,
		},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"Content-Disposition", "Content-Length", "X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           600,
	})
}
