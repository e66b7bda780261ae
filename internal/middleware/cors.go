package middleware

import (
	"net/http"

	"github.com/rs/cors"
)

// CORS allows browser clients from allowedOrigins. The customer and device
// headers are exposed so anonymous clients can identify themselves.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Locale", "X-Customer-Id", "X-Device-Id", "X-Request-ID", "Last-Event-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           600,
	})
	return c.Handler
}
