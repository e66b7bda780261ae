package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"genstudio/internal/http/handlers"
	"genstudio/internal/middleware"
)

// RouterOptions carries the cross-cutting settings of the router.
type RouterOptions struct {
	Logger          zerolog.Logger
	AllowedOrigins  []string
	JWTSecret       string
	RateLimitPerMin int
	DefaultLocale   string
	CountryLookup   middleware.CountryLookup
}

func NewRouter(app *handlers.App, opts RouterOptions) http.Handler {
	r := chi.NewRouter()

	r.Use(
		middleware.RequestID,
		chimw.RealIP,
		middleware.Logger(opts.Logger),
		chimw.Recoverer,
		middleware.CORS(opts.AllowedOrigins),
		middleware.I18N(opts.DefaultLocale, opts.CountryLookup),
	)

	r.Get("/v1/healthz", app.Health)

	limit := middleware.RateLimit(opts.RateLimitPerMin, time.Minute)
	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.OptionalAuth(opts.JWTSecret))

		r.Route("/generations", func(r chi.Router) {
			r.Get("/", app.ListGenerations)
			r.With(limit).Post("/", app.CreateGeneration)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", app.GetGeneration)
				r.Get("/events", app.StreamGeneration)
				r.With(limit).Post("/tweak", app.TweakGeneration)
				r.Post("/assist/confirm", app.ConfirmAssist)
			})
		})

		r.Get("/credits", app.GetCredits)
		r.With(middleware.AuthJWT(opts.JWTSecret)).Post("/credits/merge", app.MergeCredits)
	})

	return r
}
