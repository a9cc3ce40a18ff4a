package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"doctranslate/internal/http/handlers"
	"doctranslate/internal/infra"
	"doctranslate/internal/middleware"
)

// RouterOptions configures the shared middleware stack.
type RouterOptions struct {
	Logger          infra.Logger
	AllowedOrigins  []string
	RateLimitPerMin int
}

func NewRouter(app *handlers.App, opts RouterOptions) http.Handler {
	r := chi.NewRouter()

	r.Use(
		middleware.RequestID,
		chimw.RealIP,
		chimw.Recoverer,
		middleware.Logger(opts.Logger),
		middleware.CORS(opts.AllowedOrigins),
	)

	// Health
	r.Get("/v1/healthz", app.Health)
	r.Get("/v1/openapi.json", app.OpenAPIJSON)
	r.Get("/v1/docs", app.OpenAPIDocs)

	// Progress events
	r.Get("/v1/ws", app.Events)

	r.Group(func(r chi.Router) {
		r.Use(middleware.RateLimit(opts.RateLimitPerMin, time.Minute))

		r.Route("/v1/jobs", func(r chi.Router) {
			r.Post("/", app.CreateJob)
			r.Get("/", app.ListJobs)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", app.GetJob)
				r.Delete("/", app.DeleteJob)
				r.Get("/chunks", app.ListChunks)
				r.Post("/translate", app.TranslateJob)
				r.Post("/retry-failed", app.RetryFailed)
				r.Post("/retry-all", app.RetryAll)
				r.Post("/cancel", app.CancelJob)
				r.Post("/finalize", app.FinalizeJob)
				r.Get("/download", app.DownloadJob)
			})
		})
		r.Patch("/v1/chunks/{id}", app.UpdateChunk)
	})

	return r
}
