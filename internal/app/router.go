// Package app wires the HTTP router and the background sweepers of the
// API binary.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpserver "github.com/fairyhunter13/llm-batchd/internal/adapter/httpserver"
	"github.com/fairyhunter13/llm-batchd/internal/adapter/observability"
	"github.com/fairyhunter13/llm-batchd/internal/config"
)

// ParseOrigins splits a comma-separated origin list into a slice,
// trimming spaces. An empty input means every origin.
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// BuildRouter constructs the HTTP handler with all middlewares and routes.
func BuildRouter(cfg config.Config, srv *httpserver.Server) http.Handler {
	r := chi.NewRouter()
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.TimeoutMiddleware(60 * time.Second))
	r.Use(httpserver.TraceMiddleware)
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// API surface, versioned under /v1.
	r.Route("/v1", func(api chi.Router) {
		// Rate limit mutating endpoints
		api.Group(func(wr chi.Router) {
			wr.Use(httprate.LimitByIP(cfg.RateLimitPerMin, 1*time.Minute))
			wr.Post("/files", srv.UploadFileHandler())
			wr.Post("/batches", srv.CreateBatchHandler())
			wr.Delete("/batches/{id}", srv.CancelBatchHandler())
			wr.Post("/webhooks/dead-letter/{id}/retry", srv.RetryDeadLetterHandler())
		})

		// Read-only endpoints
		api.Get("/files/{id}/content", srv.FileContentHandler())
		api.Get("/batches", srv.ListBatchesHandler())
		api.Get("/batches/{id}", srv.GetBatchHandler())
		api.Get("/batches/{id}/results", srv.BatchResultsHandler())
		api.Get("/batches/{id}/failed", srv.BatchFailedHandler())
		api.Get("/webhooks/dead-letter", srv.ListDeadLettersHandler())
		api.Get("/health", srv.HealthHandler())
	})

	// Unversioned aliases for infrastructure probes and scrapers.
	r.Get("/health", srv.HealthHandler())
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { promhttp.Handler().ServeHTTP(w, r) })

	return httpserver.SecurityHeaders(r)
}
