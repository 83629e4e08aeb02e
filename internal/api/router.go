package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/klauspost/compress/gzhttp"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter wires the handler's routes. Fragments are public and readable
// from any origin.
func NewRouter(h *Handler) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.GetHead)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodHead, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Accept-Datetime", "If-None-Match", "If-Modified-Since"},
		ExposedHeaders: []string{"ETag", "Link", "Location", "Memento-Datetime"},
		MaxAge:         86400,
	}))

	r.Get("/health", h.Health)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(PrometheusMetrics)
		r.Use(func(next http.Handler) http.Handler { return gzhttp.GzipHandler(next) })

		r.Get("/{agency}/connections", h.Connections)
		r.Get("/{agency}/connections/", h.TrailingSlash)
		r.Get("/{agency}/connections/memento", h.Memento)
		r.Get("/{agency}/feed", h.Feed)
	})

	return r
}
