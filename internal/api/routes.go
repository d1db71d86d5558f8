package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter creates a new router with all routes configured
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware (all routes)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware)
	r.Use(RecoveryMiddleware)

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// Public routes
		r.Get("/health", h.Health)

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(AuthMiddleware(h.apiKey))

			r.Get("/programs/{program}/instances", h.ListInstances)

			r.Route("/instances/{program}/{period}/{orgUnit}/{aoc}", func(r chi.Router) {
				r.Use(InstanceMiddleware)
				r.Get("/values", h.GetValues)
				r.Put("/values/{dataElement}/{coc}", h.SaveValue)
				r.Get("/state", h.GetState)
				r.Put("/completion", h.SetCompletion)
				r.Post("/validate", h.Validate)
				r.Post("/sync", h.SyncInstance)
			})

			r.Post("/sync", h.StartSync)
			r.Delete("/sync", h.CancelSync)
			r.Get("/sync/progress", h.SyncProgress)
			r.Delete("/sync/error", h.ClearSyncError)
		})
	})

	return r
}
