package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter creates a new router with all routes configured
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware (all routes)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware)
	r.Use(RecoveryMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		// Public routes
		r.Get("/health", h.Health)

		// Protected routes (auth required)
		r.Group(func(r chi.Router) {
			r.Use(AuthMiddleware(h.apiKey))

			r.Route("/sync", func(r chi.Router) {
				r.Use(OwnerMiddleware)
				r.With(RequireOfflineSync).Post("/", h.SyncSubmit)
				r.Get("/pending", h.SyncPending)
				r.Get("/conflicts", h.SyncConflicts)
				r.Post("/entries/{id}/resolve", h.SyncResolve)
				r.Get("/delta", h.SyncDelta)
			})

			r.Post("/emergency/call", h.EmergencyCall)
			r.Get("/emergency/queue", h.EmergencyQueue)
			r.Post("/emergency/queue/process", h.EmergencyProcess)

			r.Get("/snapshot", h.Snapshot)
		})
	})

	return r
}
