package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter creates a new router with all routes configured
func NewRouter(h *Handler, v *TokenVerifier) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware (all routes)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware)
	r.Use(RecoveryMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		// Public routes
		r.Get("/health", h.Health)

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(AuthMiddleware(v))
			r.Route("/sync", func(r chi.Router) {
				r.Post("/queue", h.SyncQueue)
				r.Get("/status/{owner_id}", h.SyncStatus)
				r.Post("/resolve-conflicts", h.SyncResolveConflicts)
				r.Post("/retry-failed", h.SyncRetryFailed)
				r.Delete("/cleanup", h.SyncCleanup)
				r.Get("/conflicts", h.SyncConflicts)
			})
		})
	})

	return r
}
