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
	r.Use(middleware.Recoverer)

	r.Route("/api/v1", func(r chi.Router) {
		// Public routes: the webhook carries its own authentication
		r.Get("/health", h.Health)
		r.Post("/webhooks/resource", h.ReceiveWebhook)

		// Admin routes (Bearer key required)
		r.Group(func(r chi.Router) {
			r.Use(AdminAuthMiddleware(h.adminAPIKey))
			r.Get("/sync-log", h.QuerySyncLog)
			r.Get("/sync-log/export", h.ExportSyncLog)
			r.Post("/sync-log/{id}/replay", h.ReplaySyncLogEntry)
			r.Post("/reconcile/run", h.TriggerReconcile)
		})
	})

	return r
}
