package admin

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

// RegisterRoutes registers all admin API routes using chi router
func RegisterRoutes(mux *http.ServeMux, handlers *AdminHandlers) {
	r := chi.NewRouter()

	// Reconciliation control
	r.Route("/sync", func(r chi.Router) {
		r.Use(chiAuthMiddleware)
		r.Get("/stats", handlers.handleSyncStats)
		r.Get("/status", handlers.handleSyncStatus)
		r.Post("/trigger", handlers.handleSyncTrigger)
	})

	// Cache invalidation
	r.With(chiAuthMiddleware).Post("/cache/invalidate", handlers.handleCacheInvalidate)

	// Per-subscriber forced refresh
	r.With(chiAuthMiddleware).Post("/subscribers/{key}/refresh", handlers.handleSubscriberRefresh)

	// Subscriber index
	r.Route("/index", func(r chi.Router) {
		r.Use(chiAuthMiddleware)
		r.Get("/status", handlers.handleIndexStatus)
		r.Post("/rebuild", handlers.handleIndexRebuild)
	})

	// Dead letter inspection and replay
	r.Route("/deadletters", func(r chi.Router) {
		r.Use(chiAuthMiddleware)
		r.Get("/", handlers.handleDeadLetters)
		r.Post("/replay", handlers.handleDeadLettersReplay)
		r.Post("/{id}/replay", handlers.handleDeadLetterReplay)
		r.Delete("/{id}", handlers.handleDeadLetterDelete)
	})

	// Mount chi router under /admin
	mux.Handle("/admin", http.RedirectHandler("/admin/", http.StatusMovedPermanently))
	mux.Handle("/admin/", http.StripPrefix("/admin", r))

	log.Info().Msg("Admin endpoints enabled at /admin/sync/*")
}

// chiAuthMiddleware adapts AuthMiddleware for chi
func chiAuthMiddleware(next http.Handler) http.Handler {
	return AuthMiddleware(next)
}
