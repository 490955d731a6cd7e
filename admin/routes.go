package admin

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

// Routes returns the admin router
func Routes(handlers *AdminHandlers) http.Handler {
	r := chi.NewRouter()
	r.Use(AuthMiddleware)

	r.Get("/stats", handlers.handleStats)

	r.Route("/versions", func(r chi.Router) {
		r.Get("/", handlers.handleVersions)
		r.Get("/{siteID}", handlers.handleVersionsBySite)
	})

	r.Route("/peers", func(r chi.Router) {
		r.Get("/", handlers.handlePeers)
		r.Get("/{siteID}", handlers.handlePeer)
		r.Post("/{siteID}/reset", handlers.handlePeerReset)
	})

	r.Route("/log", func(r chi.Router) {
		r.Get("/heads", handlers.handleHeads)
		r.Get("/{siteID}", handlers.handleLogBySite)
	})

	return r
}

// RegisterRoutes mounts the admin API under /admin
func RegisterRoutes(r chi.Router, handlers *AdminHandlers) {
	r.Mount("/admin", Routes(handlers))

	log.Info().Msg("Admin endpoints enabled at /admin/*")
}
