package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	r := s.router

	r.Get("/health", s.health)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	// Session routes
	r.Route("/session", func(r chi.Router) {
		r.Get("/", s.listSessions)
		r.Post("/", s.createSession)

		r.Route("/{sessionID}", func(r chi.Router) {
			r.Get("/", s.getSession)
			r.Patch("/", s.renameSession)
			r.Delete("/", s.deleteSession)

			r.Post("/input", s.sendInput)
			r.Post("/permissions/{requestID}", s.respondPermission)
			r.Get("/history", s.sessionHistory)

			// Subscription and ownership records
			r.Post("/subscribers", s.subscribeClient)
			r.Delete("/subscribers", s.unsubscribeClient)
			r.Post("/owner", s.transferOwnership)
		})
	})

	// Event streaming
	r.Get("/event", s.streamEvents)
	r.Get("/event/replay", s.replayEvents)
	r.Get("/ws", s.serveWS)
}
