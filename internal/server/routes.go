package server

import (
	"github.com/go-chi/chi/v5"
)

// setupRoutes configures all adapter routes.
func (s *Server) setupRoutes() {
	r := s.router

	// REST adapter
	r.Route("/api", func(r chi.Router) {
		r.Post("/agents", s.spawnAgent)
		r.Get("/agents", s.listAgents)

		r.Route("/agents/{token}", func(r chi.Router) {
			r.Post("/action", s.postAction)
			r.Get("/events", s.pollEvents)
			r.Delete("/", s.despawnAgent)
		})

		r.Get("/avatars", s.listAvatarLibrary)
		r.Post("/avatars", s.uploadAvatar)
	})

	// Socket adapter
	r.Get("/ws", s.serveSocket)

	// Plaintext-over-URL adapter: the token is the URL.
	r.Get("/s/{token}", s.plaintextPoll)
	r.Post("/s/{token}", s.plaintextCommands)
}
