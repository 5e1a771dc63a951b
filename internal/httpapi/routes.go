package httpapi

import (
	"github.com/go-chi/chi/v5"
)

// setupRoutes lays out the full public API surface under /api: public
// health/auth routes, then a JWT-gated group for everything else, with
// admin-only routes nested under their own role check.
func (s *Server) setupRoutes() {
	s.router.Route("/api", s.apiRoutes)
}

func (s *Server) apiRoutes(r chi.Router) {
	r.Get("/health", s.health)
	r.Get("/features", s.features)
	r.Post("/auth/register", s.register)
	r.Post("/auth/login", s.login)

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware(s.accounts))

		r.Post("/auth/logout", s.logout)
		r.Get("/auth/me", s.me)

		r.Route("/onboarding", func(r chi.Router) {
			r.Post("/advance", s.advanceOnboarding)
			r.Post("/complete", s.completeOnboarding)
		})

		r.Route("/sessions", func(r chi.Router) {
			r.Get("/", s.listSessions)
			r.Post("/", s.createSession)
			r.Post("/get-or-create", s.getOrCreateSession)
			r.Post("/get-or-create-for-workspace", s.getOrCreateSession)
			r.Get("/updates", s.sessionUpdates)

			r.Route("/{sessionID}", func(r chi.Router) {
				r.Get("/", s.getSession)
				r.Delete("/", s.deleteSession)
				r.Post("/stop", s.stopSession)
				r.Post("/resume", s.resumeSession)
				r.Post("/upgrade", s.upgradeSession)
				r.Post("/activity", s.touchSessionActivity)
				r.Get("/update", s.checkSessionImageUpdate)

				r.Route("/attachments", func(r chi.Router) {
					r.Post("/", s.uploadAttachment)
					r.Get("/{attachmentID}", s.getAttachment)
				})
			})
		})

		// Session-scoped proxy surface. The /workspace mount is the
		// ?workspace_path=... variant: same handlers, session resolved
		// by (user, workspace) instead of by id.
		r.Route("/session/{sessionID}", s.proxyRoutes)
		r.Route("/workspace", s.proxyRoutes)

		// The caller's own memory service, user-scoped rather than
		// session-scoped.
		r.HandleFunc("/mmry", s.proxyMmry)
		r.HandleFunc("/mmry/*", s.proxyMmry)

		r.Get("/ws/mux", s.serveMux)
		r.Get("/ws/voice", s.proxyVoice)

		r.Route("/admin", func(r chi.Router) {
			r.Use(requireAdmin)

			r.Get("/sessions", s.adminListSessions)
			r.Delete("/sessions/{sessionID}", s.adminDeleteSession)
			r.Post("/local/cleanup", s.adminCleanupLocal)
			r.Get("/stats", s.adminStats)
			r.Get("/metrics", s.adminMetrics)

			r.Route("/users", func(r chi.Router) {
				r.Get("/", s.adminListUsers)
				r.Patch("/{userID}", s.adminUpdateUser)
				r.Delete("/{userID}", s.adminDeleteUser)
			})

			r.Route("/invite-codes", func(r chi.Router) {
				r.Get("/", s.adminListInviteCodes)
				r.Post("/", s.adminCreateInviteCode)
				r.Delete("/{code}", s.adminRevokeInviteCode)
			})
		})
	})
}

// proxyRoutes mounts the proxy flavors below a session binding. The
// code and files mounts accept any method; code/event is the opencode
// SSE feed and must be registered before the code wildcard swallows it.
func (s *Server) proxyRoutes(r chi.Router) {
	r.Get("/code/event", s.proxyEvent)
	r.HandleFunc("/code", s.proxyCode)
	r.HandleFunc("/code/*", s.proxyCode)
	r.HandleFunc("/files", s.proxyFiles)
	r.HandleFunc("/files/*", s.proxyFiles)
	r.Get("/term", s.proxyTerm)
	r.Get("/browser/stream", s.proxyBrowserStream)
}
