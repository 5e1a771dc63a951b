// Package httpapi wires chi router, authentication, audit logging, and
// the session/proxy/mux layers into the control plane's public HTTP+WS
// surface.
package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/octoplane/octoplane/internal/accounts"
	"github.com/octoplane/octoplane/internal/config"
	"github.com/octoplane/octoplane/internal/mux"
	"github.com/octoplane/octoplane/internal/proxy"
	"github.com/octoplane/octoplane/internal/session"
	"github.com/octoplane/octoplane/internal/attachments"
)

// MemoryPool is the per-user mmry manager surface the memory proxy
// route needs: ensure the caller's mmry instance is up and pinned, and
// learn which port it listens on.
type MemoryPool interface {
	Pin(ctx context.Context, userID string) (int, error)
}

// Server is the control plane's HTTP+WS listener: one chi router over
// the session service, the proxy builder/flavors, the accounts service,
// and the mux hub, plus the middleware stack described below.
type Server struct {
	cfg    *config.Config
	router *chi.Mux
	http   *http.Server
	log    zerolog.Logger

	sessions    *session.Service
	accounts    *accounts.Service
	builder     *proxy.Builder
	httpProx    *proxy.HTTPProxy
	sseProx     *proxy.SSEProxy
	wsProx      *proxy.WSProxy
	hub         *mux.Hub
	attachments *attachments.Store
	memory      MemoryPool

	voiceUpstreamURL string
}

// Deps bundles every collaborator New needs. Builder is shared with
// whatever constructed Hub's Dispatcher (see NewDispatcher) so both
// layers retry/resolve sessions identically.
type Deps struct {
	Config           *config.Config
	Sessions         *session.Service
	Accounts         *accounts.Service
	Builder          *proxy.Builder
	Hub              *mux.Hub
	Attachments      *attachments.Store
	Memory           MemoryPool // nil disables the /mmry proxy (e.g. single_user mode)
	VoiceUpstreamURL string
	Log              zerolog.Logger
}

// NewDispatcher builds the mux.Dispatcher implementation a Hub should be
// constructed with, so the Hub and the Server end up sharing one
// proxy.Builder.
func NewDispatcher(sessions *session.Service, builder *proxy.Builder, log zerolog.Logger) *sessionDispatcher {
	return newSessionDispatcher(sessions, builder, log)
}

// New builds a Server with its router fully wired; call ListenAndServe
// to start accepting connections.
func New(d Deps) *Server {
	builder := d.Builder
	if builder == nil {
		builder = proxy.NewBuilder(d.Sessions, d.Config.Proxy)
	}
	attachmentStore := d.Attachments
	if attachmentStore == nil {
		attachmentStore = attachments.New(d.Config.Database.Path + "-attachments")
	}
	s := &Server{
		cfg:              d.Config,
		log:              d.Log.With().Str("component", "httpapi").Logger(),
		sessions:         d.Sessions,
		accounts:         d.Accounts,
		builder:          builder,
		httpProx:         proxy.NewHTTPProxy(builder, d.Log),
		sseProx:          proxy.NewSSEProxy(builder, d.Log),
		wsProx:           proxy.NewWSProxy(builder, d.Log),
		hub:              d.Hub,
		attachments:      attachmentStore,
		memory:           d.Memory,
		voiceUpstreamURL: d.VoiceUpstreamURL,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(s.corsMiddleware())
	r.Use(auditMiddleware(s.log))

	s.router = r
	s.setupRoutes()
	return s
}

// corsMiddleware builds the CORS handler: explicit allowed origins,
// localhost added in dev mode, credentials only when origins are
// explicit (or dev mode mirrors the request's Origin).
func (s *Server) corsMiddleware() func(http.Handler) http.Handler {
	origins := append([]string{}, s.cfg.CORS.AllowedOrigins...)
	if s.cfg.CORS.DevMode {
		origins = append(origins, "http://localhost:*", "http://127.0.0.1:*")
	}
	allowCredentials := len(s.cfg.CORS.AllowedOrigins) > 0 || s.cfg.CORS.DevMode

	return cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: allowCredentials,
		MaxAge:           300,
	})
}

// Router exposes the chi router for testing.
func (s *Server) Router() *chi.Mux { return s.router }

// ListenAndServe starts the HTTP server on cfg.Server.Host:Port.
func (s *Server) ListenAndServe() error {
	s.http = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port),
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE/WS routes run indefinitely
	}
	s.log.Info().Str("addr", s.http.Addr).Msg("listening")
	return s.http.ListenAndServe()
}

// Shutdown gracefully stops accepting new connections.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}
