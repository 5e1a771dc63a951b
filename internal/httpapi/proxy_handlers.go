package httpapi

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/octoplane/octoplane/internal/session"
	"github.com/octoplane/octoplane/pkg/types"
)

// resolveForProxy locates and authorizes the session a proxy route is
// bound to, resuming it from stopped if needed. Routes mounted under
// /workspace carry no id; there the session is resolved (or created) by
// the caller's workspace_path query parameter instead.
func (s *Server) resolveForProxy(w http.ResponseWriter, r *http.Request) (*types.Session, bool) {
	u := userFromContext(r.Context())

	id := chi.URLParam(r, "sessionID")
	if id == "" {
		workspacePath := r.URL.Query().Get("workspace_path")
		if workspacePath == "" {
			writeAPIError(w, types.NewError(types.ErrBadRequest, "workspace_path query parameter required"))
			return nil, false
		}
		sess, err := s.builder.ResolveForWorkspace(r.Context(), session.CreateSessionRequest{
			UserID:              u.ID,
			WorkspacePath:       workspacePath,
			Image:               s.cfg.Session.DefaultImage,
			AllowedPathPrefixes: s.allowedPathPrefixes(u),
		})
		if err != nil {
			writeAPIError(w, err)
			return nil, false
		}
		return sess, true
	}

	sess, err := s.builder.Resolve(r.Context(), id, u.ID)
	if err != nil {
		writeAPIError(w, err)
		return nil, false
	}
	return sess, true
}

// upstreamPath recovers the path below the route's fixed mount from
// chi's wildcard capture, so the same handler serves both the
// /session/{id} and /workspace mounts.
func upstreamPath(r *http.Request) string {
	return "/" + chi.URLParam(r, "*")
}

// proxyCode forwards to the session's opencode HTTP surface.
func (s *Server) proxyCode(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.resolveForProxy(w, r)
	if !ok {
		return
	}
	s.httpProx.Forward(w, r, sess, sess.OpencodePort, upstreamPath(r))
}

// proxyEvent streams the session's opencode SSE event feed.
func (s *Server) proxyEvent(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.resolveForProxy(w, r)
	if !ok {
		return
	}
	s.sseProx.Stream(w, r, sess, sess.OpencodePort, "/event")
}

// proxyFiles forwards arbitrary file-server requests below the session's
// fileserver port.
func (s *Server) proxyFiles(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.resolveForProxy(w, r)
	if !ok {
		return
	}
	s.httpProx.Forward(w, r, sess, sess.FileserverPort, upstreamPath(r))
}

// proxyTerm bridges a WebSocket to the session's ttyd terminal.
func (s *Server) proxyTerm(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.resolveForProxy(w, r)
	if !ok {
		return
	}
	columns, _ := strconv.Atoi(r.URL.Query().Get("columns"))
	rows, _ := strconv.Atoi(r.URL.Query().Get("rows"))
	if columns <= 0 {
		columns = 80
	}
	if rows <= 0 {
		rows = 24
	}
	s.wsProx.BridgeTerminal(w, r, sess, columns, rows, r.URL.Query().Get("initial_command"))
}

// proxyBrowserStream bridges a WebSocket to the session's headless
// browser devtools port, unframed.
func (s *Server) proxyBrowserStream(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.resolveForProxy(w, r)
	if !ok {
		return
	}
	if sess.EAVSPort == 0 {
		writeAPIError(w, types.NewError(types.ErrNotFound, "session has no browser port"))
		return
	}
	s.wsProx.BridgeRaw(w, r, sess, sess.EAVSPort, "/stream")
}

// proxyMmry forwards to the caller's own mmry (memory service)
// instance, pinning it up through the agent pool on first use — the
// main-chat memory surface, bound to the user rather than to any one
// session.
func (s *Server) proxyMmry(w http.ResponseWriter, r *http.Request) {
	if s.memory == nil {
		writeAPIError(w, types.NewError(types.ErrServiceUnavailable, "memory service not configured"))
		return
	}
	u := userFromContext(r.Context())
	port, err := s.memory.Pin(r.Context(), u.ID)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	s.httpProx.Forward(w, r, nil, port, upstreamPath(r))
}

// proxyVoice bridges a WebSocket to the configured external voice
// endpoint, with no session binding of its own.
func (s *Server) proxyVoice(w http.ResponseWriter, r *http.Request) {
	if s.voiceUpstreamURL == "" {
		writeAPIError(w, types.NewError(types.ErrServiceUnavailable, "voice endpoint not configured"))
		return
	}
	s.wsProx.BridgeVoice(w, r, s.voiceUpstreamURL)
}
