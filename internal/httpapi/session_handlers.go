package httpapi

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/octoplane/octoplane/internal/config"
	"github.com/octoplane/octoplane/internal/event"
	"github.com/octoplane/octoplane/internal/session"
	"github.com/octoplane/octoplane/pkg/types"
)

// createSessionRequest is the wire shape of POST /sessions.
type createSessionRequest struct {
	WorkspacePath string `json:"workspace_path"`
	Image         string `json:"image"`
	MaxAgents     int    `json:"max_agents"`
}

// allowedPathPrefixes bounds where u's sessions may point their
// workspace at: the platform data root always, plus u's own home
// directory tree once it has a Linux identity. Single-user deployments
// never assign one, so all workspaces live under the data root there.
func (s *Server) allowedPathPrefixes(u *types.User) []string {
	prefixes := []string{config.GetPaths().Data + "/"}
	if u.HasLinuxIdentity() {
		prefixes = append(prefixes, fmt.Sprintf("%s/%s/", s.cfg.UserMgr.HomeRoot, u.LinuxUsername))
	}
	return prefixes
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	u := userFromContext(r.Context())
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, types.NewError(types.ErrBadRequest, "malformed request body"))
		return
	}

	sess, err := s.sessions.CreateSession(r.Context(), session.CreateSessionRequest{
		UserID:              u.ID,
		WorkspacePath:       req.WorkspacePath,
		Image:               req.Image,
		MaxAgents:           req.MaxAgents,
		AllowedPathPrefixes: s.allowedPathPrefixes(u),
	})
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

// getOrCreateSession reuses a running session for the caller's
// (user, workspace_path), or creates one if none is active. Serves both
// the get-or-create and get-or-create-for-workspace routes; their wire
// shape is identical.
func (s *Server) getOrCreateSession(w http.ResponseWriter, r *http.Request) {
	u := userFromContext(r.Context())
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, types.NewError(types.ErrBadRequest, "malformed request body"))
		return
	}
	if req.Image == "" {
		req.Image = s.cfg.Session.DefaultImage
	}

	sess, err := s.sessions.GetOrCreateSessionForWorkspace(r.Context(), session.CreateSessionRequest{
		UserID:              u.ID,
		WorkspacePath:       req.WorkspacePath,
		Image:               req.Image,
		MaxAgents:           req.MaxAgents,
		AllowedPathPrefixes: s.allowedPathPrefixes(u),
	})
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// sessionUpdates streams the caller's session lifecycle transitions
// over SSE for as long as the client stays connected. Deleted sessions
// are announced too; their event carries only the id.
func (s *Server) sessionUpdates(w http.ResponseWriter, r *http.Request) {
	u := userFromContext(r.Context())
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeAPIError(w, types.NewError(types.ErrInternal, "streaming unsupported"))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := make(chan event.Event, 64)
	unsubscribe := event.SubscribeAll(func(e event.Event) {
		select {
		case ch <- e:
		default:
		}
	})
	defer unsubscribe()

	bw := bufio.NewWriter(w)
	for {
		select {
		case <-r.Context().Done():
			return
		case e := <-ch:
			payload, ok := sessionUpdatePayload(e, u.ID)
			if !ok {
				continue
			}
			data, err := json.Marshal(payload)
			if err != nil {
				continue
			}
			fmt.Fprintf(bw, "event: %s\ndata: %s\n\n", e.Type, data)
			bw.Flush()
			flusher.Flush()
		}
	}
}

// sessionUpdatePayload filters bus events down to the ones that concern
// userID's sessions, returning the JSON-able body to emit.
func sessionUpdatePayload(e event.Event, userID string) (any, bool) {
	switch data := e.Data.(type) {
	case event.SessionCreatedData:
		if data.Info == nil || data.Info.UserID != userID {
			return nil, false
		}
		return data.Info, true
	case event.SessionUpdatedData:
		if data.Info == nil || data.Info.UserID != userID {
			return nil, false
		}
		return data.Info, true
	case event.SessionDeletedData:
		if data.UserID != userID {
			return nil, false
		}
		return map[string]string{"session_id": data.SessionID}, true
	default:
		return nil, false
	}
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	u := userFromContext(r.Context())
	sessions, err := s.sessions.ListSessions(r.Context(), u.ID)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

// ownedSession loads the session named by the route's {sessionID} and
// checks it belongs to the authenticated caller.
func (s *Server) ownedSession(w http.ResponseWriter, r *http.Request) (*types.Session, bool) {
	u := userFromContext(r.Context())
	id := chi.URLParam(r, "sessionID")
	sess, err := s.sessions.GetSession(r.Context(), id)
	if err != nil {
		writeAPIError(w, err)
		return nil, false
	}
	if sess.UserID != u.ID {
		writeAPIError(w, types.NewError(types.ErrForbidden, "session does not belong to caller"))
		return nil, false
	}
	return sess, true
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.ownedSession(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.ownedSession(w, r)
	if !ok {
		return
	}
	if err := s.sessions.DeleteSession(r.Context(), sess.ID); err != nil {
		writeAPIError(w, err)
		return
	}
	if err := s.attachments.DeleteSession(r.Context(), sess.ID); err != nil {
		s.log.Warn().Err(err).Str("session_id", sess.ID).Msg("delete session attachments failed")
	}
	writeNoContent(w)
}

func (s *Server) stopSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.ownedSession(w, r)
	if !ok {
		return
	}
	if err := s.sessions.StopSession(r.Context(), sess.ID); err != nil {
		writeAPIError(w, err)
		return
	}
	writeNoContent(w)
}

func (s *Server) resumeSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.ownedSession(w, r)
	if !ok {
		return
	}
	resumed, err := s.sessions.ResumeSession(r.Context(), sess.ID)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resumed)
}

type upgradeSessionRequest struct {
	Image string `json:"image"`
}

func (s *Server) upgradeSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.ownedSession(w, r)
	if !ok {
		return
	}
	var req upgradeSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, types.NewError(types.ErrBadRequest, "malformed request body"))
		return
	}
	upgraded, err := s.sessions.UpgradeSession(r.Context(), sess.ID, req.Image)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, upgraded)
}

func (s *Server) checkSessionImageUpdate(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.ownedSession(w, r)
	if !ok {
		return
	}
	hasUpdate, err := s.sessions.CheckForImageUpdate(r.Context(), sess.ID)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"update_available": hasUpdate})
}

func (s *Server) touchSessionActivity(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.ownedSession(w, r)
	if !ok {
		return
	}
	if err := s.sessions.TouchSessionActivity(r.Context(), sess.ID); err != nil {
		writeAPIError(w, err)
		return
	}
	writeNoContent(w)
}
