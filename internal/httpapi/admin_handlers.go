package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/octoplane/octoplane/pkg/types"
)

func (s *Server) adminListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.sessions.ListSessions(r.Context(), "")
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) adminDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	if err := s.sessions.DeleteSession(r.Context(), id); err != nil {
		writeAPIError(w, err)
		return
	}
	writeNoContent(w)
}

// adminCleanupLocal stops every running session across every user,
// whatever its recent activity, and reports how many it stopped.
func (s *Server) adminCleanupLocal(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.sessions.ListSessions(r.Context(), "")
	if err != nil {
		writeAPIError(w, err)
		return
	}
	stopped := 0
	for _, sess := range sessions {
		if sess.Status != types.SessionRunning {
			continue
		}
		if err := s.sessions.StopSession(r.Context(), sess.ID); err != nil {
			s.log.Warn().Err(err).Str("session_id", sess.ID).Msg("admin cleanup: stop failed")
			continue
		}
		stopped++
	}
	writeJSON(w, http.StatusOK, map[string]int{"stopped": stopped})
}

func (s *Server) adminStats(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.sessions.ListSessions(r.Context(), "")
	if err != nil {
		writeAPIError(w, err)
		return
	}
	byStatus := map[types.SessionStatus]int{}
	for _, sess := range sessions {
		byStatus[sess.Status]++
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total_sessions":    len(sessions),
		"sessions_by_status": byStatus,
	})
}

func (s *Server) adminListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.accounts.ListUsers(r.Context())
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, users)
}

type adminUpdateUserRequest struct {
	Role     *string `json:"role"`
	IsActive *bool   `json:"is_active"`
}

func (s *Server) adminUpdateUser(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "userID")
	u, err := s.accounts.GetUser(r.Context(), id)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	var req adminUpdateUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, types.NewError(types.ErrBadRequest, "malformed request body"))
		return
	}
	if req.Role != nil {
		u.Role = types.Role(*req.Role)
	}
	if req.IsActive != nil {
		u.IsActive = *req.IsActive
	}
	if err := s.accounts.UpdateUser(r.Context(), u); err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (s *Server) adminDeleteUser(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "userID")

	sessions, err := s.sessions.ListSessions(r.Context(), id)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	for _, sess := range sessions {
		if sess.Status.IsActive() {
			writeAPIError(w, types.NewError(types.ErrConflict, "user has active sessions"))
			return
		}
	}

	if err := s.accounts.DeleteUser(r.Context(), id); err != nil {
		writeAPIError(w, err)
		return
	}
	writeNoContent(w)
}

type createInviteCodeRequest struct {
	MaxUses   int        `json:"max_uses"`
	ExpiresAt *time.Time `json:"expires_at"`
}

func (s *Server) adminCreateInviteCode(w http.ResponseWriter, r *http.Request) {
	var req createInviteCodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, types.NewError(types.ErrBadRequest, "malformed request body"))
		return
	}
	maxUses := req.MaxUses
	if maxUses <= 0 {
		maxUses = 1
	}
	code := &types.InviteCode{
		Code:          uuid.NewString(),
		UsesRemaining: maxUses,
		MaxUses:       maxUses,
		ExpiresAt:     req.ExpiresAt,
	}
	if err := s.accounts.CreateInviteCode(r.Context(), code); err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, code)
}

func (s *Server) adminListInviteCodes(w http.ResponseWriter, r *http.Request) {
	codes, err := s.accounts.ListInviteCodes(r.Context())
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, codes)
}

func (s *Server) adminRevokeInviteCode(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	if err := s.accounts.RevokeInviteCode(r.Context(), code); err != nil {
		writeAPIError(w, err)
		return
	}
	writeNoContent(w)
}

// adminMetrics streams a platform snapshot over SSE every 2 seconds for
// as long as the client stays connected: total sessions, the active
// count and counts by status, computed fresh each tick. Port usage is
// not reported.
func (s *Server) adminMetrics(w http.ResponseWriter, r *http.Request) {
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

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	bw := bufio.NewWriter(w)
	emit := func() bool {
		snapshot, err := s.metricsSnapshot(r.Context())
		if err != nil {
			return true
		}
		data, err := json.Marshal(snapshot)
		if err != nil {
			return true
		}
		fmt.Fprintf(bw, "event: metrics\ndata: %s\n\n", data)
		if err := bw.Flush(); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	if !emit() {
		return
	}
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if !emit() {
				return
			}
		}
	}
}

// metricsSnapshot gathers the point-in-time numbers adminMetrics emits.
func (s *Server) metricsSnapshot(ctx context.Context) (map[string]any, error) {
	sessions, err := s.sessions.ListSessions(ctx, "")
	if err != nil {
		return nil, err
	}
	byStatus := map[types.SessionStatus]int{}
	active := 0
	for _, sess := range sessions {
		byStatus[sess.Status]++
		if sess.Status.IsActive() {
			active++
		}
	}
	return map[string]any{
		"time":               time.Now().UTC().Format(time.RFC3339),
		"total_sessions":     len(sessions),
		"active_sessions":    active,
		"sessions_by_status": byStatus,
	}, nil
}
