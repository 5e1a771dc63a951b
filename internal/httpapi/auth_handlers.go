package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/octoplane/octoplane/internal/accounts"
	"github.com/octoplane/octoplane/pkg/types"
)

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) features(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"single_user":     s.cfg.SingleUser,
		"invite_required": s.accounts.InviteRequired,
	})
}

type registerRequest struct {
	Username   string `json:"username"`
	Email      string `json:"email"`
	Password   string `json:"password"`
	InviteCode string `json:"invite_code"`
}

func (s *Server) register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, types.NewError(types.ErrBadRequest, "malformed request body"))
		return
	}
	u, err := s.accounts.Register(r.Context(), accounts.RegisterRequest{
		Username:   req.Username,
		Email:      req.Email,
		Password:   req.Password,
		InviteCode: req.InviteCode,
	})
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, u)
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	User  *types.User `json:"user"`
	Token string      `json:"token"`
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, types.NewError(types.ErrBadRequest, "malformed request body"))
		return
	}
	u, token, err := s.accounts.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     "auth_token",
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, http.StatusOK, loginResponse{User: u, Token: token})
}

func (s *Server) logout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     "auth_token",
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	writeNoContent(w)
}

func (s *Server) me(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, userFromContext(r.Context()))
}

type advanceOnboardingRequest struct {
	Component string `json:"component"`
}

func (s *Server) advanceOnboarding(w http.ResponseWriter, r *http.Request) {
	u := userFromContext(r.Context())
	var req advanceOnboardingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, types.NewError(types.ErrBadRequest, "malformed request body"))
		return
	}
	o, err := s.accounts.AdvanceOnboarding(r.Context(), u.ID, req.Component)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) completeOnboarding(w http.ResponseWriter, r *http.Request) {
	u := userFromContext(r.Context())
	if err := s.accounts.CompleteOnboarding(r.Context(), u.ID); err != nil {
		writeAPIError(w, err)
		return
	}
	writeNoContent(w)
}
