package httpapi

import (
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/ent0n29/pastexam/internal/reliability"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Remember bool   `json:"remember"`
}

func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	token, err := s.creds.Token(r.Context())
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, "store_unavailable", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"signed_in": token != ""})
}

// handleLogin exchanges credentials upstream and keeps the token locally. The
// token itself is never echoed back.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || req.Password == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "username and password are required")
		return
	}

	res, err := s.upstream.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		respondFailure(w, err, nil)
		return
	}
	if err := s.creds.Set(r.Context(), res.AccessToken, req.Remember); err != nil {
		respondError(w, http.StatusInternalServerError, "store_unavailable", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"signed_in":  true,
		"token_type": res.TokenType,
		"remember":   req.Remember,
	})
}

// handleLogout signs out upstream on a best-effort basis and always drops local state.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if token, _ := s.creds.Token(r.Context()); token != "" {
		if err := s.upstream.Logout(r.Context()); err != nil && !reliability.IsAuth(err) {
			s.logger.Warn("upstream logout failed", zap.Error(err))
		}
	}
	s.lifecycle.Abandon("logout")
	s.discussions.CloseAll()
	if err := s.creds.Clear(r.Context()); err != nil {
		respondError(w, http.StatusInternalServerError, "store_unavailable", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"signed_in": false})
}
