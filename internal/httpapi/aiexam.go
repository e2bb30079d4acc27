package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ent0n29/pastexam/internal/lifecycle"
)

type regenerateRequest struct {
	Confirm bool `json:"confirm"`
}

type apiKeyRequest struct {
	GeminiAPIKey *string `json:"gemini_api_key"`
}

func (s *Server) handleExamState(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.lifecycle.State())
}

func (s *Server) handleExamHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "invalid_request", "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"transitions": s.lifecycle.History(limit),
	})
}

func (s *Server) handleExamMount(w http.ResponseWriter, r *http.Request) {
	st, err := s.lifecycle.Mount(context.WithoutCancel(r.Context()))
	if err != nil {
		respondFailure(w, err, &st)
		return
	}
	respondJSON(w, http.StatusOK, st)
}

func (s *Server) handleExamUnmount(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.lifecycle.Unmount())
}

func (s *Server) handleExamGenerate(w http.ResponseWriter, r *http.Request) {
	var req lifecycle.SubmitRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	// The channel outlives this request.
	st, err := s.lifecycle.Submit(context.WithoutCancel(r.Context()), req)
	if err != nil {
		respondFailure(w, err, &st)
		return
	}
	respondJSON(w, http.StatusAccepted, st)
}

func (s *Server) handleExamRegenerate(w http.ResponseWriter, r *http.Request) {
	var req regenerateRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	confirm := lifecycle.ConfirmFunc(func(context.Context, string) bool { return req.Confirm })
	st, err := s.lifecycle.Regenerate(r.Context(), confirm)
	if err != nil {
		respondFailure(w, err, &st)
		return
	}
	respondJSON(w, http.StatusOK, st)
}

func (s *Server) handleExamDismiss(w http.ResponseWriter, r *http.Request) {
	st, err := s.lifecycle.Dismiss(r.Context())
	if err != nil {
		respondFailure(w, err, &st)
		return
	}
	respondJSON(w, http.StatusOK, st)
}

func (s *Server) handleExamDeleteTask(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_task_id", "missing task id")
		return
	}
	if err := s.upstream.DeleteTask(r.Context(), id); err != nil {
		respondFailure(w, err, nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAPIKeyStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.upstream.APIKeyStatus(r.Context())
	if err != nil {
		respondFailure(w, err, nil)
		return
	}
	respondJSON(w, http.StatusOK, status)
}

// handleAPIKeyUpdate stores a key, or removes it when gemini_api_key is null or blank.
func (s *Server) handleAPIKeyUpdate(w http.ResponseWriter, r *http.Request) {
	var req apiKeyRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	key := ""
	if req.GeminiAPIKey != nil {
		key = strings.TrimSpace(*req.GeminiAPIKey)
	}
	status, err := s.upstream.UpdateAPIKey(r.Context(), key)
	if err != nil {
		respondFailure(w, err, nil)
		return
	}
	respondJSON(w, http.StatusOK, status)
}
