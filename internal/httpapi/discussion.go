package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ent0n29/pastexam/internal/discussion"
)

type sendMessageRequest struct {
	Content string `json:"content"`
}

type olderRequest struct {
	Limit int `json:"limit"`
}

func pathID(r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(strings.TrimSpace(chi.URLParam(r, name)), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func threadIDs(w http.ResponseWriter, r *http.Request) (int64, int64, bool) {
	courseID, ok := pathID(r, "courseID")
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid_course_id", "course id must be a positive integer")
		return 0, 0, false
	}
	archiveID, ok := pathID(r, "archiveID")
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid_archive_id", "archive id must be a positive integer")
		return 0, 0, false
	}
	return courseID, archiveID, true
}

// room resolves an already opened thread, writing a 404 if there is none.
func (s *Server) room(w http.ResponseWriter, r *http.Request) (*discussion.Room, bool) {
	courseID, archiveID, ok := threadIDs(w, r)
	if !ok {
		return nil, false
	}
	room, ok := s.discussions.Get(courseID, archiveID)
	if !ok {
		respondError(w, http.StatusNotFound, "room_not_open", "discussion is not open")
		return nil, false
	}
	return room, true
}

func (s *Server) handleDiscussionOpen(w http.ResponseWriter, r *http.Request) {
	courseID, archiveID, ok := threadIDs(w, r)
	if !ok {
		return
	}
	room, err := s.discussions.Open(r.Context(), courseID, archiveID)
	if err != nil {
		respondFailure(w, err, nil)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"open":     room.Open(),
		"messages": room.Messages(),
	})
}

func (s *Server) handleDiscussionClose(w http.ResponseWriter, r *http.Request) {
	courseID, archiveID, ok := threadIDs(w, r)
	if !ok {
		return
	}
	s.discussions.Close(courseID, archiveID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDiscussionMessages(w http.ResponseWriter, r *http.Request) {
	room, ok := s.room(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"open":     room.Open(),
		"messages": room.Messages(),
	})
}

func (s *Server) handleDiscussionSend(w http.ResponseWriter, r *http.Request) {
	room, ok := s.room(w, r)
	if !ok {
		return
	}
	var req sendMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if err := room.Send(r.Context(), req.Content); err != nil {
		if errors.Is(err, discussion.ErrTooLong) {
			respondError(w, http.StatusBadRequest, "message_too_long", err.Error())
			return
		}
		respondFailure(w, err, nil)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleDiscussionOlder(w http.ResponseWriter, r *http.Request) {
	room, ok := s.room(w, r)
	if !ok {
		return
	}
	var req olderRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	added, err := room.LoadOlder(r.Context(), req.Limit)
	if err != nil {
		respondFailure(w, err, nil)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"messages": added})
}

func (s *Server) handleDiscussionDelete(w http.ResponseWriter, r *http.Request) {
	room, ok := s.room(w, r)
	if !ok {
		return
	}
	messageID, ok := pathID(r, "messageID")
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid_message_id", "message id must be a positive integer")
		return
	}
	if err := room.Delete(r.Context(), messageID); err != nil {
		respondFailure(w, err, nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
