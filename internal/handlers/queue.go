package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"zapfila/internal/queue"
)

type enqueueRequest struct {
	SessionID   string `json:"session_id"`
	Destination string `json:"destination"`
	Body        string `json:"body"`
	ContactName string `json:"contact_name,omitempty"`
	Priority    int    `json:"priority,omitempty"`
}

type enqueueResponse struct {
	JobID string `json:"job_id"`
}

// EnqueueMessage is the enqueue contract consumed by the CRM layer.
func (s *Server) EnqueueMessage(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondWithError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.SessionID == "" || req.Destination == "" || req.Body == "" {
		s.respondWithError(w, http.StatusBadRequest, "session_id, destination and body are required")
		return
	}

	jobID, err := s.queue.Enqueue(req.SessionID, req.Destination, req.Body, req.ContactName, req.Priority)
	if err != nil {
		s.respondWithError(w, http.StatusInternalServerError, "failed to enqueue message")
		return
	}

	s.respondWithJSON(w, http.StatusCreated, enqueueResponse{JobID: jobID})
}

// ListMessages returns a session's jobs ordered by (priority desc,
// scheduled_at asc) for dashboard display.
func (s *Server) ListMessages(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		s.respondWithError(w, http.StatusBadRequest, "session_id is required")
		return
	}

	jobs, err := s.queue.ListBySession(sessionID)
	if err != nil {
		s.respondWithError(w, http.StatusInternalServerError, "failed to list messages")
		return
	}
	s.respondWithJSON(w, http.StatusOK, jobs)
}

// QueueStats aggregates job counts by status.
func (s *Server) QueueStats(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		s.respondWithError(w, http.StatusBadRequest, "session_id is required")
		return
	}

	counts, err := s.queue.CountByStatus(sessionID)
	if err != nil {
		s.respondWithError(w, http.StatusInternalServerError, "failed to aggregate queue stats")
		return
	}
	s.respondWithJSON(w, http.StatusOK, counts)
}

// CancelMessage aborts a pending or processing job.
func (s *Server) CancelMessage(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]

	err := s.queue.Cancel(jobID)
	switch {
	case errors.Is(err, queue.ErrNotFound):
		s.respondWithError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, queue.ErrNotCancellable):
		s.respondWithError(w, http.StatusConflict, "job already in a terminal state")
	case err != nil:
		s.respondWithError(w, http.StatusInternalServerError, "failed to cancel job")
	default:
		s.respondWithJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
	}
}

// ClearQueue deletes a session's terminal jobs.
func (s *Server) ClearQueue(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		s.respondWithError(w, http.StatusBadRequest, "session_id is required")
		return
	}

	deleted, err := s.queue.ClearTerminal(sessionID)
	if err != nil {
		s.respondWithError(w, http.StatusInternalServerError, "failed to clear queue")
		return
	}
	s.respondWithJSON(w, http.StatusOK, map[string]int64{"deleted": deleted})
}
