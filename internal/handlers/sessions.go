package handlers

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"zapfila/internal/session"
)

// StartSession begins (re)connecting a session. Legal from the disconnected
// and expired states only.
func (s *Server) StartSession(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]

	sess, err := s.sessions.Start(sessionID)
	switch {
	case errors.Is(err, session.ErrNotFound):
		s.respondWithError(w, http.StatusNotFound, "session not found")
	case errors.Is(err, session.ErrInvalidTransition):
		s.respondWithError(w, http.StatusConflict, err.Error())
	case err != nil:
		s.respondWithError(w, http.StatusInternalServerError, "failed to start session")
	default:
		s.respondWithJSON(w, http.StatusOK, sess)
	}
}

// GetSession returns the session status; the QR code field is populated only
// while pairing.
func (s *Server) GetSession(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]

	sess, err := s.sessions.Get(sessionID)
	if errors.Is(err, session.ErrNotFound) {
		s.respondWithError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		s.respondWithError(w, http.StatusInternalServerError, "failed to load session")
		return
	}
	s.respondWithJSON(w, http.StatusOK, sess)
}
