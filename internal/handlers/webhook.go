package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"

	"zapfila/internal/ingest"
)

// VerifyWebhook answers the provider's subscription handshake: echo
// hub.challenge iff the verify token matches.
func (s *Server) VerifyWebhook(w http.ResponseWriter, r *http.Request) {
	mode := r.URL.Query().Get("hub.mode")
	token := r.URL.Query().Get("hub.verify_token")
	challenge := r.URL.Query().Get("hub.challenge")

	if mode == "subscribe" && token == s.verifyToken {
		w.Header().Del("Content-Type")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(challenge))
		return
	}

	log.Warn().Str("mode", mode).Msg("Webhook verification rejected")
	s.respondWithError(w, http.StatusForbidden, "verification failed")
}

// ReceiveWebhook ingests one provider delivery. Structurally valid input
// always gets a 200 — per-event failures are logged, never surfaced, so the
// provider does not retry-storm on partial failures. Malformed JSON gets a
// 500 with an error body.
func (s *Server) ReceiveWebhook(w http.ResponseWriter, r *http.Request) {
	var payload ingest.WebhookPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		log.Error().Err(err).Msg("Failed to decode webhook payload")
		s.respondWithError(w, http.StatusInternalServerError, "invalid payload")
		return
	}

	s.ingestor.Process(&payload)
	s.respondWithJSON(w, http.StatusOK, map[string]bool{"received": true})
}
