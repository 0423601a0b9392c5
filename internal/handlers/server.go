package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/justinas/alice"
	"github.com/rs/zerolog/log"

	"zapfila/internal/ingest"
	"zapfila/internal/queue"
	"zapfila/internal/session"
)

// Server holds the dependencies of the HTTP surface.
type Server struct {
	queue       *queue.Queue
	sessions    *session.Manager
	ingestor    *ingest.Ingestor
	verifyToken string
}

// NewServer creates a Server.
func NewServer(q *queue.Queue, sessions *session.Manager, ingestor *ingest.Ingestor, verifyToken string) *Server {
	return &Server{
		queue:       q,
		sessions:    sessions,
		ingestor:    ingestor,
		verifyToken: verifyToken,
	}
}

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	chain := alice.New(requestLogger, jsonContentType)

	r := mux.NewRouter()
	r.Handle("/webhook", chain.Then(http.HandlerFunc(s.VerifyWebhook))).Methods(http.MethodGet)
	r.Handle("/webhook", chain.Then(http.HandlerFunc(s.ReceiveWebhook))).Methods(http.MethodPost)

	r.Handle("/queue/messages", chain.Then(http.HandlerFunc(s.EnqueueMessage))).Methods(http.MethodPost)
	r.Handle("/queue/messages", chain.Then(http.HandlerFunc(s.ListMessages))).Methods(http.MethodGet)
	r.Handle("/queue/messages/{id}", chain.Then(http.HandlerFunc(s.CancelMessage))).Methods(http.MethodDelete)
	r.Handle("/queue/stats", chain.Then(http.HandlerFunc(s.QueueStats))).Methods(http.MethodGet)
	r.Handle("/queue/clear", chain.Then(http.HandlerFunc(s.ClearQueue))).Methods(http.MethodPost)

	r.Handle("/sessions/{id}/start", chain.Then(http.HandlerFunc(s.StartSession))).Methods(http.MethodPost)
	r.Handle("/sessions/{id}", chain.Then(http.HandlerFunc(s.GetSession))).Methods(http.MethodGet)

	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int64("durationMs", time.Since(start).Milliseconds()).
			Msg("Request handled")
	})
}

func jsonContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) respondWithJSON(w http.ResponseWriter, statusCode int, payload interface{}) {
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func (s *Server) respondWithError(w http.ResponseWriter, statusCode int, message string) {
	s.respondWithJSON(w, statusCode, map[string]string{"error": message})
}
