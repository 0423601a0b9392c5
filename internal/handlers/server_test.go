package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"zapfila/internal/events"
	"zapfila/internal/ingest"
	"zapfila/internal/models"
	"zapfila/internal/queue"
	"zapfila/internal/session"
)

func testServer(t *testing.T) (*Server, *gorm.DB) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	if sqlDB, err := conn.DB(); err == nil {
		sqlDB.SetMaxOpenConns(1)
	}
	if err := conn.AutoMigrate(models.All()...); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}

	conn.Create(&models.TenantChannel{
		ID:            "ch-1",
		TenantID:      "tenant-1",
		SessionID:     "sess-1",
		PhoneNumberID: "555001",
	})

	q := queue.New(conn, queue.Options{MaxRetries: 3})
	sessions := session.NewManager(conn, time.Hour)
	store := ingest.NewStore(conn)
	ingestor := ingest.NewIngestor(store, events.NewPublisher("", "test"))
	return NewServer(q, sessions, ingestor, "segredo"), conn
}

func doRequest(s *Server, method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func TestVerifyWebhook(t *testing.T) {
	s, _ := testServer(t)

	tests := []struct {
		name       string
		target     string
		wantStatus int
		wantBody   string
	}{
		{
			name:       "valid token echoes challenge",
			target:     "/webhook?hub.mode=subscribe&hub.verify_token=segredo&hub.challenge=12345",
			wantStatus: http.StatusOK,
			wantBody:   "12345",
		},
		{
			name:       "wrong token rejected",
			target:     "/webhook?hub.mode=subscribe&hub.verify_token=errado&hub.challenge=12345",
			wantStatus: http.StatusForbidden,
		},
		{
			name:       "wrong mode rejected",
			target:     "/webhook?hub.mode=unsubscribe&hub.verify_token=segredo&hub.challenge=12345",
			wantStatus: http.StatusForbidden,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(s, http.MethodGet, tt.target, "")
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if tt.wantBody != "" && rec.Body.String() != tt.wantBody {
				t.Errorf("body = %q, want %q", rec.Body.String(), tt.wantBody)
			}
		})
	}
}

func TestReceiveWebhookMalformedJSON(t *testing.T) {
	s, _ := testServer(t)

	rec := doRequest(s, http.MethodPost, "/webhook", "{not json")
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500 for malformed JSON", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "error") {
		t.Errorf("body = %q, want an error body", rec.Body.String())
	}
}

func TestReceiveWebhookValidPayload(t *testing.T) {
	s, conn := testServer(t)

	payload := `{
		"object": "whatsapp_business_account",
		"entry": [{
			"id": "entry-1",
			"changes": [{
				"field": "messages",
				"value": {
					"metadata": {"phone_number_id": "555001"},
					"contacts": [{"wa_id": "5511999990000", "profile": {"name": "Ana"}}],
					"messages": [{
						"id": "wamid.h1",
						"from": "5511999990000",
						"timestamp": "1700000000",
						"type": "text",
						"text": {"body": "oi"}
					}]
				}
			}]
		}]
	}`

	rec := doRequest(s, http.MethodPost, "/webhook", payload)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp map[string]bool
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if !resp["received"] {
		t.Errorf("response = %v, want received=true", resp)
	}

	var count int64
	conn.Model(&models.Message{}).Count(&count)
	if count != 1 {
		t.Errorf("messages = %d, want 1", count)
	}
}

func TestReceiveWebhookPartialFailureStill200(t *testing.T) {
	s, _ := testServer(t)

	// Unknown channel: the event is dropped internally but the provider
	// must still get a 200 so it stops redelivering.
	payload := `{"entry": [{"changes": [{"value": {"metadata": {"phone_number_id": "999"}, "messages": [{"id": "x", "from": "y", "type": "text"}]}}]}]}`
	rec := doRequest(s, http.MethodPost, "/webhook", payload)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 despite internal drop", rec.Code)
	}
}

func TestEnqueueEndpoint(t *testing.T) {
	s, _ := testServer(t)

	rec := doRequest(s, http.MethodPost, "/queue/messages",
		`{"session_id": "sess-1", "destination": "5511999990000", "body": "oi", "priority": 2}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201", rec.Code)
	}

	var resp enqueueResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.JobID == "" {
		t.Error("job_id empty")
	}
}

func TestEnqueueEndpointValidation(t *testing.T) {
	s, _ := testServer(t)

	tests := []struct {
		name string
		body string
	}{
		{"missing body", `{"session_id": "sess-1", "destination": "x"}`},
		{"missing session", `{"destination": "x", "body": "oi"}`},
		{"invalid json", `nope`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(s, http.MethodPost, "/queue/messages", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
		})
	}
}

func TestListAndStats(t *testing.T) {
	s, _ := testServer(t)

	s.queue.Enqueue("sess-1", "a", "primeiro", "", 0)
	s.queue.Enqueue("sess-1", "b", "urgente", "", 9)

	rec := doRequest(s, http.MethodGet, "/queue/messages?session_id=sess-1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	var jobs []models.QueueMessage
	if err := json.Unmarshal(rec.Body.Bytes(), &jobs); err != nil {
		t.Fatalf("failed to decode list: %v", err)
	}
	if len(jobs) != 2 || jobs[0].Priority != 9 {
		t.Errorf("jobs = %+v, want priority-9 job first", jobs)
	}

	rec = doRequest(s, http.MethodGet, "/queue/stats?session_id=sess-1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("stats status = %d", rec.Code)
	}
	var counts map[string]int64
	if err := json.Unmarshal(rec.Body.Bytes(), &counts); err != nil {
		t.Fatalf("failed to decode stats: %v", err)
	}
	if counts["pending"] != 2 {
		t.Errorf("pending = %d, want 2", counts["pending"])
	}

	rec = doRequest(s, http.MethodGet, "/queue/messages", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("list without session_id = %d, want 400", rec.Code)
	}
}

func TestCancelEndpoint(t *testing.T) {
	s, _ := testServer(t)

	id, _ := s.queue.Enqueue("sess-1", "a", "msg", "", 0)

	rec := doRequest(s, http.MethodDelete, "/queue/messages/"+id, "")
	if rec.Code != http.StatusOK {
		t.Errorf("cancel status = %d, want 200", rec.Code)
	}

	// Already terminal now.
	rec = doRequest(s, http.MethodDelete, "/queue/messages/"+id, "")
	if rec.Code != http.StatusConflict {
		t.Errorf("second cancel status = %d, want 409", rec.Code)
	}

	rec = doRequest(s, http.MethodDelete, "/queue/messages/ghost", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("cancel unknown status = %d, want 404", rec.Code)
	}
}

func TestSessionEndpoints(t *testing.T) {
	s, _ := testServer(t)
	s.sessions.Create("sess-1", "tenant-1")

	rec := doRequest(s, http.MethodGet, "/sessions/sess-1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get session status = %d", rec.Code)
	}
	var sess models.Session
	if err := json.Unmarshal(rec.Body.Bytes(), &sess); err != nil {
		t.Fatalf("failed to decode session: %v", err)
	}
	if sess.Status != models.SessionDisconnected {
		t.Errorf("status = %q, want desconectado", sess.Status)
	}

	rec = doRequest(s, http.MethodPost, "/sessions/sess-1/start", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("start session status = %d", rec.Code)
	}

	// Starting a session already connecting is an invalid transition.
	rec = doRequest(s, http.MethodPost, "/sessions/sess-1/start", "")
	if rec.Code != http.StatusConflict {
		t.Errorf("second start status = %d, want 409", rec.Code)
	}

	rec = doRequest(s, http.MethodGet, "/sessions/ghost", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown session status = %d, want 404", rec.Code)
	}
}
