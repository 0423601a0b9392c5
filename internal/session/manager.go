package session

import (
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	qrcode "github.com/skip2/go-qrcode"
	"gorm.io/gorm"

	"zapfila/internal/models"
)

var (
	// ErrNotFound is returned when the session id is unknown.
	ErrNotFound = errors.New("session: not found")
	// ErrInvalidTransition is returned when an event is not legal in the
	// session's current state.
	ErrInvalidTransition = errors.New("session: invalid state transition")
)

// Manager drives the connection lifecycle of each tenant's messaging
// account. The authoritative state lives in the sessions table; the manager
// only serializes transitions and runs the QR expiry timers.
type Manager struct {
	db        *gorm.DB
	qrTimeout time.Duration

	mu       sync.Mutex
	qrTimers map[string]*time.Timer
}

// NewManager creates a Manager. qrTimeout bounds how long a session may sit
// in pairing before it expires.
func NewManager(conn *gorm.DB, qrTimeout time.Duration) *Manager {
	if qrTimeout <= 0 {
		qrTimeout = 2 * time.Minute
	}
	return &Manager{
		db:        conn,
		qrTimeout: qrTimeout,
		qrTimers:  make(map[string]*time.Timer),
	}
}

// Get loads a session by id.
func (m *Manager) Get(sessionID string) (*models.Session, error) {
	var s models.Session
	if err := m.db.First(&s, "id = ?", sessionID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load session %s: %w", sessionID, err)
	}
	return &s, nil
}

// IsConnected reports whether the session may send. Only conectado is
// send-eligible; every other state short-circuits dispatch.
func (m *Manager) IsConnected(sessionID string) bool {
	s, err := m.Get(sessionID)
	if err != nil {
		return false
	}
	return s.Status == models.SessionConnected
}

// Start begins connecting. Legal from desconectado and expirado; an expired
// session requires this explicit re-init.
func (m *Manager) Start(sessionID string) (*models.Session, error) {
	return m.transition(sessionID, models.SessionConnecting, "",
		models.SessionDisconnected, models.SessionExpired)
}

// QRIssued moves a connecting session into pairing and stores the pairing
// code rendered as a base64 PNG for the dashboard.
func (m *Manager) QRIssued(sessionID, code string) (*models.Session, error) {
	png, err := qrcode.Encode(code, qrcode.Medium, 256)
	if err != nil {
		return nil, fmt.Errorf("failed to render QR code: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(png)

	s, err := m.transition(sessionID, models.SessionPairing, encoded, models.SessionConnecting)
	if err != nil {
		return nil, err
	}
	m.armQRTimer(sessionID)
	return s, nil
}

// QRScanned completes pairing. The QR code is cleared.
func (m *Manager) QRScanned(sessionID string) (*models.Session, error) {
	s, err := m.transition(sessionID, models.SessionConnected, "", models.SessionPairing)
	if err != nil {
		return nil, err
	}
	m.disarmQRTimer(sessionID)
	return s, nil
}

// Ready resumes an existing session without pairing.
func (m *Manager) Ready(sessionID string) (*models.Session, error) {
	return m.transition(sessionID, models.SessionConnected, "", models.SessionConnecting)
}

// Disconnected records a provider-side disconnect.
func (m *Manager) Disconnected(sessionID string) (*models.Session, error) {
	return m.transition(sessionID, models.SessionDisconnected, "", models.SessionConnected)
}

// ExpireQR expires a session whose QR was never scanned. Normally driven by
// the internal timer, exposed for tests and manual expiry.
func (m *Manager) ExpireQR(sessionID string) (*models.Session, error) {
	s, err := m.transition(sessionID, models.SessionExpired, "", models.SessionPairing)
	if err != nil {
		return nil, err
	}
	m.disarmQRTimer(sessionID)
	return s, nil
}

// Create registers a new session row in the initial desconectado state.
func (m *Manager) Create(sessionID, tenantID string) (*models.Session, error) {
	s := &models.Session{
		ID:           sessionID,
		TenantID:     tenantID,
		Status:       models.SessionDisconnected,
		LastActivity: time.Now().UTC(),
	}
	if err := m.db.Create(s).Error; err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return s, nil
}

// transition applies one guarded state change. The UPDATE is conditional on
// the current status being one of from, so concurrent transitions cannot
// interleave into an illegal path.
func (m *Manager) transition(sessionID string, to models.SessionStatus, qr string, from ...models.SessionStatus) (*models.Session, error) {
	res := m.db.Model(&models.Session{}).
		Where("id = ? AND status IN ?", sessionID, from).
		Updates(map[string]interface{}{
			"status":        to,
			"qr_code":       qr,
			"last_activity": time.Now().UTC(),
		})
	if res.Error != nil {
		return nil, fmt.Errorf("failed to transition session %s: %w", sessionID, res.Error)
	}
	if res.RowsAffected == 0 {
		s, err := m.Get(sessionID)
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.Status, to)
	}

	log.Info().Str("sessionID", sessionID).Str("status", string(to)).Msg("Session state changed")
	return m.Get(sessionID)
}

func (m *Manager) armQRTimer(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.qrTimers[sessionID]; ok {
		t.Stop()
	}
	m.qrTimers[sessionID] = time.AfterFunc(m.qrTimeout, func() {
		if _, err := m.ExpireQR(sessionID); err != nil {
			// The session was scanned or disconnected before the TTL hit.
			log.Debug().Err(err).Str("sessionID", sessionID).Msg("QR expiry skipped")
		}
	})
}

func (m *Manager) disarmQRTimer(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.qrTimers[sessionID]; ok {
		t.Stop()
		delete(m.qrTimers, sessionID)
	}
}
