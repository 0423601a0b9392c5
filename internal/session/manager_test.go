package session

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"zapfila/internal/models"
)

func testManager(t *testing.T) *Manager {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
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
	return NewManager(conn, time.Hour)
}

func TestPairingFlow(t *testing.T) {
	m := testManager(t)
	m.Create("sess-1", "tenant-1")

	s, err := m.Start("sess-1")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if s.Status != models.SessionConnecting {
		t.Fatalf("status = %q, want conectando", s.Status)
	}

	s, err = m.QRIssued("sess-1", "pairing-code-123")
	if err != nil {
		t.Fatalf("QRIssued: %v", err)
	}
	if s.Status != models.SessionPairing {
		t.Fatalf("status = %q, want pareando", s.Status)
	}
	if s.QRCode == "" {
		t.Error("qr_code empty while pairing")
	}

	s, err = m.QRScanned("sess-1")
	if err != nil {
		t.Fatalf("QRScanned: %v", err)
	}
	if s.Status != models.SessionConnected {
		t.Fatalf("status = %q, want conectado", s.Status)
	}
	if s.QRCode != "" {
		t.Error("qr_code not cleared after scan")
	}
	if !m.IsConnected("sess-1") {
		t.Error("IsConnected = false for conectado session")
	}
}

func TestResumeWithoutQR(t *testing.T) {
	m := testManager(t)
	m.Create("sess-1", "tenant-1")

	m.Start("sess-1")
	s, err := m.Ready("sess-1")
	if err != nil {
		t.Fatalf("Ready: %v", err)
	}
	if s.Status != models.SessionConnected {
		t.Errorf("status = %q, want conectado (resumed session needs no QR)", s.Status)
	}
}

func TestDisconnectAndRestart(t *testing.T) {
	m := testManager(t)
	m.Create("sess-1", "tenant-1")

	m.Start("sess-1")
	m.Ready("sess-1")

	s, err := m.Disconnected("sess-1")
	if err != nil {
		t.Fatalf("Disconnected: %v", err)
	}
	if s.Status != models.SessionDisconnected {
		t.Fatalf("status = %q, want desconectado", s.Status)
	}
	if m.IsConnected("sess-1") {
		t.Error("IsConnected = true after disconnect")
	}

	if _, err := m.Start("sess-1"); err != nil {
		t.Errorf("Start after disconnect: %v", err)
	}
}

func TestQRExpiry(t *testing.T) {
	m := testManager(t)
	m.Create("sess-1", "tenant-1")

	m.Start("sess-1")
	m.QRIssued("sess-1", "code")

	s, err := m.ExpireQR("sess-1")
	if err != nil {
		t.Fatalf("ExpireQR: %v", err)
	}
	if s.Status != models.SessionExpired {
		t.Fatalf("status = %q, want expirado", s.Status)
	}
	if s.QRCode != "" {
		t.Error("qr_code not cleared on expiry")
	}

	// expirado is terminal until an explicit restart.
	if _, err := m.QRScanned("sess-1"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("QRScanned on expired = %v, want ErrInvalidTransition", err)
	}
	s, err = m.Start("sess-1")
	if err != nil {
		t.Fatalf("Start after expiry: %v", err)
	}
	if s.Status != models.SessionConnecting {
		t.Errorf("status = %q, want conectando", s.Status)
	}
}

func TestInvalidTransitions(t *testing.T) {
	m := testManager(t)
	m.Create("sess-1", "tenant-1")

	tests := []struct {
		name string
		fn   func() (*models.Session, error)
	}{
		{"QRScanned from desconectado", func() (*models.Session, error) { return m.QRScanned("sess-1") }},
		{"Ready from desconectado", func() (*models.Session, error) { return m.Ready("sess-1") }},
		{"Disconnected from desconectado", func() (*models.Session, error) { return m.Disconnected("sess-1") }},
		{"ExpireQR from desconectado", func() (*models.Session, error) { return m.ExpireQR("sess-1") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.fn(); !errors.Is(err, ErrInvalidTransition) {
				t.Errorf("err = %v, want ErrInvalidTransition", err)
			}
		})
	}

	// Start is only legal from desconectado and expirado.
	m.Start("sess-1")
	if _, err := m.Start("sess-1"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Start from conectando = %v, want ErrInvalidTransition", err)
	}
}

func TestUnknownSession(t *testing.T) {
	m := testManager(t)
	if _, err := m.Get("ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get = %v, want ErrNotFound", err)
	}
	if m.IsConnected("ghost") {
		t.Error("IsConnected = true for unknown session")
	}
}
