package ingest

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"zapfila/internal/models"
)

// ErrUnknownChannel is returned when a provider channel identifier does not
// map to any tenant.
var ErrUnknownChannel = errors.New("ingest: unknown channel identifier")

// Store is the idempotent persistence layer behind ingestion and outbound
// message recording. Every write that could race with a duplicate delivery
// is a single conditional statement, never check-then-insert.
type Store struct {
	db      *gorm.DB
	tenants *gocache.Cache
}

// NewStore creates a Store. Tenant lookups are cached since every webhook
// event repeats the same channel identifier.
func NewStore(conn *gorm.DB) *Store {
	return &Store{
		db:      conn,
		tenants: gocache.New(5*time.Minute, 10*time.Minute),
	}
}

// ResolveTenantByPhoneNumberID maps the webhook's phone_number_id to the
// owning tenant channel.
func (s *Store) ResolveTenantByPhoneNumberID(phoneNumberID string) (*models.TenantChannel, error) {
	if cached, found := s.tenants.Get("pn:" + phoneNumberID); found {
		return cached.(*models.TenantChannel), nil
	}

	var tc models.TenantChannel
	err := s.db.First(&tc, "phone_number_id = ?", phoneNumberID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrUnknownChannel
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve channel %s: %w", phoneNumberID, err)
	}

	s.tenants.SetDefault("pn:"+phoneNumberID, &tc)
	return &tc, nil
}

// ResolveTenantBySession maps a session id to its tenant channel. Used by the
// dispatcher to record outbound messages under the right tenant.
func (s *Store) ResolveTenantBySession(sessionID string) (*models.TenantChannel, error) {
	if cached, found := s.tenants.Get("ss:" + sessionID); found {
		return cached.(*models.TenantChannel), nil
	}

	var tc models.TenantChannel
	err := s.db.First(&tc, "session_id = ?", sessionID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrUnknownChannel
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve session channel %s: %w", sessionID, err)
	}

	s.tenants.SetDefault("ss:"+sessionID, &tc)
	return &tc, nil
}

// UpsertContact creates or refreshes the contact identified by (tenant_id,
// external_id) and returns the stored row.
func (s *Store) UpsertContact(tenantID, externalID, displayName string, at time.Time) (*models.Contact, error) {
	contact := models.Contact{
		ID:              uuid.New().String(),
		TenantID:        tenantID,
		ExternalID:      externalID,
		DisplayName:     displayName,
		LastInteraction: at,
	}

	assignments := map[string]interface{}{"last_interaction": at}
	if displayName != "" {
		assignments["display_name"] = displayName
	}

	err := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "tenant_id"}, {Name: "external_id"}},
		DoUpdates: clause.Assignments(assignments),
	}).Create(&contact).Error
	if err != nil {
		return nil, fmt.Errorf("failed to upsert contact %s: %w", externalID, err)
	}

	var stored models.Contact
	if err := s.db.First(&stored, "tenant_id = ? AND external_id = ?", tenantID, externalID).Error; err != nil {
		return nil, fmt.Errorf("failed to reload contact %s: %w", externalID, err)
	}
	return &stored, nil
}

// UpsertThread creates or refreshes the thread for (tenant_id, contact_id)
// and returns the stored row.
func (s *Store) UpsertThread(tenantID, contactID string, at time.Time) (*models.Thread, error) {
	thread := models.Thread{
		ID:            uuid.New().String(),
		TenantID:      tenantID,
		ContactID:     contactID,
		LastMessageAt: at,
	}

	err := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "tenant_id"}, {Name: "contact_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{"last_message_at": at}),
	}).Create(&thread).Error
	if err != nil {
		return nil, fmt.Errorf("failed to upsert thread for contact %s: %w", contactID, err)
	}

	var stored models.Thread
	if err := s.db.First(&stored, "tenant_id = ? AND contact_id = ?", tenantID, contactID).Error; err != nil {
		return nil, fmt.Errorf("failed to reload thread for contact %s: %w", contactID, err)
	}
	return &stored, nil
}

// InsertMessageIfAbsent inserts the message unless a row with the same
// (tenant_id, external_message_id) already exists. Reports whether a row was
// actually inserted. This is the at-most-once-effect guarantee under the
// provider's at-least-once delivery: duplicates collapse on the conflict
// target instead of racing a prior existence check.
func (s *Store) InsertMessageIfAbsent(msg *models.Message) (bool, error) {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}

	res := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "tenant_id"}, {Name: "external_message_id"}},
		DoNothing: true,
	}).Create(msg)
	if res.Error != nil {
		return false, fmt.Errorf("failed to insert message %s: %w", msg.ExternalMessageID, res.Error)
	}
	return res.RowsAffected > 0, nil
}

// UpdateMessageStatus mutates the status of an existing message in place.
// Reports whether a matching row existed; unmatched updates are the caller's
// drop-not-error case.
func (s *Store) UpdateMessageStatus(tenantID, externalMessageID string, status models.MessageStatus) (bool, error) {
	res := s.db.Model(&models.Message{}).
		Where("tenant_id = ? AND external_message_id = ?", tenantID, externalMessageID).
		Update("status", status)
	if res.Error != nil {
		return false, fmt.Errorf("failed to update message status %s: %w", externalMessageID, res.Error)
	}
	return res.RowsAffected > 0, nil
}
