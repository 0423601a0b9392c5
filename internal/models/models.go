package models

import (
	"time"
)

// QueueStatus is the lifecycle status of an outbound queue job.
type QueueStatus string

const (
	QueuePending    QueueStatus = "pending"
	QueueProcessing QueueStatus = "processing"
	QueueCompleted  QueueStatus = "completed"
	QueueFailed     QueueStatus = "failed"
)

// QueueMessage is one unit of outbound work tracked through the message queue.
type QueueMessage struct {
	ID           string      `gorm:"primaryKey" json:"id"`
	SessionID    string      `gorm:"index:idx_queue_claim" json:"session_id"`
	Destination  string      `json:"destination"`
	Body         string      `gorm:"type:text" json:"body"`
	ContactName  string      `json:"contact_name,omitempty"`
	Priority     int         `gorm:"default:0;index:idx_queue_claim" json:"priority"`
	Status       QueueStatus `gorm:"index:idx_queue_claim;default:'pending'" json:"status"`
	RetryCount   int         `gorm:"default:0" json:"retry_count"`
	MaxRetries   int         `json:"max_retries"`
	ScheduledAt  time.Time   `gorm:"index:idx_queue_claim" json:"scheduled_at"`
	ProcessedAt  *time.Time  `json:"processed_at,omitempty"`
	FailedAt     *time.Time  `json:"failed_at,omitempty"`
	ErrorMessage string      `gorm:"type:text" json:"error_message,omitempty"`
	CreatedAt    time.Time   `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time   `gorm:"autoUpdateTime" json:"updated_at"`
}

// Contact is one distinct external identity per tenant. (tenant_id,
// external_id) is the upsert key.
type Contact struct {
	ID              string    `gorm:"primaryKey" json:"id"`
	TenantID        string    `gorm:"uniqueIndex:idx_contact_identity" json:"tenant_id"`
	ExternalID      string    `gorm:"uniqueIndex:idx_contact_identity" json:"external_id"`
	DisplayName     string    `json:"display_name"`
	LastInteraction time.Time `json:"last_interaction"`
	CreatedAt       time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// Thread is the open conversation container for one contact. Modeled as its
// own entity so a contact can fan out to multiple threads later; current
// scope keeps it 1:1 via the (tenant_id, contact_id) unique index.
type Thread struct {
	ID            string    `gorm:"primaryKey" json:"id"`
	TenantID      string    `gorm:"uniqueIndex:idx_thread_contact" json:"tenant_id"`
	ContactID     string    `gorm:"uniqueIndex:idx_thread_contact" json:"contact_id"`
	LastMessageAt time.Time `json:"last_message_at"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// MessageDirection distinguishes sent from received messages.
type MessageDirection string

const (
	DirectionIn  MessageDirection = "in"
	DirectionOut MessageDirection = "out"
)

// MessageStatus is the delivery status of a message.
type MessageStatus string

const (
	MessageSent      MessageStatus = "sent"
	MessageDelivered MessageStatus = "delivered"
	MessageRead      MessageStatus = "read"
	MessageFailed    MessageStatus = "failed"
	MessageReceived  MessageStatus = "received"
)

// Message is an immutable record of one sent or received message. The row is
// created once; only Status may change afterwards. (tenant_id,
// external_message_id) is the idempotency key for inbound processing.
type Message struct {
	ID                string           `gorm:"primaryKey" json:"id"`
	TenantID          string           `gorm:"uniqueIndex:idx_message_external" json:"tenant_id"`
	ThreadID          string           `gorm:"index" json:"thread_id"`
	Direction         MessageDirection `json:"direction"`
	ExternalMessageID string           `gorm:"uniqueIndex:idx_message_external" json:"external_message_id,omitempty"`
	Type              string           `json:"type"`
	Body              string           `gorm:"type:text" json:"body"`
	Status            MessageStatus    `json:"status"`
	Timestamp         time.Time        `json:"timestamp"`
	RawPayload        string           `gorm:"type:text" json:"raw_payload,omitempty"`
	CreatedAt         time.Time        `gorm:"autoCreateTime" json:"created_at"`
}

// SessionStatus is the connection state of a tenant's messaging account.
// Values are kept in the product's original language; they travel through the
// dashboard untranslated.
type SessionStatus string

const (
	SessionDisconnected SessionStatus = "desconectado"
	SessionConnecting   SessionStatus = "conectando"
	SessionPairing      SessionStatus = "pareando"
	SessionConnected    SessionStatus = "conectado"
	SessionExpired      SessionStatus = "expirado"
)

// Session is one tenant's messaging account connection state. QRCode is only
// populated while pairing.
type Session struct {
	ID           string        `gorm:"primaryKey" json:"id"`
	TenantID     string        `gorm:"index" json:"tenant_id"`
	Status       SessionStatus `gorm:"default:'desconectado'" json:"status"`
	QRCode       string        `gorm:"type:text" json:"qr_code,omitempty"`
	LastActivity time.Time     `json:"last_activity"`
	CreatedAt    time.Time     `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time     `gorm:"autoUpdateTime" json:"updated_at"`
}

// TenantChannel maps a provider channel identifier (the webhook's
// phone_number_id) to the owning tenant and session. Inbound events resolve
// their tenant through this table.
type TenantChannel struct {
	ID            string    `gorm:"primaryKey" json:"id"`
	TenantID      string    `gorm:"index" json:"tenant_id"`
	SessionID     string    `gorm:"index" json:"session_id"`
	PhoneNumberID string    `gorm:"uniqueIndex" json:"phone_number_id"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// All returns every model registered for migration.
func All() []interface{} {
	return []interface{}{
		&QueueMessage{},
		&Contact{},
		&Thread{},
		&Message{},
		&Session{},
		&TenantChannel{},
	}
}
