package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"zapfila/internal/events"
	"zapfila/internal/models"
)

// Ingestor turns one inbound webhook delivery into idempotent entity
// mutations. Deliveries may be duplicated, arrive out of order, and batch
// multiple events; per-event failures are isolated so one bad event never
// aborts its siblings.
type Ingestor struct {
	store     *Store
	publisher *events.Publisher
}

// NewIngestor creates an Ingestor. publisher may be a disabled publisher but
// not nil.
func NewIngestor(store *Store, publisher *events.Publisher) *Ingestor {
	return &Ingestor{store: store, publisher: publisher}
}

// Process handles every event in the payload. The returned error only covers
// infrastructure-level problems; per-event failures are logged and dropped
// so the provider is never provoked into a retry storm.
func (i *Ingestor) Process(payload *WebhookPayload) {
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			i.processValue(&change.Value)
		}
	}
}

func (i *Ingestor) processValue(v *Value) {
	channel, err := i.store.ResolveTenantByPhoneNumberID(v.Metadata.PhoneNumberID)
	if err != nil {
		if errors.Is(err, ErrUnknownChannel) {
			// Dropped, not errored: a tenant-resolution gap must not
			// trigger provider-side redelivery.
			log.Warn().
				Str("phoneNumberID", v.Metadata.PhoneNumberID).
				Msg("Webhook event for unknown channel dropped")
			return
		}
		log.Error().Err(err).Str("phoneNumberID", v.Metadata.PhoneNumberID).Msg("Failed to resolve tenant for webhook event")
		return
	}

	names := contactNames(v.Contacts)

	for _, msg := range v.Messages {
		if err := i.processMessage(channel, &msg, names[msg.From]); err != nil {
			log.Error().
				Err(err).
				Str("tenantID", channel.TenantID).
				Str("externalMessageID", msg.ID).
				Msg("Failed to ingest message event")
		}
	}

	for _, st := range v.Statuses {
		if err := i.processStatus(channel, &st); err != nil {
			log.Error().
				Err(err).
				Str("tenantID", channel.TenantID).
				Str("externalMessageID", st.ID).
				Msg("Failed to apply status event")
		}
	}
}

// processMessage runs the per-message pipeline: idempotent insert keyed on
// (tenant_id, external_message_id), with contact and thread upserts in front.
func (i *Ingestor) processMessage(channel *models.TenantChannel, msg *EventMessage, displayName string) error {
	if msg.ID == "" || msg.From == "" {
		return fmt.Errorf("message event missing id or sender")
	}
	at := eventTime(msg.Timestamp)

	contact, err := i.store.UpsertContact(channel.TenantID, msg.From, displayName, at)
	if err != nil {
		return err
	}

	thread, err := i.store.UpsertThread(channel.TenantID, contact.ID, at)
	if err != nil {
		return err
	}

	msgType, body := normalize(msg)
	raw, _ := json.Marshal(msg)

	row := &models.Message{
		TenantID:          channel.TenantID,
		ThreadID:          thread.ID,
		Direction:         models.DirectionIn,
		ExternalMessageID: msg.ID,
		Type:              msgType,
		Body:              body,
		Status:            models.MessageReceived,
		Timestamp:         at,
		RawPayload:        string(raw),
	}

	inserted, err := i.store.InsertMessageIfAbsent(row)
	if err != nil {
		return err
	}
	if !inserted {
		log.Debug().
			Str("externalMessageID", msg.ID).
			Str("tenantID", channel.TenantID).
			Msg("Duplicate webhook message skipped")
		return nil
	}

	i.publisher.Publish(events.Envelope{
		Event:      "message.received",
		TenantID:   channel.TenantID,
		SessionID:  channel.SessionID,
		ThreadID:   thread.ID,
		MessageID:  row.ID,
		ExternalID: msg.ID,
		Timestamp:  at,
	})

	log.Info().
		Str("tenantID", channel.TenantID).
		Str("threadID", thread.ID).
		Str("type", msgType).
		Msg("Inbound message ingested")
	return nil
}

// processStatus applies a delivery status update to the existing message
// row. Unmatched updates (out-of-order delivery) are dropped.
func (i *Ingestor) processStatus(channel *models.TenantChannel, st *EventStatus) error {
	status, ok := mapStatus(st.Status)
	if !ok {
		log.Debug().Str("status", st.Status).Msg("Unrecognized status value dropped")
		return nil
	}

	matched, err := i.store.UpdateMessageStatus(channel.TenantID, st.ID, status)
	if err != nil {
		return err
	}
	if !matched {
		log.Debug().
			Str("externalMessageID", st.ID).
			Str("status", st.Status).
			Msg("Status update for unknown message dropped")
		return nil
	}

	i.publisher.Publish(events.Envelope{
		Event:      "message.status",
		TenantID:   channel.TenantID,
		SessionID:  channel.SessionID,
		ExternalID: st.ID,
		Status:     string(status),
		Timestamp:  eventTime(st.Timestamp),
	})
	return nil
}

// normalize maps the provider's type-specific payload shape to a type tag
// plus a best-effort text summary.
func normalize(msg *EventMessage) (string, string) {
	switch msg.Type {
	case "text":
		if msg.Text != nil {
			return "text", msg.Text.Body
		}
		return "text", ""
	case "image":
		return "image", mediaSummary("[image]", msg.Image)
	case "video":
		return "video", mediaSummary("[video]", msg.Video)
	case "audio":
		return "audio", mediaSummary("[audio]", msg.Audio)
	case "document":
		return "document", documentSummary(msg.Document)
	case "sticker":
		return "sticker", "[sticker]"
	case "location":
		if msg.Location != nil {
			return "location", fmt.Sprintf("[location] %f,%f %s", msg.Location.Latitude, msg.Location.Longitude, msg.Location.Name)
		}
		return "location", "[location]"
	default:
		return msg.Type, "[" + msg.Type + "]"
	}
}

func mediaSummary(tag string, m *MediaBody) string {
	if m != nil && m.Caption != "" {
		return tag + " " + m.Caption
	}
	return tag
}

func documentSummary(m *MediaBody) string {
	if m == nil {
		return "[document]"
	}
	if m.Filename != "" {
		return "[document] " + m.Filename
	}
	return mediaSummary("[document]", m)
}

func mapStatus(s string) (models.MessageStatus, bool) {
	switch s {
	case "sent":
		return models.MessageSent, true
	case "delivered":
		return models.MessageDelivered, true
	case "read":
		return models.MessageRead, true
	case "failed":
		return models.MessageFailed, true
	default:
		return "", false
	}
}

func contactNames(contacts []EventContact) map[string]string {
	names := make(map[string]string, len(contacts))
	for _, c := range contacts {
		if c.Profile.Name != "" {
			names[c.WaID] = c.Profile.Name
		}
	}
	return names
}

// eventTime parses the provider's unix-seconds timestamp, falling back to
// now for absent or malformed values.
func eventTime(ts string) time.Time {
	if ts == "" {
		return time.Now().UTC()
	}
	secs, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return time.Now().UTC()
	}
	return time.Unix(secs, 0).UTC()
}
