package ingest

// Provider webhook payload shapes. Only the fields this layer reads are
// declared; everything else rides along in the raw payload column.

// WebhookPayload is the top-level POST body.
type WebhookPayload struct {
	Object string  `json:"object"`
	Entry  []Entry `json:"entry"`
}

// Entry groups the changes for one account.
type Entry struct {
	ID      string   `json:"id"`
	Changes []Change `json:"changes"`
}

// Change carries one value block.
type Change struct {
	Field string `json:"field"`
	Value Value  `json:"value"`
}

// Value holds the actual events: inbound messages, status updates, and the
// contact display hints that accompany them.
type Value struct {
	MessagingProduct string         `json:"messaging_product"`
	Metadata         Metadata       `json:"metadata"`
	Contacts         []EventContact `json:"contacts"`
	Messages         []EventMessage `json:"messages"`
	Statuses         []EventStatus  `json:"statuses"`
}

// Metadata identifies the receiving channel.
type Metadata struct {
	DisplayPhoneNumber string `json:"display_phone_number"`
	PhoneNumberID      string `json:"phone_number_id"`
}

// EventContact is the sender profile hint sent alongside messages.
type EventContact struct {
	WaID    string `json:"wa_id"`
	Profile struct {
		Name string `json:"name"`
	} `json:"profile"`
}

// EventMessage is one inbound message event.
type EventMessage struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`

	Text     *TextBody  `json:"text,omitempty"`
	Image    *MediaBody `json:"image,omitempty"`
	Video    *MediaBody `json:"video,omitempty"`
	Audio    *MediaBody `json:"audio,omitempty"`
	Document *MediaBody `json:"document,omitempty"`
	Sticker  *MediaBody `json:"sticker,omitempty"`
	Location *Location  `json:"location,omitempty"`
}

// TextBody is the text message payload.
type TextBody struct {
	Body string `json:"body"`
}

// MediaBody covers the media message variants.
type MediaBody struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type"`
	Caption  string `json:"caption,omitempty"`
	Filename string `json:"filename,omitempty"`
}

// Location is a shared location payload.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Name      string  `json:"name,omitempty"`
	Address   string  `json:"address,omitempty"`
}

// EventStatus is one delivery status update for a previously sent message.
type EventStatus struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	Timestamp   string `json:"timestamp"`
	RecipientID string `json:"recipient_id"`
}
