package events

import (
	"encoding/json"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"
)

// Envelope is the payload published for every recorded message, consumed by
// the CRM dashboard and reporting workers.
type Envelope struct {
	Event      string    `json:"event"` // message.received | message.sent | message.status
	TenantID   string    `json:"tenant_id"`
	SessionID  string    `json:"session_id,omitempty"`
	ThreadID   string    `json:"thread_id,omitempty"`
	MessageID  string    `json:"message_id"`
	ExternalID string    `json:"external_message_id,omitempty"`
	Status     string    `json:"status,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Publisher fans message events out to RabbitMQ. Publishing is best-effort:
// a broker outage must never fail queue dispatch or webhook ingestion, so
// errors are logged and swallowed.
type Publisher struct {
	conn    *amqp091.Connection
	channel *amqp091.Channel
	queue   string
	enabled bool
}

// NewPublisher connects to RabbitMQ at url. An empty url disables publishing
// entirely; a failed connection disables it with a logged error.
func NewPublisher(url, queue string) *Publisher {
	p := &Publisher{queue: queue}

	if url == "" {
		log.Info().Msg("RABBITMQ_URL is not set, event publishing disabled")
		return p
	}

	conn, err := amqp091.Dial(url)
	if err != nil {
		log.Error().Err(err).Msg("Could not connect to RabbitMQ, event publishing disabled")
		return p
	}
	channel, err := conn.Channel()
	if err != nil {
		log.Error().Err(err).Msg("Could not open RabbitMQ channel, event publishing disabled")
		conn.Close()
		return p
	}

	// Declare once up front; declaration is idempotent.
	if _, err := channel.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		log.Error().Err(err).Str("queue", queue).Msg("Could not declare RabbitMQ queue, event publishing disabled")
		channel.Close()
		conn.Close()
		return p
	}

	p.conn = conn
	p.channel = channel
	p.enabled = true
	log.Info().Str("queue", queue).Msg("RabbitMQ connection established")
	return p
}

// Publish sends one envelope to the queue.
func (p *Publisher) Publish(env Envelope) {
	if !p.enabled {
		return
	}

	body, err := json.Marshal(env)
	if err != nil {
		log.Error().Err(err).Str("event", env.Event).Msg("Failed to marshal event envelope")
		return
	}

	err = p.channel.Publish(
		"",      // exchange (default)
		p.queue, // routing key = queue
		false,   // mandatory
		false,   // immediate
		amqp091.Publishing{
			ContentType: "application/json",
			Body:        body,
		},
	)
	if err != nil {
		log.Error().Err(err).Str("event", env.Event).Str("queue", p.queue).Msg("Could not publish to RabbitMQ")
		return
	}
	log.Debug().Str("event", env.Event).Str("queue", p.queue).Msg("Published event to RabbitMQ")
}

// Close releases the broker connection.
func (p *Publisher) Close() {
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}
