package dispatcher

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"zapfila/internal/breaker"
	"zapfila/internal/events"
	"zapfila/internal/ingest"
	"zapfila/internal/models"
	"zapfila/internal/queue"
	"zapfila/internal/session"
	"zapfila/internal/whatsapp"
)

// ErrSessionNotConnected is recorded on jobs claimed while the session is not
// send-eligible. Transient by nature: it resolves once the user reconnects.
var ErrSessionNotConnected = errors.New("dispatcher: session not connected")

// Dispatcher drives queued jobs to a terminal state. One worker goroutine
// runs per session, which keeps per-channel ordering and breaker state
// simple; sessions are independent of each other.
type Dispatcher struct {
	queue     *queue.Queue
	breakers  *breaker.Registry
	sessions  *session.Manager
	sender    whatsapp.Sender
	store     *ingest.Store
	publisher *events.Publisher
	pollRate  time.Duration

	mu      sync.Mutex
	wakeups map[string]chan struct{}
	wg      sync.WaitGroup
}

// New creates a Dispatcher.
func New(
	q *queue.Queue,
	breakers *breaker.Registry,
	sessions *session.Manager,
	sender whatsapp.Sender,
	store *ingest.Store,
	publisher *events.Publisher,
	pollRate time.Duration,
) *Dispatcher {
	if pollRate <= 0 {
		pollRate = time.Second
	}
	return &Dispatcher{
		queue:     q,
		breakers:  breakers,
		sessions:  sessions,
		sender:    sender,
		store:     store,
		publisher: publisher,
		pollRate:  pollRate,
		wakeups:   make(map[string]chan struct{}),
	}
}

// Run starts workers for the given sessions and a router that forwards
// enqueue signals to the right worker. Blocks until ctx is cancelled and all
// workers have drained.
func (d *Dispatcher) Run(ctx context.Context, sessionIDs []string) {
	for _, id := range sessionIDs {
		d.StartWorker(ctx, id)
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.route(ctx)
	}()

	<-ctx.Done()
	d.wg.Wait()
	log.Info().Msg("Dispatcher stopped")
}

// StartWorker launches the worker loop for one session. Idempotent: a second
// call for the same session is a no-op.
func (d *Dispatcher) StartWorker(ctx context.Context, sessionID string) {
	d.mu.Lock()
	if _, running := d.wakeups[sessionID]; running {
		d.mu.Unlock()
		return
	}
	wake := make(chan struct{}, 1)
	d.wakeups[sessionID] = wake
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.workerLoop(ctx, sessionID, wake)
	}()

	log.Info().Str("sessionID", sessionID).Msg("Dispatcher worker started")
}

// route fans the queue's enqueue signals out to per-session workers.
func (d *Dispatcher) route(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case sessionID := <-d.queue.Wakeup():
			d.mu.Lock()
			wake, ok := d.wakeups[sessionID]
			d.mu.Unlock()
			if ok {
				select {
				case wake <- struct{}{}:
				default:
				}
			}
		}
	}
}

// workerLoop blocks on either a new-job signal or the backoff timer, then
// drains every currently eligible job. The ticker doubles as the retry
// timer: jobs pushed forward by backoff become eligible on a later tick.
func (d *Dispatcher) workerLoop(ctx context.Context, sessionID string, wake <-chan struct{}) {
	ticker := time.NewTicker(d.pollRate)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-wake:
		case <-ticker.C:
		}
		d.drain(ctx, sessionID)
	}
}

// drain claims and processes jobs until no eligible job remains.
func (d *Dispatcher) drain(ctx context.Context, sessionID string) {
	for {
		if ctx.Err() != nil {
			return
		}

		job, ok, err := d.queue.ClaimNext(sessionID)
		if err != nil {
			log.Error().Err(err).Str("sessionID", sessionID).Msg("Failed to claim next job")
			return
		}
		if !ok {
			return
		}

		d.ProcessJob(ctx, job)
	}
}

// ProcessJob runs one claimed job through the session gate, the breaker
// gates, and the external send, recording the outcome on the queue row.
// Gate rejections still count toward retries so a permanently unavailable
// channel dead-letters instead of looping forever.
func (d *Dispatcher) ProcessJob(ctx context.Context, job *models.QueueMessage) {
	if !d.sessions.IsConnected(job.SessionID) {
		d.failOrRetry(job, ErrSessionNotConnected)
		return
	}

	brk := d.breakers.Get(job.SessionID)
	if err := brk.CanProceed(); err != nil {
		d.failOrRetry(job, err)
		return
	}

	channel, err := d.store.ResolveTenantBySession(job.SessionID)
	if err != nil {
		d.failOrRetry(job, err)
		return
	}

	brk.Start()
	externalID, err := d.sender.SendText(ctx, channel.PhoneNumberID, job.Destination, job.Body)
	if err != nil {
		brk.Failure(err)
		d.failOrRetry(job, err)
		return
	}
	brk.Success()

	if err := d.queue.Complete(job.ID); err != nil {
		log.Error().Err(err).Str("jobID", job.ID).Msg("Failed to mark job completed")
	}

	d.recordOutbound(channel, job, externalID)

	log.Info().
		Str("jobID", job.ID).
		Str("sessionID", job.SessionID).
		Str("externalMessageID", externalID).
		Msg("Job dispatched")
}

func (d *Dispatcher) failOrRetry(job *models.QueueMessage, cause error) {
	if err := d.queue.FailOrRetry(job.ID, cause); err != nil {
		log.Error().Err(err).Str("jobID", job.ID).Msg("Failed to record job failure")
	}
}

// recordOutbound upserts the sent message into the same contact/thread/
// message read path the ingestor feeds, so the dashboard sees both
// directions of a conversation through one query.
func (d *Dispatcher) recordOutbound(channel *models.TenantChannel, job *models.QueueMessage, externalID string) {
	now := time.Now().UTC()

	contact, err := d.store.UpsertContact(channel.TenantID, job.Destination, job.ContactName, now)
	if err != nil {
		log.Error().Err(err).Str("jobID", job.ID).Msg("Failed to upsert contact for outbound message")
		return
	}

	thread, err := d.store.UpsertThread(channel.TenantID, contact.ID, now)
	if err != nil {
		log.Error().Err(err).Str("jobID", job.ID).Msg("Failed to upsert thread for outbound message")
		return
	}

	row := &models.Message{
		TenantID:          channel.TenantID,
		ThreadID:          thread.ID,
		Direction:         models.DirectionOut,
		ExternalMessageID: externalID,
		Type:              "text",
		Body:              job.Body,
		Status:            models.MessageSent,
		Timestamp:         now,
	}
	if _, err := d.store.InsertMessageIfAbsent(row); err != nil {
		log.Error().Err(err).Str("jobID", job.ID).Msg("Failed to record outbound message")
		return
	}

	d.publisher.Publish(events.Envelope{
		Event:      "message.sent",
		TenantID:   channel.TenantID,
		SessionID:  channel.SessionID,
		ThreadID:   thread.ID,
		MessageID:  row.ID,
		ExternalID: externalID,
		Timestamp:  now,
	})
}
