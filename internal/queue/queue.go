package queue

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"zapfila/internal/models"
)

var (
	// ErrNotFound is returned when a job id does not exist.
	ErrNotFound = errors.New("queue: job not found")
	// ErrNotCancellable is returned by Cancel for jobs already in a
	// terminal state.
	ErrNotCancellable = errors.New("queue: job is not cancellable")
)

// Options tunes retry behavior for newly enqueued jobs.
type Options struct {
	MaxRetries     int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
}

// Queue is the durable, priority-ordered store of outbound message jobs.
// All state lives in the database; the struct itself only carries the
// connection and tuning, so any number of processes may share one table.
type Queue struct {
	db     *gorm.DB
	opts   Options
	wakeup chan string
}

// New creates a Queue over the given database connection.
func New(conn *gorm.DB, opts Options) *Queue {
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.RetryBaseDelay <= 0 {
		opts.RetryBaseDelay = 30 * time.Second
	}
	if opts.RetryMaxDelay <= 0 {
		opts.RetryMaxDelay = 30 * time.Minute
	}
	return &Queue{
		db:     conn,
		opts:   opts,
		wakeup: make(chan string, 64),
	}
}

// Wakeup exposes the enqueue signal channel. Dispatchers block on it instead
// of busy-polling; the channel carries the session id of the new job.
func (q *Queue) Wakeup() <-chan string {
	return q.wakeup
}

// Enqueue creates a new pending job scheduled for immediate dispatch and
// returns its id.
func (q *Queue) Enqueue(sessionID, destination, body, contactName string, priority int) (string, error) {
	job := &models.QueueMessage{
		ID:          uuid.New().String(),
		SessionID:   sessionID,
		Destination: destination,
		Body:        body,
		ContactName: contactName,
		Priority:    priority,
		Status:      models.QueuePending,
		MaxRetries:  q.opts.MaxRetries,
		ScheduledAt: time.Now().UTC(),
	}

	if err := q.db.Create(job).Error; err != nil {
		return "", fmt.Errorf("failed to enqueue message: %w", err)
	}

	log.Debug().
		Str("jobID", job.ID).
		Str("sessionID", sessionID).
		Int("priority", priority).
		Msg("Message enqueued")

	// Non-blocking: a full channel just means the dispatcher is already
	// awake and will pick the job up on its next claim.
	select {
	case q.wakeup <- sessionID:
	default:
	}

	return job.ID, nil
}

// ClaimNext atomically claims the highest-priority eligible pending job for
// a session and transitions it to processing. Ties inside a priority band go
// to the oldest scheduled_at, then the oldest id, keeping FIFO order for
// equal priorities. Returns ok=false when nothing is eligible.
//
// The claim itself is a conditional UPDATE guarded on status, so two
// dispatcher processes racing for the same row cannot both win: the loser's
// update matches zero rows and it moves on to the next candidate.
func (q *Queue) ClaimNext(sessionID string) (*models.QueueMessage, bool, error) {
	now := time.Now().UTC()

	for {
		var job models.QueueMessage
		err := q.db.
			Where("session_id = ? AND status = ? AND scheduled_at <= ?", sessionID, models.QueuePending, now).
			Order("priority DESC, scheduled_at ASC, id ASC").
			First(&job).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, false, nil
		}
		if err != nil {
			return nil, false, fmt.Errorf("failed to select next job: %w", err)
		}

		res := q.db.Model(&models.QueueMessage{}).
			Where("id = ? AND status = ?", job.ID, models.QueuePending).
			Update("status", models.QueueProcessing)
		if res.Error != nil {
			return nil, false, fmt.Errorf("failed to claim job %s: %w", job.ID, res.Error)
		}
		if res.RowsAffected == 0 {
			// Lost the race to another claimer, try the next candidate.
			continue
		}

		job.Status = models.QueueProcessing
		return &job, true, nil
	}
}

// Complete marks a processing job completed. Completing a job that is no
// longer processing is a no-op: repeat completions change nothing, and a job
// cancelled mid-flight stays failed.
func (q *Queue) Complete(jobID string) error {
	now := time.Now().UTC()
	res := q.db.Model(&models.QueueMessage{}).
		Where("id = ? AND status = ?", jobID, models.QueueProcessing).
		Updates(map[string]interface{}{
			"status":        models.QueueCompleted,
			"processed_at":  now,
			"error_message": "",
		})
	if res.Error != nil {
		return fmt.Errorf("failed to complete job %s: %w", jobID, res.Error)
	}
	return nil
}

// FailOrRetry records a failed attempt. Jobs with retries left go back to
// pending with scheduled_at pushed forward by exponential backoff; jobs out
// of retries become terminal failed with the error recorded.
//
// Both updates are conditional on the job still being processing, so a job
// cancelled while in flight stays failed instead of being resurrected. The
// retry increment happens inside the UPDATE itself, which keeps the counter
// correct even with multiple dispatcher processes on one table.
func (q *Queue) FailOrRetry(jobID string, cause error) error {
	var job models.QueueMessage
	if err := q.db.First(&job, "id = ?", jobID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to load job %s: %w", jobID, err)
	}

	errMsg := ""
	if cause != nil {
		errMsg = cause.Error()
	}

	if job.RetryCount < job.MaxRetries {
		delay := NextDelay(q.opts.RetryBaseDelay, q.opts.RetryMaxDelay, job.RetryCount)
		next := time.Now().UTC().Add(delay)
		res := q.db.Model(&models.QueueMessage{}).
			Where("id = ? AND status = ? AND retry_count < max_retries", jobID, models.QueueProcessing).
			Updates(map[string]interface{}{
				"status":        models.QueuePending,
				"retry_count":   gorm.Expr("retry_count + 1"),
				"scheduled_at":  next,
				"error_message": errMsg,
			})
		if res.Error != nil {
			return fmt.Errorf("failed to schedule retry for job %s: %w", jobID, res.Error)
		}
		if res.RowsAffected == 0 {
			// The job reached a terminal state meanwhile; terminal wins.
			return nil
		}
		log.Debug().
			Str("jobID", jobID).
			Int("retryCount", job.RetryCount+1).
			Int("maxRetries", job.MaxRetries).
			Time("nextAttempt", next).
			Str("error", errMsg).
			Msg("Job scheduled for retry")
		return nil
	}

	now := time.Now().UTC()
	res := q.db.Model(&models.QueueMessage{}).
		Where("id = ? AND status = ?", jobID, models.QueueProcessing).
		Updates(map[string]interface{}{
			"status":        models.QueueFailed,
			"failed_at":     now,
			"error_message": errMsg,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to dead-letter job %s: %w", jobID, res.Error)
	}
	if res.RowsAffected == 0 {
		return nil
	}
	log.Warn().
		Str("jobID", jobID).
		Int("attempts", job.RetryCount+1).
		Str("error", errMsg).
		Msg("Job permanently failed")
	return nil
}

// Cancel aborts a job that has not reached a terminal state. Cancellation is
// advisory: a job mid-flight to the provider may still be delivered.
func (q *Queue) Cancel(jobID string) error {
	now := time.Now().UTC()
	res := q.db.Model(&models.QueueMessage{}).
		Where("id = ? AND status IN ?", jobID, []models.QueueStatus{models.QueuePending, models.QueueProcessing}).
		Updates(map[string]interface{}{
			"status":        models.QueueFailed,
			"failed_at":     now,
			"error_message": "cancelled by user",
		})
	if res.Error != nil {
		return fmt.Errorf("failed to cancel job %s: %w", jobID, res.Error)
	}
	if res.RowsAffected == 0 {
		var count int64
		q.db.Model(&models.QueueMessage{}).Where("id = ?", jobID).Count(&count)
		if count == 0 {
			return ErrNotFound
		}
		return ErrNotCancellable
	}
	return nil
}

// ClearTerminal deletes all completed and failed jobs for a session.
// Housekeeping only, never on the hot path.
func (q *Queue) ClearTerminal(sessionID string) (int64, error) {
	res := q.db.
		Where("session_id = ? AND status IN ?", sessionID, []models.QueueStatus{models.QueueCompleted, models.QueueFailed}).
		Delete(&models.QueueMessage{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to clear terminal jobs: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// ListBySession returns a session's jobs ordered for dashboard display.
func (q *Queue) ListBySession(sessionID string) ([]models.QueueMessage, error) {
	var jobs []models.QueueMessage
	err := q.db.
		Where("session_id = ?", sessionID).
		Order("priority DESC, scheduled_at ASC").
		Find(&jobs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return jobs, nil
}

// CountByStatus aggregates a session's job counts per status.
func (q *Queue) CountByStatus(sessionID string) (map[models.QueueStatus]int64, error) {
	type row struct {
		Status models.QueueStatus
		Total  int64
	}
	var rows []row
	err := q.db.Model(&models.QueueMessage{}).
		Select("status, COUNT(*) AS total").
		Where("session_id = ?", sessionID).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}

	counts := make(map[models.QueueStatus]int64, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.Total
	}
	return counts, nil
}

// Get returns one job by id.
func (q *Queue) Get(jobID string) (*models.QueueMessage, error) {
	var job models.QueueMessage
	if err := q.db.First(&job, "id = ?", jobID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load job %s: %w", jobID, err)
	}
	return &job, nil
}
