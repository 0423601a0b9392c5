package breaker

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

var (
	// ErrCircuitOpen signals that the breaker is rejecting calls while the
	// cooldown runs down.
	ErrCircuitOpen = errors.New("breaker: circuit open")
	// ErrConcurrencyLimit signals too many in-flight calls.
	ErrConcurrencyLimit = errors.New("breaker: concurrency limit reached")
	// ErrRateLimited signals the sliding-window rate cap was hit.
	ErrRateLimited = errors.New("breaker: rate limit reached")
)

// rateWindow is the trailing window the rate cap is evaluated over.
const rateWindow = 60 * time.Second

// Settings tunes one circuit breaker.
type Settings struct {
	MaxFailures   int           // consecutive failures before opening
	Cooldown      time.Duration // how long an open breaker rejects calls
	MaxConcurrent int           // in-flight call ceiling
	RateLimit     int           // calls allowed per trailing 60s window
}

// Breaker protects the external channel for one session. It combines a
// classic consecutive-failure breaker with two independent gates checked on
// every call: an in-flight concurrency ceiling and a sliding-window rate cap.
type Breaker struct {
	mu sync.Mutex

	settings Settings

	failureCount  int
	open          bool
	nextRetryTime time.Time

	concurrent int
	requestLog []time.Time
	nowFn      func() time.Time
}

// New creates a Breaker with the given settings. Zero-valued settings get
// sane defaults.
func New(s Settings) *Breaker {
	if s.MaxFailures <= 0 {
		s.MaxFailures = 5
	}
	if s.Cooldown <= 0 {
		s.Cooldown = time.Minute
	}
	if s.MaxConcurrent <= 0 {
		s.MaxConcurrent = 10
	}
	if s.RateLimit <= 0 {
		s.RateLimit = 60
	}
	return &Breaker{settings: s, nowFn: time.Now}
}

// CanProceed reports whether a call may be attempted right now. It checks the
// concurrency and rate gates first (they apply regardless of breaker state),
// then the open/closed state. An open breaker past its cooldown allows one
// trial call through. Pure check: no counters are mutated.
func (b *Breaker) CanProceed() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.concurrent >= b.settings.MaxConcurrent {
		return ErrConcurrencyLimit
	}

	b.pruneRequestLog()
	if len(b.requestLog) >= b.settings.RateLimit {
		return ErrRateLimited
	}

	if b.open && b.nowFn().Before(b.nextRetryTime) {
		return ErrCircuitOpen
	}
	return nil
}

// Start records the beginning of a call: bumps the in-flight counter and
// stamps the rate window log. Callers must pair every Start with exactly one
// Success or Failure.
func (b *Breaker) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.concurrent++
	b.requestLog = append(b.requestLog, b.nowFn())
}

// Success records a successful call. Any success closes the breaker and
// resets the consecutive-failure count.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.concurrent > 0 {
		b.concurrent--
	}
	b.failureCount = 0
	if b.open {
		b.open = false
		log.Info().Msg("Circuit breaker closed after successful trial call")
	}
}

// Failure records a failed call. Reaching the consecutive-failure threshold
// opens the breaker for a fresh cooldown; a failure during a trial call
// re-opens it the same way.
func (b *Breaker) Failure(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.concurrent > 0 {
		b.concurrent--
	}
	b.failureCount++
	if b.failureCount >= b.settings.MaxFailures || b.open {
		b.open = true
		b.nextRetryTime = b.nowFn().Add(b.settings.Cooldown)
		log.Warn().
			Err(err).
			Int("failureCount", b.failureCount).
			Time("nextRetry", b.nextRetryTime).
			Msg("Circuit breaker opened")
	}
}

// pruneRequestLog drops entries older than the rate window. Caller holds the
// lock.
func (b *Breaker) pruneRequestLog() {
	cutoff := b.nowFn().Add(-rateWindow)
	i := 0
	for ; i < len(b.requestLog); i++ {
		if b.requestLog[i].After(cutoff) {
			break
		}
	}
	if i > 0 {
		b.requestLog = b.requestLog[i:]
	}
}

// Registry hands out one breaker per session.
type Registry struct {
	mu       sync.Mutex
	settings Settings
	breakers map[string]*Breaker
}

// NewRegistry creates a Registry using the given settings for every breaker.
func NewRegistry(s Settings) *Registry {
	return &Registry{
		settings: s,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for a session, creating it on first use.
func (r *Registry) Get(sessionID string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[sessionID]
	if !ok {
		b = New(r.settings)
		r.breakers[sessionID] = b
	}
	return b
}
