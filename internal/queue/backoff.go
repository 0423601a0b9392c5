package queue

import (
	"math/rand"
	"time"
)

// NextDelay computes the exponential backoff delay before the next attempt:
// base * 2^retryCount, capped at max, with up to ±20% random jitter. The
// returned delay is never negative, so scheduled_at only moves forward.
func NextDelay(base, max time.Duration, retryCount int) time.Duration {
	if base <= 0 {
		base = time.Second
	}

	delay := base
	for i := 0; i < retryCount; i++ {
		delay *= 2
		if delay >= max {
			delay = max
			break
		}
	}
	if max > 0 && delay > max {
		delay = max
	}

	// Jitter in [-20%, +20%] keeps retry storms from synchronizing.
	jitter := time.Duration(rand.Int63n(int64(delay)/5*2+1)) - delay/5
	delay += jitter
	if delay < 0 {
		delay = 0
	}
	return delay
}
