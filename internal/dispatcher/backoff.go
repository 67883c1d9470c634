package dispatcher

import (
	"context"
	"time"
)

// Backoff is an exponential delay policy used while the concurrency ceiling is reached.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
}

// NextDelay returns the delay before retry number attempt (1-based).
func (b Backoff) NextDelay(attempt int) time.Duration {
	initial := b.Initial
	if initial <= 0 {
		initial = time.Second
	}
	maximum := b.Max
	if maximum <= 0 {
		maximum = 30 * time.Second
	}
	delay := initial
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maximum {
			return maximum
		}
	}
	if delay > maximum {
		return maximum
	}
	return delay
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
