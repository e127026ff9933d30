package watcher

import (
	"context"
	"time"
)

// backoff doubles its interval per failure up to a ceiling and resets on
// success.
type backoff struct {
	current time.Duration
	initial time.Duration
	max     time.Duration
}

func newBackoff(initial, max time.Duration) *backoff {
	return &backoff{current: initial, initial: initial, max: max}
}

// next returns the interval to wait and doubles it for the next failure.
func (b *backoff) next() time.Duration {
	interval := b.current
	doubled := b.current * 2
	if doubled > b.max {
		doubled = b.max
	}
	b.current = doubled
	return interval
}

func (b *backoff) reset() {
	b.current = b.initial
}

// sleep waits for the next backoff interval or until the context ends.
func (b *backoff) sleep(ctx context.Context) error {
	timer := time.NewTimer(b.next())
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
