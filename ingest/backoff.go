package ingest

import (
	"context"
	"math/rand"
	"time"
)

const (
	defaultBackoffBase = 200 * time.Millisecond
	defaultBackoffCap  = 10 * time.Second
)

// backoff produces full-jitter reconnect delays: each attempt draws
// uniformly from [0, min(cap, base<<attempt)], so a fleet of feeds never
// reconnects in lockstep.
type backoff struct {
	base    time.Duration
	cap     time.Duration
	attempt int
}

func newBackoff(base, cap time.Duration) *backoff {
	if base <= 0 {
		base = defaultBackoffBase
	}
	if cap < base {
		cap = defaultBackoffCap
	}
	return &backoff{base: base, cap: cap}
}

// Next returns the delay for the current attempt and advances.
func (b *backoff) Next() time.Duration {
	ceil := b.cap
	if shifted := b.base << b.attempt; shifted > 0 && shifted < ceil {
		ceil = shifted
	}
	if b.attempt < 30 {
		b.attempt++
	}
	return time.Duration(rand.Int63n(int64(ceil) + 1))
}

// Reset clears the attempt counter after a successful connection.
func (b *backoff) Reset() {
	b.attempt = 0
}

// sleep waits for d or until the context is cancelled.
func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
