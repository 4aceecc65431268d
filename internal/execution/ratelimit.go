package execution

import (
	"context"
	"sync"
	"time"
)

// tokenBucket throttles broker submissions: capacity tokens, refilled at
// ratePerSec. take blocks until a token is available or the context ends.
type tokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	capacity   float64
	ratePerSec float64
	last       time.Time
	now        func() time.Time
}

func newTokenBucket(capacity, ratePerSec float64) *tokenBucket {
	return &tokenBucket{
		tokens:     capacity,
		capacity:   capacity,
		ratePerSec: ratePerSec,
		now:        time.Now,
	}
}

func (b *tokenBucket) take(ctx context.Context) error {
	for {
		b.mu.Lock()
		now := b.now()
		if !b.last.IsZero() && b.ratePerSec > 0 {
			b.tokens += now.Sub(b.last).Seconds() * b.ratePerSec
			if b.tokens > b.capacity {
				b.tokens = b.capacity
			}
		}
		b.last = now
		if b.tokens >= 1 {
			b.tokens--
			b.mu.Unlock()
			return nil
		}
		deficit := 1 - b.tokens
		b.mu.Unlock()

		wait := 10 * time.Millisecond
		if b.ratePerSec > 0 {
			wait = time.Duration(deficit / b.ratePerSec * float64(time.Second))
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
