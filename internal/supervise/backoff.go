// Package supervise holds the pieces every long-running worker in the client
// shares: backoff, bounded retry, a restart loop, and stop-with-timeout.
package supervise

import (
	"math/rand/v2"
	"sync"
	"time"
)

// Backoff yields exponentially growing delays capped at Max. Jitter is the
// fraction (0..1) of each delay that is randomized.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64

	mu      sync.Mutex
	attempt int
}

func NewBackoff(base, max time.Duration) *Backoff {
	return &Backoff{Base: base, Max: max}
}

// WithJitter sets the jitter fraction and returns b.
func (b *Backoff) WithJitter(f float64) *Backoff {
	b.Jitter = f
	return b
}

func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	d := b.Base
	for i := 0; i < b.attempt && d < b.Max; i++ {
		d *= 2
	}
	if d > b.Max {
		d = b.Max
	}
	b.attempt++
	if b.Jitter > 0 {
		spread := time.Duration(float64(d) * b.Jitter)
		if spread > 0 {
			d = d - spread + time.Duration(rand.Int64N(int64(spread)+1))
		}
	}
	return d
}

func (b *Backoff) Reset() {
	b.mu.Lock()
	b.attempt = 0
	b.mu.Unlock()
}

// Attempt returns the number of delays handed out since the last reset.
func (b *Backoff) Attempt() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempt
}
