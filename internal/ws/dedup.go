package ws

import (
	"context"
	"sync"
)

// Dedup remembers the last N ids it has seen. Text-message handlers use it to
// drop redelivered messages after a resume.
type Dedup struct {
	mu   sync.Mutex
	seen map[string]struct{}
	ring []string
	next int
}

func NewDedup(n int) *Dedup {
	if n < 1 {
		n = 1
	}
	return &Dedup{seen: make(map[string]struct{}, n), ring: make([]string, n)}
}

// Seen records id and reports whether it was already recorded.
func (d *Dedup) Seen(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.seen[id]; ok {
		return true
	}
	if old := d.ring[d.next]; old != "" {
		delete(d.seen, old)
	}
	d.ring[d.next] = id
	d.next = (d.next + 1) % len(d.ring)
	d.seen[id] = struct{}{}
	return false
}

// Messages wraps a message handler so each message id is delivered once.
func (d *Dedup) Messages(fn HandlerFunc) HandlerFunc {
	return func(ctx context.Context, ev Event) {
		if m, ok := ev.(MessageCreated); ok && d.Seen(m.Message.ID) {
			return
		}
		fn(ctx, ev)
	}
}
