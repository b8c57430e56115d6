// Package presence tracks the number of users connected to the chat backend.
// The server is the source of truth: every presence event overwrites the count.
package presence

import (
	"sync"

	"github.com/connectus/chat-session/internal/pubsub"
)

// Tracker holds the live user count.
type Tracker struct {
	mu    sync.RWMutex
	count int
	seen  bool
	subs  pubsub.Bus[int]
}

// NewTracker returns a tracker with a zero count.
func NewTracker() *Tracker {
	return &Tracker{}
}

// SetCount overwrites the count. Negative values are clamped to zero.
// Subscribers are notified only when the value changes or on the first update.
func (t *Tracker) SetCount(n int) {
	if n < 0 {
		n = 0
	}

	t.mu.Lock()
	changed := !t.seen || t.count != n
	t.count = n
	t.seen = true
	t.mu.Unlock()

	if changed {
		t.subs.Publish(n)
	}
}

// Count returns the last count reported by the server.
func (t *Tracker) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.count
}

// Known reports whether the server has sent a count yet.
func (t *Tracker) Known() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.seen
}

// Subscribe registers fn for count changes.
func (t *Tracker) Subscribe(fn func(int)) func() {
	return t.subs.Subscribe(fn)
}

// ClearSubscribers removes all subscribers.
func (t *Tracker) ClearSubscribers() {
	t.subs.Clear()
}
