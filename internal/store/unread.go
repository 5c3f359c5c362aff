package store

import "sync"

// UnreadCounter caches the viewer's total count of unread messages.
// Seeded from a one-time count query, then maintained incrementally.
type UnreadCounter struct {
	notifier

	mu    sync.RWMutex
	count int
}

func NewUnreadCounter() *UnreadCounter {
	return &UnreadCounter{}
}

func (u *UnreadCounter) Set(n int) {
	u.mu.Lock()
	u.count = clamp(n)
	u.mu.Unlock()

	u.notify()
}

func (u *UnreadCounter) Increment() {
	u.Add(1)
}

func (u *UnreadCounter) Decrement() {
	u.Add(-1)
}

// Add applies a delta, flooring at zero.
func (u *UnreadCounter) Add(delta int) {
	u.mu.Lock()
	u.count = clamp(u.count + delta)
	u.mu.Unlock()

	u.notify()
}

func (u *UnreadCounter) Value() int {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.count
}
