package store

import (
	"sync"

	"github.com/mslater/campus-market/internal/types"
)

type CounterField string

const (
	FieldLike    CounterField = "like"
	FieldComment CounterField = "comment"
)

// Counters maps post ids to their aggregate like/comment counts. Counts
// are clamped at zero on decrement, which absorbs duplicate or
// out-of-order delete events.
type Counters struct {
	notifier

	mu     sync.RWMutex
	counts map[int]types.AggregateCounters
}

func NewCounters() *Counters {
	return &Counters{
		counts: make(map[int]types.AggregateCounters),
	}
}

// Get returns the counters for a post, zero-valued if unknown.
func (c *Counters) Get(entityId int) types.AggregateCounters {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.counts[entityId]
}

// ApplyDelta adds delta to one counter field, flooring at zero.
func (c *Counters) ApplyDelta(entityId int, field CounterField, delta int) {
	c.mu.Lock()
	counters := c.counts[entityId]
	switch field {
	case FieldLike:
		counters.LikeCount = clamp(counters.LikeCount + delta)
	case FieldComment:
		counters.CommentCount = clamp(counters.CommentCount + delta)
	}
	c.counts[entityId] = counters
	c.mu.Unlock()

	c.notify()
}

// SetInitial overwrites the counters for a post. Used only during the
// initial batch load.
func (c *Counters) SetInitial(entityId int, counters types.AggregateCounters) {
	c.mu.Lock()
	c.counts[entityId] = counters
	c.mu.Unlock()

	c.notify()
}

// Reset drops all counters. Called when the feed is torn down so a
// re-subscription starts from a fresh snapshot.
func (c *Counters) Reset() {
	c.mu.Lock()
	c.counts = make(map[int]types.AggregateCounters)
	c.mu.Unlock()

	c.notify()
}

func clamp(n int) int {
	if n < 0 {
		return 0
	}
	return n
}
