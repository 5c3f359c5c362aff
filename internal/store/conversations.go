package store

import (
	"sort"
	"sync"
	"time"

	"github.com/mslater/campus-market/internal/types"
)

// ConversationPatch carries the parts of a summary an upsert may change.
type ConversationPatch struct {
	LastMessageText string
	LastMessageAt   time.Time
	UnreadDelta     int
}

// Conversations is the ordered index of the viewer's direct-message
// threads, one summary per distinct partner, most recent activity first.
type Conversations struct {
	notifier

	mu        sync.RWMutex
	summaries map[string]*types.ConversationSummary
	order     []string
}

func NewConversations() *Conversations {
	return &Conversations{
		summaries: make(map[string]*types.ConversationSummary),
	}
}

// Upsert merges the patch into the peer's summary, creating one on first
// contact. Returns true if the summary was created, so the caller can
// kick off the lazy identity fetch.
func (c *Conversations) Upsert(peerId string, patch ConversationPatch) bool {
	c.mu.Lock()
	summary, ok := c.summaries[peerId]
	if !ok {
		summary = &types.ConversationSummary{PeerId: peerId}
		c.summaries[peerId] = summary
		c.order = append(c.order, peerId)
	}

	if !patch.LastMessageAt.IsZero() && !patch.LastMessageAt.Before(summary.LastMessageAt) {
		summary.LastMessageText = patch.LastMessageText
		summary.LastMessageAt = patch.LastMessageAt
	}
	summary.UnreadCount = clamp(summary.UnreadCount + patch.UnreadDelta)

	c.reorder()
	c.mu.Unlock()

	c.notify()
	return !ok
}

// SetIdentity fills in the peer's display identity once the lazy profile
// fetch completes.
func (c *Conversations) SetIdentity(peerId, username, avatarUrl string) {
	c.mu.Lock()
	summary, ok := c.summaries[peerId]
	if ok {
		summary.PeerUsername = username
		summary.PeerAvatarUrl = avatarUrl
	}
	c.mu.Unlock()

	if ok {
		c.notify()
	}
}

// MarkRead zeroes the peer's unread count and returns how many messages
// were cleared, so the caller can adjust the global unread counter by the
// same amount.
func (c *Conversations) MarkRead(peerId string) int {
	c.mu.Lock()
	var cleared int
	if summary, ok := c.summaries[peerId]; ok {
		cleared = summary.UnreadCount
		summary.UnreadCount = 0
	}
	c.mu.Unlock()

	if cleared > 0 {
		c.notify()
	}
	return cleared
}

// DecrementUnread takes one off the peer's unread count. Returns false
// if there was nothing to clear, so duplicate read receipts fall through
// without touching the global counter.
func (c *Conversations) DecrementUnread(peerId string) bool {
	c.mu.Lock()
	summary, ok := c.summaries[peerId]
	if !ok || summary.UnreadCount == 0 {
		c.mu.Unlock()
		return false
	}
	summary.UnreadCount--
	c.mu.Unlock()

	c.notify()
	return true
}

// Unread returns the peer's unread count.
func (c *Conversations) Unread(peerId string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if summary, ok := c.summaries[peerId]; ok {
		return summary.UnreadCount
	}
	return 0
}

// Snapshot returns a copy of all summaries, most recent activity first.
func (c *Conversations) Snapshot() []types.ConversationSummary {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]types.ConversationSummary, 0, len(c.order))
	for _, peerId := range c.order {
		out = append(out, *c.summaries[peerId])
	}
	return out
}

// TotalUnread sums the unread counts of all summaries. The engine keeps
// this equal to the global unread counter.
func (c *Conversations) TotalUnread() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var total int
	for _, summary := range c.summaries {
		total += summary.UnreadCount
	}
	return total
}

// Reset drops the whole index.
func (c *Conversations) Reset() {
	c.mu.Lock()
	c.summaries = make(map[string]*types.ConversationSummary)
	c.order = nil
	c.mu.Unlock()

	c.notify()
}

// reorder re-sorts the index by last message timestamp descending.
// Callers hold the write lock.
func (c *Conversations) reorder() {
	sort.SliceStable(c.order, func(i, j int) bool {
		return c.summaries[c.order[i]].LastMessageAt.After(c.summaries[c.order[j]].LastMessageAt)
	})
}
