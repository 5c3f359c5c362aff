// Package store holds the in-memory reconciliation targets: aggregate
// counters, per-viewer flags, the conversation index and the unread
// counter. Stores never fail; they are mutated only by the reconciliation
// engine and read by the UI through snapshots.
package store

import "sync"

// notifier fans out change notifications to registered UI listeners.
// Listeners run synchronously after the store mutation completes.
type notifier struct {
	mu        sync.Mutex
	listeners []func()
}

func (n *notifier) AddListener(fn func()) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.listeners = append(n.listeners, fn)
}

func (n *notifier) notify() {
	n.mu.Lock()
	listeners := make([]func(), len(n.listeners))
	copy(listeners, n.listeners)
	n.mu.Unlock()

	for _, fn := range listeners {
		fn()
	}
}
