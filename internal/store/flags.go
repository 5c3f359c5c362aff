package store

import (
	"sync"

	"github.com/mslater/campus-market/internal/types"
)

type FlagField string

const (
	FlagLiked      FlagField = "liked"
	FlagBookmarked FlagField = "bookmarked"
)

// Flags maps post ids to the current viewer's own liked/bookmarked state.
// Scoping to the viewer is enforced by the engine: events attributable to
// other users never reach Set.
type Flags struct {
	notifier

	mu    sync.RWMutex
	flags map[int]types.ViewerFlags
}

func NewFlags() *Flags {
	return &Flags{
		flags: make(map[int]types.ViewerFlags),
	}
}

// Get returns the viewer's flags for a post, false-valued if unknown.
func (f *Flags) Get(entityId int) types.ViewerFlags {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.flags[entityId]
}

// Set overwrites one flag. Idempotent, used for both optimistic writes
// and confirmed echoes.
func (f *Flags) Set(entityId int, field FlagField, value bool) {
	f.mu.Lock()
	flags := f.flags[entityId]
	switch field {
	case FlagLiked:
		flags.Liked = value
	case FlagBookmarked:
		flags.Bookmarked = value
	}
	f.flags[entityId] = flags
	f.mu.Unlock()

	f.notify()
}

// Reset drops all flags.
func (f *Flags) Reset() {
	f.mu.Lock()
	f.flags = make(map[int]types.ViewerFlags)
	f.mu.Unlock()

	f.notify()
}
