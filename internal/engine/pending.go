package engine

import (
	"sync"
	"time"

	"github.com/mslater/campus-market/internal/backend"
	"github.com/teris-io/shortid"
)

// markerTTL bounds how long an optimistic operation waits for its echo.
// A marker older than this is treated as already settled so a later
// genuine event from the same viewer is not swallowed.
const markerTTL = 10 * time.Second

type markerKey struct {
	table    string
	entityId int
	op       backend.EventType
}

type marker struct {
	id string
	at time.Time
}

// markerSet tracks in-flight optimistic operations so the server's
// echoed change event is applied exactly zero times: the local delta was
// already applied when the operation went Pending.
type markerSet struct {
	mu      sync.Mutex
	markers map[markerKey]marker
}

func newMarkerSet() *markerSet {
	return &markerSet{
		markers: make(map[markerKey]marker),
	}
}

// add records a pending operation and returns its id for logging.
func (ms *markerSet) add(table string, entityId int, op backend.EventType) string {
	id, err := shortid.Generate()
	if err != nil {
		id = "op"
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.markers[markerKey{table: table, entityId: entityId, op: op}] = marker{id: id, at: time.Now()}
	return id
}

// consume settles a marker against its echo. Returns true if a fresh
// marker existed, meaning the echo must be treated as a no-op.
func (ms *markerSet) consume(table string, entityId int, op backend.EventType) bool {
	key := markerKey{table: table, entityId: entityId, op: op}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	m, ok := ms.markers[key]
	if !ok {
		return false
	}

	delete(ms.markers, key)
	return time.Since(m.at) <= markerTTL
}

// remove clears a marker after a rollback.
func (ms *markerSet) remove(table string, entityId int, op backend.EventType) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	delete(ms.markers, markerKey{table: table, entityId: entityId, op: op})
}
