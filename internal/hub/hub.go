// Package hub fans row-level change events out to websocket clients
// whose subscriptions match.
package hub

import (
	"log"
	"sync"

	"github.com/mslater/campus-market/internal/stats"
)

// Event is a committed row mutation published by the API layer after a
// successful write.
type Event struct {
	Table string
	Type  string
	Old   map[string]any
	New   map[string]any
}

const (
	EventInsert = "insert"
	EventUpdate = "update"
	EventDelete = "delete"
)

// subscribableTables lists the tables clients may watch. Tables scoped
// to one user additionally require a matching owner filter, enforced at
// subscribe time.
var subscribableTables = map[string]string{
	"likes":     "",
	"comments":  "",
	"posts":     "",
	"listings":  "",
	"profiles":  "",
	"bookmarks": "user_id",
	"messages":  "receiver_id",
}

type Hub struct {
	log            *log.Logger
	stats          stats.StatsProvider
	clients        map[*Client]struct{}
	clientsLock    sync.Mutex
	RegisterChan   chan *Client
	deRegisterChan chan *Client
	publishChan    chan Event
	stop           chan struct{}
	done           chan struct{}
}

func NewHub(logger *log.Logger, statsProvider stats.StatsProvider) *Hub {
	statsProvider.RegisterMetric(stats.ConnectedClients)
	statsProvider.RegisterMetric(stats.EventsBroadcast)
	statsProvider.RegisterMetric(stats.EventsDropped)

	return &Hub{
		log:            logger,
		stats:          statsProvider,
		clients:        make(map[*Client]struct{}),
		RegisterChan:   make(chan *Client),
		deRegisterChan: make(chan *Client),
		publishChan:    make(chan Event, 256),
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
	}
}

func (h *Hub) Run() {
	for {
		select {
		case client := <-h.RegisterChan:
			h.log.Printf("adding connection from %q", client.userId)
			h.addClient(client)
			h.stats.Incr(stats.ConnectedClients)
		case client := <-h.deRegisterChan:
			h.log.Printf("removing connection from %q", client.userId)
			h.removeClient(client)
			h.stats.Decr(stats.ConnectedClients)
		case ev := <-h.publishChan:
			h.broadcast(ev)
		case <-h.stop:
			close(h.done)
			return
		}
	}
}

// Publish hands a committed mutation to the fanout loop. Non-blocking;
// an overloaded hub drops the event rather than stalling the writer.
func (h *Hub) Publish(ev Event) {
	select {
	case h.publishChan <- ev:
	case <-h.stop:
	default:
		h.log.Printf("publish channel full, dropping %s event on %q", ev.Type, ev.Table)
		h.stats.Incr(stats.EventsDropped)
	}
}

func (h *Hub) broadcast(ev Event) {
	h.clientsLock.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clientsLock.Unlock()

	for _, c := range clients {
		c.deliver(ev)
	}
}

func (h *Hub) addClient(c *Client) {
	h.clientsLock.Lock()
	defer h.clientsLock.Unlock()
	h.clients[c] = struct{}{}
}

func (h *Hub) removeClient(c *Client) {
	h.clientsLock.Lock()
	defer h.clientsLock.Unlock()
	delete(h.clients, c)
}

func (h *Hub) Shutdown() {
	h.clientsLock.Lock()
	for c := range h.clients {
		c.stopClient()
	}
	h.clientsLock.Unlock()

	close(h.stop)
	<-h.done
}

// activeRow returns the row image that identifies the affected record.
func (ev Event) activeRow() map[string]any {
	if ev.Type == EventDelete {
		return ev.Old
	}
	return ev.New
}
