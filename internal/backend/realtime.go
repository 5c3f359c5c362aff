package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mslater/campus-market/internal/stats"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 8192

	subscribeTimeout = 5 * time.Second
	subBufferSize    = 64
)

// Subscription is a handle on one logical table's change stream. The
// owner must call Close when done; events stop immediately and the
// server-side subscription is released.
type Subscription struct {
	Id     string
	Table  string
	Filter Filter

	mu     sync.Mutex
	ch     chan ChangeEvent
	closed bool
	client *RealtimeClient
}

// NewSubscription builds a standalone subscription handle, detached from
// any connection. Used by tests and in-process event sources.
func NewSubscription(id, table string, filter Filter) *Subscription {
	return newSubscription(id, table, filter, nil)
}

func newSubscription(id, table string, filter Filter, client *RealtimeClient) *Subscription {
	return &Subscription{
		Id:     id,
		Table:  table,
		Filter: filter,
		ch:     make(chan ChangeEvent, subBufferSize),
		client: client,
	}
}

// Events returns the delivery channel. It is closed by Close.
func (s *Subscription) Events() <-chan ChangeEvent {
	return s.ch
}

// Push delivers an event to the subscription's channel. Delivery is
// non-blocking; a stalled consumer drops the event. Returns false if the
// subscription is closed or the buffer was full.
func (s *Subscription) Push(ev ChangeEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}

	select {
	case s.ch <- ev:
		return true
	default:
		return false
	}
}

// Close stops delivery and releases the subscription. Safe to call more
// than once.
func (s *Subscription) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.ch)
	s.mu.Unlock()

	if s.client != nil {
		s.client.unsubscribe(s)
	}
}

type clientFrame struct {
	Id          int             `json:"id,omitempty"`
	Subscribe   *subscribeReq   `json:"subscribe,omitempty"`
	Unsubscribe *unsubscribeReq `json:"unsubscribe,omitempty"`
}

type subscribeReq struct {
	Table  string `json:"table"`
	Filter Filter `json:"filter,omitempty"`
}

type unsubscribeReq struct {
	SubId string `json:"sub_id"`
}

type serverFrame struct {
	Id       int            `json:"id,omitempty"`
	Response *frameResponse `json:"response,omitempty"`
	Event    *frameEvent    `json:"event,omitempty"`
}

type frameResponse struct {
	ResponseCode int            `json:"response_code"`
	Error        string         `json:"error,omitempty"`
	Data         map[string]any `json:"data,omitempty"`
}

type frameEvent struct {
	SubId string    `json:"sub_id"`
	Table string    `json:"table"`
	Type  EventType `json:"type"`
	Old   Row       `json:"old,omitempty"`
	New   Row       `json:"new,omitempty"`
}

// RealtimeClient multiplexes change-event subscriptions over a single
// websocket connection.
type RealtimeClient struct {
	conn  *websocket.Conn
	log   *log.Logger
	stats stats.StatsProvider

	send chan *clientFrame

	mu      sync.Mutex
	subs    map[string]*Subscription
	pending map[int]chan *frameResponse
	nextId  int

	stop chan struct{}
}

// DialRealtime opens the websocket connection and starts the read/write
// pumps. The access token is passed as a bearer header.
func DialRealtime(ctx context.Context, wsURL, token string, logger *log.Logger, statsProvider stats.StatsProvider) (*RealtimeClient, error) {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		return nil, NewTransportError(err)
	}

	statsProvider.RegisterMetric(stats.ActiveSubscriptions)
	statsProvider.RegisterMetric(stats.EventsDropped)

	c := &RealtimeClient{
		conn:    conn,
		log:     logger,
		stats:   statsProvider,
		send:    make(chan *clientFrame, 64),
		subs:    make(map[string]*Subscription),
		pending: make(map[int]chan *frameResponse),
		stop:    make(chan struct{}),
	}

	go c.writePump()
	go c.readPump()

	return c, nil
}

// Subscribe opens a change-event stream for one table, optionally
// filtered by column equality. Blocks until the server acknowledges.
func (c *RealtimeClient) Subscribe(table string, filter Filter) (*Subscription, error) {
	id, respCh := c.registerPending()

	if !c.queueFrame(&clientFrame{Id: id, Subscribe: &subscribeReq{Table: table, Filter: filter}}) {
		c.discardPending(id)
		return nil, NewTransportError(fmt.Errorf("send queue full"))
	}

	select {
	case resp, ok := <-respCh:
		if !ok {
			return nil, NewTransportError(fmt.Errorf("connection closed"))
		}
		if resp.ResponseCode != http.StatusOK {
			return nil, NewStatusError(resp.ResponseCode, resp.Error)
		}
		subId, _ := resp.Data["sub_id"].(string)
		if subId == "" {
			return nil, NewStatusError(http.StatusInternalServerError, "missing subscription id")
		}

		sub := newSubscription(subId, table, filter, c)
		c.mu.Lock()
		c.subs[subId] = sub
		c.mu.Unlock()
		c.stats.Incr(stats.ActiveSubscriptions)

		return sub, nil
	case <-time.After(subscribeTimeout):
		c.discardPending(id)
		return nil, NewTransportError(fmt.Errorf("subscribe timed out"))
	case <-c.stop:
		return nil, NewTransportError(fmt.Errorf("client closed"))
	}
}

func (c *RealtimeClient) unsubscribe(sub *Subscription) {
	c.mu.Lock()
	_, known := c.subs[sub.Id]
	delete(c.subs, sub.Id)
	c.mu.Unlock()

	if !known {
		return
	}
	c.stats.Decr(stats.ActiveSubscriptions)
	c.queueFrame(&clientFrame{Unsubscribe: &unsubscribeReq{SubId: sub.Id}})
}

func (c *RealtimeClient) registerPending() (int, chan *frameResponse) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextId++
	ch := make(chan *frameResponse, 1)
	c.pending[c.nextId] = ch
	return c.nextId, ch
}

func (c *RealtimeClient) discardPending(id int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, id)
}

func (c *RealtimeClient) queueFrame(frame *clientFrame) bool {
	select {
	case c.send <- frame:
		return true
	default:
		c.log.Println("realtime send queue full, dropping frame")
		return false
	}
}

func (c *RealtimeClient) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.log.Println("realtime write pump exiting")
	}()

	for {
		select {
		case frame := <-c.send:
			bytes, err := json.Marshal(frame)
			if err != nil {
				c.log.Println("failed to serialize frame:", err)
				continue
			}

			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, bytes); err != nil {
				c.log.Printf("write frame: %s", err)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.stop:
			return
		}
	}
}

func (c *RealtimeClient) readPump() {
	defer func() {
		c.conn.Close()
		c.teardown()
		c.log.Println("realtime read pump exiting")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(appData string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Printf("ws: read: %v", err)
			}
			return
		}

		var frame serverFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			c.log.Println("error parsing frame:", err)
			continue
		}

		switch {
		case frame.Response != nil:
			c.mu.Lock()
			ch, ok := c.pending[frame.Id]
			delete(c.pending, frame.Id)
			c.mu.Unlock()
			if ok {
				ch <- frame.Response
			}
		case frame.Event != nil:
			c.dispatchEvent(frame.Event)
		}
	}
}

func (c *RealtimeClient) dispatchEvent(ev *frameEvent) {
	c.mu.Lock()
	sub, ok := c.subs[ev.SubId]
	c.mu.Unlock()

	if !ok {
		return
	}

	delivered := sub.Push(ChangeEvent{
		Table: ev.Table,
		Type:  ev.Type,
		Old:   ev.Old,
		New:   ev.New,
	})
	if !delivered {
		c.log.Printf("dropping %s event for table %q, subscription stalled or closed", ev.Type, ev.Table)
		c.stats.Incr(stats.EventsDropped)
	}
}

func (c *RealtimeClient) teardown() {
	c.mu.Lock()
	subs := make([]*Subscription, 0, len(c.subs))
	for _, sub := range c.subs {
		subs = append(subs, sub)
	}
	c.subs = make(map[string]*Subscription)
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.mu.Unlock()

	for _, sub := range subs {
		sub.mu.Lock()
		if !sub.closed {
			sub.closed = true
			close(sub.ch)
		}
		sub.mu.Unlock()
		c.stats.Decr(stats.ActiveSubscriptions)
	}
}

// Close tears down the connection and all subscriptions.
func (c *RealtimeClient) Close() {
	select {
	case <-c.stop:
		return
	default:
	}

	close(c.stop)
	c.conn.Close()
}
