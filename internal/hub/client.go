package hub

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mslater/campus-market/internal/stats"
	"github.com/teris-io/shortid"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 8192
)

type clientSub struct {
	table  string
	filter map[string]any
}

type Client struct {
	conn     *websocket.Conn
	hub      *Hub
	log      *log.Logger
	userId   string
	send     chan *ServerFrame
	subs     map[string]clientSub
	subsLock sync.Mutex
	stop     chan struct{}
}

// NewClient wraps an upgraded websocket connection. userId is empty for
// anonymous connections, which may still watch the public tables.
func NewClient(userId string, conn *websocket.Conn, h *Hub, l *log.Logger) *Client {
	return &Client{
		conn:   conn,
		hub:    h,
		log:    l,
		userId: userId,
		send:   make(chan *ServerFrame, 256),
		subs:   make(map[string]clientSub),
		stop:   make(chan struct{}),
	}
}

func (c *Client) Write() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.log.Println("write exiting")
	}()

	for {
		select {
		case frame, ok := <-c.send:
			if !ok {
				return
			}

			bytes, err := json.Marshal(frame)
			if err != nil {
				c.log.Println("failed to serialize frame:", err)
				continue
			}

			if !c.sendMessage(websocket.TextMessage, bytes) {
				return
			}
		case <-c.stop:
			return
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !c.sendMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (c *Client) Read() {
	defer func() {
		c.conn.Close()
		c.cleanup()
		c.log.Println("read exiting")
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
			break
		}

		var frame ClientFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			c.log.Println("error parsing frame:", err)
			c.queueFrame(ErrBadRequest(0, "invalid frame format"))
			continue
		}

		switch {
		case frame.Subscribe != nil:
			c.handleSubscribe(&frame)
		case frame.Unsubscribe != nil:
			c.handleUnsubscribe(&frame)
		default:
			c.queueFrame(ErrBadRequest(frame.Id, "unknown operation"))
		}
	}
}

// handleSubscribe validates the request and registers the watch. Tables
// scoped to one user must be filtered to the authenticated user; an
// unfiltered watch on another user's messages is rejected.
func (c *Client) handleSubscribe(frame *ClientFrame) {
	req := frame.Subscribe

	ownerCol, ok := subscribableTables[req.Table]
	if !ok {
		c.queueFrame(ErrNotFound(frame.Id, "unknown table"))
		return
	}

	if ownerCol != "" {
		if c.userId == "" {
			c.queueFrame(ErrForbidden(frame.Id, "authentication required"))
			return
		}
		owner, _ := req.Filter[ownerCol].(string)
		if owner != c.userId {
			c.queueFrame(ErrForbidden(frame.Id, "subscription must be filtered to your own rows"))
			return
		}
	}

	subId, err := shortid.Generate()
	if err != nil {
		c.log.Println("generate subscription id:", err)
		subId = fmt.Sprintf("sub-%d", time.Now().UnixNano())
	}

	c.subsLock.Lock()
	c.subs[subId] = clientSub{table: req.Table, filter: req.Filter}
	c.subsLock.Unlock()

	c.queueFrame(NoErrOK(frame.Id, map[string]any{"sub_id": subId}))
}

func (c *Client) handleUnsubscribe(frame *ClientFrame) {
	c.subsLock.Lock()
	delete(c.subs, frame.Unsubscribe.SubId)
	c.subsLock.Unlock()

	if frame.Id > 0 {
		c.queueFrame(NoErrOK(frame.Id, nil))
	}
}

// deliver queues the event once per matching subscription.
func (c *Client) deliver(ev Event) {
	row := ev.activeRow()

	c.subsLock.Lock()
	matches := make([]string, 0, 1)
	for subId, sub := range c.subs {
		if sub.table == ev.Table && filterMatches(sub.filter, row) {
			matches = append(matches, subId)
		}
	}
	c.subsLock.Unlock()

	for _, subId := range matches {
		delivered := c.queueFrame(&ServerFrame{
			Event: &EventFrame{
				SubId: subId,
				Table: ev.Table,
				Type:  ev.Type,
				Old:   ev.Old,
				New:   ev.New,
			},
		})
		if delivered {
			c.hub.stats.Incr(stats.EventsBroadcast)
		}
	}
}

// filterMatches reports whether every filter column equals the row's
// value. Numeric values are compared by magnitude since filters arrive
// as JSON numbers while rows carry database integers.
func filterMatches(filter map[string]any, row map[string]any) bool {
	for col, want := range filter {
		got, ok := row[col]
		if !ok {
			return false
		}
		if !valueEqual(want, got) {
			return false
		}
	}
	return true
}

func valueEqual(a, b any) bool {
	if af, aok := asFloat(a); aok {
		bf, bok := asFloat(b)
		return bok && af == bf
	}
	return a == b
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

func (c *Client) queueFrame(frame *ServerFrame) bool {
	select {
	case c.send <- frame:
	default:
		c.log.Println("failed to send frame to client, channel is full")
		return false
	}

	return true
}

func (c *Client) sendMessage(msgType int, msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Printf("write frame: %s", err)
		}
		return false
	}

	return true
}

func (c *Client) stopClient() {
	select {
	case <-c.stop:
	default:
		close(c.stop)
	}
}

func (c *Client) cleanup() {
	c.hub.deRegisterChan <- c
	c.stopClient()
}
