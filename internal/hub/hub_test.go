package hub

import (
	"testing"
	"time"

	"github.com/mslater/campus-market/internal/stats"
	"github.com/mslater/campus-market/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

func newTestHub(t *testing.T, su *stats.MockStatsUpdater) *Hub {
	t.Helper()
	su.On("RegisterMetric", mock.Anything).Times(3)
	return NewHub(testutil.TestLogger(t), su)
}

func newTestClient(t *testing.T, h *Hub, userId string) *Client {
	t.Helper()
	return &Client{
		hub:    h,
		log:    testutil.TestLogger(t),
		userId: userId,
		send:   make(chan *ServerFrame, 16),
		subs:   make(map[string]clientSub),
		stop:   make(chan struct{}),
	}
}

func TestNewHub(t *testing.T) {
	su := &stats.MockStatsUpdater{}
	h := newTestHub(t, su)

	assert.NotNil(t, h.clients, "expected clients map to be initialized")
	assert.NotNil(t, h.RegisterChan, "expected RegisterChan to be initialized")
	assert.NotNil(t, h.deRegisterChan, "expected deRegisterChan to be initialized")
	assert.NotNil(t, h.publishChan, "expected publishChan to be initialized")
	assert.NotNil(t, h.stop, "expected stop channel to be initialized")
}

func TestHub_RegisterAndShutdown(t *testing.T) {
	su := &stats.MockStatsUpdater{}
	su.On("Incr", stats.ConnectedClients).Once()
	defer su.AssertExpectations(t)

	h := newTestHub(t, su)
	go h.Run()

	client := newTestClient(t, h, "u1")
	h.RegisterChan <- client

	assert.Eventually(t, func() bool {
		h.clientsLock.Lock()
		defer h.clientsLock.Unlock()
		_, ok := h.clients[client]
		return ok
	}, time.Second, 5*time.Millisecond, "expected client to be registered")

	h.Shutdown()

	select {
	case <-client.stop:
	default:
		t.Error("expected client to be stopped on shutdown")
	}
}

func TestClient_handleSubscribe(t *testing.T) {
	t.Run("public table", func(t *testing.T) {
		h := newTestHub(t, &stats.MockStatsUpdater{})
		client := newTestClient(t, h, "")

		client.handleSubscribe(&ClientFrame{Id: 1, Subscribe: &SubscribeReq{Table: "likes"}})

		select {
		case frame := <-client.send:
			assert.NotNil(t, frame.Response, "expected response frame")
			assert.Equal(t, 200, frame.Response.ResponseCode)
			assert.NotEmpty(t, frame.Response.Data["sub_id"], "expected a subscription id")
		default:
			t.Error("expected acknowledgement to be queued")
		}

		assert.Len(t, client.subs, 1, "expected subscription to be registered")
	})

	t.Run("unknown table", func(t *testing.T) {
		h := newTestHub(t, &stats.MockStatsUpdater{})
		client := newTestClient(t, h, "u1")

		client.handleSubscribe(&ClientFrame{Id: 2, Subscribe: &SubscribeReq{Table: "accounts"}})

		select {
		case frame := <-client.send:
			assert.Equal(t, 404, frame.Response.ResponseCode)
		default:
			t.Error("expected rejection to be queued")
		}
		assert.Empty(t, client.subs)
	})

	t.Run("owner-scoped table requires auth", func(t *testing.T) {
		h := newTestHub(t, &stats.MockStatsUpdater{})
		client := newTestClient(t, h, "")

		client.handleSubscribe(&ClientFrame{Id: 3, Subscribe: &SubscribeReq{
			Table:  "messages",
			Filter: map[string]any{"receiver_id": "u1"},
		}})

		select {
		case frame := <-client.send:
			assert.Equal(t, 403, frame.Response.ResponseCode)
		default:
			t.Error("expected rejection to be queued")
		}
	})

	t.Run("owner-scoped table rejects foreign filter", func(t *testing.T) {
		h := newTestHub(t, &stats.MockStatsUpdater{})
		client := newTestClient(t, h, "u1")

		client.handleSubscribe(&ClientFrame{Id: 4, Subscribe: &SubscribeReq{
			Table:  "messages",
			Filter: map[string]any{"receiver_id": "u2"},
		}})

		select {
		case frame := <-client.send:
			assert.Equal(t, 403, frame.Response.ResponseCode)
		default:
			t.Error("expected rejection to be queued")
		}
	})

	t.Run("owner-scoped table with own filter", func(t *testing.T) {
		h := newTestHub(t, &stats.MockStatsUpdater{})
		client := newTestClient(t, h, "u1")

		client.handleSubscribe(&ClientFrame{Id: 5, Subscribe: &SubscribeReq{
			Table:  "messages",
			Filter: map[string]any{"receiver_id": "u1"},
		}})

		select {
		case frame := <-client.send:
			assert.Equal(t, 200, frame.Response.ResponseCode)
		default:
			t.Error("expected acknowledgement to be queued")
		}
		assert.Len(t, client.subs, 1)
	})
}

func TestClient_handleUnsubscribe(t *testing.T) {
	h := newTestHub(t, &stats.MockStatsUpdater{})
	client := newTestClient(t, h, "u1")
	client.subs["s1"] = clientSub{table: "likes"}

	client.handleUnsubscribe(&ClientFrame{Id: 1, Unsubscribe: &UnsubscribeReq{SubId: "s1"}})

	assert.Empty(t, client.subs, "expected subscription to be removed")
	select {
	case frame := <-client.send:
		assert.Equal(t, 200, frame.Response.ResponseCode)
	default:
		t.Error("expected acknowledgement to be queued")
	}
}

func TestClient_deliver(t *testing.T) {
	su := &stats.MockStatsUpdater{}
	su.On("Incr", stats.EventsBroadcast).Once()
	defer su.AssertExpectations(t)

	h := newTestHub(t, su)
	client := newTestClient(t, h, "u1")
	client.subs["s1"] = clientSub{table: "likes", filter: map[string]any{"post_id": float64(7)}}
	client.subs["s2"] = clientSub{table: "likes", filter: map[string]any{"post_id": float64(8)}}
	client.subs["s3"] = clientSub{table: "comments"}

	client.deliver(Event{
		Table: "likes",
		Type:  EventInsert,
		New:   map[string]any{"id": int64(1), "post_id": int64(7), "user_id": "u2"},
	})

	select {
	case frame := <-client.send:
		assert.NotNil(t, frame.Event, "expected event frame")
		assert.Equal(t, "s1", frame.Event.SubId, "expected only the matching subscription")
		assert.Equal(t, EventInsert, frame.Event.Type)
	default:
		t.Error("expected event to be queued")
	}

	select {
	case frame := <-client.send:
		t.Errorf("expected no further frames, got %+v", frame)
	default:
	}
}

func TestClient_deliver_deleteUsesOldRow(t *testing.T) {
	su := &stats.MockStatsUpdater{}
	su.On("Incr", stats.EventsBroadcast).Once()
	defer su.AssertExpectations(t)

	h := newTestHub(t, su)
	client := newTestClient(t, h, "u1")
	client.subs["s1"] = clientSub{table: "likes", filter: map[string]any{"user_id": "u1"}}

	client.deliver(Event{
		Table: "likes",
		Type:  EventDelete,
		Old:   map[string]any{"id": int64(1), "post_id": int64(7), "user_id": "u1"},
	})

	select {
	case frame := <-client.send:
		assert.NotNil(t, frame.Event, "expected delete event matched against old row")
	default:
		t.Error("expected event to be queued")
	}
}

func TestHub_Publish_Integration(t *testing.T) {
	su := &stats.MockStatsUpdater{}
	su.On("Incr", mock.Anything).Maybe()
	su.On("Decr", mock.Anything).Maybe()

	h := newTestHub(t, su)
	go h.Run()
	defer h.Shutdown()

	client := newTestClient(t, h, "u1")
	client.subs["s1"] = clientSub{table: "comments"}
	h.RegisterChan <- client

	assert.Eventually(t, func() bool {
		h.clientsLock.Lock()
		defer h.clientsLock.Unlock()
		return len(h.clients) == 1
	}, time.Second, 5*time.Millisecond)

	h.Publish(Event{
		Table: "comments",
		Type:  EventInsert,
		New:   map[string]any{"id": int64(9), "post_id": int64(3), "user_id": "u2"},
	})

	assert.Eventually(t, func() bool {
		select {
		case frame := <-client.send:
			return frame.Event != nil && frame.Event.SubId == "s1"
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond, "expected published event to reach the subscribed client")
}

func Test_filterMatches(t *testing.T) {
	tcases := []struct {
		name   string
		filter map[string]any
		row    map[string]any
		want   bool
	}{
		{
			name:   "empty filter matches everything",
			filter: nil,
			row:    map[string]any{"id": int64(1)},
			want:   true,
		},
		{
			name:   "json number matches db integer",
			filter: map[string]any{"post_id": float64(7)},
			row:    map[string]any{"post_id": int64(7)},
			want:   true,
		},
		{
			name:   "string equality",
			filter: map[string]any{"receiver_id": "u1"},
			row:    map[string]any{"receiver_id": "u1"},
			want:   true,
		},
		{
			name:   "mismatched value",
			filter: map[string]any{"post_id": float64(7)},
			row:    map[string]any{"post_id": int64(8)},
			want:   false,
		},
		{
			name:   "missing column",
			filter: map[string]any{"post_id": float64(7)},
			row:    map[string]any{"id": int64(1)},
			want:   false,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, filterMatches(tc.filter, tc.row))
		})
	}
}
