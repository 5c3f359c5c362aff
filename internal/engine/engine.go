// Package engine folds backend change events and optimistic local
// mutations into the in-memory stores without double-counting.
package engine

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/mslater/campus-market/internal/backend"
	"github.com/mslater/campus-market/internal/session"
	"github.com/mslater/campus-market/internal/stats"
	"github.com/mslater/campus-market/internal/store"
	"github.com/mslater/campus-market/internal/types"
)

const (
	TableLikes     = "likes"
	TableComments  = "comments"
	TableBookmarks = "bookmarks"
	TableMessages  = "messages"
	TableProfiles  = "profiles"
)

const identityFetchTimeout = 5 * time.Second

// ErrUnauthenticated rejects a mutating intent issued without a session,
// before any network call is made.
var ErrUnauthenticated = errors.New("authentication required")

// Stores bundles the reconciliation targets. The engine is the only
// writer; the UI reads snapshots.
type Stores struct {
	Counters      *store.Counters
	Flags         *store.Flags
	Conversations *store.Conversations
	Unread        *store.UnreadCounter
}

func NewStores() *Stores {
	return &Stores{
		Counters:      store.NewCounters(),
		Flags:         store.NewFlags(),
		Conversations: store.NewConversations(),
		Unread:        store.NewUnreadCounter(),
	}
}

type Engine struct {
	log     *log.Logger
	bc      backend.Client
	sub     backend.Subscriber
	stats   stats.StatsProvider
	viewer  session.Viewer
	stores  *Stores
	markers *markerSet

	// openPeer and thread hold the conversation currently on screen.
	mu       sync.Mutex
	openPeer string
	thread   []types.Message

	subs      []*backend.Subscription
	started   bool
	events    chan backend.ChangeEvent
	updates   chan struct{}
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func NewEngine(logger *log.Logger, client backend.Client, subscriber backend.Subscriber, viewer session.Viewer, stores *Stores, statsProvider stats.StatsProvider) *Engine {
	statsProvider.RegisterMetric(stats.EventsProcessed)
	statsProvider.RegisterMetric(stats.EventsDropped)
	statsProvider.RegisterMetric(stats.OptimisticRollbacks)

	return &Engine{
		log:     logger,
		bc:      client,
		sub:     subscriber,
		stats:   statsProvider,
		viewer:  viewer,
		stores:  stores,
		markers: newMarkerSet(),
		events:  make(chan backend.ChangeEvent, 256),
		updates: make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start opens the change-event subscriptions and begins folding events
// into the stores. Viewer-scoped tables are skipped for anonymous
// sessions.
func (e *Engine) Start() error {
	specs := []struct {
		table  string
		filter backend.Filter
	}{
		{table: TableLikes},
		{table: TableComments},
	}
	if e.viewer.Authenticated() {
		specs = append(specs,
			struct {
				table  string
				filter backend.Filter
			}{table: TableBookmarks, filter: backend.Filter{"user_id": e.viewer.Id}},
			struct {
				table  string
				filter backend.Filter
			}{table: TableMessages, filter: backend.Filter{"receiver_id": e.viewer.Id}},
		)
	}

	for _, spec := range specs {
		sub, err := e.sub.Subscribe(spec.table, spec.filter)
		if err != nil {
			e.closeSubscriptions()
			return err
		}
		e.subs = append(e.subs, sub)
		go e.forward(sub)
	}

	e.started = true
	go e.run()
	return nil
}

// forward funnels one subscription into the shared event channel. Exits
// when the subscription closes.
func (e *Engine) forward(sub *backend.Subscription) {
	for ev := range sub.Events() {
		select {
		case e.events <- ev:
		case <-e.stop:
			return
		}
	}
}

func (e *Engine) run() {
	for {
		select {
		case ev := <-e.events:
			e.apply(ev)
			e.stats.Incr(stats.EventsProcessed)
			e.notifyUpdates()
		case <-e.stop:
			close(e.done)
			return
		}
	}
}

// apply is the single dispatch point for inbound change events, keyed by
// (table, event type).
func (e *Engine) apply(ev backend.ChangeEvent) {
	switch ev.Table {
	case TableLikes:
		e.applyLike(ev)
	case TableComments:
		e.applyComment(ev)
	case TableBookmarks:
		e.applyBookmark(ev)
	case TableMessages:
		e.applyMessage(ev)
	default:
		e.log.Printf("ignoring event for unknown table %q", ev.Table)
	}
}

func (e *Engine) applyLike(ev backend.ChangeEvent) {
	entityId, actorId, ok := e.entityAndActor(ev, "post_id", "user_id")
	if !ok {
		return
	}

	mine := e.isViewer(actorId)
	if mine && e.markers.consume(TableLikes, entityId, ev.Type) {
		// echo of our own optimistic toggle, already applied
		return
	}

	switch ev.Type {
	case backend.EventInsert:
		e.stores.Counters.ApplyDelta(entityId, store.FieldLike, 1)
		if mine {
			e.stores.Flags.Set(entityId, store.FlagLiked, true)
		}
	case backend.EventDelete:
		e.stores.Counters.ApplyDelta(entityId, store.FieldLike, -1)
		if mine {
			e.stores.Flags.Set(entityId, store.FlagLiked, false)
		}
	}
}

func (e *Engine) applyComment(ev backend.ChangeEvent) {
	entityId, actorId, ok := e.entityAndActor(ev, "post_id", "user_id")
	if !ok {
		return
	}

	if e.isViewer(actorId) && e.markers.consume(TableComments, entityId, ev.Type) {
		return
	}

	switch ev.Type {
	case backend.EventInsert:
		e.stores.Counters.ApplyDelta(entityId, store.FieldComment, 1)
	case backend.EventDelete:
		e.stores.Counters.ApplyDelta(entityId, store.FieldComment, -1)
	}
}

func (e *Engine) applyBookmark(ev backend.ChangeEvent) {
	entityId, actorId, ok := e.entityAndActor(ev, "post_id", "user_id")
	if !ok {
		return
	}

	// bookmarks only carry viewer state, other actors are irrelevant
	if !e.isViewer(actorId) {
		return
	}
	if e.markers.consume(TableBookmarks, entityId, ev.Type) {
		return
	}

	switch ev.Type {
	case backend.EventInsert:
		e.stores.Flags.Set(entityId, store.FlagBookmarked, true)
	case backend.EventDelete:
		e.stores.Flags.Set(entityId, store.FlagBookmarked, false)
	}
}

func (e *Engine) applyMessage(ev backend.ChangeEvent) {
	switch ev.Type {
	case backend.EventInsert:
		msg, ok := rowToMessage(ev.New)
		if !ok {
			e.dropEvent(ev, "malformed message row")
			return
		}
		if !e.isViewer(msg.ReceiverId) {
			return
		}
		e.handleInboundMessage(msg)
	case backend.EventUpdate:
		e.handleReadReceipt(ev)
	}
}

// handleInboundMessage folds a new message from another user into the
// conversation index, or straight into the open thread if that
// conversation is on screen.
func (e *Engine) handleInboundMessage(msg types.Message) {
	e.mu.Lock()
	open := e.openPeer != "" && e.openPeer == msg.SenderId
	if open {
		msg.Read = true
		e.thread = append(e.thread, msg)
	}
	e.mu.Unlock()

	if open {
		e.stores.Conversations.Upsert(msg.SenderId, store.ConversationPatch{
			LastMessageText: msg.Content,
			LastMessageAt:   msg.CreatedAt,
		})
		// confirm the read on the backend; failure leaves the row
		// unread and the receipt arrives on a later sync
		go e.markMessageRead(msg.Id)
		return
	}

	created := e.stores.Conversations.Upsert(msg.SenderId, store.ConversationPatch{
		LastMessageText: msg.Content,
		LastMessageAt:   msg.CreatedAt,
		UnreadDelta:     1,
	})
	e.stores.Unread.Increment()

	if created {
		go e.fetchPeerIdentity(msg.SenderId)
	}
}

// handleReadReceipt folds a read=false→true transition. The decrement is
// driven through the per-conversation count, which clamps at zero and so
// also swallows echoes of our own mark-read mutations.
func (e *Engine) handleReadReceipt(ev backend.ChangeEvent) {
	read, ok := ev.New.Bool("read")
	if !ok || !read {
		return
	}
	if wasRead, ok := ev.Old.Bool("read"); ok && wasRead {
		return
	}

	receiverId, _ := ev.New.String("receiver_id")
	if !e.isViewer(receiverId) {
		return
	}

	senderId, ok := ev.New.String("sender_id")
	if !ok {
		e.dropEvent(ev, "missing sender id")
		return
	}

	if e.stores.Conversations.DecrementUnread(senderId) {
		e.stores.Unread.Decrement()
	}
}

func (e *Engine) markMessageRead(messageId int) {
	ctx, cancel := context.WithTimeout(context.Background(), identityFetchTimeout)
	defer cancel()

	if _, err := e.bc.Update(ctx, TableMessages, backend.Filter{"id": messageId}, backend.Row{"read": true}); err != nil {
		e.log.Printf("mark message %d read: %v", messageId, err)
	}
}

// fetchPeerIdentity lazily resolves a conversation partner's display
// identity, filling the summary in once available.
func (e *Engine) fetchPeerIdentity(peerId string) {
	ctx, cancel := context.WithTimeout(context.Background(), identityFetchTimeout)
	defer cancel()

	rows, err := e.bc.Query(ctx, TableProfiles, backend.Filter{"id": peerId})
	if err != nil || len(rows) == 0 {
		if err != nil {
			e.log.Printf("fetch profile %q: %v", peerId, err)
		}
		return
	}

	username, _ := rows[0].String("username")
	avatarUrl, _ := rows[0].String("avatar_url")
	e.stores.Conversations.SetIdentity(peerId, username, avatarUrl)
	e.notifyUpdates()
}

// entityAndActor pulls the post and actor ids out of whichever row image
// identifies the event. Malformed events are dropped, never fatal.
func (e *Engine) entityAndActor(ev backend.ChangeEvent, entityCol, actorCol string) (int, string, bool) {
	row := ev.ActiveRow()

	entityId, ok := row.Int(entityCol)
	if !ok {
		e.dropEvent(ev, "missing or malformed "+entityCol)
		return 0, "", false
	}

	actorId, _ := row.String(actorCol)
	return entityId, actorId, true
}

func (e *Engine) dropEvent(ev backend.ChangeEvent, reason string) {
	e.log.Printf("dropping %s event on %q: %s", ev.Type, ev.Table, reason)
	e.stats.Incr(stats.EventsDropped)
}

func (e *Engine) isViewer(userId string) bool {
	return e.viewer.Authenticated() && userId == e.viewer.Id
}

func (e *Engine) notifyUpdates() {
	select {
	case e.updates <- struct{}{}:
	default:
	}
}

// Updates signals, coalesced, whenever any store changed.
func (e *Engine) Updates() <-chan struct{} {
	return e.updates
}

func (e *Engine) Viewer() session.Viewer {
	return e.viewer
}

// Counters returns the aggregate counts for a post.
func (e *Engine) Counters(entityId int) types.AggregateCounters {
	return e.stores.Counters.Get(entityId)
}

// Flags returns the viewer's own flags for a post.
func (e *Engine) Flags(entityId int) types.ViewerFlags {
	return e.stores.Flags.Get(entityId)
}

// Conversations returns the ordered conversation summaries.
func (e *Engine) Conversations() []types.ConversationSummary {
	return e.stores.Conversations.Snapshot()
}

// Unread returns the viewer's total unread message count.
func (e *Engine) Unread() int {
	return e.stores.Unread.Value()
}

// Thread returns a copy of the currently open conversation's messages.
func (e *Engine) Thread() []types.Message {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]types.Message, len(e.thread))
	copy(out, e.thread)
	return out
}

func (e *Engine) closeSubscriptions() {
	for _, sub := range e.subs {
		sub.Close()
	}
	e.subs = nil
}

// Close releases all subscriptions and stops the fold loop. Events
// arriving afterwards mutate nothing.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		e.closeSubscriptions()
		close(e.stop)
		if e.started {
			<-e.done
		}
	})
}

func rowToMessage(row backend.Row) (types.Message, bool) {
	id, ok := row.Int("id")
	if !ok {
		return types.Message{}, false
	}
	senderId, ok := row.String("sender_id")
	if !ok {
		return types.Message{}, false
	}
	receiverId, ok := row.String("receiver_id")
	if !ok {
		return types.Message{}, false
	}

	content, _ := row.String("content")
	read, _ := row.Bool("read")
	createdAt, ok := row.Time("created_at")
	if !ok {
		createdAt = time.Now().UTC()
	}

	return types.Message{
		Id:         id,
		SenderId:   senderId,
		ReceiverId: receiverId,
		Content:    content,
		Read:       read,
		CreatedAt:  createdAt,
	}, true
}
