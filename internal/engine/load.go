package engine

import (
	"context"

	"github.com/mslater/campus-market/internal/backend"
	"github.com/mslater/campus-market/internal/store"
	"github.com/mslater/campus-market/internal/types"
)

// LoadFeed seeds the counter and flag stores for the posts on screen.
// One batched query per table replaces per-post count round-trips.
func (e *Engine) LoadFeed(ctx context.Context, entityIds []int) error {
	if len(entityIds) == 0 {
		return nil
	}

	e.stores.Counters.Reset()
	e.stores.Flags.Reset()

	counts := make(map[int]types.AggregateCounters, len(entityIds))

	likeRows, err := e.bc.Query(ctx, TableLikes, backend.Filter{"post_id": entityIds})
	if err != nil {
		return err
	}
	for _, row := range likeRows {
		entityId, ok := row.Int("post_id")
		if !ok {
			continue
		}
		counters := counts[entityId]
		counters.LikeCount++
		counts[entityId] = counters

		if actorId, _ := row.String("user_id"); e.isViewer(actorId) {
			e.stores.Flags.Set(entityId, store.FlagLiked, true)
		}
	}

	commentRows, err := e.bc.Query(ctx, TableComments, backend.Filter{"post_id": entityIds})
	if err != nil {
		return err
	}
	for _, row := range commentRows {
		entityId, ok := row.Int("post_id")
		if !ok {
			continue
		}
		counters := counts[entityId]
		counters.CommentCount++
		counts[entityId] = counters
	}

	if e.viewer.Authenticated() {
		bookmarkRows, err := e.bc.Query(ctx, TableBookmarks, backend.Filter{
			"post_id": entityIds,
			"user_id": e.viewer.Id,
		})
		if err != nil {
			return err
		}
		for _, row := range bookmarkRows {
			if entityId, ok := row.Int("post_id"); ok {
				e.stores.Flags.Set(entityId, store.FlagBookmarked, true)
			}
		}
	}

	for _, entityId := range entityIds {
		e.stores.Counters.SetInitial(entityId, counts[entityId])
	}

	e.notifyUpdates()
	return nil
}

// LoadInbox rebuilds the conversation index and seeds the unread counter
// from the viewer's message history. Both are derived from the same rows
// so they start out equal by construction.
func (e *Engine) LoadInbox(ctx context.Context) error {
	if !e.viewer.Authenticated() {
		return ErrUnauthenticated
	}

	e.stores.Conversations.Reset()

	inbound, err := e.bc.Query(ctx, TableMessages, backend.Filter{"receiver_id": e.viewer.Id})
	if err != nil {
		return err
	}
	outbound, err := e.bc.Query(ctx, TableMessages, backend.Filter{"sender_id": e.viewer.Id})
	if err != nil {
		return err
	}

	newPeers := make(map[string]struct{})

	for _, row := range inbound {
		msg, ok := rowToMessage(row)
		if !ok {
			continue
		}

		patch := store.ConversationPatch{
			LastMessageText: msg.Content,
			LastMessageAt:   msg.CreatedAt,
		}
		if !msg.Read {
			patch.UnreadDelta = 1
		}
		if e.stores.Conversations.Upsert(msg.SenderId, patch) {
			newPeers[msg.SenderId] = struct{}{}
		}
	}

	for _, row := range outbound {
		msg, ok := rowToMessage(row)
		if !ok {
			continue
		}

		if e.stores.Conversations.Upsert(msg.ReceiverId, store.ConversationPatch{
			LastMessageText: msg.Content,
			LastMessageAt:   msg.CreatedAt,
		}) {
			newPeers[msg.ReceiverId] = struct{}{}
		}
	}

	e.stores.Unread.Set(e.stores.Conversations.TotalUnread())

	for peerId := range newPeers {
		go e.fetchPeerIdentity(peerId)
	}

	e.notifyUpdates()
	return nil
}
