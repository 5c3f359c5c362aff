package engine

import (
	"context"
	"sort"
	"time"

	"github.com/mslater/campus-market/internal/backend"
	"github.com/mslater/campus-market/internal/stats"
	"github.com/mslater/campus-market/internal/store"
	"github.com/mslater/campus-market/internal/types"
)

// ToggleLike flips the viewer's like on a post. The counter and flag are
// updated before the backend round-trip; on failure both are rolled back
// and the error is returned for the UI to surface.
func (e *Engine) ToggleLike(ctx context.Context, entityId int) error {
	if !e.viewer.Authenticated() {
		return ErrUnauthenticated
	}

	liked := e.stores.Flags.Get(entityId).Liked
	if liked {
		return e.removeLike(ctx, entityId)
	}
	return e.addLike(ctx, entityId)
}

func (e *Engine) addLike(ctx context.Context, entityId int) error {
	opId := e.markers.add(TableLikes, entityId, backend.EventInsert)
	e.stores.Counters.ApplyDelta(entityId, store.FieldLike, 1)
	e.stores.Flags.Set(entityId, store.FlagLiked, true)
	e.notifyUpdates()

	_, err := e.bc.Insert(ctx, TableLikes, backend.Row{
		"post_id": entityId,
		"user_id": e.viewer.Id,
	})
	if err != nil {
		e.log.Printf("like %d failed (op %s), rolling back: %v", entityId, opId, err)
		e.markers.remove(TableLikes, entityId, backend.EventInsert)
		e.stores.Counters.ApplyDelta(entityId, store.FieldLike, -1)
		e.stores.Flags.Set(entityId, store.FlagLiked, false)
		e.stats.Incr(stats.OptimisticRollbacks)
		e.notifyUpdates()
		return err
	}

	return nil
}

func (e *Engine) removeLike(ctx context.Context, entityId int) error {
	opId := e.markers.add(TableLikes, entityId, backend.EventDelete)
	e.stores.Counters.ApplyDelta(entityId, store.FieldLike, -1)
	e.stores.Flags.Set(entityId, store.FlagLiked, false)
	e.notifyUpdates()

	_, err := e.bc.Delete(ctx, TableLikes, backend.Filter{
		"post_id": entityId,
		"user_id": e.viewer.Id,
	})
	if err != nil {
		e.log.Printf("unlike %d failed (op %s), rolling back: %v", entityId, opId, err)
		e.markers.remove(TableLikes, entityId, backend.EventDelete)
		e.stores.Counters.ApplyDelta(entityId, store.FieldLike, 1)
		e.stores.Flags.Set(entityId, store.FlagLiked, true)
		e.stats.Incr(stats.OptimisticRollbacks)
		e.notifyUpdates()
		return err
	}

	return nil
}

// ToggleBookmark flips the viewer's bookmark on a post. Bookmarks carry
// no shared counter, only the viewer flag.
func (e *Engine) ToggleBookmark(ctx context.Context, entityId int) error {
	if !e.viewer.Authenticated() {
		return ErrUnauthenticated
	}

	bookmarked := e.stores.Flags.Get(entityId).Bookmarked

	op := backend.EventInsert
	if bookmarked {
		op = backend.EventDelete
	}

	opId := e.markers.add(TableBookmarks, entityId, op)
	e.stores.Flags.Set(entityId, store.FlagBookmarked, !bookmarked)
	e.notifyUpdates()

	var err error
	if bookmarked {
		_, err = e.bc.Delete(ctx, TableBookmarks, backend.Filter{
			"post_id": entityId,
			"user_id": e.viewer.Id,
		})
	} else {
		_, err = e.bc.Insert(ctx, TableBookmarks, backend.Row{
			"post_id": entityId,
			"user_id": e.viewer.Id,
		})
	}
	if err != nil {
		e.log.Printf("toggle bookmark %d failed (op %s), rolling back: %v", entityId, opId, err)
		e.markers.remove(TableBookmarks, entityId, op)
		e.stores.Flags.Set(entityId, store.FlagBookmarked, bookmarked)
		e.stats.Incr(stats.OptimisticRollbacks)
		e.notifyUpdates()
		return err
	}

	return nil
}

// AddComment posts a comment and bumps the post's comment count
// optimistically.
func (e *Engine) AddComment(ctx context.Context, entityId int, text string) error {
	if !e.viewer.Authenticated() {
		return ErrUnauthenticated
	}

	opId := e.markers.add(TableComments, entityId, backend.EventInsert)
	e.stores.Counters.ApplyDelta(entityId, store.FieldComment, 1)
	e.notifyUpdates()

	_, err := e.bc.Insert(ctx, TableComments, backend.Row{
		"post_id": entityId,
		"user_id": e.viewer.Id,
		"content": text,
	})
	if err != nil {
		e.log.Printf("comment on %d failed (op %s), rolling back: %v", entityId, opId, err)
		e.markers.remove(TableComments, entityId, backend.EventInsert)
		e.stores.Counters.ApplyDelta(entityId, store.FieldComment, -1)
		e.stats.Incr(stats.OptimisticRollbacks)
		e.notifyUpdates()
		return err
	}

	return nil
}

// SendMessage delivers a direct message and updates the sender-side
// conversation summary. Our own sends produce no echo on the viewer's
// message subscription, so no marker is needed.
func (e *Engine) SendMessage(ctx context.Context, peerId, text string) (types.Message, error) {
	if !e.viewer.Authenticated() {
		return types.Message{}, ErrUnauthenticated
	}

	stored, err := e.bc.Insert(ctx, TableMessages, backend.Row{
		"sender_id":   e.viewer.Id,
		"receiver_id": peerId,
		"content":     text,
		"read":        false,
	})
	if err != nil {
		return types.Message{}, err
	}

	msg, ok := rowToMessage(stored)
	if !ok {
		msg = types.Message{
			SenderId:   e.viewer.Id,
			ReceiverId: peerId,
			Content:    text,
			CreatedAt:  time.Now().UTC(),
		}
	}

	created := e.stores.Conversations.Upsert(peerId, store.ConversationPatch{
		LastMessageText: msg.Content,
		LastMessageAt:   msg.CreatedAt,
	})
	if created {
		go e.fetchPeerIdentity(peerId)
	}

	e.mu.Lock()
	if e.openPeer == peerId {
		e.thread = append(e.thread, msg)
	}
	e.mu.Unlock()

	e.notifyUpdates()
	return msg, nil
}

// OpenConversation marks the peer's thread as the one on screen, marks
// its messages read on the backend and locally, and returns the thread
// oldest-first.
func (e *Engine) OpenConversation(ctx context.Context, peerId string) ([]types.Message, error) {
	if !e.viewer.Authenticated() {
		return nil, ErrUnauthenticated
	}

	inbound, err := e.bc.Query(ctx, TableMessages, backend.Filter{
		"sender_id":   peerId,
		"receiver_id": e.viewer.Id,
	})
	if err != nil {
		return nil, err
	}
	outbound, err := e.bc.Query(ctx, TableMessages, backend.Filter{
		"sender_id":   e.viewer.Id,
		"receiver_id": peerId,
	})
	if err != nil {
		return nil, err
	}

	thread := make([]types.Message, 0, len(inbound)+len(outbound))
	for _, row := range append(inbound, outbound...) {
		if msg, ok := rowToMessage(row); ok {
			thread = append(thread, msg)
		}
	}
	sort.SliceStable(thread, func(i, j int) bool {
		return thread[i].CreatedAt.Before(thread[j].CreatedAt)
	})

	if _, err := e.bc.Update(ctx, TableMessages, backend.Filter{
		"sender_id":   peerId,
		"receiver_id": e.viewer.Id,
		"read":        false,
	}, backend.Row{"read": true}); err != nil {
		return nil, err
	}

	for i := range thread {
		if thread[i].ReceiverId == e.viewer.Id {
			thread[i].Read = true
		}
	}

	e.mu.Lock()
	e.openPeer = peerId
	e.thread = thread
	e.mu.Unlock()

	// clear whatever the read-receipt echoes have not already consumed
	cleared := e.stores.Conversations.MarkRead(peerId)
	if cleared > 0 {
		e.stores.Unread.Add(-cleared)
	}

	e.notifyUpdates()
	return e.Thread(), nil
}

// CloseConversation clears the on-screen thread; subsequent inbound
// messages from that peer count as unread again.
func (e *Engine) CloseConversation() {
	e.mu.Lock()
	e.openPeer = ""
	e.thread = nil
	e.mu.Unlock()
}
