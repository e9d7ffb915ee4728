// Package unread derives per-conversation and global unread counts from
// message read-state. The tracker is strictly derived: it holds a cache
// and recomputes from the store, never acting as a sync source of truth.
package unread

import (
	"context"
	"sync"

	"github.com/huddleapp/huddle/internal/bus"
	"github.com/huddleapp/huddle/internal/store"
	"go.uber.org/zap"
)

// Tracker recomputes unread counts when message or conversation state
// changes.
type Tracker struct {
	db     *store.DB
	bus    *bus.Bus
	logger *zap.Logger
	selfID string
	cancel context.CancelFunc

	mu     sync.RWMutex
	counts map[string]int
	global int
}

// NewTracker creates an unread tracker for the given local identity.
func NewTracker(db *store.DB, b *bus.Bus, selfID string, logger *zap.Logger) *Tracker {
	return &Tracker{
		db:     db,
		bus:    b,
		logger: logger,
		selfID: selfID,
		counts: make(map[string]int),
	}
}

// Start subscribes to message and conversation events.
func (t *Tracker) Start(ctx context.Context) {
	ctx, t.cancel = context.WithCancel(ctx)
	ch, unsub := t.bus.Subscribe("message.", 256)
	convCh, convUnsub := t.bus.Subscribe("conversation.", 64)

	go func() {
		defer unsub()
		defer convUnsub()
		for {
			select {
			case evt := <-ch:
				if ref, ok := evt.Payload.(bus.MessageRef); ok {
					t.Recompute(ref.ConversationID)
				}
			case evt := <-convCh:
				if id, ok := evt.Payload.(string); ok {
					t.Recompute(id)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the tracker.
func (t *Tracker) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
}

// Recompute refreshes the count for one conversation and the global
// total, publishing unread.changed when either moved.
func (t *Tracker) Recompute(conversationID string) {
	count, err := t.db.UnreadCount(conversationID, t.selfID)
	if err != nil {
		t.logger.Error("failed to compute unread count", zap.Error(err), zap.String("conversation_id", conversationID))
		return
	}
	global, err := t.db.GlobalUnread(t.selfID)
	if err != nil {
		t.logger.Error("failed to compute global unread", zap.Error(err))
		return
	}

	t.mu.Lock()
	changed := t.counts[conversationID] != count || t.global != global
	t.counts[conversationID] = count
	t.global = global
	t.mu.Unlock()

	if changed {
		t.bus.Emit(bus.KindUnreadChanged, bus.UnreadTotals{
			ConversationID: conversationID,
			Conversation:   count,
			Global:         global,
		})
	}
}

// Count returns the cached unread count for a conversation.
func (t *Tracker) Count(conversationID string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.counts[conversationID]
}

// Global returns the cached global unread total.
func (t *Tracker) Global() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.global
}
