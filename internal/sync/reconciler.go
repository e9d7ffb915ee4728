package sync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/huddleapp/huddle/internal/bus"
	"github.com/huddleapp/huddle/internal/model"
	"github.com/huddleapp/huddle/internal/remote"
	"github.com/huddleapp/huddle/internal/store"
	"go.uber.org/zap"
)

// HandleAck reconciles a transport acknowledgment with the optimistic
// record it was issued for, preserving the record's local identity so
// consumers holding a reference do not see a remove-and-readd. Applying
// the same acknowledgment twice is a no-op.
func (e *Engine) HandleAck(in store.Intent, result any) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch in.Kind {
	case store.IntentSendMessage:
		msg, ok := result.(*remote.Message)
		if !ok {
			return fmt.Errorf("send ack for %s: unexpected result type", in.ClientID)
		}
		// A first send into a locally-pending conversation also confirms
		// the conversation's server identity.
		if msg.ConversationID != in.ConversationID {
			if err := e.db.ConfirmConversation(in.ConversationID, msg.ConversationID); err != nil {
				return err
			}
			e.bus.Emit(bus.KindConversationUpdated, msg.ConversationID)
		}
		if err := e.db.ConfirmMessage(msg.ConversationID, in.ClientID, msg.Model()); err != nil {
			return err
		}
		if err := e.db.Touch(msg.ConversationID, msg.CreatedAt); err != nil {
			return err
		}
		e.bus.Emit(bus.KindMessageConfirmed, bus.MessageRef{
			ConversationID: msg.ConversationID, MessageID: msg.ID, ClientID: in.ClientID,
		})

	case store.IntentCreateGroup:
		conv, ok := result.(*remote.Conversation)
		if !ok {
			return fmt.Errorf("create group ack for %s: unexpected result type", in.ClientID)
		}
		if err := e.db.ConfirmConversation(in.ConversationID, conv.ID); err != nil {
			return err
		}
		if err := e.applyConversation(conv); err != nil {
			return err
		}
		e.bus.Emit(bus.KindConversationUpdated, conv.ID)

	case store.IntentEditMessage:
		// The server may normalize content; its record wins.
		if msg, ok := result.(*remote.Message); ok {
			if err := e.db.UpsertRemote(msg.Model()); err != nil {
				return err
			}
			e.bus.Emit(bus.KindMessageUpserted, bus.MessageRef{
				ConversationID: msg.ConversationID, MessageID: msg.ID,
			})
		}

	case store.IntentAddMembers, store.IntentRemoveMember, store.IntentPromote,
		store.IntentLeaveGroup, store.IntentDeleteGroup, store.IntentDeleteMessage,
		store.IntentMarkRead:
		// Ack-only intents: the optimistic state already matches.
	}

	return e.db.MarkIntentConfirmed(in.ClientID)
}

// HandleReject resolves a transport failure for an intent. Conflicts are
// absorbed entirely (the reconciliation rule already made the state
// correct); transient failures degrade the specific pending entry to
// Failed; authorization, not-found and state-machine violations are
// surfaced as action-scoped failures. The conversation log is never left
// in a partially-applied state.
func (e *Engine) HandleReject(in store.Intent, cause error) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch {
	case errors.Is(cause, model.ErrConflict):
		// Duplicate confirmation or stale mutation: silently resolved,
		// never surfaced.
		e.logger.Debug("conflict absorbed", zap.String("client_id", in.ClientID), zap.String("kind", in.Kind))
		return e.db.MarkIntentConfirmed(in.ClientID)

	case model.IsAuth(cause):
		// Expired credential: return the intent to the queue with local
		// state untouched; the session shell decides what happens next.
		e.bus.Emit(bus.KindAuthExpired, nil)
		return e.db.ResetIntent(in.ClientID)

	case errors.Is(cause, model.ErrNotFound):
		// The target vanished server-side: reconcile by removal.
		if in.Kind == store.IntentEditMessage || in.Kind == store.IntentDeleteMessage {
			if err := e.db.RemoveMessage(in.ConversationID, in.TargetID); err != nil {
				return err
			}
			e.bus.Emit(bus.KindMessageDeleted, bus.MessageRef{
				ConversationID: in.ConversationID, MessageID: in.TargetID,
			})
		}
	}

	if errors.Is(cause, model.ErrTransient) && in.Kind == store.IntentSendMessage {
		if err := e.db.MarkFailed(in.ConversationID, in.ClientID, cause.Error()); err != nil {
			return err
		}
		e.bus.Emit(bus.KindMessageFailed, bus.MessageRef{
			ConversationID: in.ConversationID, ClientID: in.ClientID,
		})
	}

	if err := e.db.MarkIntentFailed(in.ClientID, cause.Error()); err != nil {
		return err
	}
	e.bus.Emit(bus.KindIntentRejected, bus.IntentFailure{
		ClientID:       in.ClientID,
		ConversationID: in.ConversationID,
		Kind:           in.Kind,
		Err:            cause,
	})
	return nil
}

// IngestMessage merges a server-originated message into the log. The
// same de-duplication rule as confirmation applies, so a push event for
// our own send racing the acknowledgment is a no-op for whichever
// arrives second.
func (e *Engine) IngestMessage(m *remote.Message) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ingestMessageLocked(m)
}

func (e *Engine) ingestMessageLocked(m *remote.Message) error {
	conv, err := e.db.GetConversation(m.ConversationID)
	if err != nil {
		return err
	}
	if conv == nil {
		// First sign of this conversation; a conversation push usually
		// follows with the full metadata.
		if err := e.db.UpsertConversation(&model.Conversation{
			ID: m.ConversationID, Kind: model.KindDirect, LastActivityAt: m.CreatedAt,
		}); err != nil {
			return err
		}
	}

	if err := e.db.UpsertRemote(m.Model()); err != nil {
		return err
	}
	for _, uid := range m.ReadBy {
		if err := e.db.MarkRead(m.ConversationID, m.ID, uid); err != nil {
			return err
		}
	}
	if err := e.db.Touch(m.ConversationID, m.CreatedAt); err != nil {
		return err
	}
	e.bus.Emit(bus.KindMessageUpserted, bus.MessageRef{
		ConversationID: m.ConversationID, MessageID: m.ID, ClientID: m.ClientID,
	})
	return nil
}

// IngestReceipt applies a read receipt from another device or actor.
// Receipts for unknown messages are dropped; the backfill will carry the
// readBy set when the message arrives.
func (e *Engine) IngestReceipt(r *remote.Receipt) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if r.Kind != "read" {
		return nil
	}
	err := e.db.MarkRead(r.ConversationID, r.MessageID, r.UserID)
	if errors.Is(err, model.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	e.bus.Emit(bus.KindMessageRead, bus.MessageRef{
		ConversationID: r.ConversationID, MessageID: r.MessageID,
	})
	return nil
}

// IngestConversation merges authoritative conversation metadata and
// membership.
func (e *Engine) IngestConversation(c *remote.Conversation) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.applyConversation(c); err != nil {
		return err
	}
	e.bus.Emit(bus.KindConversationUpdated, c.ID)
	return nil
}

func (e *Engine) applyConversation(c *remote.Conversation) error {
	if err := e.db.UpsertConversation(c.Model()); err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	for _, uid := range c.ParticipantIDs {
		if err := e.db.UpsertMembership(model.Membership{
			ConversationID: c.ID, UserID: uid, Role: c.Role(uid), JoinedAt: now,
		}); err != nil {
			return err
		}
	}
	return nil
}

// IngestMembership applies a membership change pushed by the server.
// These bypass the local role checks: the server already authorized the
// acting user.
func (e *Engine) IngestMembership(m *remote.MembershipEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch m.Change {
	case "added":
		role := model.Role(m.Role)
		if role == "" {
			role = model.RoleMember
		}
		if err := e.db.UpsertMembership(model.Membership{
			ConversationID: m.ConversationID, UserID: m.UserID, Role: role,
			JoinedAt: time.Now().UnixMilli(),
		}); err != nil {
			return err
		}
	case "removed":
		if err := e.db.RemoveMembership(m.ConversationID, m.UserID); err != nil {
			return err
		}
		n, err := e.db.MemberCount(m.ConversationID)
		if err != nil {
			return err
		}
		if n == 0 {
			// Zero members is terminal: the group is gone.
			if err := e.db.CloseConversation(m.ConversationID); err != nil {
				return err
			}
			e.bus.Emit(bus.KindConversationClosed, m.ConversationID)
		}
	case "promoted":
		if err := e.db.UpsertMembership(model.Membership{
			ConversationID: m.ConversationID, UserID: m.UserID, Role: model.RoleAdmin,
		}); err != nil {
			return err
		}
	case "group_deleted":
		if err := e.db.DeleteMemberships(m.ConversationID); err != nil {
			return err
		}
		if err := e.db.CloseConversation(m.ConversationID); err != nil {
			return err
		}
		e.bus.Emit(bus.KindConversationClosed, m.ConversationID)
	default:
		e.logger.Debug("unknown membership change", zap.String("change", m.Change))
		return nil
	}

	e.bus.Emit(bus.KindMembershipChanged, m.ConversationID)
	return nil
}

// Backfill pulls the conversation list and the first page of each
// conversation's history into the local log. Merging is idempotent and
// never disturbs pending entries already present.
func (e *Engine) Backfill(ctx context.Context, fetcher Fetcher, pageSize int) error {
	convs, err := fetcher.FetchConversations(ctx)
	if err != nil {
		return fmt.Errorf("fetch conversations: %w", err)
	}

	for i := range convs {
		c := &convs[i]
		if err := e.IngestConversation(c); err != nil {
			return err
		}
		e.resolveUsers(ctx, fetcher, c.ParticipantIDs)

		page, err := fetcher.FetchMessages(ctx, c.ID, 1, pageSize)
		if err != nil {
			return fmt.Errorf("fetch messages for %s: %w", c.ID, err)
		}
		e.mu.Lock()
		for j := range page.Items {
			if err := e.ingestMessageLocked(&page.Items[j]); err != nil {
				e.mu.Unlock()
				return err
			}
		}
		e.mu.Unlock()
	}

	if err := e.SetCheckpoint("backfill_at", fmt.Sprintf("%d", time.Now().UnixMilli())); err != nil {
		return err
	}
	e.logger.Info("backfill complete", zap.Int("conversations", len(convs)))
	return nil
}

// resolveUsers fills the identity cache for ids not seen before. Best
// effort: a participant the identity service cannot resolve stays an
// opaque id and is retried on the next backfill.
func (e *Engine) resolveUsers(ctx context.Context, fetcher Fetcher, userIDs []string) {
	for _, id := range userIDs {
		cached, err := e.db.GetUser(id)
		if err != nil || cached != nil {
			continue
		}
		u, err := fetcher.FetchUser(ctx, id)
		if err != nil {
			e.logger.Debug("identity lookup failed", zap.String("user_id", id), zap.Error(err))
			continue
		}
		if err := e.db.UpsertUser(u.Model()); err != nil {
			e.logger.Warn("failed to cache user", zap.String("user_id", id), zap.Error(err))
		}
	}
}

// SetCheckpoint updates a sync checkpoint value.
func (e *Engine) SetCheckpoint(key, value string) error {
	now := time.Now().UnixMilli()
	_, err := e.db.Exec(`
		INSERT INTO sync_state (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, now)
	return err
}

// Checkpoint retrieves a sync checkpoint value, or "" if unset.
func (e *Engine) Checkpoint(key string) (string, error) {
	var value string
	err := e.db.QueryRow(`SELECT value FROM sync_state WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return value, nil
}
