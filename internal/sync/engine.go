// Package sync owns reconciliation between local optimistic state and
// the authoritative server. The engine is the only component that writes
// confirmed state: user intents enter through its mutation methods as
// optimistic Pending records, and server acknowledgments, rejections and
// out-of-band push events leave through the same de-duplication rules so
// an ack racing a push for the same action collapses to one record.
package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/huddleapp/huddle/internal/bus"
	"github.com/huddleapp/huddle/internal/group"
	"github.com/huddleapp/huddle/internal/model"
	"github.com/huddleapp/huddle/internal/remote"
	"github.com/huddleapp/huddle/internal/store"
	"go.uber.org/zap"
)

// Fetcher is the query side of the transport, used for backfill.
type Fetcher interface {
	FetchConversations(ctx context.Context) ([]remote.Conversation, error)
	FetchMessages(ctx context.Context, conversationID string, page, limit int) (*remote.MessagePage, error)
	FetchUser(ctx context.Context, userID string) (*remote.User, error)
}

// Engine reconciles the local store with the server.
type Engine struct {
	db     *store.DB
	groups *group.Manager
	bus    *bus.Bus
	logger *zap.Logger
	selfID string
	cancel context.CancelFunc

	// Serializes every state transition with respect to the event
	// stream: no intent handler re-enters while another is in flight.
	mu sync.Mutex
}

// NewEngine creates a sync engine for the given local identity.
func NewEngine(db *store.DB, groups *group.Manager, b *bus.Bus, selfID string, logger *zap.Logger) *Engine {
	return &Engine{
		db:     db,
		groups: groups,
		bus:    b,
		selfID: selfID,
		logger: logger,
	}
}

// Start subscribes to inbound push events on the bus.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	ch, unsub := e.bus.Subscribe("push.", 256)

	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				e.handleEvent(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the engine.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
}

func (e *Engine) handleEvent(evt bus.Event) {
	var err error
	switch evt.Kind {
	case bus.KindPushMessage:
		if m, ok := evt.Payload.(*remote.Message); ok {
			err = e.IngestMessage(m)
		}
	case bus.KindPushReceipt:
		if r, ok := evt.Payload.(*remote.Receipt); ok {
			err = e.IngestReceipt(r)
		}
	case bus.KindPushConversation:
		if c, ok := evt.Payload.(*remote.Conversation); ok {
			err = e.IngestConversation(c)
		}
	case bus.KindPushMembership:
		if m, ok := evt.Payload.(*remote.MembershipEvent); ok {
			err = e.IngestMembership(m)
		}
	}
	if err != nil {
		e.logger.Error("failed to ingest push event", zap.String("kind", evt.Kind), zap.Error(err))
	}
}

// localConversationID mints an id for a conversation that exists only on
// this client until the server assigns the real one.
func localConversationID() string {
	return "local-" + uuid.NewString()
}

// Send applies an optimistic pending message and queues the send intent.
// Exactly one of conversationID or participantID is given; the latter
// resolves (or locally creates) the direct conversation for the pair.
// Returns the client id that correlates the eventual acknowledgment.
func (e *Engine) Send(conversationID, participantID, content string, msgType model.MessageType, replyToID string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if participantID != "" {
		conv, err := e.db.GetOrCreateDirect(e.selfID, participantID, localConversationID())
		if err != nil {
			return "", err
		}
		conversationID = conv.ID
	}

	if replyToID != "" {
		// Replies must reference a message in the same conversation.
		target, err := e.db.GetMessage(conversationID, replyToID)
		if err != nil {
			return "", err
		}
		if target == nil {
			return "", fmt.Errorf("reply target %s: %w", replyToID, model.ErrNotFound)
		}
	}

	clientID := uuid.NewString()
	now := time.Now().UnixMilli()
	msg := &model.Message{
		ClientID:       clientID,
		ConversationID: conversationID,
		SenderID:       e.selfID,
		Content:        content,
		Type:           msgType,
		ReplyToID:      replyToID,
		CreatedAt:      now,
	}
	if _, err := e.db.AppendLocal(msg); err != nil {
		return "", err
	}
	if err := e.db.Touch(conversationID, now); err != nil {
		return "", err
	}

	if err := e.queueIntent(clientID, store.IntentSendMessage, conversationID, "", store.SendPayload{
		ParticipantID: participantID,
		Content:       content,
		Type:          string(msgType),
		ReplyToID:     replyToID,
	}); err != nil {
		return "", err
	}

	e.bus.Emit(bus.KindMessageUpserted, bus.MessageRef{ConversationID: conversationID, ClientID: clientID})
	return clientID, nil
}

// Edit applies an edit optimistically and queues the intent. The store
// enforces sender-only editing.
func (e *Engine) Edit(conversationID, messageID, newContent string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.db.EditMessage(conversationID, messageID, newContent, e.selfID); err != nil {
		return err
	}
	if err := e.queueIntent(uuid.NewString(), store.IntentEditMessage, conversationID, messageID,
		store.EditPayload{Content: newContent}); err != nil {
		return err
	}
	e.bus.Emit(bus.KindMessageUpserted, bus.MessageRef{ConversationID: conversationID, MessageID: messageID})
	return nil
}

// Delete applies a deletion optimistically and queues the intent.
func (e *Engine) Delete(conversationID, messageID string, scope model.DeleteScope) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.db.DeleteMessage(conversationID, messageID, e.selfID, scope); err != nil {
		return err
	}
	if err := e.queueIntent(uuid.NewString(), store.IntentDeleteMessage, conversationID, messageID,
		store.DeletePayload{Scope: string(scope)}); err != nil {
		return err
	}
	e.bus.Emit(bus.KindMessageDeleted, bus.MessageRef{ConversationID: conversationID, MessageID: messageID})
	return nil
}

// MarkRead records the local read receipt and queues the intent.
func (e *Engine) MarkRead(conversationID, messageID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.db.MarkRead(conversationID, messageID, e.selfID); err != nil {
		return err
	}
	if err := e.queueIntent(uuid.NewString(), store.IntentMarkRead, conversationID, messageID, nil); err != nil {
		return err
	}
	e.bus.Emit(bus.KindMessageRead, bus.MessageRef{ConversationID: conversationID, MessageID: messageID})
	return nil
}

// CreateGroup creates a locally-pending group and queues the intent.
// Returns the local conversation id, replaced on confirmation.
func (e *Engine) CreateGroup(name, description string, memberIDs []string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	localID := localConversationID()
	if _, err := e.groups.CreateGroup(localID, e.selfID, name, description, memberIDs); err != nil {
		return "", err
	}
	if err := e.queueIntent(uuid.NewString(), store.IntentCreateGroup, localID, "", store.GroupPayload{
		Name: name, Description: description, UserIDs: memberIDs,
	}); err != nil {
		return "", err
	}
	return localID, nil
}

// AddMembers applies the membership change optimistically and queues the
// intent. Role rules are enforced locally before anything is queued.
func (e *Engine) AddMembers(conversationID string, userIDs []string) ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	added, err := e.groups.AddMembers(conversationID, e.selfID, userIDs)
	if err != nil {
		return nil, err
	}
	if len(added) == 0 {
		return nil, nil
	}
	if err := e.queueIntent(uuid.NewString(), store.IntentAddMembers, conversationID, "",
		store.GroupPayload{UserIDs: added}); err != nil {
		return nil, err
	}
	return added, nil
}

// RemoveMember applies the removal optimistically and queues the intent.
func (e *Engine) RemoveMember(conversationID, targetID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.groups.RemoveMember(conversationID, e.selfID, targetID); err != nil {
		return err
	}
	kind := store.IntentRemoveMember
	if targetID == e.selfID {
		kind = store.IntentLeaveGroup
	}
	return e.queueIntent(uuid.NewString(), kind, conversationID, targetID, nil)
}

// Promote grants admin optimistically and queues the intent.
func (e *Engine) Promote(conversationID, targetID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.groups.Promote(conversationID, e.selfID, targetID); err != nil {
		return err
	}
	return e.queueIntent(uuid.NewString(), store.IntentPromote, conversationID, targetID, nil)
}

// DeleteGroup closes the group optimistically and queues the intent.
func (e *Engine) DeleteGroup(conversationID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.groups.DeleteGroup(conversationID, e.selfID); err != nil {
		return err
	}
	return e.queueIntent(uuid.NewString(), store.IntentDeleteGroup, conversationID, "", nil)
}

// Retry requeues a failed intent under its original client id. Retries
// are always explicit; nothing in the engine retries in the background.
func (e *Engine) Retry(clientID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	in, err := e.db.GetIntent(clientID)
	if err != nil {
		return err
	}
	if in == nil {
		return fmt.Errorf("intent %s: %w", clientID, model.ErrNotFound)
	}
	if in.Kind == store.IntentSendMessage {
		if err := e.db.RequeueLocal(in.ConversationID, clientID); err != nil {
			return err
		}
	}
	return e.db.RequeueIntent(clientID)
}

// Discard drops a failed intent and, for sends, the local message that
// never reached the server.
func (e *Engine) Discard(clientID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	in, err := e.db.GetIntent(clientID)
	if err != nil {
		return err
	}
	if in == nil {
		return nil
	}
	if in.Kind == store.IntentSendMessage {
		if err := e.db.DiscardLocal(in.ConversationID, clientID); err != nil {
			return err
		}
	}
	return e.db.DiscardIntent(clientID)
}

func (e *Engine) queueIntent(clientID, kind, conversationID, targetID string, payload any) error {
	var encoded string
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode intent payload: %w", err)
		}
		encoded = string(data)
	}
	return e.db.QueueIntent(&store.Intent{
		ClientID:       clientID,
		Kind:           kind,
		ConversationID: conversationID,
		TargetID:       targetID,
		Payload:        encoded,
	})
}
