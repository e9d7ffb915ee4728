// Package outbox drains the queued intent log through the transport.
// Intents are dispatched in issuance order; a pending intent that gets
// neither acknowledgment nor rejection within the configured timeout
// fails exactly once, and nothing here retries in the background.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/huddleapp/huddle/internal/model"
	"github.com/huddleapp/huddle/internal/remote"
	"github.com/huddleapp/huddle/internal/store"
	intsync "github.com/huddleapp/huddle/internal/sync"
	"go.uber.org/zap"
)

// Transport is the mutation side of the chat API.
type Transport interface {
	SendMessage(ctx context.Context, req remote.SendMessageRequest) (*remote.Message, error)
	EditMessage(ctx context.Context, messageID, newContent string) (*remote.Message, error)
	DeleteMessage(ctx context.Context, messageID string, scope model.DeleteScope) error
	MarkRead(ctx context.Context, messageID string) error
	CreateGroup(ctx context.Context, req remote.CreateGroupRequest) (*remote.Conversation, error)
	AddGroupMembers(ctx context.Context, groupID string, userIDs []string) (*remote.Conversation, error)
	RemoveGroupMember(ctx context.Context, groupID, userID string) error
	PromoteToAdmin(ctx context.Context, groupID, userID string) error
	LeaveGroup(ctx context.Context, groupID string) error
	DeleteGroup(ctx context.Context, groupID string) error
}

// Dispatcher polls the intent queue and routes outcomes back through the
// sync engine.
type Dispatcher struct {
	db        *store.DB
	transport Transport
	engine    *intsync.Engine
	logger    *zap.Logger
	timeout   time.Duration
	interval  time.Duration
	cancel    context.CancelFunc
}

// NewDispatcher creates a dispatcher with the given per-intent timeout.
func NewDispatcher(db *store.DB, transport Transport, engine *intsync.Engine, timeout time.Duration, logger *zap.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Dispatcher{
		db:        db,
		transport: transport,
		engine:    engine,
		logger:    logger,
		timeout:   timeout,
		interval:  500 * time.Millisecond,
	}
}

// Start begins polling the intent queue.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	go d.loop(ctx)
}

// Stop stops the dispatcher loop.
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
}

func (d *Dispatcher) loop(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.ProcessPending(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// ProcessPending dispatches every queued intent once, in issuance order.
func (d *Dispatcher) ProcessPending(ctx context.Context) {
	pending, err := d.db.PendingIntents()
	if err != nil {
		d.logger.Error("failed to read intent queue", zap.Error(err))
		return
	}

	for _, in := range pending {
		if ctx.Err() != nil {
			return
		}
		if err := d.db.MarkIntentInflight(in.ClientID); err != nil {
			d.logger.Error("failed to claim intent", zap.Error(err), zap.String("client_id", in.ClientID))
			continue
		}

		callCtx, cancel := context.WithTimeout(ctx, d.timeout)
		result, err := d.dispatch(callCtx, in)
		cancel()

		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				err = fmt.Errorf("intent %s timed out: %w", in.ClientID, model.ErrTransient)
			}
			if herr := d.engine.HandleReject(in, err); herr != nil {
				d.logger.Error("failed to apply rejection", zap.Error(herr), zap.String("client_id", in.ClientID))
			}
			if model.IsAuth(err) {
				// Dispatching the rest with a dead credential only
				// produces more of the same.
				d.logger.Warn("credential expired, pausing dispatch")
				return
			}
			d.logger.Warn("intent rejected",
				zap.String("client_id", in.ClientID), zap.String("kind", in.Kind), zap.Error(err))
			continue
		}

		if err := d.engine.HandleAck(in, result); err != nil {
			d.logger.Error("failed to apply acknowledgment", zap.Error(err), zap.String("client_id", in.ClientID))
			continue
		}
		d.logger.Info("intent confirmed", zap.String("client_id", in.ClientID), zap.String("kind", in.Kind))
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, in store.Intent) (any, error) {
	switch in.Kind {
	case store.IntentSendMessage:
		var p store.SendPayload
		if err := json.Unmarshal([]byte(in.Payload), &p); err != nil {
			return nil, fmt.Errorf("decode send payload: %w", err)
		}
		req := remote.SendMessageRequest{
			ClientID:  in.ClientID,
			Content:   p.Content,
			Type:      p.Type,
			ReplyToID: p.ReplyToID,
		}
		if p.ParticipantID != "" {
			req.ParticipantID = p.ParticipantID
		} else {
			req.ConversationID = in.ConversationID
		}
		return d.transport.SendMessage(ctx, req)

	case store.IntentEditMessage:
		var p store.EditPayload
		if err := json.Unmarshal([]byte(in.Payload), &p); err != nil {
			return nil, fmt.Errorf("decode edit payload: %w", err)
		}
		return d.transport.EditMessage(ctx, in.TargetID, p.Content)

	case store.IntentDeleteMessage:
		var p store.DeletePayload
		if err := json.Unmarshal([]byte(in.Payload), &p); err != nil {
			return nil, fmt.Errorf("decode delete payload: %w", err)
		}
		return nil, d.transport.DeleteMessage(ctx, in.TargetID, model.DeleteScope(p.Scope))

	case store.IntentMarkRead:
		return nil, d.transport.MarkRead(ctx, in.TargetID)

	case store.IntentCreateGroup:
		var p store.GroupPayload
		if err := json.Unmarshal([]byte(in.Payload), &p); err != nil {
			return nil, fmt.Errorf("decode group payload: %w", err)
		}
		return d.transport.CreateGroup(ctx, remote.CreateGroupRequest{
			ClientID:       in.ClientID,
			Name:           p.Name,
			Description:    p.Description,
			ParticipantIDs: p.UserIDs,
		})

	case store.IntentAddMembers:
		var p store.GroupPayload
		if err := json.Unmarshal([]byte(in.Payload), &p); err != nil {
			return nil, fmt.Errorf("decode group payload: %w", err)
		}
		return d.transport.AddGroupMembers(ctx, in.ConversationID, p.UserIDs)

	case store.IntentRemoveMember:
		return nil, d.transport.RemoveGroupMember(ctx, in.ConversationID, in.TargetID)

	case store.IntentPromote:
		return nil, d.transport.PromoteToAdmin(ctx, in.ConversationID, in.TargetID)

	case store.IntentLeaveGroup:
		return nil, d.transport.LeaveGroup(ctx, in.ConversationID)

	case store.IntentDeleteGroup:
		return nil, d.transport.DeleteGroup(ctx, in.ConversationID)

	default:
		return nil, fmt.Errorf("unknown intent kind %q: %w", in.Kind, model.ErrInvalidOperation)
	}
}
