package bus

import "time"

// Event is a domain event published on the bus. Kind uses dotted
// namespaces so subscribers can filter by prefix ("push.", "message.").
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds published by the core. Inbound transport events live under
// "push."; everything else is a local state-change notification.
const (
	KindPushMessage      = "push.message"
	KindPushReceipt      = "push.receipt"
	KindPushMembership   = "push.membership"
	KindPushConversation = "push.conversation"

	KindMessageUpserted  = "message.upserted"
	KindMessageConfirmed = "message.confirmed"
	KindMessageFailed    = "message.failed"
	KindMessageDeleted   = "message.deleted"
	KindMessageRead      = "message.read"

	KindConversationUpdated = "conversation.updated"
	KindConversationClosed  = "conversation.closed"
	KindMembershipChanged   = "membership.changed"

	KindIntentRejected = "intent.rejected"
	KindUnreadChanged  = "unread.changed"
	KindStatusChanged  = "session.status_changed"
	KindAuthExpired    = "session.auth_expired"
)

// MessageRef identifies a message inside a conversation.
type MessageRef struct {
	ConversationID string
	MessageID      string
	ClientID       string
}

// IntentFailure is the payload of an action-scoped rejection. The error is
// tied to the specific intent, never global.
type IntentFailure struct {
	ClientID       string
	ConversationID string
	Kind           string
	Err            error
}

// UnreadTotals is the payload of unread.changed.
type UnreadTotals struct {
	ConversationID string // conversation whose count changed, if known
	Conversation   int
	Global         int
}
