package store

// Intent statuses. A failed intent only leaves failed via an explicit
// Requeue or Discard; there is no background retry.
const (
	IntentQueued    = "queued"
	IntentInflight  = "inflight"
	IntentConfirmed = "confirmed"
	IntentFailed    = "failed"
)

// Intent kinds.
const (
	IntentSendMessage   = "send_message"
	IntentEditMessage   = "edit_message"
	IntentDeleteMessage = "delete_message"
	IntentMarkRead      = "mark_read"
	IntentCreateGroup   = "create_group"
	IntentAddMembers    = "add_members"
	IntentRemoveMember  = "remove_member"
	IntentPromote       = "promote"
	IntentLeaveGroup    = "leave_group"
	IntentDeleteGroup   = "delete_group"
)

// Kind-specific intent payloads, JSON-encoded into Intent.Payload.
type (
	// SendPayload carries a send_message intent. ParticipantID is set
	// instead of the conversation when the direct conversation is still
	// locally pending.
	SendPayload struct {
		ParticipantID string `json:"participantId,omitempty"`
		Content       string `json:"content"`
		Type          string `json:"type"`
		ReplyToID     string `json:"replyToId,omitempty"`
	}

	// EditPayload carries an edit_message intent.
	EditPayload struct {
		Content string `json:"content"`
	}

	// DeletePayload carries a delete_message intent.
	DeletePayload struct {
		Scope string `json:"scope"`
	}

	// GroupPayload carries create_group and membership intents.
	GroupPayload struct {
		Name        string   `json:"name,omitempty"`
		Description string   `json:"description,omitempty"`
		UserIDs     []string `json:"userIds,omitempty"`
	}
)

// Intent is a queued user-initiated mutation awaiting dispatch to the
// server. ClientID correlates the eventual acknowledgment or rejection
// with the optimistic local record.
type Intent struct {
	ID             int64
	ClientID       string
	Kind           string
	ConversationID string
	TargetID       string
	Payload        string // JSON-encoded request body, kind-specific
	Status         string
	ErrorMessage   string
	Attempts       int
}
