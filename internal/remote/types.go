package remote

import (
	"github.com/huddleapp/huddle/internal/model"
)

// Wire shapes for the chat API. The server is authoritative for ids,
// timestamps and read sets; the client only ever mirrors them.

// Message is a server-side message record.
type Message struct {
	ID                 string   `json:"id"`
	ClientID           string   `json:"clientId,omitempty"`
	ConversationID     string   `json:"conversationId"`
	SenderID           string   `json:"senderId"`
	Content            string   `json:"content"`
	Type               string   `json:"type"`
	ReplyToID          string   `json:"replyToId,omitempty"`
	CreatedAt          int64    `json:"createdAt"`
	EditedAt           *int64   `json:"editedAt,omitempty"`
	DeletedForEveryone bool     `json:"deletedForEveryone,omitempty"`
	ReadBy             []string `json:"readBy,omitempty"`
}

// Model converts the wire record to the domain shape. The lifecycle
// state is derived from the record itself so a reconcile never demotes
// an edited message back to plain confirmed.
func (m *Message) Model() *model.Message {
	state := model.StateConfirmed
	if m.EditedAt != nil {
		state = model.StateEdited
	}
	return &model.Message{
		ID:                 m.ID,
		ClientID:           m.ClientID,
		ConversationID:     m.ConversationID,
		SenderID:           m.SenderID,
		Content:            m.Content,
		Type:               model.MessageType(m.Type),
		State:              state,
		ReplyToID:          m.ReplyToID,
		CreatedAt:          m.CreatedAt,
		EditedAt:           m.EditedAt,
		DeletedForEveryone: m.DeletedForEveryone,
	}
}

// User is an identity record served by the platform's identity service.
type User struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	AvatarRef   string `json:"avatarRef,omitempty"`
}

// Model converts the wire record to the domain shape.
func (u *User) Model() *model.User {
	return &model.User{
		ID:          u.ID,
		DisplayName: u.DisplayName,
		AvatarRef:   u.AvatarRef,
	}
}

// Conversation is a server-side conversation record with its membership.
type Conversation struct {
	ID             string   `json:"id"`
	Kind           string   `json:"kind"`
	Name           string   `json:"name,omitempty"`
	Description    string   `json:"description,omitempty"`
	CreatorID      string   `json:"creatorId,omitempty"`
	ParticipantIDs []string `json:"participantIds"`
	AdminIDs       []string `json:"adminIds,omitempty"`
	LastActivityAt int64    `json:"lastActivityAt"`
	UnreadCount    int      `json:"unreadCount,omitempty"`
}

// Model converts the wire record to the domain shape.
func (c *Conversation) Model() *model.Conversation {
	conv := &model.Conversation{
		ID:             c.ID,
		Kind:           model.ConversationKind(c.Kind),
		Name:           c.Name,
		Description:    c.Description,
		CreatorID:      c.CreatorID,
		LastActivityAt: c.LastActivityAt,
	}
	if conv.Kind == model.KindDirect && len(c.ParticipantIDs) == 2 {
		conv.DirectKey = model.DirectKey(c.ParticipantIDs[0], c.ParticipantIDs[1])
	}
	return conv
}

// Role returns the role of uid as implied by the conversation record.
func (c *Conversation) Role(uid string) model.Role {
	if uid == c.CreatorID {
		return model.RoleCreator
	}
	for _, a := range c.AdminIDs {
		if a == uid {
			return model.RoleAdmin
		}
	}
	return model.RoleMember
}

// MessagePage is a pagination envelope for message history.
type MessagePage struct {
	Items []Message `json:"items"`
	Total int       `json:"total"`
}

// SendMessageRequest creates a message. Exactly one of ConversationID or
// ParticipantID is set; the latter asks the server to resolve (or create)
// the direct conversation for the pair.
type SendMessageRequest struct {
	ConversationID string `json:"conversationId,omitempty"`
	ParticipantID  string `json:"participantId,omitempty"`
	ClientID       string `json:"clientId"`
	Content        string `json:"content"`
	Type           string `json:"type"`
	ReplyToID      string `json:"replyToId,omitempty"`
}

// CreateGroupRequest creates a group conversation.
type CreateGroupRequest struct {
	ClientID       string   `json:"clientId"`
	Name           string   `json:"name"`
	Description    string   `json:"description,omitempty"`
	ParticipantIDs []string `json:"participantIds"`
}

// Receipt is a delivery or read acknowledgment for a message.
type Receipt struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
	UserID         string `json:"userId"`
	Kind           string `json:"kind"` // delivered | read
	At             int64  `json:"at"`
}

// MembershipEvent describes a membership change pushed by the server.
type MembershipEvent struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	Role           string `json:"role,omitempty"`
	Change         string `json:"change"` // added | removed | promoted | group_deleted
}

// PushEnvelope is the out-of-band event frame delivered on the push
// channel. Kind selects which payload field is set.
type PushEnvelope struct {
	Kind         string           `json:"kind"`
	Message      *Message         `json:"message,omitempty"`
	Receipt      *Receipt         `json:"receipt,omitempty"`
	Conversation *Conversation    `json:"conversation,omitempty"`
	Membership   *MembershipEvent `json:"membership,omitempty"`
}

// Push envelope kinds.
const (
	PushMessage      = "message"
	PushReceipt      = "receipt"
	PushConversation = "conversation"
	PushMembership   = "membership"
)
