package model

// ConversationKind distinguishes direct threads from groups.
type ConversationKind string

const (
	KindDirect ConversationKind = "direct"
	KindGroup  ConversationKind = "group"
)

// MessageType is the tagged content variant of a message.
type MessageType string

const (
	TypeText       MessageType = "text"
	TypeSystem     MessageType = "system"
	TypeAttachment MessageType = "attachment"
)

// MessageState is the client-side lifecycle of a message.
type MessageState string

const (
	StatePending   MessageState = "pending"
	StateConfirmed MessageState = "confirmed"
	StateEdited    MessageState = "edited"
	StateFailed    MessageState = "failed"
)

// DeleteScope selects between per-viewer and global deletion.
type DeleteScope string

const (
	DeleteForSelf     DeleteScope = "self"
	DeleteForEveryone DeleteScope = "everyone"
)

// Role is a member's role within a group conversation.
type Role string

const (
	RoleMember  Role = "member"
	RoleAdmin   Role = "admin"
	RoleCreator Role = "creator"
)

// DeletedContent replaces the body of a message deleted for everyone.
const DeletedContent = "[deleted]"

// User is an identity reference owned by the external identity service.
// Treated as an opaque immutable value once fetched.
type User struct {
	ID          string
	DisplayName string
	AvatarRef   string
}

// Conversation is a direct thread or a group. Direct conversations are
// keyed by the canonical sorted participant pair; a locally created one
// stays Pending until the first confirmed send assigns the server id.
type Conversation struct {
	ID             string
	Kind           ConversationKind
	Name           string
	Description    string
	CreatorID      string
	DirectKey      string // canonical "a|b" pair key, empty for groups
	LastActivityAt int64  // unix ms
	Pending        bool
	Closed         bool
	UnreadCount    int
}

// Message is one entry in a conversation's ordered log.
// ID holds the server-assigned id once confirmed; before confirmation it
// carries the ClientID so the (createdAt, id) order stays total.
type Message struct {
	LocalID            int64 // store rowid, stable across confirmation
	ID                 string
	ClientID           string
	ConversationID     string
	SenderID           string
	Content            string
	Type               MessageType
	State              MessageState
	ReplyToID          string
	CreatedAt          int64 // unix ms
	EditedAt           *int64
	DeletedForEveryone bool
	FailReason         string
}

// Membership relates a user to a group conversation.
type Membership struct {
	ConversationID string
	UserID         string
	Role           Role
	JoinedAt       int64
}

// Visible reports whether the message should be rendered for viewerID.
// Deleted-for-everyone and deleted-for-self entries stay in the log for
// ordering but are hidden.
func (m *Message) Visible(deletedForViewer bool) bool {
	return !m.DeletedForEveryone && !deletedForViewer
}

// DirectKey canonicalizes an unordered participant pair. The pair {A,B}
// yields the same key regardless of who initiated.
func DirectKey(userA, userB string) string {
	if userA > userB {
		userA, userB = userB, userA
	}
	return userA + "|" + userB
}
