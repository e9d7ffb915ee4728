// Package group enforces the role state machine for group conversations.
//
// Roles: creator is assigned exactly once at creation and cannot be
// reassigned or removed while the group exists. Admin is granted via
// Promote; the only way to revoke it is removing the member. There is
// deliberately no demote operation.
package group

import (
	"fmt"
	"time"

	"github.com/huddleapp/huddle/internal/bus"
	"github.com/huddleapp/huddle/internal/model"
	"github.com/huddleapp/huddle/internal/store"
	"go.uber.org/zap"
)

// Manager applies membership transitions against the local store.
type Manager struct {
	db     *store.DB
	bus    *bus.Bus
	logger *zap.Logger
}

// NewManager creates a membership manager.
func NewManager(db *store.DB, b *bus.Bus, logger *zap.Logger) *Manager {
	return &Manager{db: db, bus: b, logger: logger}
}

// CreateGroup creates a group conversation under the given id. The
// creator is always a member and always an admin-capable creator.
func (m *Manager) CreateGroup(id, creatorID, name, description string, memberIDs []string) (*model.Conversation, error) {
	now := time.Now().UnixMilli()
	conv := &model.Conversation{
		ID:             id,
		Kind:           model.KindGroup,
		Name:           name,
		Description:    description,
		CreatorID:      creatorID,
		LastActivityAt: now,
		Pending:        true,
	}
	if err := m.db.UpsertConversation(conv); err != nil {
		return nil, err
	}
	if err := m.db.UpsertMembership(model.Membership{
		ConversationID: id, UserID: creatorID, Role: model.RoleCreator, JoinedAt: now,
	}); err != nil {
		return nil, err
	}
	for _, uid := range memberIDs {
		if uid == creatorID {
			continue
		}
		if err := m.db.UpsertMembership(model.Membership{
			ConversationID: id, UserID: uid, Role: model.RoleMember, JoinedAt: now,
		}); err != nil {
			return nil, err
		}
	}
	m.bus.Emit(bus.KindMembershipChanged, id)
	return conv, nil
}

// AddMembers adds users to a group. Only the creator or an admin may add;
// ids that are already members are skipped without error. Returns the set
// actually added.
func (m *Manager) AddMembers(conversationID, requesterID string, userIDs []string) ([]string, error) {
	if err := m.requireManager(conversationID, requesterID); err != nil {
		return nil, err
	}

	now := time.Now().UnixMilli()
	var added []string
	for _, uid := range userIDs {
		_, isMember, err := m.db.GetRole(conversationID, uid)
		if err != nil {
			return nil, err
		}
		if isMember {
			continue
		}
		if err := m.db.UpsertMembership(model.Membership{
			ConversationID: conversationID, UserID: uid, Role: model.RoleMember, JoinedAt: now,
		}); err != nil {
			return nil, err
		}
		added = append(added, uid)
	}
	if len(added) > 0 {
		if err := m.db.Touch(conversationID, now); err != nil {
			return nil, err
		}
		m.bus.Emit(bus.KindMembershipChanged, conversationID)
	}
	return added, nil
}

// RemoveMember removes a user from a group. Allowed for the creator, an
// admin, or the target themselves (leave). No one may force out the
// creator: that is an InvalidOperation, not an authorization failure.
func (m *Manager) RemoveMember(conversationID, requesterID, targetID string) error {
	conv, err := m.requireGroup(conversationID)
	if err != nil {
		return err
	}
	if targetID == conv.CreatorID && requesterID != targetID {
		return fmt.Errorf("remove creator of %s: %w", conversationID, model.ErrInvalidOperation)
	}
	if requesterID != targetID {
		if err := m.requireManager(conversationID, requesterID); err != nil {
			return err
		}
	}

	_, isMember, err := m.db.GetRole(conversationID, targetID)
	if err != nil {
		return err
	}
	if !isMember {
		return fmt.Errorf("member %s in %s: %w", targetID, conversationID, model.ErrNotFound)
	}
	if err := m.db.RemoveMembership(conversationID, targetID); err != nil {
		return err
	}
	if err := m.db.Touch(conversationID, time.Now().UnixMilli()); err != nil {
		return err
	}

	// A group with zero members is terminal and treated as deleted.
	n, err := m.db.MemberCount(conversationID)
	if err != nil {
		return err
	}
	if n == 0 {
		if err := m.db.CloseConversation(conversationID); err != nil {
			return err
		}
		m.bus.Emit(bus.KindConversationClosed, conversationID)
	}
	m.bus.Emit(bus.KindMembershipChanged, conversationID)
	return nil
}

// Promote grants admin to a member. Creator or admin only; promoting an
// existing admin is a no-op.
func (m *Manager) Promote(conversationID, requesterID, targetID string) error {
	if err := m.requireManager(conversationID, requesterID); err != nil {
		return err
	}
	role, isMember, err := m.db.GetRole(conversationID, targetID)
	if err != nil {
		return err
	}
	if !isMember {
		return fmt.Errorf("member %s in %s: %w", targetID, conversationID, model.ErrNotFound)
	}
	if role == model.RoleAdmin || role == model.RoleCreator {
		return nil
	}
	if err := m.db.UpsertMembership(model.Membership{
		ConversationID: conversationID, UserID: targetID, Role: model.RoleAdmin,
	}); err != nil {
		return err
	}
	m.bus.Emit(bus.KindMembershipChanged, conversationID)
	return nil
}

// DeleteGroup destroys all memberships and closes the conversation.
// Creator only. Messages remain readable in history; no new message may
// be appended afterwards.
func (m *Manager) DeleteGroup(conversationID, requesterID string) error {
	conv, err := m.requireGroup(conversationID)
	if err != nil {
		return err
	}
	if requesterID != conv.CreatorID {
		return fmt.Errorf("delete group %s by %s: %w", conversationID, requesterID, model.ErrNotAuthorized)
	}
	if err := m.db.DeleteMemberships(conversationID); err != nil {
		return err
	}
	if err := m.db.CloseConversation(conversationID); err != nil {
		return err
	}
	if m.logger != nil {
		m.logger.Info("group deleted", zap.String("conversation_id", conversationID))
	}
	m.bus.Emit(bus.KindConversationClosed, conversationID)
	m.bus.Emit(bus.KindMembershipChanged, conversationID)
	return nil
}

func (m *Manager) requireGroup(conversationID string) (*model.Conversation, error) {
	conv, err := m.db.GetConversation(conversationID)
	if err != nil {
		return nil, err
	}
	if conv == nil {
		return nil, fmt.Errorf("conversation %s: %w", conversationID, model.ErrNotFound)
	}
	if conv.Kind != model.KindGroup {
		return nil, fmt.Errorf("conversation %s is not a group: %w", conversationID, model.ErrInvalidOperation)
	}
	if conv.Closed {
		return nil, fmt.Errorf("conversation %s is closed: %w", conversationID, model.ErrInvalidOperation)
	}
	return conv, nil
}

func (m *Manager) requireManager(conversationID, requesterID string) error {
	if _, err := m.requireGroup(conversationID); err != nil {
		return err
	}
	role, isMember, err := m.db.GetRole(conversationID, requesterID)
	if err != nil {
		return err
	}
	if !isMember || (role != model.RoleCreator && role != model.RoleAdmin) {
		return fmt.Errorf("requester %s on %s: %w", requesterID, conversationID, model.ErrNotAuthorized)
	}
	return nil
}
