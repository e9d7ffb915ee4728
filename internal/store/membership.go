package store

import (
	"database/sql"
	"fmt"

	"github.com/huddleapp/huddle/internal/model"
)

// UpsertMembership inserts or updates a membership row. A user holds at
// most one membership per conversation.
func (db *DB) UpsertMembership(m model.Membership) error {
	_, err := db.Exec(`
		INSERT INTO memberships (conversation_id, user_id, role, joined_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(conversation_id, user_id) DO UPDATE SET
			role = excluded.role`,
		m.ConversationID, m.UserID, m.Role, m.JoinedAt)
	if err != nil {
		return fmt.Errorf("upsert membership: %w", err)
	}
	return nil
}

// RemoveMembership deletes a membership row if present.
func (db *DB) RemoveMembership(conversationID, userID string) error {
	_, err := db.Exec(`DELETE FROM memberships WHERE conversation_id = ? AND user_id = ?`,
		conversationID, userID)
	if err != nil {
		return fmt.Errorf("remove membership: %w", err)
	}
	return nil
}

// GetRole returns the role of userID in the conversation. The second
// return is false when the user is not a member.
func (db *DB) GetRole(conversationID, userID string) (model.Role, bool, error) {
	var role model.Role
	err := db.QueryRow(`SELECT role FROM memberships WHERE conversation_id = ? AND user_id = ?`,
		conversationID, userID).Scan(&role)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return role, true, nil
}

// ListMembers returns all memberships of a conversation ordered by user id.
func (db *DB) ListMembers(conversationID string) ([]model.Membership, error) {
	rows, err := db.Query(`
		SELECT conversation_id, user_id, role, joined_at
		FROM memberships WHERE conversation_id = ? ORDER BY user_id`, conversationID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var members []model.Membership
	for rows.Next() {
		var m model.Membership
		if err := rows.Scan(&m.ConversationID, &m.UserID, &m.Role, &m.JoinedAt); err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

// MemberCount returns the number of members in a conversation.
func (db *DB) MemberCount(conversationID string) (int, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM memberships WHERE conversation_id = ?`,
		conversationID).Scan(&n)
	return n, err
}

// DeleteMemberships destroys every membership of a conversation. Used
// when a group is deleted.
func (db *DB) DeleteMemberships(conversationID string) error {
	_, err := db.Exec(`DELETE FROM memberships WHERE conversation_id = ?`, conversationID)
	if err != nil {
		return fmt.Errorf("delete memberships: %w", err)
	}
	return nil
}
