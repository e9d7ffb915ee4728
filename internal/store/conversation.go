package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/huddleapp/huddle/internal/model"
)

// UpsertConversation inserts or updates a conversation record. Activity
// timestamps only ever move forward so out-of-order syncs cannot regress
// list ordering. A direct conversation first learned through a message
// push carries no pair key; the follow-up full record fills it in, and a
// known key is never cleared by a keyless update.
func (db *DB) UpsertConversation(c *model.Conversation) error {
	now := time.Now().UnixMilli()
	var directKey any
	if c.DirectKey != "" {
		directKey = c.DirectKey
	}
	_, err := db.Exec(`
		INSERT INTO conversations (id, kind, name, description, creator_id, direct_key, last_activity_at, pending, closed, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			creator_id = excluded.creator_id,
			direct_key = COALESCE(excluded.direct_key, conversations.direct_key),
			last_activity_at = MAX(conversations.last_activity_at, excluded.last_activity_at),
			pending = excluded.pending,
			closed = excluded.closed,
			updated_at = excluded.updated_at`,
		c.ID, c.Kind, c.Name, c.Description, c.CreatorID, directKey,
		c.LastActivityAt, c.Pending, c.Closed, now, now)
	if err != nil {
		return fmt.Errorf("upsert conversation: %w", err)
	}
	return nil
}

// GetConversation returns a conversation by id, or nil.
func (db *DB) GetConversation(id string) (*model.Conversation, error) {
	return db.getConversationWhere(`c.id = ?`, id)
}

// GetDirect returns the direct conversation for the unordered pair, or nil.
func (db *DB) GetDirect(userA, userB string) (*model.Conversation, error) {
	return db.getConversationWhere(`c.direct_key = ?`, model.DirectKey(userA, userB))
}

func (db *DB) getConversationWhere(where string, arg any) (*model.Conversation, error) {
	row := db.QueryRow(`
		SELECT c.id, c.kind, c.name, c.description, c.creator_id,
			COALESCE(c.direct_key, ''), c.last_activity_at, c.pending, c.closed
		FROM conversations c WHERE `+where, arg)
	c, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

func scanConversation(row interface{ Scan(...any) error }) (*model.Conversation, error) {
	var c model.Conversation
	var pending, closed int
	err := row.Scan(&c.ID, &c.Kind, &c.Name, &c.Description, &c.CreatorID,
		&c.DirectKey, &c.LastActivityAt, &pending, &closed)
	if err != nil {
		return nil, err
	}
	c.Pending = pending != 0
	c.Closed = closed != 0
	return &c, nil
}

// GetOrCreateDirect canonicalizes the pair and returns the existing
// conversation if one exists; otherwise it creates a locally-pending one
// under localID that is reconciled on the first confirmed send. The pair
// never maps to two conversation records.
func (db *DB) GetOrCreateDirect(userA, userB, localID string) (*model.Conversation, error) {
	if existing, err := db.GetDirect(userA, userB); err != nil || existing != nil {
		return existing, err
	}

	now := time.Now().UnixMilli()
	c := &model.Conversation{
		ID:             localID,
		Kind:           model.KindDirect,
		DirectKey:      model.DirectKey(userA, userB),
		LastActivityAt: now,
		Pending:        true,
	}
	// A concurrent insert of the same pair loses to the unique direct_key
	// index; fall back to the winner.
	if err := db.UpsertConversation(c); err != nil {
		if existing, gerr := db.GetDirect(userA, userB); gerr == nil && existing != nil {
			return existing, nil
		}
		return nil, err
	}
	for _, uid := range []string{userA, userB} {
		if err := db.UpsertMembership(model.Membership{
			ConversationID: localID, UserID: uid, Role: model.RoleMember, JoinedAt: now,
		}); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// ConfirmConversation rewrites a locally-pending conversation under its
// server-assigned id, carrying messages, memberships and queued intents
// along. If the server conversation already exists locally (the directory
// learned about it from a sync first), the pending record is merged into
// it. Idempotent: confirming an already-confirmed id is a no-op.
func (db *DB) ConfirmConversation(localID, serverID string) error {
	if localID == serverID {
		_, err := db.Exec(`UPDATE conversations SET pending = 0 WHERE id = ?`, serverID)
		return err
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM conversations WHERE id = ?`, serverID).Scan(&exists); err != nil {
		return err
	}

	if exists > 0 {
		if _, err := tx.Exec(`DELETE FROM conversations WHERE id = ?`, localID); err != nil {
			return err
		}
	} else {
		if _, err := tx.Exec(`UPDATE conversations SET id = ?, pending = 0 WHERE id = ?`, serverID, localID); err != nil {
			return fmt.Errorf("confirm conversation: %w", err)
		}
	}

	migrations := []string{
		`UPDATE OR IGNORE messages SET conversation_id = ? WHERE conversation_id = ?`,
		`UPDATE OR IGNORE memberships SET conversation_id = ? WHERE conversation_id = ?`,
		`UPDATE intents SET conversation_id = ? WHERE conversation_id = ?`,
	}
	for _, q := range migrations {
		if _, err := tx.Exec(q, serverID, localID); err != nil {
			return fmt.Errorf("rehome conversation rows: %w", err)
		}
	}
	// Rows that collided on the unique constraints above are duplicates of
	// records already known under the server id.
	if _, err := tx.Exec(`DELETE FROM messages WHERE conversation_id = ?`, localID); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM memberships WHERE conversation_id = ?`, localID); err != nil {
		return err
	}

	return tx.Commit()
}

// ListConversations returns conversations ordered by last activity
// descending, conversation id as the tie-break. Restartable by
// re-issuing the query. Unread counts are derived per viewer.
func (db *DB) ListConversations(selfID string, limit, offset int) ([]model.Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT c.id, c.kind, c.name, c.description, c.creator_id,
			COALESCE(c.direct_key, ''), c.last_activity_at, c.pending, c.closed,
			(SELECT COUNT(*) FROM messages m
			 WHERE m.conversation_id = c.id
			   AND m.sender_id != ?
			   AND m.deleted_for_everyone = 0
			   AND NOT EXISTS (SELECT 1 FROM message_reads r WHERE r.message_id = m.id AND r.user_id = ?)
			   AND NOT EXISTS (SELECT 1 FROM message_deletes d WHERE d.message_id = m.id AND d.user_id = ?)
			) AS unread
		FROM conversations c
		ORDER BY c.last_activity_at DESC, c.id ASC
		LIMIT ? OFFSET ?`, selfID, selfID, selfID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convs []model.Conversation
	for rows.Next() {
		var c model.Conversation
		var pending, closed int
		if err := rows.Scan(&c.ID, &c.Kind, &c.Name, &c.Description, &c.CreatorID,
			&c.DirectKey, &c.LastActivityAt, &pending, &closed, &c.UnreadCount); err != nil {
			return nil, err
		}
		c.Pending = pending != 0
		c.Closed = closed != 0
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// Touch advances last_activity_at, keeping list ordering correct without
// a full re-fetch. Timestamps never move backwards.
func (db *DB) Touch(conversationID string, activityTs int64) error {
	_, err := db.Exec(`
		UPDATE conversations
		SET last_activity_at = MAX(last_activity_at, ?), updated_at = ?
		WHERE id = ?`, activityTs, time.Now().UnixMilli(), conversationID)
	if err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	return nil
}

// CloseConversation marks a conversation terminal. History stays
// readable; appends are rejected from then on.
func (db *DB) CloseConversation(id string) error {
	_, err := db.Exec(`UPDATE conversations SET closed = 1, updated_at = ? WHERE id = ?`,
		time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("close conversation: %w", err)
	}
	return nil
}

func (db *DB) conversationClosed(id string) (bool, error) {
	var closed int
	err := db.QueryRow(`SELECT closed FROM conversations WHERE id = ?`, id).Scan(&closed)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return closed != 0, nil
}
