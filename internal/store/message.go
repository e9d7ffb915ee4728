package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/huddleapp/huddle/internal/model"
)

const messageColumns = `id, conversation_id, msg_id, client_id, sender_id, content,
	msg_type, state, reply_to_id, created_at, edited_at, deleted_for_everyone, fail_reason`

func scanMessage(row interface{ Scan(...any) error }) (*model.Message, error) {
	var m model.Message
	var edited sql.NullInt64
	var deleted int
	err := row.Scan(&m.LocalID, &m.ConversationID, &m.ID, &m.ClientID, &m.SenderID,
		&m.Content, &m.Type, &m.State, &m.ReplyToID, &m.CreatedAt, &edited, &deleted, &m.FailReason)
	if err != nil {
		return nil, err
	}
	if edited.Valid {
		v := edited.Int64
		m.EditedAt = &v
	}
	m.DeletedForEveryone = deleted != 0
	return &m, nil
}

// AppendLocal inserts an optimistic, client-only message. The client id
// doubles as the message id until confirmation so the (createdAt, id)
// order stays total. Re-appending the same client id re-enters Pending
// with the original content preserved (retry path).
func (db *DB) AppendLocal(m *model.Message) (int64, error) {
	closed, err := db.conversationClosed(m.ConversationID)
	if err != nil {
		return 0, err
	}
	if closed {
		return 0, fmt.Errorf("append to closed conversation %s: %w", m.ConversationID, model.ErrInvalidOperation)
	}
	_, err = db.Exec(`
		INSERT INTO messages (conversation_id, msg_id, client_id, sender_id, content, msg_type, state, reply_to_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, client_id) WHERE client_id != '' DO UPDATE SET
			state = ?,
			fail_reason = ''
		WHERE messages.state IN (?, ?)`,
		m.ConversationID, m.ClientID, m.ClientID, m.SenderID, m.Content, m.Type,
		model.StatePending, m.ReplyToID, m.CreatedAt,
		model.StatePending, model.StatePending, model.StateFailed)
	if err != nil {
		return 0, fmt.Errorf("append local message: %w", err)
	}
	var id int64
	if err := db.QueryRow(`SELECT id FROM messages WHERE conversation_id = ? AND client_id = ?`,
		m.ConversationID, m.ClientID).Scan(&id); err != nil {
		return 0, err
	}
	m.LocalID = id
	return id, nil
}

// ConfirmMessage reconciles the pending message identified by clientID
// with the authoritative server record. The pending row is updated in
// place so its local identity survives; if a push event already inserted
// the server record, the pending duplicate is dropped instead. Applying
// the same confirmation twice is a no-op.
func (db *DB) ConfirmMessage(conversationID, clientID string, confirmed *model.Message) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var existing int64
	err = tx.QueryRow(`SELECT id FROM messages WHERE conversation_id = ? AND msg_id = ?`,
		conversationID, confirmed.ID).Scan(&existing)
	switch {
	case err == nil:
		// Push event won the race. Attach the client id for future
		// correlation and drop the now-redundant pending row.
		if _, err := tx.Exec(`DELETE FROM messages WHERE conversation_id = ? AND client_id = ? AND msg_id != ?`,
			conversationID, clientID, confirmed.ID); err != nil {
			return fmt.Errorf("drop pending duplicate: %w", err)
		}
		if _, err := tx.Exec(`UPDATE messages SET client_id = ?, state = ? WHERE id = ? AND client_id = ''`,
			clientID, model.StateConfirmed, existing); err != nil {
			return fmt.Errorf("attach client id: %w", err)
		}
	case err == sql.ErrNoRows:
		res, err := tx.Exec(`
			UPDATE messages
			SET msg_id = ?, state = ?, content = ?, created_at = ?, fail_reason = ''
			WHERE conversation_id = ? AND client_id = ?`,
			confirmed.ID, model.StateConfirmed, confirmed.Content, confirmed.CreatedAt,
			conversationID, clientID)
		if err != nil {
			return fmt.Errorf("confirm message: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("pending message %s: %w", clientID, model.ErrNotFound)
		}
	default:
		return fmt.Errorf("lookup confirmed message: %w", err)
	}

	return tx.Commit()
}

// UpsertRemote applies a server-originated message idempotently. When the
// payload carries a client id that matches a local pending entry (a push
// event for our own send racing the acknowledgment), the pending row is
// confirmed in place instead of duplicated.
func (db *DB) UpsertRemote(m *model.Message) error {
	if m.ClientID != "" {
		var pending int64
		err := db.QueryRow(`SELECT id FROM messages WHERE conversation_id = ? AND client_id = ? AND msg_id != ?`,
			m.ConversationID, m.ClientID, m.ID).Scan(&pending)
		if err == nil {
			return db.ConfirmMessage(m.ConversationID, m.ClientID, m)
		}
		if err != sql.ErrNoRows {
			return fmt.Errorf("lookup pending by client id: %w", err)
		}
	}

	var edited any
	if m.EditedAt != nil {
		edited = *m.EditedAt
	}
	state := m.State
	if state == "" {
		state = model.StateConfirmed
	}
	_, err := db.Exec(`
		INSERT INTO messages (conversation_id, msg_id, client_id, sender_id, content, msg_type, state, reply_to_id, created_at, edited_at, deleted_for_everyone)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, msg_id) DO UPDATE SET
			content = excluded.content,
			state = excluded.state,
			edited_at = excluded.edited_at,
			deleted_for_everyone = excluded.deleted_for_everyone`,
		m.ConversationID, m.ID, m.ClientID, m.SenderID, m.Content, m.Type, state,
		m.ReplyToID, m.CreatedAt, edited, m.DeletedForEveryone)
	if err != nil {
		return fmt.Errorf("upsert remote message: %w", err)
	}
	return nil
}

// GetMessage returns a message by conversation and message id, or nil.
func (db *DB) GetMessage(conversationID, msgID string) (*model.Message, error) {
	m, err := scanMessage(db.QueryRow(`
		SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = ? AND msg_id = ?`, conversationID, msgID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// ListMessages returns messages for a conversation using keyset pagination
// by (created_at, msg_id), newest first. Pending entries sort by their
// client id like any other message, so a backfill merge never disturbs
// them.
func (db *DB) ListMessages(conversationID string, beforeTs int64, limit int) ([]model.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTs <= 0 {
		beforeTs = time.Now().UnixMilli() + 1
	}
	rows, err := db.Query(`
		SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = ? AND created_at < ?
		ORDER BY created_at DESC, msg_id DESC
		LIMIT ?`, conversationID, beforeTs, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

// EditMessage mutates content. Only the original sender may edit; a
// message deleted for everyone is gone as far as editing is concerned.
func (db *DB) EditMessage(conversationID, msgID, newContent, editorID string) error {
	m, err := db.GetMessage(conversationID, msgID)
	if err != nil {
		return err
	}
	if m == nil || m.DeletedForEveryone {
		return fmt.Errorf("edit %s: %w", msgID, model.ErrNotFound)
	}
	if m.SenderID != editorID {
		return fmt.Errorf("edit %s by %s: %w", msgID, editorID, model.ErrNotAuthorized)
	}
	_, err = db.Exec(`
		UPDATE messages SET content = ?, edited_at = ?, state = ?
		WHERE conversation_id = ? AND msg_id = ?`,
		newContent, time.Now().UnixMilli(), model.StateEdited, conversationID, msgID)
	if err != nil {
		return fmt.Errorf("edit message: %w", err)
	}
	return nil
}

// DeleteMessage applies a deletion. Self scope always succeeds for any
// participant and only hides the message for the requester. Everyone
// scope is sender-only, rewrites the content to a deletion marker and is
// idempotent on repeat calls. The row is retained either way for
// ordering and audit.
func (db *DB) DeleteMessage(conversationID, msgID, requesterID string, scope model.DeleteScope) error {
	m, err := db.GetMessage(conversationID, msgID)
	if err != nil {
		return err
	}
	if m == nil {
		return fmt.Errorf("delete %s: %w", msgID, model.ErrNotFound)
	}

	switch scope {
	case model.DeleteForSelf:
		_, err := db.Exec(`
			INSERT OR IGNORE INTO message_deletes (message_id, user_id, deleted_at)
			VALUES (?, ?, ?)`, m.LocalID, requesterID, time.Now().UnixMilli())
		if err != nil {
			return fmt.Errorf("delete for self: %w", err)
		}
		return nil
	case model.DeleteForEveryone:
		if m.SenderID != requesterID {
			return fmt.Errorf("delete %s for everyone by %s: %w", msgID, requesterID, model.ErrNotAuthorized)
		}
		if m.DeletedForEveryone {
			return nil
		}
		_, err := db.Exec(`
			UPDATE messages SET content = ?, deleted_for_everyone = 1
			WHERE conversation_id = ? AND msg_id = ?`,
			model.DeletedContent, conversationID, msgID)
		if err != nil {
			return fmt.Errorf("delete for everyone: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("delete scope %q: %w", scope, model.ErrInvalidOperation)
	}
}

// MarkRead records that userID has read the message. The set is
// monotonic: entries are only ever inserted. Reading a message that has
// since been deleted for everyone is a silent no-op, not an error.
func (db *DB) MarkRead(conversationID, msgID, userID string) error {
	m, err := db.GetMessage(conversationID, msgID)
	if err != nil {
		return err
	}
	if m == nil {
		return fmt.Errorf("mark read %s: %w", msgID, model.ErrNotFound)
	}
	if m.DeletedForEveryone {
		return nil
	}
	_, err = db.Exec(`
		INSERT OR IGNORE INTO message_reads (message_id, user_id, read_at)
		VALUES (?, ?, ?)`, m.LocalID, userID, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	return nil
}

// ReadBy returns the user ids that have acknowledged reading the message.
func (db *DB) ReadBy(localID int64) ([]string, error) {
	rows, err := db.Query(`SELECT user_id FROM message_reads WHERE message_id = ? ORDER BY user_id`, localID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var users []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// DeletedForUser reports whether userID has deleted the message for
// themselves.
func (db *DB) DeletedForUser(localID int64, userID string) (bool, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM message_deletes WHERE message_id = ? AND user_id = ?`,
		localID, userID).Scan(&n)
	return n > 0, err
}

// MarkFailed transitions a pending message to failed exactly once. The
// content is kept so the user can retry or edit.
func (db *DB) MarkFailed(conversationID, clientID, reason string) error {
	_, err := db.Exec(`
		UPDATE messages SET state = ?, fail_reason = ?
		WHERE conversation_id = ? AND client_id = ? AND state = ?`,
		model.StateFailed, reason, conversationID, clientID, model.StatePending)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return nil
}

// RequeueLocal moves a failed message back to pending, keeping the same
// client id so de-duplication still applies on the retried send.
func (db *DB) RequeueLocal(conversationID, clientID string) error {
	res, err := db.Exec(`
		UPDATE messages SET state = ?, fail_reason = ''
		WHERE conversation_id = ? AND client_id = ? AND state = ?`,
		model.StatePending, conversationID, clientID, model.StateFailed)
	if err != nil {
		return fmt.Errorf("requeue message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("failed message %s: %w", clientID, model.ErrNotFound)
	}
	return nil
}

// RemoveMessage drops a message record entirely. Used only when the
// server reports the target gone (NotFound reconciliation); ordinary
// deletion goes through DeleteMessage and keeps the row.
func (db *DB) RemoveMessage(conversationID, msgID string) error {
	_, err := db.Exec(`DELETE FROM messages WHERE conversation_id = ? AND msg_id = ?`,
		conversationID, msgID)
	if err != nil {
		return fmt.Errorf("remove message: %w", err)
	}
	return nil
}

// DiscardLocal removes a pending or failed message that never reached the
// server. Confirmed messages are never discarded locally.
func (db *DB) DiscardLocal(conversationID, clientID string) error {
	_, err := db.Exec(`
		DELETE FROM messages
		WHERE conversation_id = ? AND client_id = ? AND state IN (?, ?)`,
		conversationID, clientID, model.StatePending, model.StateFailed)
	if err != nil {
		return fmt.Errorf("discard message: %w", err)
	}
	return nil
}
