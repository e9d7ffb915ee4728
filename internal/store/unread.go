package store

// Unread counts are strictly derived from message read-state. They are
// recomputed on demand and never stored as truth.

// UnreadCount returns the number of messages in a conversation that
// selfID has neither sent, read, nor deleted for themselves. Messages
// deleted for everyone do not count.
func (db *DB) UnreadCount(conversationID, selfID string) (int, error) {
	var n int
	err := db.QueryRow(`
		SELECT COUNT(*) FROM messages m
		WHERE m.conversation_id = ?
		  AND m.sender_id != ?
		  AND m.deleted_for_everyone = 0
		  AND NOT EXISTS (SELECT 1 FROM message_reads r WHERE r.message_id = m.id AND r.user_id = ?)
		  AND NOT EXISTS (SELECT 1 FROM message_deletes d WHERE d.message_id = m.id AND d.user_id = ?)`,
		conversationID, selfID, selfID, selfID).Scan(&n)
	return n, err
}

// GlobalUnread returns the unread total across all conversations.
func (db *DB) GlobalUnread(selfID string) (int, error) {
	var n int
	err := db.QueryRow(`
		SELECT COUNT(*) FROM messages m
		WHERE m.sender_id != ?
		  AND m.deleted_for_everyone = 0
		  AND NOT EXISTS (SELECT 1 FROM message_reads r WHERE r.message_id = m.id AND r.user_id = ?)
		  AND NOT EXISTS (SELECT 1 FROM message_deletes d WHERE d.message_id = m.id AND d.user_id = ?)`,
		selfID, selfID, selfID).Scan(&n)
	return n, err
}
