package store

import (
	"database/sql"
	"fmt"
	"time"
)

// QueueIntent adds a user-initiated mutation to the dispatch queue.
// Intents for the same conversation are dispatched in issuance order.
func (db *DB) QueueIntent(in *Intent) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO intents (client_id, kind, conversation_id, target_id, payload, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		in.ClientID, in.Kind, in.ConversationID, in.TargetID, in.Payload, IntentQueued, now, now)
	if err != nil {
		return fmt.Errorf("queue intent: %w", err)
	}
	return nil
}

// GetIntent returns an intent by client id, or nil.
func (db *DB) GetIntent(clientID string) (*Intent, error) {
	row := db.QueryRow(`
		SELECT id, client_id, kind, conversation_id, target_id, payload, status, error_message, attempts
		FROM intents WHERE client_id = ?`, clientID)
	var in Intent
	err := row.Scan(&in.ID, &in.ClientID, &in.Kind, &in.ConversationID, &in.TargetID,
		&in.Payload, &in.Status, &in.ErrorMessage, &in.Attempts)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &in, nil
}

// PendingIntents returns queued intents in issuance order.
func (db *DB) PendingIntents() ([]Intent, error) {
	rows, err := db.Query(`
		SELECT id, client_id, kind, conversation_id, target_id, payload, status, error_message, attempts
		FROM intents WHERE status = ? ORDER BY id ASC`, IntentQueued)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var intents []Intent
	for rows.Next() {
		var in Intent
		if err := rows.Scan(&in.ID, &in.ClientID, &in.Kind, &in.ConversationID, &in.TargetID,
			&in.Payload, &in.Status, &in.ErrorMessage, &in.Attempts); err != nil {
			return nil, err
		}
		intents = append(intents, in)
	}
	return intents, rows.Err()
}

// MarkIntentInflight claims a queued intent for dispatch.
func (db *DB) MarkIntentInflight(clientID string) error {
	return db.setIntentStatus(clientID, IntentInflight, "")
}

// MarkIntentConfirmed records a successful acknowledgment.
func (db *DB) MarkIntentConfirmed(clientID string) error {
	return db.setIntentStatus(clientID, IntentConfirmed, "")
}

// MarkIntentFailed records a rejection or timeout. The transition is
// one-way until an explicit RequeueIntent or DiscardIntent.
func (db *DB) MarkIntentFailed(clientID, errMsg string) error {
	return db.setIntentStatus(clientID, IntentFailed, errMsg)
}

// ResetIntent returns an inflight intent to the queue untouched. Used
// when dispatch was aborted before the server could have applied it
// (for example an expired credential).
func (db *DB) ResetIntent(clientID string) error {
	_, err := db.Exec(`UPDATE intents SET status = ?, updated_at = ? WHERE client_id = ? AND status = ?`,
		IntentQueued, time.Now().UnixMilli(), clientID, IntentInflight)
	if err != nil {
		return fmt.Errorf("reset intent: %w", err)
	}
	return nil
}

// RecoverInflightIntents returns every inflight intent to the queue.
// Run once at startup, before the dispatcher polls: an intent can only
// be inflight while a dispatch call is on the wire, so any found here
// were stranded by a crash mid-dispatch. Re-dispatch under the same
// client id keeps server-side de-duplication effective.
func (db *DB) RecoverInflightIntents() (int, error) {
	res, err := db.Exec(`UPDATE intents SET status = ?, updated_at = ? WHERE status = ?`,
		IntentQueued, time.Now().UnixMilli(), IntentInflight)
	if err != nil {
		return 0, fmt.Errorf("recover inflight intents: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// RequeueIntent puts a failed intent back in the queue under the same
// client id so server-side de-duplication still applies.
func (db *DB) RequeueIntent(clientID string) error {
	res, err := db.Exec(`
		UPDATE intents SET status = ?, error_message = '', attempts = attempts + 1, updated_at = ?
		WHERE client_id = ? AND status = ?`,
		IntentQueued, time.Now().UnixMilli(), clientID, IntentFailed)
	if err != nil {
		return fmt.Errorf("requeue intent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("no failed intent %s", clientID)
	}
	return nil
}

// DiscardIntent removes a failed or queued intent by explicit user action.
func (db *DB) DiscardIntent(clientID string) error {
	_, err := db.Exec(`DELETE FROM intents WHERE client_id = ? AND status IN (?, ?)`,
		clientID, IntentQueued, IntentFailed)
	if err != nil {
		return fmt.Errorf("discard intent: %w", err)
	}
	return nil
}

func (db *DB) setIntentStatus(clientID, status, errMsg string) error {
	_, err := db.Exec(`UPDATE intents SET status = ?, error_message = ?, updated_at = ? WHERE client_id = ?`,
		status, errMsg, time.Now().UnixMilli(), clientID)
	if err != nil {
		return fmt.Errorf("set intent status: %w", err)
	}
	return nil
}
