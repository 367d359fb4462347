package store

import (
	"database/sql"
	"encoding/json"
	"time"
)

// UpsertMessage inserts or updates a message keyed by its client-generated id.
// Both the outbound queue and the sync listener write through here; the
// conflict clause makes their race converge: sync_status never regresses from
// synced, delivery_status never steps down the ladder.
func (db *DB) UpsertMessage(m *Message) error {
	recipients, err := json.Marshal(emptyIfNil(m.Recipients))
	if err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	_, err = db.Exec(`
		INSERT INTO messages (id, chat_id, sender_id, sender_name, content, message_type, timestamp, sync_status, delivery_status, recipients, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			sender_name = excluded.sender_name,
			content = excluded.content,
			message_type = excluded.message_type,
			sync_status = CASE
				WHEN messages.sync_status = 'synced' OR excluded.sync_status = 'synced' THEN 'synced'
				ELSE excluded.sync_status
			END,
			delivery_status = CASE
				WHEN excluded.delivery_status = 'failed' THEN 'failed'
				WHEN messages.delivery_status = 'failed' THEN excluded.delivery_status
				WHEN (CASE excluded.delivery_status WHEN 'sent' THEN 1 WHEN 'delivered' THEN 2 WHEN 'read' THEN 3 ELSE 0 END)
				   >= (CASE messages.delivery_status WHEN 'sent' THEN 1 WHEN 'delivered' THEN 2 WHEN 'read' THEN 3 ELSE 0 END)
				THEN excluded.delivery_status
				ELSE messages.delivery_status
			END`,
		m.ID, m.ChatID, m.SenderID, m.SenderName, m.Content, m.MessageType, m.Timestamp, m.SyncStatus, m.DeliveryStatus, string(recipients), now)
	return err
}

// GetMessage returns a message by id, or nil if not present.
func (db *DB) GetMessage(id string) (*Message, error) {
	var m Message
	var recipients string
	err := db.QueryRow(`
		SELECT id, chat_id, sender_id, sender_name, content, message_type, timestamp, sync_status, delivery_status, recipients
		FROM messages WHERE id = ?`, id).
		Scan(&m.ID, &m.ChatID, &m.SenderID, &m.SenderName, &m.Content, &m.MessageType, &m.Timestamp, &m.SyncStatus, &m.DeliveryStatus, &recipients)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(recipients), &m.Recipients); err != nil {
		return nil, err
	}
	return &m, nil
}

// ListMessages returns the most recent messages for a chat in descending
// timestamp order, using keyset pagination. Callers reverse for display.
func (db *DB) ListMessages(chatID string, beforeTs int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTs <= 0 {
		beforeTs = time.Now().UnixMilli() + 1
	}
	rows, err := db.Query(`
		SELECT id, chat_id, sender_id, sender_name, content, message_type, timestamp, sync_status, delivery_status, recipients
		FROM messages
		WHERE chat_id = ? AND timestamp < ?
		ORDER BY timestamp DESC
		LIMIT ?`, chatID, beforeTs, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		var recipients string
		if err := rows.Scan(&m.ID, &m.ChatID, &m.SenderID, &m.SenderName, &m.Content, &m.MessageType, &m.Timestamp, &m.SyncStatus, &m.DeliveryStatus, &recipients); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(recipients), &m.Recipients); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// DeleteMessage removes a message; receipts and attachments cascade.
func (db *DB) DeleteMessage(id string) error {
	_, err := db.Exec(`DELETE FROM messages WHERE id = ?`, id)
	return err
}

// MarkSynced records a successful remote write: sync_status becomes synced
// and delivery_status is promoted to sent (never demoted).
func (db *DB) MarkSynced(id string) error {
	_, err := db.Exec(`
		UPDATE messages SET
			sync_status = 'synced',
			delivery_status = CASE WHEN delivery_status IN ('sending', 'failed') THEN 'sent' ELSE delivery_status END
		WHERE id = ?`, id)
	return err
}

// MarkSendFailed records a send that will not be retried automatically.
// The message stays visible with its original content so the user can retry.
func (db *DB) MarkSendFailed(id string) error {
	_, err := db.Exec(`UPDATE messages SET sync_status = 'failed', delivery_status = 'failed' WHERE id = ?`, id)
	return err
}

// MarkPending resets a failed message for another delivery attempt.
func (db *DB) MarkPending(id string) error {
	_, err := db.Exec(`UPDATE messages SET sync_status = 'pending', delivery_status = 'sending' WHERE id = ?`, id)
	return err
}

// PromoteDeliveryStatus raises delivery_status to the given rung if it is
// currently lower. Returns whether a row actually changed.
func (db *DB) PromoteDeliveryStatus(id, status string) (bool, error) {
	res, err := db.Exec(`
		UPDATE messages SET delivery_status = ?
		WHERE id = ?
		  AND delivery_status != 'failed'
		  AND (CASE ? WHEN 'sent' THEN 1 WHEN 'delivered' THEN 2 WHEN 'read' THEN 3 ELSE 0 END)
		    > (CASE delivery_status WHEN 'sent' THEN 1 WHEN 'delivered' THEN 2 WHEN 'read' THEN 3 ELSE 0 END)`,
		status, id, status)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// LatestMessageTimestamp returns the newest message timestamp in a chat,
// or zero for an empty chat.
func (db *DB) LatestMessageTimestamp(chatID string) (int64, error) {
	var ts sql.NullInt64
	err := db.QueryRow(`SELECT MAX(timestamp) FROM messages WHERE chat_id = ?`, chatID).Scan(&ts)
	if err != nil {
		return 0, err
	}
	return ts.Int64, nil
}

func emptyIfNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
