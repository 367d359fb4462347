package store

import "time"

// Receipt kinds.
const (
	ReceiptDelivered = "delivered"
	ReceiptRead      = "read"
)

// AddReceipt records that userID has delivered-or-read messageID. The set is
// grow-only; re-adding is a no-op. Returns whether a new row was inserted so
// callers can fire side effects exactly once per transition.
func (db *DB) AddReceipt(messageID, userID, kind string) (bool, error) {
	now := time.Now().UnixMilli()
	res, err := db.Exec(`
		INSERT OR IGNORE INTO message_receipts (message_id, user_id, kind, created_at)
		VALUES (?, ?, ?, ?)`, messageID, userID, kind, now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// Receipts returns all acknowledgement rows for a message.
func (db *DB) Receipts(messageID string) ([]Receipt, error) {
	rows, err := db.Query(`
		SELECT message_id, user_id, kind, created_at
		FROM message_receipts WHERE message_id = ?
		ORDER BY created_at ASC`, messageID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var receipts []Receipt
	for rows.Next() {
		var r Receipt
		if err := rows.Scan(&r.MessageID, &r.UserID, &r.Kind, &r.CreatedAt); err != nil {
			return nil, err
		}
		receipts = append(receipts, r)
	}
	return receipts, rows.Err()
}

// ListUnreadFrom returns ids of messages in a chat that were not sent by
// userID and that userID has not read yet, oldest first. Feeds the batch
// "mark chat as read" path.
func (db *DB) ListUnreadFrom(chatID, userID string) ([]string, error) {
	rows, err := db.Query(`
		SELECT m.id FROM messages m
		WHERE m.chat_id = ? AND m.sender_id != ?
		  AND NOT EXISTS (
			SELECT 1 FROM message_receipts r
			WHERE r.message_id = m.id AND r.user_id = ? AND r.kind = 'read'
		  )
		ORDER BY m.timestamp ASC`, chatID, userID, userID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
