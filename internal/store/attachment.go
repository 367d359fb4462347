package store

import "time"

// UpsertAttachment inserts or updates a derived attachment record. IDs are
// deterministic per (message, type, index), so re-extraction overwrites in
// place instead of duplicating.
func (db *DB) UpsertAttachment(a *Attachment) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO attachments (id, message_id, chat_id, attachment_type, url, label, position, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			url = excluded.url,
			label = excluded.label,
			position = excluded.position`,
		a.ID, a.MessageID, a.ChatID, a.Type, a.URL, a.Label, a.Position, now)
	return err
}

// ListAttachments returns attachments for a message in extraction order.
func (db *DB) ListAttachments(messageID string) ([]Attachment, error) {
	rows, err := db.Query(`
		SELECT id, message_id, chat_id, attachment_type, url, label, position
		FROM attachments WHERE message_id = ?
		ORDER BY attachment_type ASC, position ASC`, messageID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var atts []Attachment
	for rows.Next() {
		var a Attachment
		if err := rows.Scan(&a.ID, &a.MessageID, &a.ChatID, &a.Type, &a.URL, &a.Label, &a.Position); err != nil {
			return nil, err
		}
		atts = append(atts, a)
	}
	return atts, rows.Err()
}

// ListChatAttachments returns attachments of one type across a chat,
// newest message first.
func (db *DB) ListChatAttachments(chatID, attachmentType string, limit int) ([]Attachment, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT a.id, a.message_id, a.chat_id, a.attachment_type, a.url, a.label, a.position
		FROM attachments a
		JOIN messages m ON m.id = a.message_id
		WHERE a.chat_id = ? AND a.attachment_type = ?
		ORDER BY m.timestamp DESC, a.position ASC
		LIMIT ?`, chatID, attachmentType, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var atts []Attachment
	for rows.Next() {
		var a Attachment
		if err := rows.Scan(&a.ID, &a.MessageID, &a.ChatID, &a.Type, &a.URL, &a.Label, &a.Position); err != nil {
			return nil, err
		}
		atts = append(atts, a)
	}
	return atts, rows.Err()
}
