package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"
)

// UpsertChat inserts or updates a chat record. last_message_at only moves
// forward so list ordering is stable under out-of-order sync batches.
func (db *DB) UpsertChat(c *Chat) error {
	participants, err := json.Marshal(emptyIfNil(c.Participants))
	if err != nil {
		return err
	}
	details := c.ParticipantDetails
	if details == nil {
		details = map[string]Participant{}
	}
	detailsJSON, err := json.Marshal(details)
	if err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	_, err = db.Exec(`
		INSERT INTO chats (id, chat_type, participants, participant_details, last_message_id, last_message_preview, last_message_sender, last_message_at, unread_count, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			chat_type = excluded.chat_type,
			participants = excluded.participants,
			participant_details = excluded.participant_details,
			last_message_at = MAX(chats.last_message_at, excluded.last_message_at),
			last_message_id = CASE WHEN excluded.last_message_at > chats.last_message_at THEN excluded.last_message_id ELSE chats.last_message_id END,
			last_message_preview = CASE WHEN excluded.last_message_at > chats.last_message_at THEN excluded.last_message_preview ELSE chats.last_message_preview END,
			last_message_sender = CASE WHEN excluded.last_message_at > chats.last_message_at THEN excluded.last_message_sender ELSE chats.last_message_sender END,
			updated_at = excluded.updated_at`,
		c.ID, c.ChatType, string(participants), string(detailsJSON), c.LastMessageID, c.LastMessagePreview, c.LastMessageSender, c.LastMessageAt, c.UnreadCount, now)
	return err
}

// TouchLastMessage updates the denormalized last-message summary for a chat,
// creating the chat row if the message arrived before its chat metadata.
// The summary only advances: an older message never overwrites a newer one.
func (db *DB) TouchLastMessage(chatID, messageID, senderID, preview string, ts int64) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO chats (id, last_message_id, last_message_preview, last_message_sender, last_message_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			last_message_at = MAX(chats.last_message_at, excluded.last_message_at),
			last_message_id = CASE WHEN excluded.last_message_at > chats.last_message_at THEN excluded.last_message_id ELSE chats.last_message_id END,
			last_message_preview = CASE WHEN excluded.last_message_at > chats.last_message_at THEN excluded.last_message_preview ELSE chats.last_message_preview END,
			last_message_sender = CASE WHEN excluded.last_message_at > chats.last_message_at THEN excluded.last_message_sender ELSE chats.last_message_sender END,
			updated_at = excluded.updated_at`,
		chatID, messageID, truncate(preview, 100), senderID, ts, now)
	return err
}

// ListChats returns chats sorted by last message timestamp descending.
func (db *DB) ListChats(limit, offset int) ([]Chat, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT id, chat_type, participants, participant_details, last_message_id, last_message_preview, last_message_sender, last_message_at, unread_count, updated_at
		FROM chats
		ORDER BY last_message_at DESC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var chats []Chat
	for rows.Next() {
		c, err := scanChat(rows.Scan)
		if err != nil {
			return nil, err
		}
		chats = append(chats, *c)
	}
	return chats, rows.Err()
}

// GetChat returns a single chat by id, or nil if not present.
func (db *DB) GetChat(id string) (*Chat, error) {
	row := db.QueryRow(`
		SELECT id, chat_type, participants, participant_details, last_message_id, last_message_preview, last_message_sender, last_message_at, unread_count, updated_at
		FROM chats WHERE id = ?`, id)
	c, err := scanChat(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// DeleteChat removes a chat and everything hanging off it.
func (db *DB) DeleteChat(id string) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Receipts and attachments cascade from messages.
	if _, err := tx.Exec(`DELETE FROM messages WHERE chat_id = ?`, id); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM outbox WHERE chat_id = ?`, id); err != nil {
		return fmt.Errorf("delete outbox: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM scan_watermarks WHERE chat_id = ?`, id); err != nil {
		return fmt.Errorf("delete watermarks: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM chats WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete chat: %w", err)
	}
	return tx.Commit()
}

// IncrementUnread bumps the unread counter for a chat.
func (db *DB) IncrementUnread(chatID string) error {
	_, err := db.Exec(`UPDATE chats SET unread_count = unread_count + 1 WHERE id = ?`, chatID)
	return err
}

// ClearUnread zeroes the unread counter for a chat.
func (db *DB) ClearUnread(chatID string) error {
	_, err := db.Exec(`UPDATE chats SET unread_count = 0 WHERE id = ?`, chatID)
	return err
}

func scanChat(scan func(...any) error) (*Chat, error) {
	var c Chat
	var participants, details string
	if err := scan(&c.ID, &c.ChatType, &participants, &details, &c.LastMessageID, &c.LastMessagePreview, &c.LastMessageSender, &c.LastMessageAt, &c.UnreadCount, &c.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(participants), &c.Participants); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(details), &c.ParticipantDetails); err != nil {
		return nil, err
	}
	return &c, nil
}

// truncate cuts on a rune boundary so multi-byte content stays valid UTF-8.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	for maxLen > 0 && !utf8.RuneStart(s[maxLen]) {
		maxLen--
	}
	return s[:maxLen]
}
