package store

import (
	"strings"
	"unicode"
)

// SearchMessagesWithRanking performs ranked full-text search over message
// content. The query may contain multiple words and punctuation; it is
// rewritten into quoted OR terms so FTS syntax characters cannot break the
// match expression. Results order by FTS rank (more matched terms score
// higher), recency breaking ties.
func (db *DB) SearchMessagesWithRanking(query, chatID string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 50
	}
	match := ftsQuery(query)
	if match == "" {
		return nil, nil
	}

	q := `
		SELECT m.id, m.chat_id, m.sender_id, m.sender_name, m.content,
		       m.message_type, m.timestamp, m.sync_status, m.delivery_status,
		       snippet(messages_fts, 0, '<<', '>>', '...', 32)
		FROM messages_fts f
		JOIN messages m ON m.rowid = f.rowid
		WHERE messages_fts MATCH ?`

	args := []any{match}
	if chatID != "" {
		q += " AND m.chat_id = ?"
		args = append(args, chatID)
	}
	q += " ORDER BY rank, m.timestamp DESC LIMIT ?"
	args = append(args, limit)

	rows, err := db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var results []SearchResult
	for rows.Next() {
		var r SearchResult
		if err := rows.Scan(
			&r.Message.ID, &r.Message.ChatID, &r.Message.SenderID,
			&r.Message.SenderName, &r.Message.Content, &r.Message.MessageType,
			&r.Message.Timestamp, &r.Message.SyncStatus, &r.Message.DeliveryStatus,
			&r.Snippet,
		); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// ftsQuery turns free text into an FTS5 match expression: terms are split on
// non-alphanumeric runes, double-quoted, and OR-joined.
func ftsQuery(query string) string {
	terms := strings.FieldsFunc(query, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	if len(terms) == 0 {
		return ""
	}
	quoted := make([]string, 0, len(terms))
	for _, t := range terms {
		quoted = append(quoted, `"`+t+`"`)
	}
	return strings.Join(quoted, " OR ")
}
