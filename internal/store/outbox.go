package store

import "time"

// Outbox entry statuses.
const (
	OutboxQueued  = "queued"
	OutboxSending = "sending"
	OutboxSent    = "sent"
	OutboxFailed  = "failed"
)

// Enqueue adds a locally-created message to the send outbox.
func (db *DB) Enqueue(messageID, chatID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO outbox (message_id, chat_id, status, created_at, updated_at)
		VALUES (?, ?, 'queued', ?, ?)
		ON CONFLICT(message_id) DO UPDATE SET
			status = 'queued',
			attempts = 0,
			next_retry_at = 0,
			error_class = '',
			error_message = '',
			updated_at = excluded.updated_at`,
		messageID, chatID, now, now)
	return err
}

// DueOutbox returns queued entries whose retry time has passed, in original
// enqueue order. Global creation order implies per-chat send order.
func (db *DB) DueOutbox(now int64) ([]OutboxEntry, error) {
	rows, err := db.Query(`
		SELECT message_id, chat_id, status, attempts, next_retry_at, error_class, error_message, created_at
		FROM outbox
		WHERE status = 'queued' AND next_retry_at <= ?
		ORDER BY created_at ASC, rowid ASC`, now)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		if err := rows.Scan(&e.MessageID, &e.ChatID, &e.Status, &e.Attempts, &e.NextRetryAt, &e.ErrorClass, &e.ErrorMessage, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// MarkOutboxSending flips an entry to sending.
func (db *DB) MarkOutboxSending(messageID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'sending', updated_at = ? WHERE message_id = ?`, now, messageID)
	return err
}

// MarkOutboxSent flips an entry to sent.
func (db *DB) MarkOutboxSent(messageID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'sent', updated_at = ? WHERE message_id = ?`, now, messageID)
	return err
}

// MarkOutboxFailed flips an entry to failed, recording why. errorClass
// distinguishes entries worth requeueing on reconnect ("transient") from
// rejected ones ("permanent").
func (db *DB) MarkOutboxFailed(messageID, errorClass, errorMessage string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE outbox SET status = 'failed', error_class = ?, error_message = ?, updated_at = ?
		WHERE message_id = ?`, errorClass, errorMessage, now, messageID)
	return err
}

// RescheduleOutbox returns an entry to the queue with a retry time in the
// future and the attempt counter advanced.
func (db *DB) RescheduleOutbox(messageID string, attempts int, nextRetryAt int64) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE outbox SET status = 'queued', attempts = ?, next_retry_at = ?, updated_at = ?
		WHERE message_id = ?`, attempts, nextRetryAt, now, messageID)
	return err
}

// RequeueTransient returns entries that failed for transient reasons (or are
// still waiting on a backoff timer) to immediately-due queued state. Called
// on reconnect so the backlog flushes without waiting out its timers.
// Returns the message ids that went back to queued.
func (db *DB) RequeueTransient() ([]string, error) {
	rows, err := db.Query(`
		SELECT message_id FROM outbox
		WHERE (status = 'failed' AND error_class = 'transient') OR status = 'queued'`)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	now := time.Now().UnixMilli()
	_, err = db.Exec(`
		UPDATE outbox SET status = 'queued', attempts = 0, next_retry_at = 0, error_class = '', error_message = '', updated_at = ?
		WHERE (status = 'failed' AND error_class = 'transient') OR status = 'queued'`, now)
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// RecoverSending returns entries stranded at 'sending' by a crash mid-attempt
// to immediately-due queued state so the drain loop picks them up again. The
// re-send is safe: remote writes are id-keyed upserts. Returns the recovered
// message ids.
func (db *DB) RecoverSending() ([]string, error) {
	rows, err := db.Query(`SELECT message_id FROM outbox WHERE status = 'sending'`)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	now := time.Now().UnixMilli()
	_, err = db.Exec(`
		UPDATE outbox SET status = 'queued', next_retry_at = 0, updated_at = ?
		WHERE status = 'sending'`, now)
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// GetOutboxEntry returns a single entry, or nil if not queued.
func (db *DB) GetOutboxEntry(messageID string) (*OutboxEntry, error) {
	rows, err := db.Query(`
		SELECT message_id, chat_id, status, attempts, next_retry_at, error_class, error_message, created_at
		FROM outbox WHERE message_id = ?`, messageID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	if !rows.Next() {
		return nil, rows.Err()
	}
	var e OutboxEntry
	if err := rows.Scan(&e.MessageID, &e.ChatID, &e.Status, &e.Attempts, &e.NextRetryAt, &e.ErrorClass, &e.ErrorMessage, &e.CreatedAt); err != nil {
		return nil, err
	}
	return &e, nil
}
