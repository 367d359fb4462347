package store

import (
	"database/sql"
	"time"
)

// GetWatermark returns the scan watermark for (user, chat, scanType), or nil
// if that scan has never completed.
func (db *DB) GetWatermark(userID, chatID, scanType string) (*ScanWatermark, error) {
	var w ScanWatermark
	err := db.QueryRow(`
		SELECT user_id, chat_id, scan_type, last_scanned_at, message_count
		FROM scan_watermarks
		WHERE user_id = ? AND chat_id = ? AND scan_type = ?`, userID, chatID, scanType).
		Scan(&w.UserID, &w.ChatID, &w.ScanType, &w.LastScannedAt, &w.MessageCount)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// SetWatermark upserts a scan watermark.
func (db *DB) SetWatermark(w *ScanWatermark) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO scan_watermarks (user_id, chat_id, scan_type, last_scanned_at, message_count, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, chat_id, scan_type) DO UPDATE SET
			last_scanned_at = excluded.last_scanned_at,
			message_count = excluded.message_count,
			updated_at = excluded.updated_at`,
		w.UserID, w.ChatID, w.ScanType, w.LastScannedAt, w.MessageCount, now)
	return err
}

// DeleteWatermark removes a watermark, forcing the next scan to start over.
func (db *DB) DeleteWatermark(userID, chatID, scanType string) error {
	_, err := db.Exec(`
		DELETE FROM scan_watermarks
		WHERE user_id = ? AND chat_id = ? AND scan_type = ?`, userID, chatID, scanType)
	return err
}
