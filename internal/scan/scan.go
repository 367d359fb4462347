// Package scan tracks per-chat analysis watermarks so expensive passes over
// message history (attachment extraction, indexing) skip chats with no new
// traffic.
package scan

import (
	"fmt"

	"github.com/pigeon-im/pigeon/internal/extract"
	"github.com/pigeon-im/pigeon/internal/store"
	"go.uber.org/zap"
)

// Scan types.
const (
	TypeAttachments = "attachments"
)

// Tracker persists how far each scan kind has progressed per chat and user.
type Tracker struct {
	db *store.DB
}

func NewTracker(db *store.DB) *Tracker {
	return &Tracker{db: db}
}

// NeedsScanning reports whether the chat has messages newer than the last
// completed scan. A chat never scanned before always needs one.
func (t *Tracker) NeedsScanning(userID, chatID, scanType string) (bool, error) {
	latest, err := t.db.LatestMessageTimestamp(chatID)
	if err != nil {
		return false, fmt.Errorf("latest message timestamp: %w", err)
	}
	if latest == 0 {
		return false, nil
	}

	w, err := t.db.GetWatermark(userID, chatID, scanType)
	if err != nil {
		return false, fmt.Errorf("get watermark: %w", err)
	}
	if w == nil {
		return true, nil
	}
	return latest > w.LastScannedAt, nil
}

// MarkScanned records a completed pass over messageCount messages.
// processedTs must be the timestamp of the newest message the pass actually
// examined, not the store's current maximum: a message upserted while the
// pass ran stays above the watermark and gets picked up next time.
func (t *Tracker) MarkScanned(userID, chatID, scanType string, processedTs int64, messageCount int) error {
	return t.db.SetWatermark(&store.ScanWatermark{
		UserID:        userID,
		ChatID:        chatID,
		ScanType:      scanType,
		LastScannedAt: processedTs,
		MessageCount:  messageCount,
	})
}

// Reset forgets scan progress for a chat, forcing the next pass to rescan.
func (t *Tracker) Reset(userID, chatID, scanType string) error {
	return t.db.DeleteWatermark(userID, chatID, scanType)
}

// Scanner walks chat history and materializes attachment rows for messages
// that predate the live extraction path, e.g. after an upgrade that added a
// new attachment kind.
type Scanner struct {
	db      *store.DB
	tracker *Tracker
	logger  *zap.Logger
}

func NewScanner(db *store.DB, tracker *Tracker, logger *zap.Logger) *Scanner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scanner{db: db, tracker: tracker, logger: logger}
}

const scanPageSize = 200

// ScanChat runs the attachment pass over one chat if it has new messages.
// Only messages above the previous watermark are examined, and the new
// watermark is the newest timestamp the pass actually saw. Returns how many
// messages were examined.
func (s *Scanner) ScanChat(userID, chatID string) (int, error) {
	needs, err := s.tracker.NeedsScanning(userID, chatID, TypeAttachments)
	if err != nil {
		return 0, err
	}
	if !needs {
		return 0, nil
	}

	var floor int64
	if w, err := s.db.GetWatermark(userID, chatID, TypeAttachments); err != nil {
		return 0, fmt.Errorf("get watermark: %w", err)
	} else if w != nil {
		floor = w.LastScannedAt
	}

	scanned := 0
	var processedTs int64
	before := int64(0)
pages:
	for {
		msgs, err := s.db.ListMessages(chatID, before, scanPageSize)
		if err != nil {
			return scanned, fmt.Errorf("list messages: %w", err)
		}
		if len(msgs) == 0 {
			break
		}
		for _, m := range msgs {
			if m.Timestamp <= floor {
				break pages
			}
			for _, att := range extract.Extract(&m) {
				if err := s.db.UpsertAttachment(&att); err != nil {
					s.logger.Warn("attachment upsert failed",
						zap.Error(err), zap.String("message_id", m.ID))
				}
			}
			if m.Timestamp > processedTs {
				processedTs = m.Timestamp
			}
			scanned++
		}
		before = msgs[len(msgs)-1].Timestamp
		if len(msgs) < scanPageSize {
			break
		}
	}
	if scanned == 0 {
		return 0, nil
	}

	if err := s.tracker.MarkScanned(userID, chatID, TypeAttachments, processedTs, scanned); err != nil {
		return scanned, err
	}
	s.logger.Info("chat scanned", zap.String("chat_id", chatID), zap.Int("messages", scanned))
	return scanned, nil
}
