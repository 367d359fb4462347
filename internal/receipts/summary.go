package receipts

import (
	"fmt"

	"github.com/pigeon-im/pigeon/internal/store"
)

// Summary is the human-facing delivery state of one of our own messages.
type Summary struct {
	Label  string
	ReadAt int64 // unix ms of the first read receipt, 0 if unread
}

// Summarize derives the delivery label for a message we sent. Messages that
// never reached the backend (pending or failed) get no receipt label: the
// sync state is the interesting fact there, and receipts cannot exist yet.
func (t *Tracker) Summarize(msg *store.Message, chatType string) (*Summary, error) {
	if msg.SenderID != t.self.UserID {
		return nil, nil
	}
	if msg.SyncStatus == store.SyncPending || msg.SyncStatus == store.SyncFailed {
		return nil, nil
	}

	rows, err := t.db.Receipts(msg.ID)
	if err != nil {
		return nil, fmt.Errorf("load receipts: %w", err)
	}

	delivered := make(map[string]bool)
	read := make(map[string]bool)
	var firstReadAt int64
	for _, r := range rows {
		if r.UserID == msg.SenderID {
			continue
		}
		switch r.Kind {
		case store.ReceiptDelivered:
			delivered[r.UserID] = true
		case store.ReceiptRead:
			read[r.UserID] = true
			if firstReadAt == 0 || r.CreatedAt < firstReadAt {
				firstReadAt = r.CreatedAt
			}
		}
	}

	if len(read) > 0 {
		if chatType == store.ChatDirect {
			return &Summary{Label: "Read", ReadAt: firstReadAt}, nil
		}
		// Everyone who got it read it. Recipients who never received the
		// message do not count against the "everyone".
		if len(read) == len(delivered) {
			return &Summary{Label: "Read by everyone", ReadAt: firstReadAt}, nil
		}
		return &Summary{Label: fmt.Sprintf("Read by %d", len(read)), ReadAt: firstReadAt}, nil
	}
	if len(delivered) > 0 {
		return &Summary{Label: "Delivered"}, nil
	}
	// Synced but not yet observed by any recipient: no indicator.
	return nil, nil
}
