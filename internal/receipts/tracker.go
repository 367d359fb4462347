// Package receipts maintains delivery and read receipts. Receipt rows only
// grow; the insert result is what gates per-transition side effects, so a
// replayed change stream cannot re-fire notifications or re-echo receipts.
package receipts

import (
	"context"
	"fmt"

	"github.com/pigeon-im/pigeon/internal/bus"
	"github.com/pigeon-im/pigeon/internal/remote"
	"github.com/pigeon-im/pigeon/internal/store"
	"go.uber.org/zap"
)

// Tracker records receipts locally and echoes our own to the backend.
type Tracker struct {
	db      *store.DB
	backend remote.Backend
	bus     *bus.Bus
	self    remote.Identity
	logger  *zap.Logger
}

func New(db *store.DB, backend remote.Backend, b *bus.Bus, self remote.Identity, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{db: db, backend: backend, bus: b, self: self, logger: logger}
}

// MarkDelivered records that we received someone else's message. Self-authored
// messages are skipped: delivery to yourself is meaningless. The backend echo
// is best effort; the local row is the source of truth and the change stream
// will reconcile eventually.
func (t *Tracker) MarkDelivered(ctx context.Context, msg *store.Message) error {
	if msg.SenderID == t.self.UserID {
		return nil
	}
	inserted, err := t.db.AddReceipt(msg.ID, t.self.UserID, store.ReceiptDelivered)
	if err != nil {
		return fmt.Errorf("add delivered receipt: %w", err)
	}
	if !inserted {
		return nil
	}

	t.bus.PublishKind("receipt.updated", bus.MessageRef{ChatID: msg.ChatID, MessageID: msg.ID})
	if t.backend != nil {
		if err := t.backend.AddReceipt(ctx, msg.ChatID, msg.ID, t.self.UserID, store.ReceiptDelivered); err != nil {
			t.logger.Warn("failed to echo delivered receipt",
				zap.Error(err), zap.String("message_id", msg.ID))
		}
	}
	return nil
}

// MarkChatRead marks every unread incoming message in the chat as read by us
// and clears the chat's unread counter. Read implies delivered, so a missing
// delivered receipt is backfilled first.
func (t *Tracker) MarkChatRead(ctx context.Context, chatID string) error {
	ids, err := t.db.ListUnreadFrom(chatID, t.self.UserID)
	if err != nil {
		return fmt.Errorf("list unread: %w", err)
	}

	for _, id := range ids {
		if _, err := t.db.AddReceipt(id, t.self.UserID, store.ReceiptDelivered); err != nil {
			return fmt.Errorf("backfill delivered receipt: %w", err)
		}
		inserted, err := t.db.AddReceipt(id, t.self.UserID, store.ReceiptRead)
		if err != nil {
			return fmt.Errorf("add read receipt: %w", err)
		}
		if !inserted {
			continue
		}
		t.bus.PublishKind("receipt.updated", bus.MessageRef{ChatID: chatID, MessageID: id})
		if t.backend != nil {
			if err := t.backend.AddReceipt(ctx, chatID, id, t.self.UserID, store.ReceiptRead); err != nil {
				t.logger.Warn("failed to echo read receipt",
					zap.Error(err), zap.String("message_id", id))
			}
		}
	}

	if err := t.db.ClearUnread(chatID); err != nil {
		return fmt.Errorf("clear unread: %w", err)
	}
	return nil
}

// MergeRemote folds receipt sets carried by a remote change into local rows.
// Delivered rows land before read rows, so a reader always shows up as
// delivered too. Returns whether anything new was recorded.
func (t *Tracker) MergeRemote(msg *store.Message, deliveredTo, readBy []string) (bool, error) {
	changed := false

	for _, uid := range deliveredTo {
		inserted, err := t.db.AddReceipt(msg.ID, uid, store.ReceiptDelivered)
		if err != nil {
			return changed, fmt.Errorf("merge delivered receipt: %w", err)
		}
		changed = changed || inserted
	}
	for _, uid := range readBy {
		if _, err := t.db.AddReceipt(msg.ID, uid, store.ReceiptDelivered); err != nil {
			return changed, fmt.Errorf("merge implied delivered receipt: %w", err)
		}
		inserted, err := t.db.AddReceipt(msg.ID, uid, store.ReceiptRead)
		if err != nil {
			return changed, fmt.Errorf("merge read receipt: %w", err)
		}
		changed = changed || inserted
	}

	if changed {
		if err := t.promoteOwn(msg); err != nil {
			return changed, err
		}
		t.bus.PublishKind("receipt.updated", bus.MessageRef{ChatID: msg.ChatID, MessageID: msg.ID})
	}
	return changed, nil
}

// promoteOwn advances the delivery status of our own messages from the
// receipt rows. Other people's messages keep whatever the stream says.
func (t *Tracker) promoteOwn(msg *store.Message) error {
	if msg.SenderID != t.self.UserID {
		return nil
	}

	rows, err := t.db.Receipts(msg.ID)
	if err != nil {
		return fmt.Errorf("load receipts: %w", err)
	}

	delivered := make(map[string]bool)
	read := make(map[string]bool)
	for _, r := range rows {
		if r.UserID == msg.SenderID {
			continue
		}
		switch r.Kind {
		case store.ReceiptDelivered:
			delivered[r.UserID] = true
		case store.ReceiptRead:
			read[r.UserID] = true
		}
	}

	target := ""
	switch {
	case allRecipientsIn(msg.Recipients, read):
		target = store.DeliveryRead
	case len(delivered) > 0:
		target = store.DeliveryDelivered
	}
	if target == "" {
		return nil
	}
	if _, err := t.db.PromoteDeliveryStatus(msg.ID, target); err != nil {
		return fmt.Errorf("promote delivery status: %w", err)
	}
	return nil
}

func allRecipientsIn(recipients []string, set map[string]bool) bool {
	if len(recipients) == 0 {
		return false
	}
	for _, r := range recipients {
		if !set[r] {
			return false
		}
	}
	return true
}
