// Package sync reconciles the local cache with the remote change stream.
// Every change application is idempotent: replays converge to the same rows
// and fire user-visible side effects at most once.
package sync

import (
	"context"
	"fmt"

	"github.com/pigeon-im/pigeon/internal/bus"
	"github.com/pigeon-im/pigeon/internal/extract"
	"github.com/pigeon-im/pigeon/internal/notify"
	"github.com/pigeon-im/pigeon/internal/receipts"
	"github.com/pigeon-im/pigeon/internal/remote"
	"github.com/pigeon-im/pigeon/internal/store"
	"go.uber.org/zap"
)

// Engine applies remote changes to the store.
type Engine struct {
	db       *store.DB
	tracker  *receipts.Tracker
	bus      *bus.Bus
	notifier notify.Notifier
	self     remote.Identity
	logger   *zap.Logger
}

func NewEngine(db *store.DB, tracker *receipts.Tracker, b *bus.Bus, notifier notify.Notifier, self remote.Identity, logger *zap.Logger) *Engine {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{db: db, tracker: tracker, bus: b, notifier: notifier, self: self, logger: logger}
}

// Apply folds one change into the store. live distinguishes the streaming
// phase from catch-up: only live arrivals may notify, so replaying history
// after a reconnect stays silent.
func (e *Engine) Apply(ctx context.Context, change remote.Change, live bool) error {
	if change.Type == remote.ChangeRemoved {
		return e.applyRemoval(change.Record)
	}
	return e.applyUpsert(ctx, change.Record, live)
}

func (e *Engine) applyRemoval(rec remote.MessageRecord) error {
	if err := e.db.DeleteMessage(rec.ID); err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	e.bus.PublishKind("message.removed", bus.MessageRef{ChatID: rec.ChatID, MessageID: rec.ID})
	return nil
}

func (e *Engine) applyUpsert(ctx context.Context, rec remote.MessageRecord, live bool) error {
	prev, err := e.db.GetMessage(rec.ID)
	if err != nil {
		return fmt.Errorf("lookup message: %w", err)
	}

	msg := fromRecord(rec)
	if err := e.db.UpsertMessage(msg); err != nil {
		return fmt.Errorf("upsert message: %w", err)
	}
	if err := e.db.TouchLastMessage(rec.ChatID, rec.ID, rec.SenderID, rec.Content, rec.Timestamp); err != nil {
		return fmt.Errorf("touch chat: %w", err)
	}
	for _, att := range extract.Extract(msg) {
		if err := e.db.UpsertAttachment(&att); err != nil {
			e.logger.Warn("attachment extraction failed", zap.Error(err), zap.String("message_id", msg.ID))
		}
	}

	if _, err := e.tracker.MergeRemote(msg, rec.DeliveredTo, rec.ReadBy); err != nil {
		return fmt.Errorf("merge receipts: %w", err)
	}

	foreign := rec.SenderID != e.self.UserID
	if foreign {
		// A record we already read on another device arrives with our id in
		// ReadBy. Counting it would badge read history after a resync.
		if prev == nil && !readBySelf(rec, e.self.UserID) {
			if err := e.db.IncrementUnread(rec.ChatID); err != nil {
				return fmt.Errorf("increment unread: %w", err)
			}
			if live {
				e.notifier.Notify(rec.ChatID, rec.SenderName, rec.Content)
			}
		}
		if err := e.tracker.MarkDelivered(ctx, msg); err != nil {
			return fmt.Errorf("mark delivered: %w", err)
		}
	}

	e.bus.PublishKind("message.upserted", bus.MessageRef{ChatID: rec.ChatID, MessageID: rec.ID})
	return nil
}

func readBySelf(rec remote.MessageRecord, userID string) bool {
	for _, id := range rec.ReadBy {
		if id == userID {
			return true
		}
	}
	return false
}

func fromRecord(rec remote.MessageRecord) *store.Message {
	messageType := rec.Type
	if messageType == "" {
		messageType = store.TypeText
	}
	return &store.Message{
		ID:             rec.ID,
		ChatID:         rec.ChatID,
		SenderID:       rec.SenderID,
		SenderName:     rec.SenderName,
		Content:        rec.Content,
		MessageType:    messageType,
		Timestamp:      rec.Timestamp,
		SyncStatus:     store.SyncSynced,
		DeliveryStatus: store.DeliverySent,
		Recipients:     rec.Recipients,
	}
}
