// Package outbox owns the pending-write lifecycle of locally-created
// messages: optimistic local insert, remote delivery with classified retries,
// and a flush when connectivity returns.
package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pigeon-im/pigeon/internal/bus"
	"github.com/pigeon-im/pigeon/internal/extract"
	"github.com/pigeon-im/pigeon/internal/netmon"
	"github.com/pigeon-im/pigeon/internal/remote"
	"github.com/pigeon-im/pigeon/internal/store"
	"go.uber.org/zap"
)

// Queue buffers locally-created messages and drains them to the backend.
// Remote writes are keyed by the message's client-generated id, so a retry
// that races its own earlier attempt is absorbed as an upsert.
type Queue struct {
	db      *store.DB
	backend remote.Backend
	bus     *bus.Bus
	mon     *netmon.Monitor
	self    remote.Identity
	policy  Policy
	poll    time.Duration
	logger  *zap.Logger

	kick     chan struct{}
	cancel   context.CancelFunc
	unsubNet func()
}

// New creates a queue. mon may be nil (always-assume-online, used in tests).
func New(db *store.DB, backend remote.Backend, b *bus.Bus, mon *netmon.Monitor, self remote.Identity, policy Policy, poll time.Duration, logger *zap.Logger) *Queue {
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		db:      db,
		backend: backend,
		bus:     b,
		mon:     mon,
		self:    self,
		policy:  policy,
		poll:    poll,
		logger:  logger,
		kick:    make(chan struct{}, 1),
	}
}

// Send creates a message, writes it to the local store immediately so the UI
// can render it, and queues it for remote delivery. Returns the stored
// message with its assigned id.
func (q *Queue) Send(ctx context.Context, chatID, content, messageType string) (*store.Message, error) {
	if messageType == "" {
		messageType = store.TypeText
	}

	msg := &store.Message{
		ID:             uuid.NewString(),
		ChatID:         chatID,
		SenderID:       q.self.UserID,
		SenderName:     q.self.DisplayName,
		Content:        content,
		MessageType:    messageType,
		Timestamp:      time.Now().UnixMilli(),
		SyncStatus:     store.SyncPending,
		DeliveryStatus: store.DeliverySending,
	}

	// Snapshot intended recipients at send time; "delivered to everyone"
	// is undecidable later if participants change.
	if chat, err := q.db.GetChat(chatID); err == nil && chat != nil {
		for _, p := range chat.Participants {
			if p != q.self.UserID {
				msg.Recipients = append(msg.Recipients, p)
			}
		}
	}

	if err := q.db.UpsertMessage(msg); err != nil {
		return nil, fmt.Errorf("store message: %w", err)
	}
	if err := q.db.TouchLastMessage(chatID, msg.ID, msg.SenderID, msg.Content, msg.Timestamp); err != nil {
		return nil, fmt.Errorf("touch chat: %w", err)
	}
	for _, att := range extract.Extract(msg) {
		if err := q.db.UpsertAttachment(&att); err != nil {
			q.logger.Warn("attachment extraction failed", zap.Error(err), zap.String("message_id", msg.ID))
		}
	}
	if err := q.db.Enqueue(msg.ID, chatID); err != nil {
		return nil, fmt.Errorf("enqueue: %w", err)
	}

	q.bus.PublishKind("message.upserted", bus.MessageRef{ChatID: chatID, MessageID: msg.ID})
	q.Kick()
	return msg, nil
}

// Retry requeues a message the user chose to resend after a hard failure.
func (q *Queue) Retry(_ context.Context, messageID string) error {
	entry, err := q.db.GetOutboxEntry(messageID)
	if err != nil {
		return err
	}
	if entry == nil {
		return fmt.Errorf("message %s is not in the outbox", messageID)
	}
	if err := q.db.Enqueue(messageID, entry.ChatID); err != nil {
		return err
	}
	if err := q.db.MarkPending(messageID); err != nil {
		return err
	}
	q.Kick()
	return nil
}

// Kick wakes the drain loop without waiting for the next poll tick.
func (q *Queue) Kick() {
	select {
	case q.kick <- struct{}{}:
	default:
	}
}

// Start begins draining. Entries a previous run left mid-attempt go back to
// queued first, so a crash between marking sending and the outcome cannot
// strand a message. A connectivity transition to online requeues transient
// failures and flushes immediately.
func (q *Queue) Start(ctx context.Context) {
	ctx, q.cancel = context.WithCancel(ctx)

	if ids, err := q.db.RecoverSending(); err != nil {
		q.logger.Error("failed to recover in-flight sends", zap.Error(err))
	} else if len(ids) > 0 {
		q.logger.Info("recovered in-flight sends", zap.Int("count", len(ids)))
	}

	if q.mon != nil {
		q.unsubNet = q.mon.Subscribe(func(online bool) {
			if !online {
				return
			}
			if err := q.requeueAfterReconnect(); err != nil {
				q.logger.Error("requeue on reconnect failed", zap.Error(err))
			}
			q.Kick()
		})
	}

	go q.loop(ctx)
}

// Stop halts the drain loop. Queued entries stay durable for the next run.
func (q *Queue) Stop() {
	if q.unsubNet != nil {
		q.unsubNet()
	}
	if q.cancel != nil {
		q.cancel()
	}
}

func (q *Queue) loop(ctx context.Context) {
	ticker := time.NewTicker(q.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			q.drain(ctx)
		case <-q.kick:
			q.drain(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (q *Queue) requeueAfterReconnect() error {
	ids, err := q.db.RequeueTransient()
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := q.db.MarkPending(id); err != nil {
			return err
		}
	}
	if len(ids) > 0 {
		q.logger.Info("requeued after reconnect", zap.Int("count", len(ids)))
	}
	return nil
}

func (q *Queue) drain(ctx context.Context) {
	if q.mon != nil && !q.mon.IsOnline() {
		return
	}

	due, err := q.db.DueOutbox(time.Now().UnixMilli())
	if err != nil {
		q.logger.Error("failed to read outbox", zap.Error(err))
		return
	}

	for _, entry := range due {
		if ctx.Err() != nil {
			return
		}
		q.attempt(ctx, entry)
	}
}

func (q *Queue) attempt(ctx context.Context, entry store.OutboxEntry) {
	msg, err := q.db.GetMessage(entry.MessageID)
	if err != nil || msg == nil {
		q.logger.Warn("outbox entry without message", zap.String("message_id", entry.MessageID), zap.Error(err))
		_ = q.db.MarkOutboxFailed(entry.MessageID, remote.ClassPermanent.String(), "message missing")
		return
	}

	if err := q.db.MarkOutboxSending(entry.MessageID); err != nil {
		q.logger.Error("failed to mark sending", zap.Error(err), zap.String("message_id", entry.MessageID))
		return
	}

	err = q.backend.PutMessage(ctx, toRecord(msg))
	if err == nil {
		q.succeed(msg)
		return
	}
	q.fail(entry, msg, err)
}

func (q *Queue) succeed(msg *store.Message) {
	if err := q.db.MarkOutboxSent(msg.ID); err != nil {
		q.logger.Error("failed to mark outbox sent", zap.Error(err), zap.String("message_id", msg.ID))
	}
	if err := q.db.MarkSynced(msg.ID); err != nil {
		q.logger.Error("failed to mark message synced", zap.Error(err), zap.String("message_id", msg.ID))
	}
	q.logger.Info("message delivered", zap.String("message_id", msg.ID), zap.String("chat_id", msg.ChatID))
	q.bus.PublishKind("message.send_ack", bus.MessageRef{ChatID: msg.ChatID, MessageID: msg.ID})
	q.bus.PublishKind("message.upserted", bus.MessageRef{ChatID: msg.ChatID, MessageID: msg.ID})
}

func (q *Queue) fail(entry store.OutboxEntry, msg *store.Message, sendErr error) {
	class := remote.Classify(sendErr)
	attempts := entry.Attempts + 1

	if class == remote.ClassPermanent {
		q.logger.Warn("send rejected", zap.Error(sendErr), zap.String("message_id", msg.ID))
		q.hardFail(msg, class, sendErr)
		return
	}

	if q.policy.Exhausted(attempts) {
		q.logger.Warn("retry budget exhausted", zap.Error(sendErr), zap.String("message_id", msg.ID), zap.Int("attempts", attempts))
		q.hardFail(msg, class, sendErr)
		return
	}

	delay := q.policy.Delay(attempts)
	q.logger.Info("send failed, will retry",
		zap.Error(sendErr),
		zap.String("message_id", msg.ID),
		zap.Int("attempt", attempts),
		zap.Duration("delay", delay))
	if err := q.db.RescheduleOutbox(msg.ID, attempts, time.Now().Add(delay).UnixMilli()); err != nil {
		q.logger.Error("failed to reschedule", zap.Error(err), zap.String("message_id", msg.ID))
	}
}

func (q *Queue) hardFail(msg *store.Message, class remote.Class, sendErr error) {
	if err := q.db.MarkOutboxFailed(msg.ID, class.String(), sendErr.Error()); err != nil {
		q.logger.Error("failed to mark outbox failed", zap.Error(err), zap.String("message_id", msg.ID))
	}
	if err := q.db.MarkSendFailed(msg.ID); err != nil {
		q.logger.Error("failed to mark message failed", zap.Error(err), zap.String("message_id", msg.ID))
	}
	q.bus.PublishKind("message.send_failed", bus.MessageRef{ChatID: msg.ChatID, MessageID: msg.ID})
	q.bus.PublishKind("message.upserted", bus.MessageRef{ChatID: msg.ChatID, MessageID: msg.ID})
}

func toRecord(m *store.Message) remote.MessageRecord {
	return remote.MessageRecord{
		ID:         m.ID,
		ChatID:     m.ChatID,
		SenderID:   m.SenderID,
		SenderName: m.SenderName,
		Content:    m.Content,
		Type:       m.MessageType,
		Timestamp:  m.Timestamp,
		Recipients: m.Recipients,
	}
}
