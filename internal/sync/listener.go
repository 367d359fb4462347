package sync

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/pigeon-im/pigeon/internal/bus"
	"github.com/pigeon-im/pigeon/internal/remote"
	"go.uber.org/zap"
)

// Listener syncs one chat: a bounded catch-up load, then the live stream.
// The two phases use separate backend calls, so what arrived during catch-up
// versus live is decided by the API shape, not by a mutable flag.
type Listener struct {
	chatID  string
	engine  *Engine
	backend remote.Backend
	bus     *bus.Bus
	logger  *zap.Logger
	limit   int

	sub    remote.Subscription
	cancel context.CancelFunc
	closed atomic.Bool
	done   chan struct{}
}

func NewListener(chatID string, engine *Engine, backend remote.Backend, b *bus.Bus, limit int, logger *zap.Logger) *Listener {
	if limit <= 0 {
		limit = 100
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Listener{
		chatID:  chatID,
		engine:  engine,
		backend: backend,
		bus:     b,
		logger:  logger,
		limit:   limit,
		done:    make(chan struct{}),
	}
}

// Start loads the snapshot, subscribes, and begins forwarding. It returns
// after the snapshot is applied; the live stream runs in the background.
func (l *Listener) Start(ctx context.Context) error {
	ctx, l.cancel = context.WithCancel(ctx)

	records, err := l.backend.LoadInitial(ctx, l.chatID, l.limit)
	if err != nil {
		return fmt.Errorf("load initial %s: %w", l.chatID, err)
	}
	for _, rec := range records {
		if err := l.engine.Apply(ctx, remote.Change{Type: remote.ChangeAdded, Record: rec}, false); err != nil {
			l.logger.Error("failed to apply snapshot record",
				zap.Error(err), zap.String("chat_id", l.chatID), zap.String("message_id", rec.ID))
		}
	}
	l.bus.PublishKind("sync.snapshot_loaded", l.chatID)
	l.logger.Info("snapshot loaded", zap.String("chat_id", l.chatID), zap.Int("messages", len(records)))

	sub, err := l.backend.Subscribe(ctx, l.chatID)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", l.chatID, err)
	}
	l.sub = sub
	l.bus.PublishKind("sync.live", l.chatID)

	go l.forward(ctx)
	return nil
}

func (l *Listener) forward(ctx context.Context) {
	defer close(l.done)

	for change := range l.sub.Changes() {
		if err := l.engine.Apply(ctx, change, true); err != nil {
			l.logger.Error("failed to apply live change",
				zap.Error(err), zap.String("chat_id", l.chatID), zap.String("message_id", change.Record.ID))
		}
	}
	if err := l.sub.Err(); err != nil && !l.closed.Load() {
		l.logger.Warn("chat stream ended", zap.Error(err), zap.String("chat_id", l.chatID))
	}
}

// Stop ends the subscription and waits for the forward loop to drain.
func (l *Listener) Stop() {
	if !l.closed.CompareAndSwap(false, true) {
		return
	}
	if l.sub != nil {
		l.sub.Close()
	}
	if l.cancel != nil {
		l.cancel()
	}
	if l.sub != nil {
		<-l.done
	}
}
