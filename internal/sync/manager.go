package sync

import (
	"context"
	"fmt"

	"github.com/pigeon-im/pigeon/internal/bus"
	"github.com/pigeon-im/pigeon/internal/remote"
	"github.com/pigeon-im/pigeon/internal/store"
	"go.uber.org/zap"
)

// Manager keeps one Listener per chat the user belongs to, driven by the
// backend's chat roster stream. All reconciliation runs on one goroutine.
type Manager struct {
	db      *store.DB
	engine  *Engine
	backend remote.Backend
	bus     *bus.Bus
	self    remote.Identity
	limit   int
	logger  *zap.Logger

	listeners map[string]*Listener
	sub       remote.ChatSubscription
	cancel    context.CancelFunc
	done      chan struct{}
}

func NewManager(db *store.DB, engine *Engine, backend remote.Backend, b *bus.Bus, self remote.Identity, limit int, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		db:        db,
		engine:    engine,
		backend:   backend,
		bus:       b,
		self:      self,
		limit:     limit,
		logger:    logger,
		listeners: make(map[string]*Listener),
		done:      make(chan struct{}),
	}
}

// Start subscribes to the chat roster and reconciles listeners as snapshots
// arrive.
func (m *Manager) Start(ctx context.Context) error {
	ctx, m.cancel = context.WithCancel(ctx)

	sub, err := m.backend.WatchChats(ctx, m.self.UserID)
	if err != nil {
		return fmt.Errorf("watch chats: %w", err)
	}
	m.sub = sub

	go m.loop(ctx)
	return nil
}

func (m *Manager) loop(ctx context.Context) {
	defer close(m.done)

	for chats := range m.sub.Chats() {
		m.reconcile(ctx, chats)
	}
	if err := m.sub.Err(); err != nil && ctx.Err() == nil {
		m.logger.Warn("chat roster stream ended", zap.Error(err))
	}
}

func (m *Manager) reconcile(ctx context.Context, chats []remote.ChatRecord) {
	seen := make(map[string]bool, len(chats))

	for _, rec := range chats {
		seen[rec.ID] = true
		if err := m.db.UpsertChat(toChat(rec)); err != nil {
			m.logger.Error("failed to upsert chat", zap.Error(err), zap.String("chat_id", rec.ID))
			continue
		}
		m.bus.PublishKind("chat.upserted", rec.ID)

		if _, ok := m.listeners[rec.ID]; ok {
			continue
		}
		l := NewListener(rec.ID, m.engine, m.backend, m.bus, m.limit, m.logger)
		if err := l.Start(ctx); err != nil {
			m.logger.Error("failed to start chat listener", zap.Error(err), zap.String("chat_id", rec.ID))
			continue
		}
		m.listeners[rec.ID] = l
	}

	// Chats we left or that were deleted remotely.
	for id, l := range m.listeners {
		if seen[id] {
			continue
		}
		l.Stop()
		delete(m.listeners, id)
		if err := m.db.DeleteChat(id); err != nil {
			m.logger.Error("failed to delete chat", zap.Error(err), zap.String("chat_id", id))
		}
		m.logger.Info("chat removed", zap.String("chat_id", id))
	}
}

// Stop halts the roster stream and every chat listener.
func (m *Manager) Stop() {
	if m.sub != nil {
		m.sub.Close()
	}
	if m.cancel != nil {
		m.cancel()
	}
	if m.sub != nil {
		<-m.done
	}
	for id, l := range m.listeners {
		l.Stop()
		delete(m.listeners, id)
	}
}

func toChat(rec remote.ChatRecord) *store.Chat {
	details := make(map[string]store.Participant, len(rec.Details))
	for id, d := range rec.Details {
		details[id] = store.Participant{DisplayName: d.DisplayName, AvatarURL: d.AvatarURL}
	}
	chatType := rec.Type
	if chatType == "" {
		if len(rec.Participants) > 2 {
			chatType = store.ChatGroup
		} else {
			chatType = store.ChatDirect
		}
	}
	return &store.Chat{
		ID:                 rec.ID,
		ChatType:           chatType,
		Participants:       rec.Participants,
		ParticipantDetails: details,
	}
}
