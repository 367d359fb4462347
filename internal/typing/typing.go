// Package typing handles ephemeral "is typing" presence. Nothing here touches
// the store: typing state lives only on the backend and expires by TTL, so a
// crashed client leaves no stuck indicator once its last beat ages out.
package typing

import (
	"context"
	"sync"
	"time"

	"github.com/pigeon-im/pigeon/internal/remote"
	"go.uber.org/zap"
)

// Broadcaster publishes our own typing state, throttled per chat. Repeated
// keystrokes inside the throttle window refresh the auto-stop timer without
// hitting the backend again.
type Broadcaster struct {
	backend  remote.Backend
	self     remote.Identity
	throttle time.Duration
	ttl      time.Duration
	logger   *zap.Logger
	now      func() time.Time

	mu        sync.Mutex
	lastBeat  map[string]time.Time
	autoStops map[string]*time.Timer
}

func NewBroadcaster(backend remote.Backend, self remote.Identity, throttle, ttl time.Duration, logger *zap.Logger) *Broadcaster {
	if throttle <= 0 {
		throttle = time.Second
	}
	if ttl <= 0 {
		ttl = 3 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broadcaster{
		backend:   backend,
		self:      self,
		throttle:  throttle,
		ttl:       ttl,
		logger:    logger,
		now:       time.Now,
		lastBeat:  make(map[string]time.Time),
		autoStops: make(map[string]*time.Timer),
	}
}

// Typing signals that the user is composing in chatID. Call it on every
// keystroke; it rate-limits itself.
func (b *Broadcaster) Typing(ctx context.Context, chatID string) {
	b.mu.Lock()
	now := b.now()
	due := now.Sub(b.lastBeat[chatID]) >= b.throttle
	if due {
		b.lastBeat[chatID] = now
	}
	b.resetAutoStop(chatID)
	b.mu.Unlock()

	if !due {
		return
	}
	entry := remote.TypingEntry{
		UserID:      b.self.UserID,
		DisplayName: b.self.DisplayName,
		Timestamp:   now.UnixMilli(),
	}
	if err := b.backend.PutTyping(ctx, chatID, entry); err != nil {
		b.logger.Warn("failed to publish typing", zap.Error(err), zap.String("chat_id", chatID))
	}
}

// Stop clears our indicator immediately, e.g. when the message was sent or
// the composer emptied.
func (b *Broadcaster) Stop(ctx context.Context, chatID string) {
	b.mu.Lock()
	delete(b.lastBeat, chatID)
	if t, ok := b.autoStops[chatID]; ok {
		t.Stop()
		delete(b.autoStops, chatID)
	}
	b.mu.Unlock()

	if err := b.backend.ClearTyping(ctx, chatID, b.self.UserID); err != nil {
		b.logger.Warn("failed to clear typing", zap.Error(err), zap.String("chat_id", chatID))
	}
}

// Close stops every pending auto-stop timer without touching the backend.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, t := range b.autoStops {
		t.Stop()
		delete(b.autoStops, id)
	}
}

// caller holds mu
func (b *Broadcaster) resetAutoStop(chatID string) {
	if t, ok := b.autoStops[chatID]; ok {
		t.Reset(b.ttl)
		return
	}
	b.autoStops[chatID] = time.AfterFunc(b.ttl, func() {
		b.mu.Lock()
		delete(b.lastBeat, chatID)
		delete(b.autoStops, chatID)
		b.mu.Unlock()
		if err := b.backend.ClearTyping(context.Background(), chatID, b.self.UserID); err != nil {
			b.logger.Warn("failed to auto-clear typing", zap.Error(err), zap.String("chat_id", chatID))
		}
	})
}

// Watcher reads who else is typing. Staleness is decided lazily at read time
// against the entry's own timestamp, so no sweeper goroutine is needed.
type Watcher struct {
	backend remote.Backend
	self    remote.Identity
	ttl     time.Duration
	now     func() time.Time
}

func NewWatcher(backend remote.Backend, self remote.Identity, ttl time.Duration) *Watcher {
	if ttl <= 0 {
		ttl = 3 * time.Second
	}
	return &Watcher{backend: backend, self: self, ttl: ttl, now: time.Now}
}

// ActiveTypers returns everyone currently typing in chatID except ourselves.
func (w *Watcher) ActiveTypers(ctx context.Context, chatID string) ([]remote.TypingEntry, error) {
	entries, err := w.backend.Typing(ctx, chatID)
	if err != nil {
		return nil, err
	}
	return Filter(entries, w.self.UserID, w.now(), w.ttl), nil
}

// Filter drops expired entries and the excluded user. Pure so the staleness
// rule is testable without a backend.
func Filter(entries []remote.TypingEntry, excludeUserID string, now time.Time, ttl time.Duration) []remote.TypingEntry {
	cutoff := now.UnixMilli() - ttl.Milliseconds()
	var out []remote.TypingEntry
	for _, e := range entries {
		if e.UserID == excludeUserID {
			continue
		}
		if e.Timestamp < cutoff {
			continue
		}
		out = append(out, e)
	}
	return out
}
