// Package notify is the seam for surfacing new-message alerts. The engine
// only calls it for live incoming messages, never for catch-up replay.
package notify

import (
	"unicode/utf8"

	"go.uber.org/zap"
)

// Notifier receives one call per newly arrived foreign message.
type Notifier interface {
	Notify(chatID, senderName, content string)
}

// LogNotifier writes notifications to the daemon log. Useful headless and as
// the default until a desktop integration is wired in.
type LogNotifier struct {
	Logger *zap.Logger
}

func (n *LogNotifier) Notify(chatID, senderName, content string) {
	if n.Logger == nil {
		return
	}
	n.Logger.Info("new message",
		zap.String("chat_id", chatID),
		zap.String("sender", senderName),
		zap.String("preview", preview(content)))
}

func preview(s string) string {
	const max = 80
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

// Nop drops all notifications.
type Nop struct{}

func (Nop) Notify(string, string, string) {}
