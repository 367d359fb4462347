package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pigeon-im/pigeon/internal/remote"
)

// LoadInitial fetches the most recent messages of a chat.
func (c *Client) LoadInitial(ctx context.Context, chatID string, limit int) ([]remote.MessageRecord, error) {
	payload, err := c.call(ctx, "messages.load", chatID, map[string]int{"limit": limit})
	if err != nil {
		return nil, err
	}
	var records []remote.MessageRecord
	if err := json.Unmarshal(payload, &records); err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}
	return records, nil
}

// Subscribe opens the live change stream for a chat.
func (c *Client) Subscribe(ctx context.Context, chatID string) (remote.Subscription, error) {
	sub := &chatSub{
		client: c,
		chatID: chatID,
		ch:     make(chan remote.Change, 64),
	}
	c.subMu.Lock()
	if _, exists := c.chatSubs[chatID]; exists {
		c.subMu.Unlock()
		return nil, fmt.Errorf("chat %s already subscribed", chatID)
	}
	c.chatSubs[chatID] = sub
	c.subMu.Unlock()

	if _, err := c.call(ctx, "messages.subscribe", chatID, nil); err != nil {
		c.subMu.Lock()
		delete(c.chatSubs, chatID)
		c.subMu.Unlock()
		return nil, err
	}
	return sub, nil
}

// PutMessage stores a message. The server treats the client-generated id as
// the identity, so resending after an ambiguous failure cannot duplicate.
func (c *Client) PutMessage(ctx context.Context, rec remote.MessageRecord) error {
	_, err := c.call(ctx, "message.put", rec.ChatID, rec)
	return err
}

// AddReceipt records a delivered or read acknowledgement.
func (c *Client) AddReceipt(ctx context.Context, chatID, messageID, userID, kind string) error {
	_, err := c.call(ctx, "receipt.add", chatID, map[string]string{
		"messageId": messageID,
		"userId":    userID,
		"kind":      kind,
	})
	return err
}

// PutTyping publishes a typing beat.
func (c *Client) PutTyping(ctx context.Context, chatID string, entry remote.TypingEntry) error {
	_, err := c.call(ctx, "typing.set", chatID, entry)
	return err
}

// ClearTyping removes a typing entry.
func (c *Client) ClearTyping(ctx context.Context, chatID, userID string) error {
	_, err := c.call(ctx, "typing.clear", chatID, map[string]string{"userId": userID})
	return err
}

// Typing lists current typing entries, fresh or not; the caller filters.
func (c *Client) Typing(ctx context.Context, chatID string) ([]remote.TypingEntry, error) {
	payload, err := c.call(ctx, "typing.list", chatID, nil)
	if err != nil {
		return nil, err
	}
	var entries []remote.TypingEntry
	if err := json.Unmarshal(payload, &entries); err != nil {
		return nil, fmt.Errorf("decode typing entries: %w", err)
	}
	return entries, nil
}

// WatchChats opens the chat roster stream for a user. Only one watch per
// client.
func (c *Client) WatchChats(ctx context.Context, userID string) (remote.ChatSubscription, error) {
	sub := &rosterSub{
		client: c,
		ch:     make(chan []remote.ChatRecord, 8),
	}
	c.subMu.Lock()
	if c.roster != nil {
		c.subMu.Unlock()
		return nil, fmt.Errorf("chat watch already active")
	}
	c.roster = sub
	c.rosterID = userID
	c.subMu.Unlock()

	if _, err := c.call(ctx, "chats.watch", "", map[string]string{"userId": userID}); err != nil {
		c.subMu.Lock()
		c.roster = nil
		c.rosterID = ""
		c.subMu.Unlock()
		return nil, err
	}
	return sub, nil
}

// chatSub is one chat's change stream.
type chatSub struct {
	client *Client
	chatID string
	ch     chan remote.Change

	mu     sync.Mutex
	err    error
	closed bool
}

func (s *chatSub) Changes() <-chan remote.Change { return s.ch }

func (s *chatSub) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close unsubscribes server-side and ends the channel.
func (s *chatSub) Close() {
	s.client.subMu.Lock()
	delete(s.client.chatSubs, s.chatID)
	s.client.subMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.client.config.CallTimeout)
	defer cancel()
	_, _ = s.client.call(ctx, "messages.unsubscribe", s.chatID, nil)

	s.end(nil)
}

// deliver holds the lock across the send so end cannot close the channel
// under a concurrent write.
func (s *chatSub) deliver(change remote.Change) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- change:
	default:
		s.client.logger.Warn("change stream backlog full, dropping frame")
	}
}

func (s *chatSub) end(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	close(s.ch)
}

// rosterSub is the chat roster stream.
type rosterSub struct {
	client *Client
	ch     chan []remote.ChatRecord

	mu     sync.Mutex
	err    error
	closed bool
}

func (s *rosterSub) Chats() <-chan []remote.ChatRecord { return s.ch }

func (s *rosterSub) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *rosterSub) Close() {
	s.client.subMu.Lock()
	if s.client.roster == s {
		s.client.roster = nil
		s.client.rosterID = ""
	}
	s.client.subMu.Unlock()
	s.end(nil)
}

func (s *rosterSub) deliver(chats []remote.ChatRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- chats:
	default:
	}
}

func (s *rosterSub) end(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	close(s.ch)
}
