// Package ws is the websocket implementation of remote.Backend. One
// connection multiplexes request/reply commands and server-pushed change
// streams; replies correlate by request id.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pigeon-im/pigeon/internal/remote"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// envelope is the wire format in both directions.
type envelope struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	ChatID    string          `json:"chatId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     *wireError      `json:"error,omitempty"`
}

type wireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Codes the server will never succeed on retry for.
func (e *wireError) permanent() bool {
	switch e.Code {
	case "invalid", "unauthorized", "forbidden", "not_found":
		return true
	}
	return false
}

func (e *wireError) toErr() error {
	err := fmt.Errorf("%s: %s", e.Code, e.Message)
	if e.permanent() {
		return remote.Permanent(err)
	}
	return err
}

// Config holds connection parameters.
type Config struct {
	URL                string
	Token              string
	CallTimeout        time.Duration
	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration
}

func (c *Config) defaults() {
	if c.CallTimeout == 0 {
		c.CallTimeout = 10 * time.Second
	}
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
}

// reconnector computes capped exponential delays with jitter. Attempts reset
// after a connection that held for a while.
type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	attempt     int
	connectedAt time.Time
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

// Client implements remote.Backend over one websocket connection.
type Client struct {
	config Config
	logger *zap.Logger
	recon  reconnector

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
	cancel context.CancelFunc

	pendingMu sync.Mutex
	pending   map[string]chan envelope

	subMu    sync.Mutex
	chatSubs map[string]*chatSub
	rosterID string // user id of the active chat watch, "" if none
	roster   *rosterSub
}

func New(config Config, logger *zap.Logger) *Client {
	config.defaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		config: config,
		logger: logger,
		recon: reconnector{
			baseDelay: config.ReconnectBaseDelay,
			maxDelay:  config.ReconnectMaxDelay,
		},
		pending:  make(map[string]chan envelope),
		chatSubs: make(map[string]*chatSub),
	}
}

// Connect dials and authenticates. The first server frame must be
// "authenticated"; anything else means the token is bad and retrying is
// pointless.
func (c *Client) Connect(ctx context.Context) error {
	wsURL := strings.Replace(c.config.URL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += "/ws?token=" + c.config.Token

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}

	_, data, err := conn.Read(ctx)
	if err != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "")
		return fmt.Errorf("read auth frame: %w", err)
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != "authenticated" {
		_ = conn.Close(websocket.StatusNormalClosure, "")
		if env.Error != nil {
			return env.Error.toErr()
		}
		return remote.Permanentf("expected authenticated frame, got %q", env.Type)
	}

	readCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.conn = conn
	c.cancel = cancel
	c.mu.Unlock()
	c.recon.markConnected()

	go c.readLoop(readCtx, conn)
	c.logger.Info("backend connected", zap.String("url", c.config.URL))
	return nil
}

// Close tears the connection down and ends every subscription.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	if c.cancel != nil {
		c.cancel()
	}
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	c.failPending(fmt.Errorf("client closed"))
	c.closeSubs(nil)

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client shutdown")
	}
	return nil
}

// call performs one request/reply exchange.
func (c *Client) call(ctx context.Context, msgType, chatID string, payload any) (json.RawMessage, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil, fmt.Errorf("not connected")
	}

	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = data
	}

	requestID := uuid.NewString()
	ch := make(chan envelope, 1)
	c.pendingMu.Lock()
	c.pending[requestID] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, requestID)
		c.pendingMu.Unlock()
	}()

	data, err := json.Marshal(envelope{Type: msgType, RequestID: requestID, ChatID: chatID, Payload: raw})
	if err != nil {
		return nil, err
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return nil, fmt.Errorf("write %s: %w", msgType, err)
	}

	select {
	case reply := <-ch:
		if reply.Error != nil {
			return nil, reply.Error.toErr()
		}
		return reply.Payload, nil
	case <-time.After(c.config.CallTimeout):
		return nil, fmt.Errorf("%s: reply timeout", msgType)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			c.mu.Lock()
			closed := c.closed
			c.conn = nil
			c.mu.Unlock()

			c.failPending(fmt.Errorf("connection lost: %w", err))
			if closed {
				return
			}
			c.logger.Warn("connection lost, reconnecting", zap.Error(err))
			c.reconnect(ctx)
			return
		}

		var env envelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}
		c.route(env)
	}
}

func (c *Client) route(env envelope) {
	if env.RequestID != "" {
		c.pendingMu.Lock()
		ch, ok := c.pending[env.RequestID]
		if ok {
			delete(c.pending, env.RequestID)
		}
		c.pendingMu.Unlock()
		if ok {
			ch <- env
		}
		return
	}

	switch env.Type {
	case "change":
		var change remote.Change
		if err := json.Unmarshal(env.Payload, &change); err != nil {
			c.logger.Warn("malformed change frame", zap.Error(err))
			return
		}
		c.subMu.Lock()
		sub := c.chatSubs[env.ChatID]
		c.subMu.Unlock()
		if sub != nil {
			sub.deliver(change)
		}
	case "chats":
		var chats []remote.ChatRecord
		if err := json.Unmarshal(env.Payload, &chats); err != nil {
			c.logger.Warn("malformed chats frame", zap.Error(err))
			return
		}
		c.subMu.Lock()
		roster := c.roster
		c.subMu.Unlock()
		if roster != nil {
			roster.deliver(chats)
		}
	}
}

// reconnect redials until it works, then re-establishes every server-side
// subscription so the streams resume without caller involvement. Each resumed
// chat stream replays from the server's retained history; the engine's
// idempotent apply absorbs the overlap.
func (c *Client) reconnect(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.recon.nextDelay()):
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		if err := c.Connect(ctx); err != nil {
			if remote.Classify(err) == remote.ClassPermanent {
				c.logger.Error("reconnect rejected, giving up", zap.Error(err))
				c.closeSubs(err)
				return
			}
			c.logger.Warn("reconnect failed", zap.Error(err))
			continue
		}

		c.resubscribe(ctx)
		return
	}
}

func (c *Client) resubscribe(ctx context.Context) {
	c.subMu.Lock()
	chatIDs := make([]string, 0, len(c.chatSubs))
	for id := range c.chatSubs {
		chatIDs = append(chatIDs, id)
	}
	rosterID := c.rosterID
	c.subMu.Unlock()

	for _, id := range chatIDs {
		if _, err := c.call(ctx, "messages.subscribe", id, nil); err != nil {
			c.logger.Error("failed to resubscribe chat", zap.Error(err), zap.String("chat_id", id))
		}
	}
	if rosterID != "" {
		if _, err := c.call(ctx, "chats.watch", "", map[string]string{"userId": rosterID}); err != nil {
			c.logger.Error("failed to resume chat watch", zap.Error(err))
		}
	}
}

func (c *Client) failPending(err error) {
	c.pendingMu.Lock()
	for id, ch := range c.pending {
		ch <- envelope{Error: &wireError{Code: "disconnected", Message: err.Error()}}
		delete(c.pending, id)
	}
	c.pendingMu.Unlock()
}

func (c *Client) closeSubs(err error) {
	c.subMu.Lock()
	subs := make([]*chatSub, 0, len(c.chatSubs))
	for _, s := range c.chatSubs {
		subs = append(subs, s)
	}
	c.chatSubs = make(map[string]*chatSub)
	roster := c.roster
	c.roster = nil
	c.rosterID = ""
	c.subMu.Unlock()

	for _, s := range subs {
		s.end(err)
	}
	if roster != nil {
		roster.end(err)
	}
}
