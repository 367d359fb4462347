// Package netmon watches connectivity and tells the rest of the engine when
// it flips. State is level-readable via IsOnline, but subscribers only hear
// about edges, so a flapping probe cannot cause retry storms.
package netmon

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/pigeon-im/pigeon/internal/bus"
	"go.uber.org/zap"
)

// Probe answers "does the network work right now".
type Probe interface {
	Online(ctx context.Context) bool
}

// DialProbe checks connectivity by opening and closing a TCP connection.
type DialProbe struct {
	Addr    string
	Timeout time.Duration
}

func (p *DialProbe) Online(ctx context.Context) bool {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", p.Addr)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// Monitor polls a probe and fans out transitions.
type Monitor struct {
	probe    Probe
	interval time.Duration
	bus      *bus.Bus
	logger   *zap.Logger

	mu     sync.RWMutex
	online bool
	known  bool
	subs   map[int]func(bool)
	next   int

	cancel context.CancelFunc
}

// New creates a monitor. It does not probe until Start.
func New(probe Probe, interval time.Duration, b *bus.Bus, logger *zap.Logger) *Monitor {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Monitor{
		probe:    probe,
		interval: interval,
		bus:      b,
		logger:   logger,
		subs:     make(map[int]func(bool)),
	}
}

// Start performs one synchronous probe to seed the state (no callbacks fire
// for it), then keeps polling in the background.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)

	initial := m.probe.Online(ctx)
	m.mu.Lock()
	m.online = initial
	m.known = true
	m.mu.Unlock()
	if m.logger != nil {
		m.logger.Info("network monitor started", zap.Bool("online", initial))
	}

	go m.loop(ctx)
}

// Stop halts polling. In-flight callbacks may still complete.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
}

// IsOnline returns the last-known state synchronously.
func (m *Monitor) IsOnline() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// Subscribe registers fn to run on every transition. It does not fire for the
// current state. Returns an unsubscribe handle.
func (m *Monitor) Subscribe(fn func(online bool)) func() {
	m.mu.Lock()
	id := m.next
	m.next++
	m.subs[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

func (m *Monitor) loop(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.setOnline(m.probe.Online(ctx))
		case <-ctx.Done():
			return
		}
	}
}

func (m *Monitor) setOnline(online bool) {
	m.mu.Lock()
	if m.known && m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	m.known = true
	fns := make([]func(bool), 0, len(m.subs))
	for _, fn := range m.subs {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	if m.logger != nil {
		m.logger.Info("connectivity changed", zap.Bool("online", online))
	}
	if m.bus != nil {
		m.bus.PublishKind("net.changed", online)
	}
	for _, fn := range fns {
		fn(online)
	}
}
