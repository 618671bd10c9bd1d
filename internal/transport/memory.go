package transport

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"collaboration-core/internal/observability"
	"collaboration-core/internal/protocol"
)

// ErrHubClosed is returned by Memory transports whose hub has shut down.
var ErrHubClosed = errors.New("transport: hub closed")

// MemoryHub routes events between Memory transports in the same process.
// A single goroutine owns the subscription tables.
type MemoryHub struct {
	logger *slog.Logger

	// Subscribers per channel
	channels map[string]map[*Memory]bool

	// Subscribe requests
	register chan subscription

	// Unsubscribe requests; an empty channel drops every subscription
	unregister chan subscription

	// Events to fan out
	broadcast chan message

	stats chan chan HubStats
	quit  chan struct{}
	once  sync.Once
}

type subscription struct {
	client  *Memory
	channel string
	done    chan struct{}
}

type message struct {
	from    *Memory
	channel string
	event   protocol.Event
}

// HubStats describes the hub's subscription tables.
type HubStats struct {
	Channels map[string]int
}

// NewMemoryHub creates a hub and starts its loop.
func NewMemoryHub(logger *slog.Logger) *MemoryHub {
	h := &MemoryHub{
		logger:     observability.Component(logger, "memory_hub"),
		channels:   make(map[string]map[*Memory]bool),
		register:   make(chan subscription),
		unregister: make(chan subscription),
		broadcast:  make(chan message),
		stats:      make(chan chan HubStats),
		quit:       make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *MemoryHub) run() {
	for {
		select {
		case s := <-h.register:
			h.handleRegister(s)
			close(s.done)

		case s := <-h.unregister:
			h.handleUnregister(s)
			close(s.done)

		case m := <-h.broadcast:
			h.handleBroadcast(m)

		case reply := <-h.stats:
			st := HubStats{Channels: make(map[string]int, len(h.channels))}
			for ch, clients := range h.channels {
				st.Channels[ch] = len(clients)
			}
			reply <- st

		case <-h.quit:
			return
		}
	}
}

func (h *MemoryHub) handleRegister(s subscription) {
	if h.channels[s.channel] == nil {
		h.channels[s.channel] = make(map[*Memory]bool)
	}
	h.channels[s.channel][s.client] = true
	h.logger.Debug("subscribed", "client", s.client.name, "channel", s.channel,
		"subscribers", len(h.channels[s.channel]))
}

func (h *MemoryHub) handleUnregister(s subscription) {
	for ch, clients := range h.channels {
		if s.channel != "" && ch != s.channel {
			continue
		}
		delete(clients, s.client)
		if len(clients) == 0 {
			delete(h.channels, ch)
		}
	}
}

func (h *MemoryHub) handleBroadcast(m message) {
	sent := 0
	for client := range h.channels[m.channel] {
		if client == m.from {
			continue
		}
		if client.deliver(m.event) {
			sent++
		} else {
			h.logger.Warn("client inbox full, dropping event", "client", client.name, "type", m.event.Type)
		}
	}
	h.logger.Debug("broadcast complete", "channel", m.channel, "type", m.event.Type, "sent", sent)
}

// Stats returns a snapshot of the subscription tables.
func (h *MemoryHub) Stats() HubStats {
	reply := make(chan HubStats, 1)
	select {
	case h.stats <- reply:
		return <-reply
	case <-h.quit:
		return HubStats{}
	}
}

// Close stops the hub loop.
func (h *MemoryHub) Close() {
	h.once.Do(func() { close(h.quit) })
}

func (h *MemoryHub) call(ctx context.Context, ch chan subscription, s subscription) error {
	s.done = make(chan struct{})
	select {
	case ch <- s:
	case <-h.quit:
		return ErrHubClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-s.done:
		return nil
	case <-h.quit:
		return ErrHubClosed
	}
}

// Memory is a Transport attached to a MemoryHub. Disconnect and Reconnect
// simulate a dropped link: subscriptions are lost on disconnect, as with a
// real relay.
type Memory struct {
	hub  *MemoryHub
	name string

	mu        sync.Mutex
	inbox     *inbox
	connected bool
	closed    bool
}

// NewMemory creates a transport on hub. name only appears in logs.
func NewMemory(hub *MemoryHub, name string) *Memory {
	return &Memory{hub: hub, name: name}
}

func (m *Memory) Connect(ctx context.Context, h Handlers) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrNotConnected
	}
	if m.inbox == nil {
		m.inbox = newInbox(h)
	}
	m.connected = true
	m.inbox.status(Connected)
	return nil
}

func (m *Memory) isConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *Memory) Subscribe(ctx context.Context, channel string) error {
	if !m.isConnected() {
		return ErrNotConnected
	}
	return m.hub.call(ctx, m.hub.register, subscription{client: m, channel: channel})
}

func (m *Memory) Unsubscribe(ctx context.Context, channel string) error {
	if !m.isConnected() {
		return ErrNotConnected
	}
	return m.hub.call(ctx, m.hub.unregister, subscription{client: m, channel: channel})
}

func (m *Memory) Send(ctx context.Context, evt protocol.Event) error {
	if !m.isConnected() {
		return ErrNotConnected
	}
	if err := evt.Validate(); err != nil {
		return err
	}
	select {
	case m.hub.broadcast <- message{from: m, channel: protocol.Channel(evt.ContentID), event: evt}:
		return nil
	case <-m.hub.quit:
		return ErrHubClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Memory) deliver(evt protocol.Event) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected || m.inbox == nil {
		return true
	}
	return m.inbox.event(evt)
}

// Disconnect drops the link and every subscription.
func (m *Memory) Disconnect() {
	m.mu.Lock()
	if !m.connected {
		m.mu.Unlock()
		return
	}
	m.connected = false
	m.mu.Unlock()

	_ = m.hub.call(context.Background(), m.hub.unregister, subscription{client: m})

	m.mu.Lock()
	if m.inbox != nil {
		m.inbox.status(Disconnected)
	}
	m.mu.Unlock()
}

// Reconnect restores the link. Subscriptions must be renewed by the caller.
func (m *Memory) Reconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.connected || m.inbox == nil {
		return
	}
	m.connected = true
	m.inbox.status(Connected)
}

func (m *Memory) Close() error {
	m.Disconnect()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	if m.inbox != nil {
		m.inbox.close()
	}
	return nil
}
