package relay

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"collaboration-core/internal/observability"
	"collaboration-core/internal/protocol"
)

// Hub maintains the connected clients and fans published events out to the
// other subscribers of a channel. All maps are owned by the run goroutine.
type Hub struct {
	// Registered clients
	clients map[*Client]bool

	// Subscribers per document channel
	channels map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	control    chan control
	broadcast  chan publication
	stats      chan chan Stats

	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	logger  *slog.Logger
	metrics *observability.Metrics
}

type control struct {
	client  *Client
	action  protocol.Action
	channel string
}

type publication struct {
	from    *Client
	channel string
	event   protocol.Event
}

// Stats is a point-in-time view of the hub.
type Stats struct {
	Clients  int            `json:"clients"`
	Channels map[string]int `json:"channels"`
}

// NewHub creates a hub. Call run to start it.
func NewHub(logger *slog.Logger, metrics *observability.Metrics) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		channels:   make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		control:    make(chan control),
		broadcast:  make(chan publication, 256),
		stats:      make(chan chan Stats),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
		logger:     observability.Component(logger, "relay_hub"),
		metrics:    metrics,
	}
}

func (h *Hub) run() {
	defer close(h.done)
	for {
		select {
		case client := <-h.register:
			h.handleRegister(client)

		case client := <-h.unregister:
			h.handleUnregister(client)

		case c := <-h.control:
			h.handleControl(c)

		case p := <-h.broadcast:
			h.handleBroadcast(p)

		case reply := <-h.stats:
			reply <- h.snapshot()

		case <-h.quit:
			h.shutdown()
			return
		}
	}
}

func (h *Hub) handleRegister(client *Client) {
	h.clients[client] = true
	if h.metrics != nil {
		h.metrics.RelayConnections.Set(float64(len(h.clients)))
	}
	h.logger.Debug("client registered", "client_id", client.id, "clients", len(h.clients))
}

func (h *Hub) handleUnregister(client *Client) {
	if !h.clients[client] {
		return
	}
	h.drop(client)
	h.logger.Debug("client unregistered", "client_id", client.id, "clients", len(h.clients))
}

// drop removes client everywhere and tells the remaining subscribers that
// its users left.
func (h *Hub) drop(client *Client) {
	delete(h.clients, client)
	close(client.send)
	if h.metrics != nil {
		h.metrics.RelayConnections.Set(float64(len(h.clients)))
	}

	for channel, userID := range client.channels {
		h.leaveChannel(client, channel)
		if userID != "" && !h.userPresent(channel, userID) {
			h.notifyUserLeft(channel, userID)
		}
	}
	client.channels = nil
}

func (h *Hub) leaveChannel(client *Client, channel string) {
	subs := h.channels[channel]
	if subs == nil {
		return
	}
	delete(subs, client)
	if len(subs) == 0 {
		delete(h.channels, channel)
	}
}

func (h *Hub) userPresent(channel, userID string) bool {
	for c := range h.channels[channel] {
		if c.channels[channel] == userID {
			return true
		}
	}
	return false
}

// notifyUserLeft publishes a user_leave on behalf of a client that went away
// without announcing it.
func (h *Hub) notifyUserLeft(channel, userID string) {
	contentID, ok := contentOf(channel)
	if !ok {
		return
	}
	evt, err := protocol.NewEvent(protocol.UserLeave, userID, contentID, time.Now().UnixMilli(), protocol.UserLeaveData{})
	if err != nil {
		h.logger.Error("building leave notification failed", "error", err)
		return
	}
	h.logger.Info("user disconnected without leaving", "channel", channel, "user_id", userID)
	h.fanOut(publication{channel: channel, event: evt})
}

func (h *Hub) handleControl(c control) {
	if !h.clients[c.client] {
		return
	}
	switch c.action {
	case protocol.ActionSubscribe:
		if h.channels[c.channel] == nil {
			h.channels[c.channel] = make(map[*Client]bool)
		}
		h.channels[c.channel][c.client] = true
		if _, ok := c.client.channels[c.channel]; !ok {
			c.client.channels[c.channel] = ""
		}
		h.logger.Debug("subscribed", "client_id", c.client.id, "channel", c.channel, "subscribers", len(h.channels[c.channel]))

	case protocol.ActionUnsubscribe:
		h.leaveChannel(c.client, c.channel)
		delete(c.client.channels, c.channel)
	}
}

func (h *Hub) handleBroadcast(p publication) {
	if p.from != nil {
		if !h.clients[p.from] {
			return
		}
		// Remember who speaks on the channel so a dropped connection can be
		// announced as a leave.
		if _, ok := p.from.channels[p.channel]; ok {
			switch p.event.Type {
			case protocol.UserLeave:
				p.from.channels[p.channel] = ""
			default:
				p.from.channels[p.channel] = p.event.UserID
			}
		}
	}
	h.fanOut(p)
}

// fanOut sends p to every subscriber except the sender. Clients whose buffer
// is full are dropped.
func (h *Hub) fanOut(p publication) {
	subs := h.channels[p.channel]
	if len(subs) == 0 {
		return
	}
	evt := p.event
	data, err := protocol.EncodeJSON(protocol.Envelope{
		Action:  protocol.ActionPublish,
		Channel: p.channel,
		Event:   &evt,
	})
	if err != nil {
		h.logger.Error("encoding envelope failed", "error", err)
		return
	}

	var slow []*Client
	for client := range subs {
		if client == p.from {
			continue
		}
		select {
		case client.send <- data:
		default:
			slow = append(slow, client)
		}
	}
	for _, client := range slow {
		if h.clients[client] {
			h.logger.Warn("client buffer full, dropping", "client_id", client.id)
			h.drop(client)
		}
	}
}

func (h *Hub) snapshot() Stats {
	st := Stats{Clients: len(h.clients), Channels: make(map[string]int, len(h.channels))}
	for ch, subs := range h.channels {
		st.Channels[ch] = len(subs)
	}
	return st
}

// Stats returns the current client and subscription counts.
func (h *Hub) Stats() Stats {
	reply := make(chan Stats, 1)
	select {
	case h.stats <- reply:
		return <-reply
	case <-h.done:
		return Stats{Channels: map[string]int{}}
	}
}

func (h *Hub) shutdown() {
	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
	h.channels = make(map[string]map[*Client]bool)
	if h.metrics != nil {
		h.metrics.RelayConnections.Set(0)
	}
	h.logger.Info("hub shutdown complete")
}

// Close stops the hub and disconnects every client.
func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.quit) })
	<-h.done
}

// contentOf reverses protocol.Channel.
func contentOf(channel string) (string, bool) {
	id, ok := strings.CutPrefix(channel, protocol.Channel(""))
	return id, ok && id != ""
}
