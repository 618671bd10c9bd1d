package relay

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"collaboration-core/internal/protocol"
)

// Client is one websocket connection to the relay.
type Client struct {
	id   string
	hub  *Hub
	conn *websocket.Conn
	cfg  Config

	// Buffered channel of outbound frames
	send chan []byte

	// Subscribed channels and the user last seen speaking on each. Owned by
	// the hub goroutine.
	channels map[string]string

	logger *slog.Logger
}

func newClient(hub *Hub, conn *websocket.Conn, cfg Config, logger *slog.Logger) *Client {
	id := uuid.NewString()[:8]
	return &Client{
		id:       id,
		hub:      hub,
		conn:     conn,
		cfg:      cfg,
		send:     make(chan []byte, cfg.SendBuffer),
		channels: make(map[string]string),
		logger:   logger.With("client_id", id),
	}
}

// readPump pumps envelopes from the websocket connection to the hub.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(c.cfg.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.logger.Warn("websocket error", "error", err)
			}
			return
		}
		if !c.processMessage(data) {
			return
		}
	}
}

// processMessage hands one envelope to the hub. It returns false once the
// hub has stopped.
func (c *Client) processMessage(data []byte) bool {
	env, err := protocol.DecodeJSON(data)
	if err != nil {
		c.logger.Warn("dropping undecodable frame", "error", err)
		return true
	}
	if c.hub.metrics != nil && env.Action.Valid() {
		c.hub.metrics.RelayMessages.WithLabelValues(string(env.Action)).Inc()
	}

	switch env.Action {
	case protocol.ActionSubscribe, protocol.ActionUnsubscribe:
		if env.Channel == "" {
			c.logger.Warn("control frame without channel", "action", env.Action)
			return true
		}
		return toHub(c, c.hub.control, control{client: c, action: env.Action, channel: env.Channel})

	case protocol.ActionPublish:
		if env.Event == nil {
			c.logger.Warn("publish frame without event")
			return true
		}
		if err := env.Event.Validate(); err != nil {
			c.logger.Warn("dropping invalid event", "error", err)
			return true
		}
		channel := protocol.Channel(env.Event.ContentID)
		if env.Channel != "" && env.Channel != channel {
			c.logger.Warn("event published on a foreign channel", "channel", env.Channel, "content_id", env.Event.ContentID)
			return true
		}
		return toHub(c, c.hub.broadcast, publication{from: c, channel: channel, event: *env.Event})

	default:
		c.logger.Warn("unknown action", "action", env.Action)
		return true
	}
}

func toHub[T any](c *Client, ch chan T, v T) bool {
	select {
	case ch <- v:
		return true
	case <-c.hub.done:
		return false
	}
}

// writePump pumps frames from the hub to the websocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if !ok {
				// The hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
