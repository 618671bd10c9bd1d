package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"

	"collaboration-core/internal/observability"
	"collaboration-core/internal/protocol"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 512 * 1024

	sendBuffer = 256
)

// WebSocketConfig configures a WebSocket transport.
type WebSocketConfig struct {
	// URL of the relay endpoint, e.g. ws://localhost:8080/ws.
	URL string

	// InitialBackoff and MaxBackoff bound the reconnect delay.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// MaxElapsed stops reconnecting after this long; zero retries forever.
	MaxElapsed time.Duration

	Dialer *websocket.Dialer
	Logger *slog.Logger
}

// WebSocket is a Transport speaking JSON envelopes to a relay server. It
// reconnects with exponential backoff and renews its subscriptions when the
// link comes back.
type WebSocket struct {
	cfg    WebSocketConfig
	dialer *websocket.Dialer
	logger *slog.Logger

	mu       sync.Mutex
	cur      *wsConn
	inbox    *inbox
	channels map[string]bool
	closed   bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

type wsConn struct {
	conn *websocket.Conn
	send chan []byte
}

// NewWebSocket creates an unconnected transport.
func NewWebSocket(cfg WebSocketConfig) *WebSocket {
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 250 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 10 * time.Second
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	return &WebSocket{
		cfg:      cfg,
		dialer:   dialer,
		logger:   observability.Component(cfg.Logger, "ws_transport").With("url", cfg.URL),
		channels: make(map[string]bool),
	}
}

func (w *WebSocket) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.cfg.InitialBackoff
	b.MaxInterval = w.cfg.MaxBackoff
	b.MaxElapsedTime = w.cfg.MaxElapsed
	b.Reset()
	return b
}

// Connect dials the relay, retrying with backoff until ctx is done, and
// starts the connection loop.
func (w *WebSocket) Connect(ctx context.Context, h Handlers) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrNotConnected
	}
	if w.inbox != nil {
		w.mu.Unlock()
		return errors.New("transport: already connected")
	}
	w.inbox = newInbox(h)
	life, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.mu.Unlock()

	conn, err := w.dial(ctx)
	if err != nil {
		w.mu.Lock()
		w.inbox.close()
		w.inbox = nil
		w.mu.Unlock()
		cancel()
		return err
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		conn.Close()
		return ErrNotConnected
	}
	w.wg.Add(1)
	w.mu.Unlock()

	go w.run(life, w.attach(conn))
	return nil
}

func (w *WebSocket) dial(ctx context.Context) (*websocket.Conn, error) {
	b := w.newBackOff()
	for {
		conn, _, err := w.dialer.DialContext(ctx, w.cfg.URL, nil)
		if err == nil {
			return conn, nil
		}
		wait := b.NextBackOff()
		if wait == backoff.Stop {
			return nil, fmt.Errorf("dial %s: %w", w.cfg.URL, err)
		}
		w.logger.Warn("dial failed, retrying", "error", err, "retry_in", wait)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// attach installs conn as the live connection, renews subscriptions and
// reports the transport connected.
func (w *WebSocket) attach(conn *websocket.Conn) *wsConn {
	c := &wsConn{conn: conn, send: make(chan []byte, sendBuffer)}

	w.mu.Lock()
	w.cur = c
	if w.closed {
		conn.Close()
	}
	for ch := range w.channels {
		if data, err := protocol.EncodeJSON(protocol.Envelope{Action: protocol.ActionSubscribe, Channel: ch}); err == nil {
			c.send <- data
		}
	}
	w.inbox.status(Connected)
	w.mu.Unlock()

	go w.writePump(c)
	w.logger.Info("connected")
	return c
}

func (w *WebSocket) detach(c *wsConn) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cur == c {
		w.cur = nil
	}
	close(c.send)
	w.inbox.status(Disconnected)
}

func (w *WebSocket) run(life context.Context, c *wsConn) {
	defer w.wg.Done()
	for {
		w.readPump(c)
		w.detach(c)
		if life.Err() != nil {
			return
		}
		w.logger.Warn("connection lost, reconnecting")

		conn, err := w.dial(life)
		if err != nil {
			if life.Err() == nil {
				w.logger.Error("giving up reconnecting", "error", err)
			}
			return
		}
		c = w.attach(conn)
	}
}

// readPump delivers inbound envelopes until the connection fails.
func (w *WebSocket) readPump(c *wsConn) {
	defer c.conn.Close()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				w.logger.Warn("read failed", "error", err)
			}
			return
		}
		env, err := protocol.DecodeJSON(data)
		if err != nil {
			w.logger.Warn("dropping undecodable frame", "error", err)
			continue
		}
		if env.Action != protocol.ActionPublish || env.Event == nil {
			continue
		}
		if !w.inbox.event(*env.Event) {
			w.logger.Warn("inbox full, dropping event", "type", env.Event.Type)
		}
	}
}

// writePump writes queued frames and keeps the link alive with pings.
func (w *WebSocket) writePump(c *wsConn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (w *WebSocket) enqueue(env protocol.Envelope) error {
	data, err := protocol.EncodeJSON(env)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cur == nil {
		return ErrNotConnected
	}
	select {
	case w.cur.send <- data:
		return nil
	default:
		return fmt.Errorf("transport: send buffer full")
	}
}

// Subscribe joins channel. The subscription is remembered and renewed after
// a reconnect even when this call fails with ErrNotConnected.
func (w *WebSocket) Subscribe(ctx context.Context, channel string) error {
	w.mu.Lock()
	w.channels[channel] = true
	w.mu.Unlock()
	return w.enqueue(protocol.Envelope{Action: protocol.ActionSubscribe, Channel: channel})
}

func (w *WebSocket) Unsubscribe(ctx context.Context, channel string) error {
	w.mu.Lock()
	delete(w.channels, channel)
	w.mu.Unlock()
	return w.enqueue(protocol.Envelope{Action: protocol.ActionUnsubscribe, Channel: channel})
}

func (w *WebSocket) Send(ctx context.Context, evt protocol.Event) error {
	if err := evt.Validate(); err != nil {
		return err
	}
	return w.enqueue(protocol.Envelope{
		Action:  protocol.ActionPublish,
		Channel: protocol.Channel(evt.ContentID),
		Event:   &evt,
	})
}

// Close stops reconnecting and closes the link.
func (w *WebSocket) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	if w.cancel != nil {
		w.cancel()
	}
	if w.cur != nil {
		w.cur.conn.Close()
	}
	w.mu.Unlock()

	w.wg.Wait()

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.inbox != nil {
		w.inbox.close()
	}
	return nil
}
