package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"collaboration-core/internal/observability"
	"collaboration-core/internal/protocol"
)

// originLen is the size of the sender id prefixed to every payload. Redis
// echoes publishes to the publisher when it is subscribed, so the prefix is
// how a transport recognises its own traffic.
const originLen = 16

// Redis is a Transport over Redis pub/sub with one channel per document and
// CBOR payloads.
type Redis struct {
	client *redis.Client
	logger *slog.Logger
	origin [originLen]byte

	mu        sync.Mutex
	pubsub    *redis.PubSub
	inbox     *inbox
	connected bool
	done      chan struct{}
}

// NewRedis creates a transport on client. The caller owns client.
func NewRedis(client *redis.Client, logger *slog.Logger) *Redis {
	return &Redis{
		client: client,
		logger: observability.Component(logger, "redis_transport"),
		origin: uuid.New(),
	}
}

func (r *Redis) Connect(ctx context.Context, h Handlers) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pubsub != nil {
		return errors.New("transport: already connected")
	}
	r.inbox = newInbox(h)
	r.pubsub = r.client.Subscribe(context.Background())
	r.done = make(chan struct{})
	r.connected = true
	r.inbox.status(Connected)

	go r.receive(r.pubsub, r.done)
	return nil
}

// receive forwards messages until the pubsub is closed. go-redis redials
// and resubscribes on its own; errors in between are reported as a
// disconnect. Any reply after that, including subscription confirmations
// and pongs, proves the link is back.
func (r *Redis) receive(ps *redis.PubSub, done chan struct{}) {
	defer close(done)
	ctx := context.Background()
	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = 100 * time.Millisecond
	retry.MaxInterval = 5 * time.Second
	retry.MaxElapsedTime = 0
	for {
		reply, err := ps.Receive(ctx)
		if err != nil {
			if errors.Is(err, redis.ErrClosed) || r.isClosed() {
				return
			}
			r.setConnected(false)
			wait := retry.NextBackOff()
			r.logger.Warn("receive failed", "error", err, "retry_in", wait)
			time.Sleep(wait)
			// Channels are resubscribed on the next receive; the ping gets
			// a reply even when nothing is subscribed.
			if err := ps.Ping(ctx); err != nil {
				r.logger.Debug("ping after receive error failed", "error", err)
			}
			continue
		}
		retry.Reset()
		r.setConnected(true)

		msg, ok := reply.(*redis.Message)
		if !ok {
			continue
		}
		r.forward(msg)
	}
}

func (r *Redis) forward(msg *redis.Message) {
	payload := []byte(msg.Payload)
	if len(payload) < originLen {
		r.logger.Warn("dropping short payload", "channel", msg.Channel)
		return
	}
	if bytes.Equal(payload[:originLen], r.origin[:]) {
		return
	}
	evt, err := protocol.DecodeCBOR(payload[originLen:])
	if err != nil {
		r.logger.Warn("dropping undecodable payload", "channel", msg.Channel, "error", err)
		return
	}
	if !r.inbox.event(evt) {
		r.logger.Warn("inbox full, dropping event", "type", evt.Type)
	}
}

func (r *Redis) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pubsub == nil
}

func (r *Redis) setConnected(up bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pubsub == nil || r.connected == up {
		return
	}
	r.connected = up
	if up {
		r.inbox.status(Connected)
	} else {
		r.inbox.status(Disconnected)
	}
}

func (r *Redis) current() (*redis.PubSub, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pubsub == nil {
		return nil, ErrNotConnected
	}
	return r.pubsub, nil
}

func (r *Redis) Subscribe(ctx context.Context, channel string) error {
	ps, err := r.current()
	if err != nil {
		return err
	}
	return ps.Subscribe(ctx, channel)
}

func (r *Redis) Unsubscribe(ctx context.Context, channel string) error {
	ps, err := r.current()
	if err != nil {
		return err
	}
	return ps.Unsubscribe(ctx, channel)
}

func (r *Redis) Send(ctx context.Context, evt protocol.Event) error {
	if _, err := r.current(); err != nil {
		return err
	}
	if err := evt.Validate(); err != nil {
		return err
	}
	data, err := protocol.EncodeCBOR(evt)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	payload := make([]byte, 0, originLen+len(data))
	payload = append(payload, r.origin[:]...)
	payload = append(payload, data...)
	if err := r.client.Publish(ctx, protocol.Channel(evt.ContentID), payload).Err(); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}

func (r *Redis) Close() error {
	r.mu.Lock()
	ps, done, ib := r.pubsub, r.done, r.inbox
	r.pubsub = nil
	r.mu.Unlock()

	if ps == nil {
		return nil
	}
	err := ps.Close()
	<-done
	ib.status(Disconnected)
	ib.close()
	return err
}
