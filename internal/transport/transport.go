// Package transport carries collaboration events between participants.
//
// The collaboration core depends only on the Transport interface; the
// adapters here bind it to an in-process hub, a websocket relay and Redis
// pub/sub.
package transport

import (
	"context"
	"errors"
	"sync"

	"collaboration-core/internal/protocol"
)

// ErrNotConnected is returned by Send and Subscribe while the transport has
// no live connection.
var ErrNotConnected = errors.New("transport: not connected")

// Status is the connection state reported to Handlers.OnStatus.
type Status int

const (
	Disconnected Status = iota
	Connected
	// Desynced reports that inbound events were dropped. The connection is
	// still up but the receiver has missed traffic and must resync.
	Desynced
)

func (s Status) String() string {
	switch s {
	case Connected:
		return "connected"
	case Desynced:
		return "desynced"
	}
	return "disconnected"
}

// Handlers receive inbound traffic. Calls for one transport are never
// concurrent and arrive in delivery order.
type Handlers struct {
	OnEvent  func(protocol.Event)
	OnStatus func(Status)
}

func (h Handlers) event(evt protocol.Event) {
	if h.OnEvent != nil {
		h.OnEvent(evt)
	}
}

func (h Handlers) status(s Status) {
	if h.OnStatus != nil {
		h.OnStatus(s)
	}
}

// Transport is a publish/subscribe channel for collaboration events. Send
// publishes on protocol.Channel(evt.ContentID); a transport never delivers
// an event back to its sender.
type Transport interface {
	Connect(ctx context.Context, h Handlers) error
	Subscribe(ctx context.Context, channel string) error
	Unsubscribe(ctx context.Context, channel string) error
	Send(ctx context.Context, evt protocol.Event) error
	Close() error
}

// delivery is one item in a transport's inbox; a single pump goroutine
// drains the inbox so handler calls are serialised.
type delivery struct {
	event  *protocol.Event
	status *Status
}

// inboxLimit bounds queued events per transport; status changes are
// always queued.
const inboxLimit = 1024

type inbox struct {
	mu     sync.Mutex
	items  []delivery
	wake   chan struct{}
	closed bool

	// overflowed is set from the first dropped event until the Desynced
	// status it queued has been delivered.
	overflowed bool
}

func newInbox(h Handlers) *inbox {
	ib := &inbox{wake: make(chan struct{}, 1)}
	go ib.pump(h)
	return ib
}

func (ib *inbox) pump(h Handlers) {
	for {
		_, open := <-ib.wake
		for {
			ib.mu.Lock()
			if len(ib.items) == 0 {
				ib.mu.Unlock()
				break
			}
			d := ib.items[0]
			ib.items[0] = delivery{}
			ib.items = ib.items[1:]
			if d.status != nil && *d.status == Desynced {
				ib.overflowed = false
			}
			ib.mu.Unlock()

			switch {
			case d.event != nil:
				h.event(*d.event)
			case d.status != nil:
				h.status(*d.status)
			}
		}
		if !open {
			return
		}
	}
}

func (ib *inbox) pushLocked(d delivery) {
	ib.items = append(ib.items, d)
	select {
	case ib.wake <- struct{}{}:
	default:
	}
}

// event queues evt and reports false when the inbox is full or closed. The
// first event dropped for a full inbox queues a Desynced status behind the
// events already waiting.
func (ib *inbox) event(evt protocol.Event) bool {
	ib.mu.Lock()
	defer ib.mu.Unlock()
	if ib.closed {
		return false
	}
	if len(ib.items) >= inboxLimit {
		if !ib.overflowed {
			ib.overflowed = true
			desynced := Desynced
			ib.pushLocked(delivery{status: &desynced})
		}
		return false
	}
	ib.pushLocked(delivery{event: &evt})
	return true
}

func (ib *inbox) status(s Status) {
	ib.mu.Lock()
	defer ib.mu.Unlock()
	if !ib.closed {
		ib.pushLocked(delivery{status: &s})
	}
}

// close stops the pump once queued items are delivered.
func (ib *inbox) close() {
	ib.mu.Lock()
	defer ib.mu.Unlock()
	if !ib.closed {
		ib.closed = true
		close(ib.wake)
	}
}
