package collab

import (
	"sync"

	"collaboration-core/internal/engine"
	"collaboration-core/internal/presence"
	"collaboration-core/internal/protocol"
	"collaboration-core/pkg/ot"
)

// Event is delivered to subscribers. The concrete types below are the only
// implementations.
type Event interface {
	isEvent()
}

type ContentJoined struct {
	ContentID string
	Content   string
}

type ContentLeft struct {
	ContentID string
}

type UserJoined struct {
	User presence.Participant
}

type UserLeft struct {
	User presence.Participant
}

type CursorMoved struct {
	User     presence.Participant
	Position protocol.CursorPosition
}

// SelectionChanged carries a nil Selection when the user cleared it.
type SelectionChanged struct {
	User      presence.Participant
	Selection *protocol.TextSelection
}

// TextChanged reports an operation applied to the local document. Content
// is the document after the operation. Replay marks the undo and redo of
// earlier operations around one that arrived late; mirrors of the document
// apply those too.
type TextChanged struct {
	Operation ot.Operation
	Origin    engine.Origin
	Content   string
	Replay    bool
}

// OperationProcessed reports an operation drained by the engine, in both
// its original and applied forms.
type OperationProcessed struct {
	Operation ot.Operation
	Original  ot.Operation
	Origin    engine.Origin
}

type OperationDiscarded struct {
	Operation ot.Operation
	Origin    engine.Origin
	Reason    string
	Err       error
}

type ConnectionStatusChanged struct {
	Connected bool
}

// Resynced reports that the document was replaced by an authoritative copy,
// or that pending state was flushed when no copy is available. Trigger is
// manual, reconnect, overflow, conflict, apply or discards.
type Resynced struct {
	ContentID string
	Content   string
	Trigger   string
}

func (ContentJoined) isEvent()           {}
func (ContentLeft) isEvent()             {}
func (UserJoined) isEvent()              {}
func (UserLeft) isEvent()                {}
func (CursorMoved) isEvent()             {}
func (SelectionChanged) isEvent()        {}
func (TextChanged) isEvent()             {}
func (OperationProcessed) isEvent()      {}
func (OperationDiscarded) isEvent()      {}
func (ConnectionStatusChanged) isEvent() {}
func (Resynced) isEvent()                {}

// dispatcher delivers events to subscribers in emission order without
// holding a lock during the call. Events emitted while a dispatch is running,
// including from inside a subscriber, are delivered by that dispatch.
type dispatcher struct {
	mu          sync.Mutex
	subs        map[int]func(Event)
	order       []int
	next        int
	queue       []Event
	dispatching bool
}

func (d *dispatcher) subscribe(fn func(Event)) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.subs == nil {
		d.subs = make(map[int]func(Event))
	}
	id := d.next
	d.next++
	d.subs[id] = fn
	d.order = append(d.order, id)

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			defer d.mu.Unlock()
			delete(d.subs, id)
			for i, v := range d.order {
				if v == id {
					d.order = append(d.order[:i:i], d.order[i+1:]...)
					break
				}
			}
		})
	}
}

// enqueue adds events to the queue without delivering them. The next emit
// delivers them ahead of its own.
func (d *dispatcher) enqueue(events ...Event) {
	d.mu.Lock()
	d.queue = append(d.queue, events...)
	d.mu.Unlock()
}

func (d *dispatcher) emit(events ...Event) {
	d.mu.Lock()
	d.queue = append(d.queue, events...)
	if d.dispatching {
		d.mu.Unlock()
		return
	}
	d.dispatching = true

	for len(d.queue) > 0 {
		evt := d.queue[0]
		d.queue[0] = nil
		d.queue = d.queue[1:]
		fns := make([]func(Event), 0, len(d.order))
		for _, id := range d.order {
			fns = append(fns, d.subs[id])
		}
		d.mu.Unlock()

		for _, fn := range fns {
			fn(evt)
		}

		d.mu.Lock()
	}
	d.dispatching = false
	d.mu.Unlock()
}
