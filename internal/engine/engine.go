// Package engine serialises concurrent text operations for one document
// session so that every replica converges on the same content.
//
// Operations are integrated in a total order, (Lamport timestamp, user id),
// that every replica agrees on. An operation arriving after others that sort
// later is slotted in by undoing them, applying it and redoing them, so the
// document only depends on which operations have been integrated, never on
// the order they arrived in.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"collaboration-core/internal/observability"
	"collaboration-core/pkg/ot"
)

const (
	DefaultHistorySize = 256
	DefaultMaxPending  = 1024
)

var (
	// ErrQueueFull is returned when the pending queue is at capacity.
	ErrQueueFull = errors.New("engine: operation queue full")

	// ErrDuplicate marks an operation the engine has already applied.
	ErrDuplicate = errors.New("engine: duplicate operation")

	// ErrApply marks a transformed operation the document rejected.
	ErrApply = errors.New("engine: operation does not fit the document")
)

// State is the drain state of the engine.
type State int

const (
	Idle State = iota
	Queuing
	Draining
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Queuing:
		return "queuing"
	case Draining:
		return "draining"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Origin tells whether an operation was produced here or by a peer.
type Origin int

const (
	Local Origin = iota
	Remote
)

func (o Origin) String() string {
	if o == Local {
		return "local"
	}
	return "remote"
}

// Applied is one change to the document. Mirrors of the document apply
// every Applied in emission order, replays included.
type Applied struct {
	// Operation is the transformed form to apply.
	Operation ot.Operation
	// Original is the operation as it was stamped by its origin.
	Original ot.Operation
	Origin   Origin
	// Replay marks the undo and redo of already integrated operations
	// around one that arrived late.
	Replay bool
	// Content is the document once Operation is applied.
	Content string
}

// Discard reports an operation the engine dropped.
type Discard struct {
	Operation ot.Operation
	Origin    Origin
	Reason    string // malformed, conflict, duplicate, apply or queue_full
	Err       error
}

// Config holds engine settings.
type Config struct {
	// UserID attributes local operations.
	UserID string
	// HistorySize bounds the ring of applied operations kept for rebasing
	// late remote operations.
	HistorySize int
	// MaxPending bounds the queue.
	MaxPending int
	// Content is the initial document.
	Content string
}

type queued struct {
	op     ot.Operation
	origin Origin
}

// Engine owns a document and queues local and remote operations, draining
// them in (timestamp, user) order and rebasing each over the integrated
// operations its origin had not seen.
//
// Subscribers are never called with the engine lock held, so they may call
// back into the engine; operations pushed during a drain are picked up by the
// drain already running.
type Engine struct {
	mu      sync.Mutex
	cfg     Config
	logger  *slog.Logger
	metrics *observability.Metrics

	doc       *ot.Document
	clock     int64
	lastLocal int64
	queue     []queued
	history   *history
	applied   map[string]int64
	draining  bool

	onApplied   []func(Applied)
	onDiscarded []func(Discard)
}

// New creates an engine for one document session.
func New(cfg Config, logger *slog.Logger, metrics *observability.Metrics) *Engine {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = DefaultHistorySize
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = DefaultMaxPending
	}
	return &Engine{
		cfg:     cfg,
		logger:  observability.Component(logger, "engine"),
		metrics: metrics,
		doc:     ot.NewDocument(cfg.Content),
		history: newHistory(cfg.HistorySize),
		applied: make(map[string]int64),
	}
}

// OnApplied registers fn for every emitted operation.
func (e *Engine) OnApplied(fn func(Applied)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onApplied = append(e.onApplied, fn)
}

// OnDiscarded registers fn for every dropped operation.
func (e *Engine) OnDiscarded(fn func(Discard)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onDiscarded = append(e.onDiscarded, fn)
}

// ApplyLocal stamps op as the next local edit, queues it and drains. op
// must fit the current document. The stamped operation is returned for
// broadcasting; the form to apply locally is delivered to OnApplied
// subscribers.
func (e *Engine) ApplyLocal(op ot.Operation) (ot.Operation, error) {
	op.UserID = e.cfg.UserID
	if err := ot.Validate(op); err != nil {
		e.discard(Discard{Operation: op, Origin: Local, Reason: "malformed", Err: err})
		return op, err
	}

	e.mu.Lock()
	if err := checkBounds(op, e.doc.Len()); err != nil {
		e.mu.Unlock()
		e.discard(Discard{Operation: op, Origin: Local, Reason: "malformed", Err: err})
		return op, err
	}
	e.clock++
	op.Timestamp = e.clock
	seen := maps.Clone(e.applied)
	if e.lastLocal > 0 {
		seen[e.cfg.UserID] = e.lastLocal
	}
	op.Seen = nil
	if len(seen) > 0 {
		op.Seen = seen
	}
	err := e.enqueueLocked(queued{op: op, origin: Local})
	if err == nil {
		e.lastLocal = op.Timestamp
	}
	e.mu.Unlock()

	if err != nil {
		e.discard(Discard{Operation: op, Origin: Local, Reason: "queue_full", Err: err})
		return op, err
	}
	e.Drain()
	return op, nil
}

// ReceiveRemote queues a peer's operation and drains.
func (e *Engine) ReceiveRemote(op ot.Operation) error {
	if err := e.Enqueue(op); err != nil {
		return err
	}
	e.Drain()
	return nil
}

// Enqueue queues a peer's operation without draining.
func (e *Engine) Enqueue(op ot.Operation) error {
	op = op.WithSeen(op.Seen)
	if err := ot.Validate(op); err != nil {
		e.discard(Discard{Operation: op, Origin: Remote, Reason: "malformed", Err: err})
		return err
	}
	if op.UserID == "" {
		err := &ot.MalformedOperationError{Op: op, Reason: "missing user"}
		e.discard(Discard{Operation: op, Origin: Remote, Reason: "malformed", Err: err})
		return err
	}

	e.mu.Lock()
	if op.Timestamp > e.clock {
		e.clock = op.Timestamp
	}
	err := e.enqueueLocked(queued{op: op, origin: Remote})
	e.mu.Unlock()

	if err != nil {
		e.discard(Discard{Operation: op, Origin: Remote, Reason: "queue_full", Err: err})
	}
	return err
}

func (e *Engine) enqueueLocked(item queued) error {
	if len(e.queue) >= e.cfg.MaxPending {
		return ErrQueueFull
	}
	i, _ := slices.BinarySearchFunc(e.queue, item, compareQueued)
	e.queue = slices.Insert(e.queue, i, item)
	e.metrics.SetQueueDepth(len(e.queue))
	return nil
}

func compareQueued(a, b queued) int {
	return stampOf(a.op).compare(stampOf(b.op))
}

func checkBounds(op ot.Operation, n int) error {
	switch {
	case op.Type == ot.OpInsert && op.Position > n:
		return &ot.MalformedOperationError{Op: op, Reason: fmt.Sprintf("insert position beyond document length %d", n)}
	case op.Type != ot.OpInsert && op.End() > n:
		return &ot.MalformedOperationError{Op: op, Reason: fmt.Sprintf("range beyond document length %d", n)}
	}
	return nil
}

// Drain processes every causally ready operation in the queue. It returns
// immediately when another drain is running.
func (e *Engine) Drain() {
	e.mu.Lock()
	if e.draining {
		e.mu.Unlock()
		return
	}
	e.draining = true

	for {
		item, ok := e.popReadyLocked()
		if !ok {
			break
		}
		steps, discard := e.processLocked(item)
		appliedFns, discardFns := e.onApplied, e.onDiscarded
		e.mu.Unlock()

		if discard != nil {
			e.logDiscard(*discard)
			for _, fn := range discardFns {
				fn(*discard)
			}
		}
		for _, step := range steps {
			if !step.Replay {
				e.metrics.OperationApplied(step.Origin.String())
			}
			for _, fn := range appliedFns {
				fn(step)
			}
		}

		e.mu.Lock()
	}

	e.draining = false
	e.metrics.SetQueueDepth(len(e.queue))
	if len(e.queue) > 0 {
		e.logger.Debug("operations waiting for causal predecessors", "pending", len(e.queue))
	}
	e.mu.Unlock()
}

// popReadyLocked removes the first queued operation whose causal context
// has been applied. Duplicates count as ready so they leave the queue.
func (e *Engine) popReadyLocked() (queued, bool) {
	for i, item := range e.queue {
		if e.readyLocked(item.op) {
			e.queue = slices.Delete(e.queue, i, i+1)
			return item, true
		}
	}
	return queued{}, false
}

func (e *Engine) readyLocked(op ot.Operation) bool {
	if op.Timestamp <= e.applied[op.UserID] {
		return true
	}
	for user, ts := range op.Seen {
		if ts > e.applied[user] {
			return false
		}
	}
	return true
}

func (e *Engine) processLocked(item queued) ([]Applied, *Discard) {
	op := item.op
	reject := func(reason string, err error) ([]Applied, *Discard) {
		return nil, &Discard{Operation: op, Origin: item.origin, Reason: reason, Err: err}
	}

	if err := ot.Validate(op); err != nil {
		return reject("malformed", err)
	}
	if op.UserID == "" {
		return reject("malformed", &ot.MalformedOperationError{Op: op, Reason: "missing user"})
	}
	if op.Timestamp <= e.applied[op.UserID] {
		return reject("duplicate", ErrDuplicate)
	}
	if !contextOf(op).within(vector(e.applied)) {
		return reject("conflict", &ot.TransformConflictError{Op: op, Reason: "context is ahead of the document"})
	}
	for user, ts := range e.history.horizon {
		if op.Seen[user] < ts {
			return reject("conflict", &ot.TransformConflictError{
				Op:     op,
				Reason: fmt.Sprintf("context predates retained history for %s", user),
			})
		}
	}
	if stampOf(op).compare(e.history.floor) <= 0 {
		return reject("conflict", &ot.TransformConflictError{Op: op, Reason: "sorts before retained history"})
	}

	steps, err := e.integrateLocked(op, item.origin)
	if err != nil {
		var malformed *ot.MalformedOperationError
		switch {
		case errors.Is(err, ErrApply):
			return reject("apply", err)
		case errors.As(err, &malformed):
			return reject("malformed", err)
		}
		return reject("conflict", err)
	}

	e.applied[op.UserID] = op.Timestamp
	if op.Timestamp > e.clock {
		e.clock = op.Timestamp
	}
	return steps, nil
}

// integrateLocked slots op into the total order. Entries that sort after
// it are undone first and redone on top of it, each rebased onto the
// entries now before it. The work happens on a copy of the document when
// anything has to be undone, so a failure leaves the engine untouched.
func (e *Engine) integrateLocked(op ot.Operation, origin Origin) ([]Applied, error) {
	h := e.history
	i := h.position(op)
	later := h.entries[i:]

	doc := e.doc
	if len(later) > 0 {
		doc = ot.NewDocument(e.doc.Content())
	}

	var steps []Applied
	for j := len(later) - 1; j >= 0; j-- {
		undo := later[j].inverse()
		if undo.IsNoop() {
			continue
		}
		if err := doc.Apply(undo); err != nil {
			return nil, fmt.Errorf("%w: undo %s: %v", ErrApply, later[j].original, err)
		}
		steps = append(steps, Applied{Operation: undo, Original: later[j].original, Origin: later[j].origin,
			Replay: true, Content: doc.Content()})
	}

	h.track(op)
	r := newRebaser(h)
	defer func() {
		for range r.transforms {
			e.metrics.TransformPerformed()
		}
	}()

	redo := make([]entry, 0, len(later)+1)
	redo = append(redo, entry{original: op, origin: origin})
	redo = append(redo, later...)
	target := h.prefix(i)
	for k := range redo {
		item := &redo[k]
		transformed, err := r.rebase(item.original, target)
		if err != nil {
			h.untrack(op)
			return nil, err
		}
		transformed = fit(transformed, doc.Len())
		if transformed.Type == ot.OpDelete {
			item.removed = doc.Slice(transformed.Position, transformed.End())
		}
		if err := doc.Apply(transformed); err != nil {
			h.untrack(op)
			return nil, fmt.Errorf("%w: %s: %v", ErrApply, transformed, err)
		}
		item.applied = transformed
		target[item.original.UserID] = item.original.Timestamp
		if k > 0 && transformed.IsNoop() {
			continue
		}
		steps = append(steps, Applied{Operation: transformed, Original: item.original, Origin: item.origin,
			Replay: k > 0, Content: doc.Content()})
	}

	h.splice(i, redo)
	e.doc = doc
	return steps, nil
}

// fit clamps a rebased operation to a document of n code points. Inclusion
// transforms keep two concurrent edits exact; with three or more, rebasing
// along different paths can disagree about lengths. Every replica integrates
// the same operations in the same order and clamps them the same way, so the
// result stays identical everywhere.
func fit(op ot.Operation, n int) ot.Operation {
	switch op.Type {
	case ot.OpInsert:
		op.Position = min(op.Position, n)
	case ot.OpDelete:
		if op.Position >= n {
			return ot.Noop(op, n)
		}
		op.Length = min(op.Length, n-op.Position)
	case ot.OpRetain:
		op.Position = min(op.Position, n)
		op.Length = min(op.Length, n-op.Position)
	}
	return op
}

func (e *Engine) discard(d Discard) {
	e.logDiscard(d)
	e.mu.Lock()
	fns := e.onDiscarded
	e.mu.Unlock()
	for _, fn := range fns {
		fn(d)
	}
}

func (e *Engine) logDiscard(d Discard) {
	e.metrics.OperationDiscarded(d.Reason)
	level := slog.LevelWarn
	if d.Reason == "duplicate" {
		level = slog.LevelDebug
	}
	e.logger.Log(context.Background(), level, "discarding operation",
		"op", d.Operation.String(),
		"origin", d.Origin.String(),
		"reason", d.Reason,
		"error", d.Err,
	)
}

// Reset replaces the document with content, which reflects exactly the
// operations in applied, and drops the history. Queued operations the
// snapshot already covers are dropped; the rest stay queued for the next
// drain, along with integrated local operations the snapshot does not
// reflect yet. It is the engine half of a resync.
func (e *Engine) Reset(content string, applied map[string]int64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var unseen []queued
	for _, en := range e.history.entries {
		if en.origin == Local && en.original.Timestamp > applied[e.cfg.UserID] {
			unseen = append(unseen, queued{op: en.original, origin: Local})
		}
	}

	e.applied = maps.Clone(applied)
	if e.applied == nil {
		e.applied = make(map[string]int64)
	}
	e.queue = slices.DeleteFunc(e.queue, func(item queued) bool {
		return item.op.Timestamp <= e.applied[item.op.UserID]
	})
	for _, ts := range e.applied {
		if ts > e.clock {
			e.clock = ts
		}
	}
	e.doc = ot.NewDocument(content)
	e.history.reset(vector(e.applied))
	if len(unseen) == 0 {
		e.lastLocal = e.applied[e.cfg.UserID]
	}
	for _, item := range unseen {
		if err := e.enqueueLocked(item); err != nil {
			e.logger.Warn("dropping local operation missing from snapshot", "op", item.op.String(), "error", err)
		}
	}
	e.metrics.SetQueueDepth(len(e.queue))
}

// Clear drops pending operations but keeps history, so the session can
// continue with what has already been applied.
func (e *Engine) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.queue = nil
	e.metrics.SetQueueDepth(0)
}

// State reports the drain state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch {
	case e.draining:
		return Draining
	case len(e.queue) > 0:
		return Queuing
	default:
		return Idle
	}
}

// Pending returns the number of queued operations.
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

// History returns the retained applied operations, oldest first.
func (e *Engine) History() []ot.Operation {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.history.appliedForms()
}

// Content returns the document.
func (e *Engine) Content() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.doc.Content()
}

// Len returns the document length in code points.
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.doc.Len()
}

// Slice returns part of the document, clamped to its bounds.
func (e *Engine) Slice(start, end int) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.doc.Slice(start, end)
}

// Snapshot returns the document together with the operations it reflects.
func (e *Engine) Snapshot() (string, map[string]int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.doc.Content(), maps.Clone(e.applied)
}

// Vector returns a copy of the highest applied timestamp per user.
func (e *Engine) Vector() map[string]int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return maps.Clone(e.applied)
}

// Clock returns the current Lamport clock.
func (e *Engine) Clock() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.clock
}
