// Package collab is the entry point an editor uses to take part in a
// collaborative document session.
package collab

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"collaboration-core/internal/engine"
	"collaboration-core/internal/observability"
	"collaboration-core/internal/presence"
	"collaboration-core/internal/protocol"
	"collaboration-core/internal/transport"
	"collaboration-core/pkg/ot"
)

// DefaultResyncAfterDiscards is how many rejected remote operations trigger
// a resync.
const DefaultResyncAfterDiscards = 3

var (
	// ErrNotJoined is returned by session operations before JoinContent.
	ErrNotJoined = errors.New("collab: not joined to a document")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("collab: closed")

	// ErrResyncing is returned for edits while the document is being
	// replaced, and by Resync when one is already running.
	ErrResyncing = errors.New("collab: resync in progress")
)

// Options configures a Facade.
type Options struct {
	// User is the local participant. An empty ID is replaced by a random one.
	User presence.Participant

	Transport transport.Transport

	// Snapshotter is optional. Without it documents are fetched from the
	// peers already editing them, waiting up to SnapshotTimeout for an
	// answer.
	Snapshotter     Snapshotter
	SnapshotTimeout time.Duration

	Logger  *slog.Logger
	Metrics *observability.Metrics

	IdleThreshold       time.Duration
	HistorySize         int
	MaxPending          int
	ResyncAfterDiscards int
	Now                 func() time.Time
}

// Facade composes presence, the OT engine and a transport for one editing
// context. At most one document is joined at a time.
type Facade struct {
	self        presence.Participant
	transport   transport.Transport
	snapshotter Snapshotter
	peers       *peerSnapshots
	logger      *slog.Logger
	metrics     *observability.Metrics
	presence    *presence.Manager
	events      dispatcher

	historySize int
	maxPending  int
	resyncAfter int
	now         func() time.Time

	mu           sync.Mutex
	session      *session
	started      bool
	connected    bool
	wasConnected bool
	closed       bool
}

type session struct {
	contentID string
	channel   string
	engine    *engine.Engine
	left      atomic.Bool

	// ctx is cancelled when the session ends, stopping snapshot waits.
	ctx    context.Context
	cancel context.CancelFunc

	// work serialises everything that drives the engine or replaces the
	// document, so events are queued in the order they happened.
	work sync.Mutex

	mu       sync.Mutex
	outbox   []protocol.Event
	pending  []Event
	discards int
	resync   string
	// syncing is set while a snapshot is awaited; remote operations are
	// queued but not applied. again holds a trigger that arrived meanwhile.
	syncing bool
	again   string
	// joining holds back presence events until ContentJoined is out.
	joining bool
	early   []Event
}

// New creates a facade. It does not connect until the first JoinContent.
func New(opts Options) (*Facade, error) {
	if opts.Transport == nil {
		return nil, errors.New("collab: transport is required")
	}
	if opts.User.ID == "" {
		opts.User.ID = uuid.NewString()
	}
	if opts.User.Name == "" {
		opts.User.Name = opts.User.ID
	}
	if opts.ResyncAfterDiscards <= 0 {
		opts.ResyncAfterDiscards = DefaultResyncAfterDiscards
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := observability.Component(opts.Logger, "collab").With("user_id", opts.User.ID)

	f := &Facade{
		self:        opts.User,
		transport:   opts.Transport,
		snapshotter: opts.Snapshotter,
		logger:      logger,
		metrics:     opts.Metrics,
		presence: presence.New(presence.Options{
			IdleThreshold: opts.IdleThreshold,
			Now:           opts.Now,
			Logger:        opts.Logger,
		}),
		historySize: opts.HistorySize,
		maxPending:  opts.MaxPending,
		resyncAfter: opts.ResyncAfterDiscards,
		now:         opts.Now,
	}
	f.peers = newPeerSnapshots(f, opts.SnapshotTimeout)
	if f.snapshotter == nil {
		f.snapshotter = f.peers
	}
	return f, nil
}

// Subscribe registers fn for every event and returns a function that
// removes it. fn may call back into the facade.
func (f *Facade) Subscribe(fn func(Event)) (unsubscribe func()) {
	return f.events.subscribe(fn)
}

// UserID returns the local participant id.
func (f *Facade) UserID() string {
	return f.self.ID
}

func (f *Facade) current() (*session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, ErrClosed
	}
	if f.session == nil {
		return nil, ErrNotJoined
	}
	return f.session, nil
}

func (f *Facade) ensureConnected(ctx context.Context) error {
	f.mu.Lock()
	if f.started {
		f.mu.Unlock()
		return nil
	}
	f.started = true
	f.mu.Unlock()

	err := f.transport.Connect(ctx, transport.Handlers{
		OnEvent:  f.handleEvent,
		OnStatus: f.handleStatus,
	})
	if err != nil {
		f.mu.Lock()
		f.started = false
		f.mu.Unlock()
		return fmt.Errorf("connect transport: %w", err)
	}
	f.mu.Lock()
	f.connected = true
	f.mu.Unlock()
	return nil
}

// JoinContent starts a session on contentID, leaving the current document
// first when it is a different one. The document is fetched from the
// Snapshotter, or from peers, before JoinContent returns; when nobody holds
// a copy it starts empty.
func (f *Facade) JoinContent(ctx context.Context, contentID string) error {
	if contentID == "" {
		return errors.New("collab: empty content id")
	}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return ErrClosed
	}
	cur := f.session
	f.mu.Unlock()

	if cur != nil {
		if cur.contentID == contentID {
			return nil
		}
		if err := f.LeaveContent(ctx); err != nil && !errors.Is(err, ErrNotJoined) {
			return err
		}
	}

	if err := f.ensureConnected(ctx); err != nil {
		return err
	}

	s := f.newSession(contentID)
	s.syncing, s.joining = true, true
	f.mu.Lock()
	switch {
	case f.closed:
		f.mu.Unlock()
		s.cancel()
		return ErrClosed
	case f.session != nil:
		// Lost a race with a concurrent join.
		f.mu.Unlock()
		s.cancel()
		return fmt.Errorf("collab: already joined to %s", f.session.contentID)
	}
	f.session = s
	f.mu.Unlock()

	f.presence.Join(contentID, f.self)
	f.metrics.SetParticipants(0)
	if err := f.transport.Subscribe(ctx, s.channel); err != nil && !errors.Is(err, transport.ErrNotConnected) {
		f.logger.Warn("subscribe failed", "channel", s.channel, "error", err)
	}
	if err := f.announce(ctx, s); err != nil {
		f.abandon(s)
		return err
	}

	wait, cancel := s.bind(ctx)
	snap, err := f.snapshotter.Snapshot(wait, contentID)
	cancel()
	switch {
	case errors.Is(err, ErrNoPeers):
		f.logger.Debug("no copy of the document available, starting empty", "content_id", contentID)
	case err != nil:
		if s.left.Load() {
			return ErrNotJoined
		}
		f.abandon(s)
		return fmt.Errorf("snapshot %s: %w", contentID, err)
	}

	fetched := err == nil
	err = f.drive(s, func() error {
		if s.left.Load() {
			return ErrNotJoined
		}
		if fetched {
			s.engine.Reset(snap.Content, snap.Vector)
		}
		joined := ContentJoined{ContentID: contentID, Content: s.engine.Content()}
		s.mu.Lock()
		s.pending = append(append([]Event{joined}, s.early...), s.pending...)
		s.early = nil
		s.joining = false
		s.finishSyncLocked()
		s.mu.Unlock()
		s.engine.Drain()
		return nil
	})
	if err != nil {
		return err
	}
	f.logger.Info("joined content", "content_id", contentID)
	return nil
}

func (f *Facade) newSession(contentID string) *session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		contentID: contentID,
		channel:   protocol.Channel(contentID),
		ctx:       ctx,
		cancel:    cancel,
		engine: engine.New(engine.Config{
			UserID:      f.self.ID,
			HistorySize: f.historySize,
			MaxPending:  f.maxPending,
		}, f.logger.With("content_id", contentID), f.metrics),
	}

	s.engine.OnApplied(func(a engine.Applied) {
		if s.left.Load() {
			return
		}
		s.mu.Lock()
		if !a.Replay {
			s.pending = append(s.pending, OperationProcessed{Operation: a.Operation, Original: a.Original, Origin: a.Origin})
		}
		s.pending = append(s.pending, TextChanged{Operation: a.Operation, Origin: a.Origin, Content: a.Content, Replay: a.Replay})
		s.mu.Unlock()
		f.presence.TransformCursors(a.Operation)
	})

	s.engine.OnDiscarded(func(d engine.Discard) {
		if s.left.Load() {
			return
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		s.pending = append(s.pending, OperationDiscarded{
			Operation: d.Operation, Origin: d.Origin, Reason: d.Reason, Err: d.Err,
		})
		switch {
		case d.Reason == "apply":
			s.resync = "apply"
		case d.Reason == "queue_full":
			s.resync = "discards"
		case d.Reason == "conflict":
			// The operation is lost for good; only a fresh copy has it.
			s.resync = "conflict"
		case d.Origin == engine.Remote && d.Reason != "duplicate":
			s.countDiscardLocked(f.resyncAfter)
		}
	})
	return s
}

func (s *session) countDiscardLocked(limit int) {
	s.discards++
	if s.discards >= limit && s.resync == "" {
		s.resync = "discards"
	}
}

// finishSyncLocked ends a sync, turning any trigger that arrived during it
// into a follow-up resync.
func (s *session) finishSyncLocked() {
	s.syncing = false
	if s.again != "" && s.resync == "" {
		s.resync = s.again
	}
	s.again = ""
}

// bind returns a context that is also cancelled when the session ends.
func (s *session) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(s.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func (s *session) isSyncing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.syncing
}

// drive runs fn with the session's work lock, then delivers the events it
// produced and starts any resync it asked for.
func (f *Facade) drive(s *session, fn func() error) error {
	s.work.Lock()
	err := fn()
	s.mu.Lock()
	events := s.pending
	s.pending = nil
	trigger := s.resync
	s.resync = ""
	s.mu.Unlock()
	f.events.enqueue(events...)
	s.work.Unlock()

	f.events.emit()
	if trigger != "" {
		f.requestResync(s, trigger)
	}
	return err
}

func (f *Facade) newEvent(typ protocol.EventType, contentID string, data any) (protocol.Event, error) {
	return protocol.NewEvent(typ, f.self.ID, contentID, f.now().UnixMilli(), data)
}

// publish sends evt, or buffers it while the transport is down or older
// events are still waiting.
func (f *Facade) publish(ctx context.Context, s *session, evt protocol.Event) error {
	f.mu.Lock()
	connected := f.connected
	f.mu.Unlock()

	s.mu.Lock()
	if !connected || len(s.outbox) > 0 {
		s.outbox = append(s.outbox, evt)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	err := f.transport.Send(ctx, evt)
	if errors.Is(err, transport.ErrNotConnected) {
		s.mu.Lock()
		s.outbox = append(s.outbox, evt)
		s.mu.Unlock()
		return nil
	}
	if err != nil {
		return fmt.Errorf("send %s: %w", evt.Type, err)
	}
	return nil
}

func (f *Facade) flush(ctx context.Context, s *session) {
	s.mu.Lock()
	pending := s.outbox
	s.outbox = nil
	s.mu.Unlock()

	for i, evt := range pending {
		if err := f.transport.Send(ctx, evt); err != nil {
			f.logger.Warn("flushing buffered events failed", "remaining", len(pending)-i, "error", err)
			s.mu.Lock()
			s.outbox = append(pending[i:len(pending):len(pending)], s.outbox...)
			s.mu.Unlock()
			return
		}
	}
	if len(pending) > 0 {
		f.logger.Debug("flushed buffered events", "count", len(pending))
	}
}

// announce tells peers about the local user and asks for theirs.
func (f *Facade) announce(ctx context.Context, s *session) error {
	join, err := f.newEvent(protocol.UserJoin, s.contentID, protocol.UserJoinData{
		Name:   f.self.Name,
		Avatar: f.self.Avatar,
	})
	if err != nil {
		return err
	}
	if err := f.publish(ctx, s, join); err != nil {
		return err
	}
	req, err := f.newEvent(protocol.RosterRequest, s.contentID, struct{}{})
	if err != nil {
		return err
	}
	return f.publish(ctx, s, req)
}

// LeaveContent ends the session: pending operations are dropped, the roster
// is cleared and later events for the document are ignored.
func (f *Facade) LeaveContent(ctx context.Context) error {
	f.mu.Lock()
	s := f.session
	f.session = nil
	f.mu.Unlock()
	if s == nil {
		return ErrNotJoined
	}

	f.end(ctx, s)
	f.logger.Info("left content", "content_id", s.contentID)
	f.events.emit(ContentLeft{ContentID: s.contentID})
	return nil
}

// abandon ends a session whose join failed.
func (f *Facade) abandon(s *session) {
	f.mu.Lock()
	if f.session == s {
		f.session = nil
	}
	f.mu.Unlock()
	f.end(context.Background(), s)
}

func (f *Facade) end(ctx context.Context, s *session) {
	s.left.Store(true)
	s.cancel()
	s.engine.Clear()
	f.presence.Leave()
	f.metrics.SetParticipants(0)

	if evt, err := f.newEvent(protocol.UserLeave, s.contentID, protocol.UserLeaveData{}); err == nil {
		if err := f.transport.Send(ctx, evt); err != nil {
			f.logger.Debug("could not announce leave", "error", err)
		}
	}
	if err := f.transport.Unsubscribe(ctx, s.channel); err != nil && !errors.Is(err, transport.ErrNotConnected) {
		f.logger.Warn("unsubscribe failed", "channel", s.channel, "error", err)
	}
}

// ApplyTextOperation applies a local edit and broadcasts it. The stamped
// operation is returned; the applied form is also reported via TextChanged.
// Edits are refused while the transport is down, since the resync that
// follows a reconnect replaces the document, and while a resync is running.
func (f *Facade) ApplyTextOperation(ctx context.Context, op ot.Operation) (ot.Operation, error) {
	s, err := f.current()
	if err != nil {
		return op, err
	}
	f.mu.Lock()
	connected := f.connected
	f.mu.Unlock()
	if !connected {
		return op, fmt.Errorf("collab: edit while offline: %w", transport.ErrNotConnected)
	}

	var stamped ot.Operation
	err = f.drive(s, func() error {
		if s.isSyncing() {
			return ErrResyncing
		}
		var err error
		stamped, err = s.engine.ApplyLocal(op)
		return err
	})
	if err != nil {
		return stamped, err
	}

	evt, err := f.newEvent(protocol.TextChange, s.contentID, protocol.TextChangeData{Operation: stamped})
	if err != nil {
		return stamped, err
	}
	return stamped, f.publish(ctx, s, evt)
}

// UpdateCursor records and broadcasts the local cursor. The offset is
// clamped to the document.
func (f *Facade) UpdateCursor(ctx context.Context, pos protocol.CursorPosition) error {
	s, err := f.current()
	if err != nil {
		return err
	}
	pos.Offset = s.clamp(pos.Offset)
	pos, err = f.presence.UpdateLocalCursor(pos)
	if err != nil {
		return err
	}
	evt, err := f.newEvent(protocol.CursorMove, s.contentID, protocol.CursorMoveData{Position: pos})
	if err != nil {
		return err
	}
	return f.publish(ctx, s, evt)
}

// UpdateSelection records and broadcasts the local selection. When Text is
// empty it is filled from the document.
func (f *Facade) UpdateSelection(ctx context.Context, sel protocol.TextSelection) error {
	s, err := f.current()
	if err != nil {
		return err
	}
	sel.Start.Offset = s.clamp(sel.Start.Offset)
	sel.End.Offset = s.clamp(sel.End.Offset)
	if sel.Text == "" {
		sel.Text = s.slice(sel.Start.Offset, sel.End.Offset)
	}
	sel, err = f.presence.UpdateLocalSelection(sel)
	if err != nil {
		return err
	}
	evt, err := f.newEvent(protocol.SelectionChange, s.contentID, protocol.SelectionChangeData{Selection: sel})
	if err != nil {
		return err
	}
	return f.publish(ctx, s, evt)
}

func (s *session) clamp(offset int) int {
	return min(max(offset, 0), s.engine.Len())
}

func (s *session) slice(a, b int) string {
	if a > b {
		a, b = b, a
	}
	return s.engine.Slice(a, b)
}

// Resync replaces the document with an authoritative copy, waiting for it
// to arrive. Operations the copy does not reflect yet stay queued. When no
// copy is available the local document is kept and operations that can
// never apply are dropped.
func (f *Facade) Resync(ctx context.Context) error {
	s, err := f.current()
	if err != nil {
		return err
	}
	s.mu.Lock()
	if s.syncing {
		s.mu.Unlock()
		return ErrResyncing
	}
	s.syncing = true
	s.mu.Unlock()

	ctx, cancel := s.bind(ctx)
	defer cancel()
	return f.syncSession(ctx, s, "manual")
}

// requestResync starts a resync in the background. Snapshot replies arrive
// through the same event path that asks for them, so the wait cannot happen
// inline.
func (f *Facade) requestResync(s *session, trigger string) {
	s.mu.Lock()
	switch {
	case s.left.Load():
		s.mu.Unlock()
		return
	case s.syncing:
		if s.again == "" {
			s.again = trigger
		}
		s.mu.Unlock()
		return
	}
	s.syncing = true
	s.mu.Unlock()

	go func() {
		if err := f.syncSession(s.ctx, s, trigger); err != nil && !errors.Is(err, context.Canceled) {
			f.logger.Warn("resync failed", "trigger", trigger, "error", err)
		}
	}()
}

// syncSession fetches a snapshot for a session already marked syncing and
// installs it.
func (f *Facade) syncSession(ctx context.Context, s *session, trigger string) error {
	snap, err := f.snapshotter.Snapshot(ctx, s.contentID)
	if err != nil && !errors.Is(err, ErrNoPeers) {
		_ = f.drive(s, func() error {
			s.mu.Lock()
			s.finishSyncLocked()
			s.mu.Unlock()
			s.engine.Drain()
			return nil
		})
		return fmt.Errorf("resync %s: %w", s.contentID, err)
	}

	fetched := err == nil
	err = f.drive(s, func() error {
		if s.left.Load() {
			return ErrNotJoined
		}
		if !fetched {
			f.logger.Info("no copy of the document available, keeping local state", "content_id", s.contentID)
			s.engine.Drain()
			s.engine.Clear()
		} else {
			s.engine.Reset(snap.Content, snap.Vector)
		}
		resynced := Resynced{ContentID: s.contentID, Content: s.engine.Content(), Trigger: trigger}
		s.mu.Lock()
		s.pending = append(s.pending, resynced)
		s.discards = 0
		s.resync = ""
		s.finishSyncLocked()
		s.mu.Unlock()
		s.engine.Drain()
		return nil
	})
	if err != nil {
		return err
	}
	f.metrics.Resync(trigger)
	f.logger.Info("resynced", "content_id", s.contentID, "trigger", trigger)
	return nil
}

func (f *Facade) handleStatus(st transport.Status) {
	f.mu.Lock()
	s := f.session
	f.mu.Unlock()

	if st == transport.Desynced {
		f.logger.Warn("inbound events were dropped", "status", st.String())
		if s != nil {
			f.requestResync(s, "overflow")
		}
		return
	}

	up := st == transport.Connected
	f.mu.Lock()
	first := up && !f.wasConnected
	if f.connected == up && !first {
		f.mu.Unlock()
		return
	}
	f.connected = up
	reconnect := up && f.wasConnected
	if up {
		f.wasConnected = true
	}
	s = f.session
	f.mu.Unlock()

	f.logger.Info("connection status changed", "status", st.String())
	f.events.emit(ConnectionStatusChanged{Connected: up})
	if !up || s == nil {
		return
	}

	ctx := context.Background()
	if err := f.transport.Subscribe(ctx, s.channel); err != nil {
		f.logger.Warn("resubscribe failed", "channel", s.channel, "error", err)
	}
	f.flush(ctx, s)
	if reconnect {
		if err := f.announce(ctx, s); err != nil {
			f.logger.Warn("announce after reconnect failed", "error", err)
		}
		f.requestResync(s, "reconnect")
	}
}

func (f *Facade) handleEvent(evt protocol.Event) {
	s, err := f.current()
	if err != nil || s.left.Load() || evt.ContentID != s.contentID || evt.UserID == f.self.ID {
		return
	}
	ctx := context.Background()

	changes, err := f.presence.HandleRemoteEvent(evt)
	if err != nil {
		if !errors.Is(err, presence.ErrNotJoined) {
			f.logger.Warn("dropping remote event", "type", evt.Type, "from", evt.UserID, "error", err)
		}
		return
	}
	if s.left.Load() {
		return
	}
	if out := presenceEvents(changes); len(out) > 0 {
		f.metrics.SetParticipants(len(f.presence.ActiveUsers()))
		s.mu.Lock()
		if s.joining {
			s.early = append(s.early, out...)
			out = nil
		}
		s.mu.Unlock()
		f.events.emit(out...)
	}

	switch evt.Type {
	case protocol.TextChange:
		f.receiveOperation(s, evt)

	case protocol.RosterRequest:
		reply, err := f.newEvent(protocol.Roster, s.contentID, f.presence.Snapshot())
		if err == nil {
			err = f.publish(ctx, s, reply)
		}
		if err != nil {
			f.logger.Warn("roster reply failed", "error", err)
		}

	case protocol.SnapshotRequest:
		f.answerSnapshot(ctx, s, evt)

	case protocol.SnapshotReply:
		var data protocol.SnapshotData
		if err := evt.Decode(&data); err != nil {
			f.logger.Warn("dropping snapshot reply", "from", evt.UserID, "error", err)
			return
		}
		if data.For == f.self.ID {
			f.peers.deliver(data)
		}
	}
}

// answerSnapshot sends the local document to a peer that asked for it.
// A replica that is itself waiting for a copy stays quiet.
func (f *Facade) answerSnapshot(ctx context.Context, s *session, evt protocol.Event) {
	var req protocol.SnapshotRequestData
	if err := evt.Decode(&req); err != nil || req.RequestID == "" {
		f.logger.Warn("dropping snapshot request", "from", evt.UserID, "error", err)
		return
	}
	if s.isSyncing() {
		return
	}
	content, vector := s.engine.Snapshot()
	reply, err := f.newEvent(protocol.SnapshotReply, s.contentID, protocol.SnapshotData{
		RequestID: req.RequestID,
		For:       evt.UserID,
		Content:   content,
		Vector:    vector,
	})
	if err == nil {
		err = f.transport.Send(ctx, reply)
	}
	if err != nil {
		f.logger.Warn("snapshot reply failed", "to", evt.UserID, "error", err)
	}
}

func (f *Facade) receiveOperation(s *session, evt protocol.Event) {
	var data protocol.TextChangeData
	err := evt.Decode(&data)
	op := data.Operation
	if err == nil {
		if op.UserID == "" {
			op.UserID = evt.UserID
		} else if op.UserID != evt.UserID {
			err = &ot.MalformedOperationError{Op: op, Reason: "operation user does not match sender " + evt.UserID}
		}
	}

	_ = f.drive(s, func() error {
		if err != nil {
			s.mu.Lock()
			s.pending = append(s.pending, OperationDiscarded{
				Operation: op, Origin: engine.Remote, Reason: "malformed", Err: err,
			})
			s.countDiscardLocked(f.resyncAfter)
			s.mu.Unlock()
			f.logger.Warn("discarding remote text change", "from", evt.UserID, "error", err)
			return err
		}
		if s.isSyncing() {
			return s.engine.Enqueue(op)
		}
		return s.engine.ReceiveRemote(op)
	})
}

func presenceEvents(changes []presence.Change) []Event {
	var out []Event
	for _, c := range changes {
		switch c.Kind {
		case presence.Joined:
			out = append(out, UserJoined{User: c.Participant})
		case presence.Left:
			out = append(out, UserLeft{User: c.Participant})
		case presence.CursorMoved:
			if c.Participant.Cursor != nil {
				out = append(out, CursorMoved{User: c.Participant, Position: *c.Participant.Cursor})
			}
		case presence.SelectionChanged:
			out = append(out, SelectionChanged{User: c.Participant, Selection: c.Participant.Selection})
		}
	}
	return out
}

// Content returns the local document, or "" when not joined.
func (f *Facade) Content() string {
	s, err := f.current()
	if err != nil {
		return ""
	}
	return s.engine.Content()
}

// ContentID returns the joined document, or "".
func (f *Facade) ContentID() string {
	s, err := f.current()
	if err != nil {
		return ""
	}
	return s.contentID
}

// ActiveUsers returns the remote participants of the session.
func (f *Facade) ActiveUsers() []presence.Participant {
	return f.presence.ActiveUsers()
}

// IsUserActive reports whether a participant has been active recently.
func (f *Facade) IsUserActive(id string) bool {
	return f.presence.IsUserActive(id)
}

// Pending returns the number of operations waiting in the engine.
func (f *Facade) Pending() int {
	s, err := f.current()
	if err != nil {
		return 0
	}
	return s.engine.Pending()
}

// History returns the recently applied operations, for diagnosing desync.
func (f *Facade) History() []ot.Operation {
	s, err := f.current()
	if err != nil {
		return nil
	}
	return s.engine.History()
}

// Close leaves the current document and closes the transport.
func (f *Facade) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	joined := f.session != nil
	f.mu.Unlock()

	if joined {
		if err := f.LeaveContent(context.Background()); err != nil && !errors.Is(err, ErrNotJoined) {
			f.logger.Warn("leave on close failed", "error", err)
		}
	}

	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return f.transport.Close()
}
