package collab

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"collaboration-core/internal/engine"
	"collaboration-core/internal/presence"
	"collaboration-core/internal/protocol"
	"collaboration-core/internal/transport"
	"collaboration-core/pkg/ot"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// gate wraps a transport and can hold inbound events, so edits made on
// both sides while held are concurrent.
type gate struct {
	transport.Transport
	mu      sync.Mutex
	held    bool
	queue   []protocol.Event
	onEvent func(protocol.Event)
}

func (g *gate) Connect(ctx context.Context, h transport.Handlers) error {
	g.onEvent = h.OnEvent
	return g.Transport.Connect(ctx, transport.Handlers{OnEvent: g.deliver, OnStatus: h.OnStatus})
}

func (g *gate) deliver(evt protocol.Event) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.held {
		g.queue = append(g.queue, evt)
		return
	}
	g.onEvent(evt)
}

func (g *gate) hold() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.held = true
}

// drop discards whatever is held, as a full inbox would.
func (g *gate) drop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.held = false
	g.queue = nil
}

func (g *gate) release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.held = false
	for _, evt := range g.queue {
		g.onEvent(evt)
	}
	g.queue = nil
}

type staticSnapshotter struct {
	mu    sync.Mutex
	snap  Snapshot
	calls int
	// block, when set, holds every call until it is closed.
	block chan struct{}
}

func (s *staticSnapshotter) set(content string, vector map[string]int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap = Snapshot{Content: content, Vector: vector}
}

func (s *staticSnapshotter) Snapshot(ctx context.Context, contentID string) (Snapshot, error) {
	s.mu.Lock()
	s.calls++
	block := s.block
	s.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return Snapshot{}, ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap, nil
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func record(f *Facade) *eventLog {
	l := &eventLog{}
	f.Subscribe(func(evt Event) {
		l.mu.Lock()
		l.events = append(l.events, evt)
		l.mu.Unlock()
	})
	return l
}

func (l *eventLog) all() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.events...)
}

func count[T Event](l *eventLog, match func(T) bool) int {
	n := 0
	for _, evt := range l.all() {
		if e, ok := evt.(T); ok && (match == nil || match(e)) {
			n++
		}
	}
	return n
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type peer struct {
	facade *Facade
	memory *transport.Memory
	gate   *gate
	log    *eventLog
}

func newPeer(t *testing.T, hub *transport.MemoryHub, id string, snap Snapshotter) *peer {
	t.Helper()
	mem := transport.NewMemory(hub, id)
	g := &gate{Transport: mem}
	opts := Options{
		User:            presence.Participant{ID: id, Name: id},
		Transport:       g,
		Logger:          quietLogger(),
		SnapshotTimeout: 100 * time.Millisecond,
	}
	if snap != nil {
		opts.Snapshotter = snap
	}
	f, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { f.Close() })
	return &peer{facade: f, memory: mem, gate: g, log: record(f)}
}

func (p *peer) join(t *testing.T, contentID string) {
	t.Helper()
	if err := p.facade.JoinContent(context.Background(), contentID); err != nil {
		t.Fatalf("JoinContent(%s): %v", contentID, err)
	}
}

func (p *peer) apply(t *testing.T, op ot.Operation) {
	t.Helper()
	if _, err := p.facade.ApplyTextOperation(context.Background(), op); err != nil {
		t.Fatalf("%s ApplyTextOperation(%s): %v", p.facade.UserID(), op, err)
	}
}

func (p *peer) sees(id string) bool {
	for _, u := range p.facade.ActiveUsers() {
		if u.ID == id {
			return true
		}
	}
	return false
}

func joinedPair(t *testing.T, snap Snapshotter) (*peer, *peer) {
	t.Helper()
	hub := transport.NewMemoryHub(quietLogger())
	t.Cleanup(hub.Close)
	amy := newPeer(t, hub, "amy", snap)
	bob := newPeer(t, hub, "bob", snap)
	amy.join(t, "doc")
	bob.join(t, "doc")
	waitUntil(t, "peers to see each other", func() bool {
		return amy.sees("bob") && bob.sees("amy")
	})
	return amy, bob
}

func processed(p *peer) int {
	return count[OperationProcessed](p.log, nil)
}

func TestHelloConvergesAcrossFacades(t *testing.T) {
	snap := &staticSnapshotter{}
	snap.set("hello", nil)
	amy, bob := joinedPair(t, snap)

	amy.gate.hold()
	bob.gate.hold()
	amy.apply(t, ot.NewInsert(0, "X"))
	bob.apply(t, ot.NewInsert(5, "Y"))
	amy.gate.release()
	bob.gate.release()

	waitUntil(t, "both operations on both sides", func() bool {
		return processed(amy) == 2 && processed(bob) == 2
	})
	for _, p := range []*peer{amy, bob} {
		if got := p.facade.Content(); got != "XhelloY" {
			t.Errorf("%s content = %q, want XhelloY", p.facade.UserID(), got)
		}
	}
}

func randomEdit(rng *rand.Rand, content string) ot.Operation {
	n := utf8.RuneCountInString(content)
	if n == 0 || rng.Intn(3) > 0 {
		return ot.NewInsert(rng.Intn(n+1), string(rune('a'+rng.Intn(26))))
	}
	pos := rng.Intn(n)
	return ot.NewDelete(pos, 1+rng.Intn(min(3, n-pos)))
}

func TestFacadesConvergeRandomized(t *testing.T) {
	snap := &staticSnapshotter{}
	snap.set("shared text", nil)
	amy, bob := joinedPair(t, snap)
	rng := rand.New(rand.NewSource(7))

	total := 0
	for round := 0; round < 15; round++ {
		amy.gate.hold()
		bob.gate.hold()
		for _, p := range []*peer{amy, bob} {
			for i := rng.Intn(4); i > 0; i-- {
				p.apply(t, randomEdit(rng, p.facade.Content()))
				total++
			}
		}
		amy.gate.release()
		bob.gate.release()
	}

	waitUntil(t, "all operations processed", func() bool {
		return processed(amy) == total && processed(bob) == total
	})
	if a, b := amy.facade.Content(), bob.facade.Content(); a != b {
		t.Fatalf("diverged: %q vs %q", a, b)
	}
	for _, p := range []*peer{amy, bob} {
		if n := count[OperationDiscarded](p.log, nil); n != 0 {
			t.Errorf("%s discarded %d operations", p.facade.UserID(), n)
		}
	}
}

func TestJoiningAnotherDocumentLeavesFirst(t *testing.T) {
	amy, _ := joinedPair(t, nil)

	rosterAtLeave := -1
	amy.facade.Subscribe(func(evt Event) {
		if _, ok := evt.(ContentLeft); ok {
			rosterAtLeave = len(amy.facade.ActiveUsers())
		}
	})

	amy.join(t, "doc-2")

	var order []string
	for _, evt := range amy.log.all() {
		switch e := evt.(type) {
		case ContentLeft:
			order = append(order, "left:"+e.ContentID)
		case ContentJoined:
			order = append(order, "joined:"+e.ContentID)
		}
	}
	want := []string{"joined:doc", "left:doc", "joined:doc-2"}
	if len(order) != len(want) {
		t.Fatalf("session events = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("session events = %v, want %v", order, want)
		}
	}
	if rosterAtLeave != 0 {
		t.Errorf("roster size at ContentLeft = %d, want 0", rosterAtLeave)
	}
	if users := amy.facade.ActiveUsers(); len(users) != 0 {
		t.Errorf("roster after switching = %+v", users)
	}
	if amy.facade.ContentID() != "doc-2" {
		t.Errorf("ContentID = %q", amy.facade.ContentID())
	}
}

func TestPresenceLifecycleAcrossFacades(t *testing.T) {
	amy, bob := joinedPair(t, nil)

	ctx := context.Background()
	if err := bob.facade.UpdateCursor(ctx, protocol.CursorPosition{Offset: 0}); err != nil {
		t.Fatalf("UpdateCursor: %v", err)
	}
	waitUntil(t, "cursor event", func() bool {
		return count(amy.log, func(e CursorMoved) bool { return e.User.ID == "bob" }) == 1
	})

	if err := bob.facade.LeaveContent(ctx); err != nil {
		t.Fatalf("LeaveContent: %v", err)
	}
	waitUntil(t, "user left", func() bool {
		return count(amy.log, func(e UserLeft) bool { return e.User.ID == "bob" }) == 1
	})
	if amy.sees("bob") {
		t.Error("bob still in roster after leaving")
	}
	if err := bob.facade.LeaveContent(ctx); !errors.Is(err, ErrNotJoined) {
		t.Errorf("second leave = %v, want ErrNotJoined", err)
	}
}

func TestRemoteEditMovesCursors(t *testing.T) {
	snap := &staticSnapshotter{}
	snap.set("hello", nil)
	amy, bob := joinedPair(t, snap)

	ctx := context.Background()
	if err := bob.facade.UpdateCursor(ctx, protocol.CursorPosition{Offset: 5}); err != nil {
		t.Fatalf("UpdateCursor: %v", err)
	}
	waitUntil(t, "cursor event", func() bool {
		return count[CursorMoved](amy.log, nil) == 1
	})

	amy.apply(t, ot.NewInsert(0, "ab"))
	for _, u := range amy.facade.ActiveUsers() {
		if u.ID == "bob" && (u.Cursor == nil || u.Cursor.Offset != 7) {
			t.Errorf("bob cursor = %+v, want offset 7", u.Cursor)
		}
	}
}

func TestReconnectResyncsFromSnapshot(t *testing.T) {
	snap := &staticSnapshotter{}
	snap.set("hello", nil)
	amy, bob := joinedPair(t, snap)

	amy.memory.Disconnect()
	waitUntil(t, "disconnect event", func() bool {
		return count(amy.log, func(e ConnectionStatusChanged) bool { return !e.Connected }) == 1
	})

	_, err := amy.facade.ApplyTextOperation(context.Background(), ot.NewInsert(0, "zz"))
	if !errors.Is(err, transport.ErrNotConnected) {
		t.Fatalf("edit while offline = %v, want ErrNotConnected", err)
	}
	if got := amy.facade.Content(); got != "hello" {
		t.Fatalf("content after refused edit = %q", got)
	}

	snap.set("fresh", map[string]int64{"bob": 0})
	amy.memory.Reconnect()

	waitUntil(t, "resync", func() bool {
		return count(amy.log, func(e Resynced) bool { return e.Trigger == "reconnect" }) == 1
	})
	if got := amy.facade.Content(); got != "fresh" {
		t.Errorf("content after resync = %q, want fresh", got)
	}
	waitUntil(t, "re-announce", func() bool {
		return count(bob.log, func(e UserJoined) bool { return e.User.ID == "amy" }) >= 2
	})
	if got := bob.facade.Content(); got != "hello" {
		t.Errorf("bob content = %q, want hello", got)
	}
}

func TestReconnectCatchesUpFromPeers(t *testing.T) {
	amy, bob := joinedPair(t, nil)

	amy.memory.Disconnect()
	waitUntil(t, "disconnect event", func() bool {
		return count(amy.log, func(e ConnectionStatusChanged) bool { return !e.Connected }) == 1
	})
	bob.apply(t, ot.NewInsert(0, "hi"))
	amy.memory.Reconnect()

	waitUntil(t, "resync", func() bool {
		return count(amy.log, func(e Resynced) bool { return e.Trigger == "reconnect" }) == 1
	})
	if got := amy.facade.Content(); got != "hi" {
		t.Fatalf("content after resync = %q, want hi", got)
	}

	amy.apply(t, ot.NewInsert(2, "!"))
	waitUntil(t, "edit after resync delivered", func() bool {
		return bob.facade.Content() == "hi!"
	})
	if n := count[OperationDiscarded](bob.log, nil); n != 0 {
		t.Errorf("bob discarded %d operations", n)
	}
}

func TestLateJoinerCatchesUpFromPeers(t *testing.T) {
	hub := transport.NewMemoryHub(quietLogger())
	t.Cleanup(hub.Close)
	amy := newPeer(t, hub, "amy", nil)
	amy.join(t, "doc")
	amy.apply(t, ot.NewInsert(0, "hello"))

	bob := newPeer(t, hub, "bob", nil)
	bob.join(t, "doc")
	if got := bob.facade.Content(); got != "hello" {
		t.Fatalf("content on join = %q, want hello", got)
	}
	if n := count(bob.log, func(e ContentJoined) bool { return e.Content == "hello" }); n != 1 {
		t.Errorf("ContentJoined events = %+v", bob.log.all())
	}

	amy.apply(t, ot.NewInsert(5, " world"))
	waitUntil(t, "edit after join", func() bool {
		return bob.facade.Content() == "hello world"
	})
	if n := bob.facade.Pending(); n != 0 {
		t.Errorf("pending = %d, want 0", n)
	}

	bob.apply(t, ot.NewInsert(0, ">"))
	waitUntil(t, "reply edit", func() bool {
		return amy.facade.Content() == ">hello world"
	})
}

func TestDroppedEventsTriggerResync(t *testing.T) {
	amy, bob := joinedPair(t, nil)

	amy.gate.hold()
	bob.apply(t, ot.NewInsert(0, "abc"))
	bob.apply(t, ot.NewDelete(0, 1))
	amy.gate.drop()
	amy.facade.handleStatus(transport.Desynced)

	waitUntil(t, "overflow resync", func() bool {
		return count(amy.log, func(e Resynced) bool { return e.Trigger == "overflow" }) == 1
	})
	if got := amy.facade.Content(); got != "bc" {
		t.Errorf("content = %q, want bc", got)
	}
	if n := count(amy.log, func(e ConnectionStatusChanged) bool { return !e.Connected }); n != 0 {
		t.Errorf("overflow reported as a disconnect")
	}
}

func TestUnrecoverableOperationTriggersResync(t *testing.T) {
	snap := &staticSnapshotter{}
	snap.set("hello", map[string]int64{"bob": 5})
	hub := transport.NewMemoryHub(quietLogger())
	defer hub.Close()
	amy := newPeer(t, hub, "amy", snap)
	amy.join(t, "doc")

	// cat never saw bob's edits, which are only known through the snapshot.
	evt, err := protocol.NewEvent(protocol.TextChange, "cat", "doc", 1, protocol.TextChangeData{
		Operation: ot.Operation{Type: ot.OpInsert, Content: "x", UserID: "cat", Timestamp: 1},
	})
	if err != nil {
		t.Fatalf("NewEvent: %v", err)
	}
	amy.facade.handleEvent(evt)

	waitUntil(t, "conflict resync", func() bool {
		return count(amy.log, func(e Resynced) bool { return e.Trigger == "conflict" }) == 1
	})
	if n := count(amy.log, func(e OperationDiscarded) bool { return e.Reason == "conflict" }); n != 1 {
		t.Errorf("conflict discards = %d, want 1", n)
	}
}

func TestResyncHoldsEditsUntilSnapshotArrives(t *testing.T) {
	snap := &staticSnapshotter{}
	snap.set("hello", nil)
	hub := transport.NewMemoryHub(quietLogger())
	defer hub.Close()
	amy := newPeer(t, hub, "amy", snap)
	amy.join(t, "doc")

	release := make(chan struct{})
	snap.mu.Lock()
	snap.block = release
	snap.mu.Unlock()

	ctx := context.Background()
	done := make(chan error, 1)
	go func() { done <- amy.facade.Resync(ctx) }()
	s, err := amy.facade.current()
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	waitUntil(t, "resync to start", s.isSyncing)

	if _, err := amy.facade.ApplyTextOperation(ctx, ot.NewInsert(0, "x")); !errors.Is(err, ErrResyncing) {
		t.Errorf("edit during resync = %v, want ErrResyncing", err)
	}
	if err := amy.facade.Resync(ctx); !errors.Is(err, ErrResyncing) {
		t.Errorf("second Resync = %v, want ErrResyncing", err)
	}

	evt, err := protocol.NewEvent(protocol.TextChange, "bob", "doc", 1, protocol.TextChangeData{
		Operation: ot.Operation{Type: ot.OpInsert, Position: 5, Content: "!", UserID: "bob", Timestamp: 1},
	})
	if err != nil {
		t.Fatalf("NewEvent: %v", err)
	}
	amy.facade.handleEvent(evt)
	if amy.facade.Pending() != 1 || amy.facade.Content() != "hello" {
		t.Errorf("during resync: pending=%d content=%q", amy.facade.Pending(), amy.facade.Content())
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("Resync: %v", err)
	}
	if got := amy.facade.Content(); got != "hello!" {
		t.Errorf("content = %q, want hello!", got)
	}
	amy.apply(t, ot.NewInsert(0, ">"))
	if got := amy.facade.Content(); got != ">hello!" {
		t.Errorf("content after resync = %q", got)
	}
}

func TestEventsAfterLeaveAreIgnored(t *testing.T) {
	hub := transport.NewMemoryHub(quietLogger())
	defer hub.Close()
	amy := newPeer(t, hub, "amy", nil)
	amy.join(t, "doc")

	if err := amy.facade.LeaveContent(context.Background()); err != nil {
		t.Fatalf("LeaveContent: %v", err)
	}
	before := len(amy.log.all())

	late, err := protocol.NewEvent(protocol.TextChange, "bob", "doc", 1, protocol.TextChangeData{
		Operation: ot.Operation{Type: ot.OpInsert, Content: "x", UserID: "bob", Timestamp: 1},
	})
	if err != nil {
		t.Fatalf("NewEvent: %v", err)
	}
	amy.facade.handleEvent(late)

	if after := len(amy.log.all()); after != before {
		t.Errorf("events emitted after leave: %+v", amy.log.all()[before:])
	}
	if amy.facade.Content() != "" {
		t.Errorf("content after leave = %q", amy.facade.Content())
	}
}

func TestRepeatedDiscardsTriggerResync(t *testing.T) {
	snap := &staticSnapshotter{}
	snap.set("hello", nil)
	hub := transport.NewMemoryHub(quietLogger())
	defer hub.Close()
	amy := newPeer(t, hub, "amy", snap)
	amy.join(t, "doc")

	for ts := int64(1); ts <= DefaultResyncAfterDiscards; ts++ {
		evt, err := protocol.NewEvent(protocol.TextChange, "bob", "doc", ts, protocol.TextChangeData{
			Operation: ot.Operation{Type: ot.OpInsert, Position: -1, Content: "x", UserID: "bob", Timestamp: ts},
		})
		if err != nil {
			t.Fatalf("NewEvent: %v", err)
		}
		amy.facade.handleEvent(evt)
	}

	if n := count(amy.log, func(e OperationDiscarded) bool { return e.Reason == "malformed" }); n != DefaultResyncAfterDiscards {
		t.Errorf("discards = %d, want %d", n, DefaultResyncAfterDiscards)
	}
	waitUntil(t, "discard resync", func() bool {
		return count(amy.log, func(e Resynced) bool { return e.Trigger == "discards" }) == 1
	})
	if amy.facade.Content() != "hello" {
		t.Errorf("content = %q", amy.facade.Content())
	}
}

func TestLocalEditOutOfRange(t *testing.T) {
	snap := &staticSnapshotter{}
	snap.set("hello", nil)
	hub := transport.NewMemoryHub(quietLogger())
	defer hub.Close()
	amy := newPeer(t, hub, "amy", snap)
	amy.join(t, "doc")

	_, err := amy.facade.ApplyTextOperation(context.Background(), ot.NewDelete(3, 10))
	var malformed *ot.MalformedOperationError
	if !errors.As(err, &malformed) {
		t.Fatalf("error = %v, want MalformedOperationError", err)
	}
	if amy.facade.Content() != "hello" {
		t.Errorf("content = %q", amy.facade.Content())
	}
	if n := count(amy.log, func(e OperationDiscarded) bool { return e.Origin == engine.Local }); n != 1 {
		t.Errorf("local discards = %d, want 1", n)
	}
	if amy.facade.Pending() != 0 || len(amy.facade.History()) != 0 {
		t.Errorf("engine touched by rejected edit")
	}
}

func TestNotJoinedAndClosed(t *testing.T) {
	hub := transport.NewMemoryHub(quietLogger())
	defer hub.Close()
	amy := newPeer(t, hub, "amy", nil)
	ctx := context.Background()

	if _, err := amy.facade.ApplyTextOperation(ctx, ot.NewInsert(0, "x")); !errors.Is(err, ErrNotJoined) {
		t.Errorf("ApplyTextOperation before join = %v", err)
	}
	if err := amy.facade.UpdateCursor(ctx, protocol.CursorPosition{}); !errors.Is(err, ErrNotJoined) {
		t.Errorf("UpdateCursor before join = %v", err)
	}
	if err := amy.facade.Resync(ctx); !errors.Is(err, ErrNotJoined) {
		t.Errorf("Resync before join = %v", err)
	}

	if err := amy.facade.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := amy.facade.JoinContent(ctx, "doc"); !errors.Is(err, ErrClosed) {
		t.Errorf("JoinContent after close = %v, want ErrClosed", err)
	}
}

func TestSubscriberMayCallBack(t *testing.T) {
	snap := &staticSnapshotter{}
	snap.set("", nil)
	hub := transport.NewMemoryHub(quietLogger())
	defer hub.Close()
	amy := newPeer(t, hub, "amy", snap)
	amy.join(t, "doc")

	once := false
	unsubscribe := amy.facade.Subscribe(func(evt Event) {
		if tc, ok := evt.(TextChanged); ok && tc.Origin == engine.Local && !once {
			once = true
			if _, err := amy.facade.ApplyTextOperation(context.Background(), ot.NewInsert(1, "!")); err != nil {
				t.Errorf("reentrant apply: %v", err)
			}
		}
	})
	defer unsubscribe()

	amy.apply(t, ot.NewInsert(0, "a"))
	if got := amy.facade.Content(); got != "a!" {
		t.Errorf("content = %q, want a!", got)
	}
}
