package presence

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"collaboration-core/internal/protocol"
	"collaboration-core/pkg/ot"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestManager(t *testing.T) (*Manager, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	m := New(Options{Now: clock.Now})
	m.Join("doc-1", Participant{ID: "me", Name: "Me"})
	return m, clock
}

func event(t *testing.T, typ protocol.EventType, user string, data any) protocol.Event {
	t.Helper()
	evt, err := protocol.NewEvent(typ, user, "doc-1", 1, data)
	if err != nil {
		t.Fatalf("NewEvent: %v", err)
	}
	return evt
}

func mustHandle(t *testing.T, m *Manager, evt protocol.Event) []Change {
	t.Helper()
	changes, err := m.HandleRemoteEvent(evt)
	if err != nil {
		t.Fatalf("HandleRemoteEvent(%s): %v", evt.Type, err)
	}
	return changes
}

func kinds(changes []Change) []ChangeKind {
	out := make([]ChangeKind, len(changes))
	for i, c := range changes {
		out[i] = c.Kind
	}
	return out
}

func TestJoinThenLeaveRemovesParticipant(t *testing.T) {
	m, _ := newTestManager(t)

	changes := mustHandle(t, m, event(t, protocol.UserJoin, "bob", protocol.UserJoinData{Name: "Bob", Avatar: "b.png"}))
	if diff := cmp.Diff([]ChangeKind{Joined}, kinds(changes)); diff != "" {
		t.Fatalf("join changes mismatch (-want +got):\n%s", diff)
	}
	users := m.ActiveUsers()
	if len(users) != 1 || users[0].Name != "Bob" || users[0].Avatar != "b.png" || !users[0].Active {
		t.Fatalf("ActiveUsers() = %+v", users)
	}

	changes = mustHandle(t, m, event(t, protocol.UserLeave, "bob", protocol.UserLeaveData{}))
	if diff := cmp.Diff([]ChangeKind{Left}, kinds(changes)); diff != "" {
		t.Errorf("leave changes mismatch (-want +got):\n%s", diff)
	}
	if users := m.ActiveUsers(); len(users) != 0 {
		t.Errorf("ActiveUsers() after leave = %+v", users)
	}
	if m.IsUserActive("bob") {
		t.Error("bob still active after leave")
	}
}

func TestCursorFromUnknownUserCreatesRecord(t *testing.T) {
	m, _ := newTestManager(t)

	pos := protocol.CursorPosition{Offset: 4, ContentID: "doc-1"}
	changes := mustHandle(t, m, event(t, protocol.CursorMove, "cat", protocol.CursorMoveData{Position: pos}))
	if diff := cmp.Diff([]ChangeKind{Joined, CursorMoved}, kinds(changes)); diff != "" {
		t.Fatalf("changes mismatch (-want +got):\n%s", diff)
	}

	cat, ok := m.User("cat")
	if !ok {
		t.Fatal("cat not in roster")
	}
	if cat.Name != "cat" || cat.Cursor == nil || cat.Cursor.Offset != 4 {
		t.Errorf("cat = %+v", cat)
	}
}

func TestSelectionChange(t *testing.T) {
	m, _ := newTestManager(t)
	mustHandle(t, m, event(t, protocol.UserJoin, "bob", protocol.UserJoinData{Name: "Bob"}))

	sel := protocol.TextSelection{
		Start: protocol.CursorPosition{Offset: 1, ContentID: "doc-1"},
		End:   protocol.CursorPosition{Offset: 3, ContentID: "doc-1"},
		Text:  "el",
	}
	changes := mustHandle(t, m, event(t, protocol.SelectionChange, "bob", protocol.SelectionChangeData{Selection: sel}))
	if len(changes) != 1 || changes[0].Kind != SelectionChanged {
		t.Fatalf("changes = %+v", changes)
	}
	if diff := cmp.Diff(&sel, changes[0].Participant.Selection); diff != "" {
		t.Errorf("selection mismatch (-want +got):\n%s", diff)
	}

	sel.End = sel.Start
	mustHandle(t, m, event(t, protocol.SelectionChange, "bob", protocol.SelectionChangeData{Selection: sel}))
	if bob, _ := m.User("bob"); bob.Selection != nil {
		t.Errorf("empty selection kept: %+v", bob.Selection)
	}
}

func TestIdleIsSoft(t *testing.T) {
	m, clock := newTestManager(t)
	mustHandle(t, m, event(t, protocol.UserJoin, "bob", protocol.UserJoinData{Name: "Bob"}))

	clock.Advance(DefaultIdleThreshold - time.Second)
	if !m.IsUserActive("bob") {
		t.Error("bob inactive before threshold")
	}

	clock.Advance(2 * time.Second)
	if m.IsUserActive("bob") {
		t.Error("bob active after threshold")
	}
	users := m.ActiveUsers()
	if len(users) != 1 || users[0].Active {
		t.Fatalf("idle user should stay in roster as inactive: %+v", users)
	}

	mustHandle(t, m, event(t, protocol.TextChange, "bob", protocol.TextChangeData{Operation: ot.NewInsert(0, "x")}))
	if !m.IsUserActive("bob") {
		t.Error("activity did not reactivate bob")
	}
}

func TestIgnoresOtherContentAndSelf(t *testing.T) {
	m, _ := newTestManager(t)

	other, _ := protocol.NewEvent(protocol.UserJoin, "bob", "doc-2", 1, protocol.UserJoinData{Name: "Bob"})
	if changes := mustHandle(t, m, other); changes != nil {
		t.Errorf("changes for other document = %+v", changes)
	}
	if changes := mustHandle(t, m, event(t, protocol.UserJoin, "me", protocol.UserJoinData{Name: "Me"})); changes != nil {
		t.Errorf("changes for own echo = %+v", changes)
	}
	if users := m.ActiveUsers(); len(users) != 0 {
		t.Errorf("ActiveUsers() = %+v", users)
	}
}

func TestLeaveClearsRoster(t *testing.T) {
	m, _ := newTestManager(t)
	mustHandle(t, m, event(t, protocol.UserJoin, "bob", protocol.UserJoinData{Name: "Bob"}))

	if left := m.Leave(); left != "doc-1" {
		t.Errorf("Leave() = %q, want doc-1", left)
	}
	if users := m.ActiveUsers(); len(users) != 0 {
		t.Errorf("roster after leave = %+v", users)
	}
	if _, err := m.HandleRemoteEvent(event(t, protocol.UserJoin, "bob", protocol.UserJoinData{})); !errors.Is(err, ErrNotJoined) {
		t.Errorf("error after leave = %v, want ErrNotJoined", err)
	}
	if _, err := m.UpdateLocalCursor(protocol.CursorPosition{Offset: 1}); !errors.Is(err, ErrNotJoined) {
		t.Errorf("UpdateLocalCursor error = %v, want ErrNotJoined", err)
	}
}

func TestTransformCursors(t *testing.T) {
	m, _ := newTestManager(t)
	mustHandle(t, m, event(t, protocol.CursorMove, "bob", protocol.CursorMoveData{
		Position: protocol.CursorPosition{Offset: 5, ContentID: "doc-1"},
	}))
	mustHandle(t, m, event(t, protocol.SelectionChange, "cat", protocol.SelectionChangeData{
		Selection: protocol.TextSelection{
			Start: protocol.CursorPosition{Offset: 2},
			End:   protocol.CursorPosition{Offset: 4},
		},
	}))
	if _, err := m.UpdateLocalCursor(protocol.CursorPosition{Offset: 1}); err != nil {
		t.Fatalf("UpdateLocalCursor: %v", err)
	}

	m.TransformCursors(ot.NewInsert(0, "ab"))
	m.TransformCursors(ot.NewDelete(3, 4))

	bob, _ := m.User("bob")
	if bob.Cursor.Offset != 3 {
		t.Errorf("bob cursor = %d, want 3", bob.Cursor.Offset)
	}
	cat, _ := m.User("cat")
	if cat.Selection != nil {
		t.Errorf("cat selection should collapse away, got %+v", cat.Selection)
	}
	self, _ := m.Self()
	if self.Cursor.Offset != 3 {
		t.Errorf("own cursor = %d, want 3", self.Cursor.Offset)
	}
}

func TestRosterSnapshotAndMerge(t *testing.T) {
	m, _ := newTestManager(t)
	mustHandle(t, m, event(t, protocol.UserJoin, "bob", protocol.UserJoinData{Name: "Bob"}))

	snap := m.Snapshot()
	var ids []string
	for _, u := range snap.Users {
		ids = append(ids, u.ID)
	}
	if diff := cmp.Diff([]string{"bob", "me"}, ids); diff != "" {
		t.Errorf("snapshot ids mismatch (-want +got):\n%s", diff)
	}

	other, _ := newTestManager(t)
	changes := mustHandle(t, other, event(t, protocol.Roster, "peer", protocol.RosterData{Users: []protocol.RosterEntry{
		{ID: "me", Name: "Me"},
		{ID: "bob", Name: "Bob"},
		{ID: "dan", Name: "Dan"},
	}}))
	if diff := cmp.Diff([]ChangeKind{Joined, Joined}, kinds(changes)); diff != "" {
		t.Errorf("roster changes mismatch (-want +got):\n%s", diff)
	}
	if users := other.ActiveUsers(); len(users) != 2 {
		t.Errorf("merged roster = %+v", users)
	}
}

func TestParticipantCopiesAreIsolated(t *testing.T) {
	m, _ := newTestManager(t)
	mustHandle(t, m, event(t, protocol.CursorMove, "bob", protocol.CursorMoveData{
		Position: protocol.CursorPosition{Offset: 2},
	}))

	bob, _ := m.User("bob")
	bob.Cursor.Offset = 99

	again, _ := m.User("bob")
	if again.Cursor.Offset != 2 {
		t.Errorf("roster mutated through copy: %d", again.Cursor.Offset)
	}
}
