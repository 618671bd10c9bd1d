// Package presence tracks the participants of the current document session,
// their cursors and selections, and whether they are idle.
package presence

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"collaboration-core/internal/observability"
	"collaboration-core/internal/protocol"
	"collaboration-core/pkg/ot"
)

// DefaultIdleThreshold is how long a participant may stay silent before it
// is reported as inactive.
const DefaultIdleThreshold = 5 * time.Minute

// ErrNotJoined is returned when no document session is active.
var ErrNotJoined = errors.New("presence: not joined to a document")

// Participant is a user in the session. Values handed out by the manager are
// copies.
type Participant struct {
	ID           string
	Name         string
	Avatar       string
	Cursor       *protocol.CursorPosition
	Selection    *protocol.TextSelection
	Active       bool
	LastActivity time.Time
}

func (p *Participant) clone() Participant {
	out := *p
	if p.Cursor != nil {
		c := *p.Cursor
		out.Cursor = &c
	}
	if p.Selection != nil {
		s := *p.Selection
		out.Selection = &s
	}
	return out
}

// ChangeKind describes what a remote event did to the roster.
type ChangeKind int

const (
	Joined ChangeKind = iota
	Left
	CursorMoved
	SelectionChanged
	Touched
)

func (k ChangeKind) String() string {
	switch k {
	case Joined:
		return "joined"
	case Left:
		return "left"
	case CursorMoved:
		return "cursor_moved"
	case SelectionChanged:
		return "selection_changed"
	case Touched:
		return "touched"
	}
	return fmt.Sprintf("change(%d)", int(k))
}

// Change is one roster update caused by a remote event.
type Change struct {
	Kind        ChangeKind
	Participant Participant
}

// Options configures a Manager.
type Options struct {
	IdleThreshold time.Duration
	Now           func() time.Time
	Logger        *slog.Logger
}

// Manager owns the roster of one document session. All methods are safe for
// concurrent use.
type Manager struct {
	mu           sync.RWMutex
	idle         time.Duration
	now          func() time.Time
	logger       *slog.Logger
	contentID    string
	self         *Participant
	participants map[string]*Participant
}

// New creates a manager with no active session.
func New(opts Options) *Manager {
	if opts.IdleThreshold <= 0 {
		opts.IdleThreshold = DefaultIdleThreshold
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		idle:         opts.IdleThreshold,
		now:          opts.Now,
		logger:       observability.Component(opts.Logger, "presence"),
		participants: make(map[string]*Participant),
	}
}

// Join starts a session on contentID with self as the local participant.
// Any previous roster is dropped.
func (m *Manager) Join(contentID string, self Participant) {
	m.mu.Lock()
	defer m.mu.Unlock()

	self.Cursor, self.Selection = nil, nil
	self.LastActivity = m.now()
	m.contentID = contentID
	m.self = &self
	m.participants = make(map[string]*Participant)
	m.logger.Debug("joined", "content_id", contentID, "user_id", self.ID)
}

// Leave clears the roster and returns the content that was left, or "" when
// no session was active.
func (m *Manager) Leave() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	left := m.contentID
	m.contentID = ""
	m.self = nil
	m.participants = make(map[string]*Participant)
	return left
}

// ContentID returns the active document, or "".
func (m *Manager) ContentID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.contentID
}

// HandleRemoteEvent applies a peer's event to the roster. Events for another
// document or from the local user are ignored. Cursor and selection events
// from an unknown user create a minimal record named after the user id.
func (m *Manager) HandleRemoteEvent(evt protocol.Event) ([]Change, error) {
	if err := evt.Validate(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.contentID == "" {
		return nil, ErrNotJoined
	}
	if evt.ContentID != m.contentID || (m.self != nil && evt.UserID == m.self.ID) {
		return nil, nil
	}

	switch evt.Type {
	case protocol.UserJoin:
		var data protocol.UserJoinData
		if err := evt.Decode(&data); err != nil {
			return nil, err
		}
		p, _ := m.ensureLocked(evt.UserID)
		if data.Name != "" {
			p.Name = data.Name
		}
		p.Avatar = data.Avatar
		m.touchLocked(p)
		return []Change{{Kind: Joined, Participant: m.viewLocked(p)}}, nil

	case protocol.UserLeave:
		p, ok := m.participants[evt.UserID]
		if !ok {
			return nil, nil
		}
		delete(m.participants, evt.UserID)
		view := m.viewLocked(p)
		view.Active = false
		return []Change{{Kind: Left, Participant: view}}, nil

	case protocol.CursorMove:
		var data protocol.CursorMoveData
		if err := evt.Decode(&data); err != nil {
			return nil, err
		}
		p, created := m.ensureLocked(evt.UserID)
		pos := data.Position
		p.Cursor = &pos
		m.touchLocked(p)
		return m.withJoinLocked(created, Change{Kind: CursorMoved, Participant: m.viewLocked(p)}), nil

	case protocol.SelectionChange:
		var data protocol.SelectionChangeData
		if err := evt.Decode(&data); err != nil {
			return nil, err
		}
		p, created := m.ensureLocked(evt.UserID)
		if data.Selection.Empty() {
			p.Selection = nil
		} else {
			sel := data.Selection
			p.Selection = &sel
		}
		m.touchLocked(p)
		return m.withJoinLocked(created, Change{Kind: SelectionChanged, Participant: m.viewLocked(p)}), nil

	case protocol.TextChange:
		p, created := m.ensureLocked(evt.UserID)
		m.touchLocked(p)
		return m.withJoinLocked(created, Change{Kind: Touched, Participant: m.viewLocked(p)}), nil

	case protocol.Roster:
		var data protocol.RosterData
		if err := evt.Decode(&data); err != nil {
			return nil, err
		}
		var changes []Change
		for _, entry := range data.Users {
			if entry.ID == "" || (m.self != nil && entry.ID == m.self.ID) {
				continue
			}
			p, created := m.ensureLocked(entry.ID)
			if entry.Name != "" {
				p.Name = entry.Name
			}
			p.Avatar = entry.Avatar
			if entry.Cursor != nil {
				c := *entry.Cursor
				p.Cursor = &c
			}
			if entry.Selection != nil {
				s := *entry.Selection
				p.Selection = &s
			}
			m.touchLocked(p)
			if created {
				changes = append(changes, Change{Kind: Joined, Participant: m.viewLocked(p)})
			}
		}
		return changes, nil
	}

	// roster_request and the snapshot exchange carry nothing for the roster.
	return nil, nil
}

func (m *Manager) withJoinLocked(created bool, c Change) []Change {
	if created {
		m.logger.Debug("created participant from activity", "user_id", c.Participant.ID)
		return []Change{{Kind: Joined, Participant: c.Participant}, c}
	}
	return []Change{c}
}

func (m *Manager) ensureLocked(id string) (*Participant, bool) {
	if p, ok := m.participants[id]; ok {
		return p, false
	}
	p := &Participant{ID: id, Name: id}
	m.participants[id] = p
	return p, true
}

func (m *Manager) touchLocked(p *Participant) {
	p.LastActivity = m.now()
}

func (m *Manager) activeLocked(p *Participant) bool {
	return m.now().Sub(p.LastActivity) <= m.idle
}

func (m *Manager) viewLocked(p *Participant) Participant {
	out := p.clone()
	out.Active = m.activeLocked(p)
	return out
}

// IsUserActive reports whether id is in the session and has shown activity
// within the idle threshold.
func (m *Manager) IsUserActive(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.participants[id]
	if !ok {
		if m.self == nil || m.self.ID != id {
			return false
		}
		p = m.self
	}
	return m.activeLocked(p)
}

// ActiveUsers returns the remote participants ordered by id. Idle users are
// included with Active set to false.
func (m *Manager) ActiveUsers() []Participant {
	m.mu.RLock()
	defer m.mu.RUnlock()

	users := make([]Participant, 0, len(m.participants))
	for _, p := range m.participants {
		users = append(users, m.viewLocked(p))
	}
	slices.SortFunc(users, func(a, b Participant) int {
		return strings.Compare(a.ID, b.ID)
	})
	return users
}

// User returns the participant with id, including the local one.
func (m *Manager) User(id string) (Participant, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if p, ok := m.participants[id]; ok {
		return m.viewLocked(p), true
	}
	if m.self != nil && m.self.ID == id {
		return m.viewLocked(m.self), true
	}
	return Participant{}, false
}

// Self returns the local participant.
func (m *Manager) Self() (Participant, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.self == nil {
		return Participant{}, false
	}
	return m.viewLocked(m.self), true
}

// UpdateLocalCursor records the local cursor.
func (m *Manager) UpdateLocalCursor(pos protocol.CursorPosition) (protocol.CursorPosition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.self == nil {
		return pos, ErrNotJoined
	}
	pos.ContentID = m.contentID
	m.self.Cursor = &pos
	m.touchLocked(m.self)
	return pos, nil
}

// UpdateLocalSelection records the local selection. An empty selection
// clears it.
func (m *Manager) UpdateLocalSelection(sel protocol.TextSelection) (protocol.TextSelection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.self == nil {
		return sel, ErrNotJoined
	}
	sel.Start.ContentID = m.contentID
	sel.End.ContentID = m.contentID
	if sel.Empty() {
		m.self.Selection = nil
	} else {
		m.self.Selection = &sel
	}
	m.touchLocked(m.self)
	return sel, nil
}

// Touch marks id as active now.
func (m *Manager) Touch(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.participants[id]; ok {
		m.touchLocked(p)
	} else if m.self != nil && m.self.ID == id {
		m.touchLocked(m.self)
	}
}

// TransformCursors moves every stored cursor and selection through an
// applied operation so they keep pointing at the same text.
func (m *Manager) TransformCursors(op ot.Operation) {
	m.mu.Lock()
	defer m.mu.Unlock()

	move := func(p *Participant) {
		if p.Cursor != nil {
			p.Cursor.Offset = ot.TransformPosition(p.Cursor.Offset, op)
		}
		if p.Selection != nil {
			p.Selection.Start.Offset = ot.TransformPosition(p.Selection.Start.Offset, op)
			p.Selection.End.Offset = ot.TransformPosition(p.Selection.End.Offset, op)
			if p.Selection.Empty() {
				p.Selection = nil
			}
		}
	}
	for _, p := range m.participants {
		move(p)
	}
	if m.self != nil {
		move(m.self)
	}
}

// Snapshot describes the local participant and everyone it knows about, for
// answering a roster request.
func (m *Manager) Snapshot() protocol.RosterData {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var data protocol.RosterData
	add := func(p *Participant) {
		view := p.clone()
		data.Users = append(data.Users, protocol.RosterEntry{
			ID:        view.ID,
			Name:      view.Name,
			Avatar:    view.Avatar,
			Cursor:    view.Cursor,
			Selection: view.Selection,
		})
	}
	if m.self != nil {
		add(m.self)
	}
	for _, p := range m.participants {
		add(p)
	}
	slices.SortFunc(data.Users, func(a, b protocol.RosterEntry) int {
		return strings.Compare(a.ID, b.ID)
	})
	return data
}
