// Package protocol defines the transport-agnostic collaboration messages.
package protocol

import (
	"encoding/json"
	"fmt"

	"collaboration-core/pkg/ot"
)

// EventType names a collaboration event on the wire.
type EventType string

const (
	CursorMove      EventType = "cursor_move"
	TextChange      EventType = "text_change"
	SelectionChange EventType = "selection_change"
	UserJoin        EventType = "user_join"
	UserLeave       EventType = "user_leave"

	// RosterRequest asks peers already in the document to announce
	// themselves; Roster is the reply.
	RosterRequest EventType = "roster_request"
	Roster        EventType = "roster"

	// SnapshotRequest asks peers for their copy of the document;
	// SnapshotReply carries it back to the requester.
	SnapshotRequest EventType = "snapshot_request"
	SnapshotReply   EventType = "snapshot"
)

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	switch t {
	case CursorMove, TextChange, SelectionChange, UserJoin, UserLeave, RosterRequest, Roster,
		SnapshotRequest, SnapshotReply:
		return true
	}
	return false
}

// Event is the shape every transport delivers.
type Event struct {
	Type      EventType       `json:"type"`
	UserID    string          `json:"userId"`
	ContentID string          `json:"contentId"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"` // epoch millis
}

// CursorPosition is a linear offset in code points, the same unit as
// ot.Operation positions.
type CursorPosition struct {
	Offset    int    `json:"offset"`
	ContentID string `json:"contentId"`
}

// TextSelection spans Start..End. Text is a snapshot and may be stale.
type TextSelection struct {
	Start CursorPosition `json:"start"`
	End   CursorPosition `json:"end"`
	Text  string         `json:"text,omitempty"`
}

// Empty reports whether the selection covers no text.
func (s TextSelection) Empty() bool {
	return s.Start.Offset == s.End.Offset
}

type TextChangeData struct {
	Operation ot.Operation `json:"operation"`
}

type CursorMoveData struct {
	Position CursorPosition `json:"position"`
}

type SelectionChangeData struct {
	Selection TextSelection `json:"selection"`
}

type UserJoinData struct {
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
}

type UserLeaveData struct{}

// RosterEntry describes one participant in a roster reply.
type RosterEntry struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Avatar    string          `json:"avatar,omitempty"`
	Cursor    *CursorPosition `json:"cursor,omitempty"`
	Selection *TextSelection  `json:"selection,omitempty"`
}

type RosterData struct {
	Users []RosterEntry `json:"users"`
}

type SnapshotRequestData struct {
	RequestID string `json:"requestId"`
}

// SnapshotData answers a SnapshotRequest. For names the requester; Vector
// holds, per user, the timestamp of the latest operation in Content.
type SnapshotData struct {
	RequestID string           `json:"requestId"`
	For       string           `json:"for"`
	Content   string           `json:"content"`
	Vector    map[string]int64 `json:"vector,omitempty"`
}

// NewEvent builds an event with data encoded as its payload.
func NewEvent(typ EventType, userID, contentID string, ts int64, data any) (Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Event{}, fmt.Errorf("encode %s payload: %w", typ, err)
	}
	return Event{
		Type:      typ,
		UserID:    userID,
		ContentID: contentID,
		Data:      raw,
		Timestamp: ts,
	}, nil
}

// Validate checks the envelope fields common to every event.
func (e Event) Validate() error {
	if !e.Type.Valid() {
		return fmt.Errorf("unknown event type %q", e.Type)
	}
	if e.UserID == "" {
		return fmt.Errorf("%s event without userId", e.Type)
	}
	if e.ContentID == "" {
		return fmt.Errorf("%s event without contentId", e.Type)
	}
	return nil
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v any) error {
	if len(e.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// Channel returns the transport channel carrying events for a document.
func Channel(contentID string) string {
	return "content:" + contentID
}
