// Package ot implements Operational Transformation for real-time collaborative editing
package ot

import (
	"fmt"
	"maps"
)

// OpType represents the type of operation
type OpType int

const (
	OpInsert OpType = iota
	OpDelete
	OpRetain
)

var opTypeNames = map[OpType]string{
	OpInsert: "insert",
	OpDelete: "delete",
	OpRetain: "retain",
}

func (t OpType) String() string {
	if name, ok := opTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("optype(%d)", int(t))
}

// MarshalText encodes the type as its wire name.
func (t OpType) MarshalText() ([]byte, error) {
	name, ok := opTypeNames[t]
	if !ok {
		return nil, fmt.Errorf("unknown operation type %d", int(t))
	}
	return []byte(name), nil
}

// UnmarshalText accepts the wire name of an operation type.
func (t *OpType) UnmarshalText(b []byte) error {
	for typ, name := range opTypeNames {
		if name == string(b) {
			*t = typ
			return nil
		}
	}
	return fmt.Errorf("unknown operation type %q", string(b))
}

// Operation represents a single edit operation.
//
// Positions and lengths count Unicode code points, not bytes or UTF-16 units.
type Operation struct {
	Type      OpType `json:"type"`
	Position  int    `json:"position"`
	Content   string `json:"content,omitempty"` // For insert
	Length    int    `json:"length,omitempty"`  // For delete/retain
	UserID    string `json:"userId"`
	Timestamp int64  `json:"timestamp"`

	// Seen is the causal context: for each user, the highest timestamp the
	// origin had applied when it generated this operation.
	Seen map[string]int64 `json:"seen,omitempty"`
}

// NewInsert returns an insert of content at pos.
func NewInsert(pos int, content string) Operation {
	return Operation{Type: OpInsert, Position: pos, Content: content}
}

// NewDelete returns a delete of length code points starting at pos.
func NewDelete(pos, length int) Operation {
	return Operation{Type: OpDelete, Position: pos, Length: length}
}

// NewRetain returns a retain, which never changes the document.
func NewRetain(pos, length int) Operation {
	return Operation{Type: OpRetain, Position: pos, Length: length}
}

// Noop returns op reduced to a zero-length retain at pos, keeping its
// attribution.
func Noop(op Operation, pos int) Operation {
	op.Type = OpRetain
	op.Position = pos
	op.Content = ""
	op.Length = 0
	return op
}

// IsNoop reports whether applying op leaves every document unchanged.
func (op Operation) IsNoop() bool {
	return op.Type == OpRetain
}

// Len returns the number of code points the operation inserts or removes.
func (op Operation) Len() int {
	switch op.Type {
	case OpInsert:
		return runeLen(op.Content)
	case OpDelete:
		return op.Length
	default:
		return 0
	}
}

// End returns the first position after the range a delete or retain covers.
func (op Operation) End() int {
	return op.Position + op.Length
}

// WithSeen returns a copy of op carrying its own copy of seen.
func (op Operation) WithSeen(seen map[string]int64) Operation {
	op.Seen = maps.Clone(seen)
	return op
}

// Equal reports whether two operations describe the same edit by the same
// author at the same moment.
func (op Operation) Equal(other Operation) bool {
	return op.Type == other.Type &&
		op.Position == other.Position &&
		op.Content == other.Content &&
		op.Length == other.Length &&
		op.UserID == other.UserID &&
		op.Timestamp == other.Timestamp &&
		maps.Equal(op.Seen, other.Seen)
}

func (op Operation) String() string {
	switch op.Type {
	case OpInsert:
		return fmt.Sprintf("insert(%d,%q)@%s:%d", op.Position, op.Content, op.UserID, op.Timestamp)
	default:
		return fmt.Sprintf("%s(%d,%d)@%s:%d", op.Type, op.Position, op.Length, op.UserID, op.Timestamp)
	}
}

// Validate checks the structural invariants of op.
func Validate(op Operation) error {
	if op.Position < 0 {
		return &MalformedOperationError{Op: op, Reason: "negative position"}
	}
	switch op.Type {
	case OpInsert:
		if op.Content == "" {
			return &MalformedOperationError{Op: op, Reason: "insert without content"}
		}
		if op.Length != 0 {
			return &MalformedOperationError{Op: op, Reason: "insert with length"}
		}
	case OpDelete:
		if op.Length <= 0 {
			return &MalformedOperationError{Op: op, Reason: "delete without length"}
		}
	case OpRetain:
		if op.Length < 0 {
			return &MalformedOperationError{Op: op, Reason: "negative retain length"}
		}
	default:
		return &MalformedOperationError{Op: op, Reason: "unknown operation type"}
	}
	return nil
}

// MalformedOperationError reports an operation that fails structural
// validation.
type MalformedOperationError struct {
	Op     Operation
	Reason string
}

func (e *MalformedOperationError) Error() string {
	return fmt.Sprintf("malformed operation %s: %s", e.Op, e.Reason)
}

// TransformConflictError reports a pair of operations that cannot be
// rebased deterministically.
type TransformConflictError struct {
	Op     Operation
	Other  Operation
	Reason string
}

func (e *TransformConflictError) Error() string {
	return fmt.Sprintf("cannot transform %s against %s: %s", e.Op, e.Other, e.Reason)
}
