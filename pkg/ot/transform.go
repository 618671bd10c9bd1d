package ot

// Transform rebases a over b. Both operations must have been generated
// against the same document state; the result is a's equivalent once b has
// been applied. Applying b then Transform(a, b) yields the same document as
// applying a then Transform(b, a).
//
// Ties between inserts at the same position go to the lower user ID, then
// the lower timestamp: that insert lands first and the other shifts right.
// A concurrent delete wins over an insert placed strictly inside its range.
func Transform(a, b Operation) (Operation, error) {
	if err := Validate(a); err != nil {
		return Operation{}, err
	}
	if err := Validate(b); err != nil {
		return Operation{}, err
	}
	if b.IsNoop() {
		return a, nil
	}

	switch a.Type {
	case OpInsert:
		switch b.Type {
		case OpInsert:
			return transformInsertInsert(a, b)
		case OpDelete:
			return transformInsertDelete(a, b), nil
		}
	case OpDelete:
		switch b.Type {
		case OpInsert:
			return transformDeleteInsert(a, b), nil
		case OpDelete:
			return transformDeleteDelete(a, b), nil
		}
	case OpRetain:
		a.Position = TransformPosition(a.Position, b)
		return a, nil
	}

	return Operation{}, &TransformConflictError{Op: a, Other: b, Reason: "unsupported operation pair"}
}

// TransformSequence rebases op over each operation of seq in order. seq is a
// sequence: every element is defined on the state left by its predecessor.
func TransformSequence(op Operation, seq []Operation) (Operation, error) {
	var err error
	for _, other := range seq {
		if op, err = Transform(op, other); err != nil {
			return Operation{}, err
		}
	}
	return op, nil
}

// transformInsertInsert shifts a when b lands before it.
func transformInsertInsert(a, b Operation) (Operation, error) {
	switch {
	case b.Position < a.Position:
		a.Position += b.Len()
	case b.Position == a.Position:
		first, ok := landsFirst(b, a)
		if !ok {
			return Operation{}, &TransformConflictError{Op: a, Other: b, Reason: "identical attribution"}
		}
		if first {
			a.Position += b.Len()
		}
	}
	return a, nil
}

// transformInsertDelete moves an insert over a concurrent delete. An insert
// strictly inside the deleted range collapses to a no-op at the range start:
// the concurrent delete wins and the inserted text is lost. Moving the insert
// to the range start instead would keep the text, but the delete would then
// have to split in two around it, and operations here are single ranges.
// Losing the text keeps both transform directions consistent, so replicas
// converge; transformDeleteInsert grows the delete to match.
func transformInsertDelete(ins, del Operation) Operation {
	switch {
	case ins.Position <= del.Position:
		return ins
	case ins.Position >= del.End():
		ins.Position -= del.Length
		return ins
	default:
		return Noop(ins, del.Position)
	}
}

// transformDeleteInsert moves a delete over a concurrent insert. The delete
// grows to swallow text inserted strictly inside its range.
func transformDeleteInsert(del, ins Operation) Operation {
	switch {
	case ins.Position <= del.Position:
		del.Position += ins.Len()
	case ins.Position < del.End():
		del.Length += ins.Len()
	}
	return del
}

// transformDeleteDelete removes from a whatever b already deleted.
func transformDeleteDelete(a, b Operation) Operation {
	aEnd, bEnd := a.End(), b.End()
	switch {
	case aEnd <= b.Position:
		return a
	case bEnd <= a.Position:
		a.Position -= b.Length
		return a
	}

	overlap := min(aEnd, bEnd) - max(a.Position, b.Position)
	pos := min(a.Position, b.Position)
	if a.Length-overlap <= 0 {
		return Noop(a, pos)
	}
	a.Position = pos
	a.Length -= overlap
	return a
}

// TransformPosition rebases a cursor offset over an applied operation. A
// cursor sitting exactly at an insert point moves right with the text.
func TransformPosition(pos int, op Operation) int {
	switch op.Type {
	case OpInsert:
		if op.Position <= pos {
			return pos + op.Len()
		}
	case OpDelete:
		switch {
		case pos <= op.Position:
		case pos >= op.End():
			return pos - op.Length
		default:
			return op.Position
		}
	}
	return pos
}

// landsFirst reports whether a is placed before b when both insert at the
// same offset. ok is false when the two cannot be ordered.
func landsFirst(a, b Operation) (first, ok bool) {
	if a.UserID != b.UserID {
		return a.UserID < b.UserID, true
	}
	if a.Timestamp != b.Timestamp {
		return a.Timestamp < b.Timestamp, true
	}
	return false, false
}
