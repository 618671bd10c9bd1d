package engine

import (
	"cmp"
	"fmt"
	"slices"
	"sort"
	"strconv"
	"strings"

	"collaboration-core/pkg/ot"
)

// vector maps a user to the timestamp of their latest operation in a set.
// Because each user's operations are applied in order, a vector describes a
// document context exactly.
type vector map[string]int64

func contextOf(op ot.Operation) vector {
	v := make(vector, len(op.Seen))
	for user, ts := range op.Seen {
		if ts > 0 {
			v[user] = ts
		}
	}
	return v
}

func (v vector) clone() vector {
	out := make(vector, len(v))
	for user, ts := range v {
		out[user] = ts
	}
	return out
}

// within reports whether every operation in v is also in other.
func (v vector) within(other vector) bool {
	for user, ts := range v {
		if ts > other[user] {
			return false
		}
	}
	return true
}

func (v vector) equal(other vector) bool {
	return v.within(other) && other.within(v)
}

func (v vector) key() string {
	users := make([]string, 0, len(v))
	for user, ts := range v {
		if ts > 0 {
			users = append(users, user)
		}
	}
	sort.Strings(users)
	var b strings.Builder
	for _, user := range users {
		b.WriteString(user)
		b.WriteByte('=')
		b.WriteString(strconv.FormatInt(v[user], 10))
		b.WriteByte(';')
	}
	return b.String()
}

// stamp is an operation's place in the total order every replica agrees
// on: Lamport timestamp, then user id.
type stamp struct {
	ts   int64
	user string
}

func stampOf(op ot.Operation) stamp {
	return stamp{ts: op.Timestamp, user: op.UserID}
}

func (s stamp) compare(other stamp) int {
	if c := cmp.Compare(s.ts, other.ts); c != 0 {
		return c
	}
	return cmp.Compare(s.user, other.user)
}

type entry struct {
	original ot.Operation
	applied  ot.Operation
	origin   Origin
	// removed is the text a delete took out, so it can be undone.
	removed string
}

// inverse returns the operation that undoes e on the document it left.
func (e entry) inverse() ot.Operation {
	op := e.applied
	switch op.Type {
	case ot.OpInsert:
		return ot.Operation{Type: ot.OpDelete, Position: op.Position, Length: op.Len(),
			UserID: op.UserID, Timestamp: op.Timestamp}
	case ot.OpDelete:
		return ot.Operation{Type: ot.OpInsert, Position: op.Position, Content: e.removed,
			UserID: op.UserID, Timestamp: op.Timestamp}
	}
	return ot.Noop(op, op.Position)
}

// history retains integrated operations in total order, with their
// original form indexed per user. horizon is the context of everything
// evicted or adopted from a snapshot; floor is the latest stamp in it.
// Nothing that sorts before floor can be integrated any more.
type history struct {
	capacity int
	entries  []entry
	byUser   map[string][]ot.Operation
	horizon  vector
	floor    stamp
}

func newHistory(capacity int) *history {
	return &history{
		capacity: capacity,
		byUser:   make(map[string][]ot.Operation),
		horizon:  make(vector),
	}
}

// position returns where op belongs in the total order.
func (h *history) position(op ot.Operation) int {
	i, _ := slices.BinarySearchFunc(h.entries, stampOf(op), func(e entry, s stamp) int {
		return stampOf(e.original).compare(s)
	})
	return i
}

// prefix returns the context of the document after the first i entries.
func (h *history) prefix(i int) vector {
	v := h.horizon.clone()
	for _, e := range h.entries[:i] {
		if e.original.Timestamp > v[e.original.UserID] {
			v[e.original.UserID] = e.original.Timestamp
		}
	}
	return v
}

// track indexes op for rebasing. Each user's operations arrive in order.
func (h *history) track(op ot.Operation) {
	h.byUser[op.UserID] = append(h.byUser[op.UserID], op)
}

func (h *history) untrack(op ot.Operation) {
	ops := h.byUser[op.UserID]
	if n := len(ops); n > 0 && ops[n-1].Timestamp == op.Timestamp {
		h.byUser[op.UserID] = ops[:n-1]
	}
	if len(h.byUser[op.UserID]) == 0 {
		delete(h.byUser, op.UserID)
	}
}

// splice replaces the entries from i on and evicts the oldest ones beyond
// capacity.
func (h *history) splice(i int, tail []entry) {
	h.entries = append(h.entries[:i], tail...)

	for len(h.entries) > h.capacity {
		old := h.entries[0].original
		h.entries = slices.Delete(h.entries, 0, 1)
		ops := h.byUser[old.UserID]
		if len(ops) > 0 {
			h.byUser[old.UserID] = slices.Delete(ops, 0, 1)
		}
		if len(h.byUser[old.UserID]) == 0 {
			delete(h.byUser, old.UserID)
		}
		if old.Timestamp > h.horizon[old.UserID] {
			h.horizon[old.UserID] = old.Timestamp
		}
		h.floor = stampOf(old)
	}
}

// after returns user's first retained operation later than ts.
func (h *history) after(user string, ts int64) (ot.Operation, error) {
	if ts < h.horizon[user] {
		return ot.Operation{}, fmt.Errorf("operations of %s after %d are no longer retained", user, ts)
	}
	ops := h.byUser[user]
	i := sort.Search(len(ops), func(i int) bool { return ops[i].Timestamp > ts })
	if i == len(ops) {
		return ot.Operation{}, fmt.Errorf("no operation of %s after %d", user, ts)
	}
	return ops[i], nil
}

func (h *history) appliedForms() []ot.Operation {
	out := make([]ot.Operation, len(h.entries))
	for i, e := range h.entries {
		out[i] = e.applied
	}
	return out
}

func (h *history) reset(horizon vector) {
	h.entries = nil
	h.byUser = make(map[string][]ot.Operation)
	h.horizon = horizon.clone()
	h.floor = stamp{}
	for user, ts := range h.horizon {
		if s := (stamp{ts: ts, user: user}); s.compare(h.floor) > 0 {
			h.floor = s
		}
	}
}

// rebaser transforms operations from their own context into a target
// context, including the missing operations one at a time. Each included
// operation is itself rebased into the current context first, so only
// inclusion transforms are needed. Candidates are taken in (timestamp, user)
// order so every replica follows the same path.
type rebaser struct {
	h          *history
	memo       map[string]ot.Operation
	transforms int
}

func newRebaser(h *history) *rebaser {
	return &rebaser{h: h, memo: make(map[string]ot.Operation)}
}

func (r *rebaser) rebase(op ot.Operation, target vector) (ot.Operation, error) {
	cur := contextOf(op)
	if !cur.within(target) {
		return ot.Operation{}, &ot.TransformConflictError{Op: op, Reason: "context is ahead of the document"}
	}
	if cur.equal(target) {
		return op, nil
	}

	memoKey := op.UserID + "@" + strconv.FormatInt(op.Timestamp, 10) + "|" + target.key()
	if out, ok := r.memo[memoKey]; ok {
		return out, nil
	}

	out := op
	for !cur.equal(target) {
		next, err := r.next(cur, target)
		if err != nil {
			return ot.Operation{}, &ot.TransformConflictError{Op: op, Reason: err.Error()}
		}
		rebased, err := r.rebase(next, cur)
		if err != nil {
			return ot.Operation{}, err
		}
		if out, err = ot.Transform(out, rebased); err != nil {
			return ot.Operation{}, err
		}
		r.transforms++
		cur[next.UserID] = next.Timestamp
	}

	r.memo[memoKey] = out
	return out, nil
}

// next picks the earliest operation in target but not in cur whose own
// context is already covered by cur.
func (r *rebaser) next(cur, target vector) (ot.Operation, error) {
	var (
		best  ot.Operation
		found bool
	)
	for user, ts := range target {
		if ts <= cur[user] {
			continue
		}
		cand, err := r.h.after(user, cur[user])
		if err != nil {
			return ot.Operation{}, err
		}
		if !contextOf(cand).within(cur) {
			continue
		}
		if !found || cand.Timestamp < best.Timestamp ||
			(cand.Timestamp == best.Timestamp && cand.UserID < best.UserID) {
			best, found = cand, true
		}
	}
	if !found {
		return ot.Operation{}, fmt.Errorf("no causally ready operation between %s and %s", cur.key(), target.key())
	}
	return best, nil
}
