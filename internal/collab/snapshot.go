package collab

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"collaboration-core/internal/protocol"
)

// DefaultSnapshotTimeout is how long a session waits for a peer to answer a
// snapshot request.
const DefaultSnapshotTimeout = 2 * time.Second

// ErrNoPeers is returned by a Snapshotter when nobody holds a copy of the
// document. The caller keeps, or starts from, its local state.
var ErrNoPeers = errors.New("collab: no peer answered the snapshot request")

// Snapshot is an authoritative copy of a document. Vector holds, per user,
// the timestamp of the latest operation reflected in Content.
type Snapshot struct {
	Content string
	Vector  map[string]int64
}

// Snapshotter fetches authoritative documents. Without one the facade asks
// the peers in the document.
type Snapshotter interface {
	Snapshot(ctx context.Context, contentID string) (Snapshot, error)
}

// peerSnapshots asks the other participants for their copy of a document
// and takes the first answer addressed to this user.
type peerSnapshots struct {
	f       *Facade
	timeout time.Duration

	mu      sync.Mutex
	waiting map[string]chan Snapshot
}

func newPeerSnapshots(f *Facade, timeout time.Duration) *peerSnapshots {
	if timeout <= 0 {
		timeout = DefaultSnapshotTimeout
	}
	return &peerSnapshots{f: f, timeout: timeout, waiting: make(map[string]chan Snapshot)}
}

func (p *peerSnapshots) Snapshot(ctx context.Context, contentID string) (Snapshot, error) {
	id := uuid.NewString()
	reply := make(chan Snapshot, 1)
	p.mu.Lock()
	p.waiting[id] = reply
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.waiting, id)
		p.mu.Unlock()
	}()

	req, err := p.f.newEvent(protocol.SnapshotRequest, contentID, protocol.SnapshotRequestData{RequestID: id})
	if err != nil {
		return Snapshot{}, err
	}
	if err := p.f.transport.Send(ctx, req); err != nil {
		return Snapshot{}, fmt.Errorf("request snapshot: %w", err)
	}

	timer := time.NewTimer(p.timeout)
	defer timer.Stop()
	select {
	case snap := <-reply:
		return snap, nil
	case <-timer.C:
		return Snapshot{}, ErrNoPeers
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

// deliver hands a reply to the request waiting for it. Later answers to the
// same request are ignored.
func (p *peerSnapshots) deliver(data protocol.SnapshotData) {
	p.mu.Lock()
	reply, ok := p.waiting[data.RequestID]
	delete(p.waiting, data.RequestID)
	p.mu.Unlock()
	if !ok {
		return
	}
	reply <- Snapshot{Content: data.Content, Vector: data.Vector}
}
