package room

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/Polqt/collabdoc/internal/store"
)

// Manager owns the process's live Room replicas, creating one on first join
// and tearing it down (after a checkpoint) when the last session leaves
// (spec.md §3: "a room... is created on first client join and torn down
// when the last client leaves").
type Manager struct {
	mu    sync.Mutex
	rooms map[string]*managedRoom

	hub    *Hub
	store  store.UpdateStore
	nodeID string

	snapshotIntervalSeconds int
	snapshotAfterEditCount  int
	postSnapshotHook        PostSnapshotHook
	pruneOnCheckpoint       bool
}

// managedRoom tracks one live Room plus the hydration gate concurrent
// joiners wait on: ready is closed once hydrateFromStore has returned
// (successfully or not), so a second session joining a cold room never
// observes a Doc that hasn't been hydrated yet (spec.md §8 invariant 3).
type managedRoom struct {
	room     *Room
	refCount int
	ready    chan struct{}

	// hydrateErr is set before ready is closed if hydration failed; reading
	// it after <-ready is safe without further synchronization (channel
	// close is itself a happens-before edge).
	hydrateErr error
}

// NewManager creates a Manager. nodeID identifies this process as a CRDT
// replica origin for any server-authored operations (there are none by
// default; reserved for future system edits).
func NewManager(hub *Hub, st store.UpdateStore, nodeID string, snapshotIntervalSeconds, snapshotAfterEditCount int, hook PostSnapshotHook, pruneOnCheckpoint bool) *Manager {
	return &Manager{
		rooms:                   make(map[string]*managedRoom),
		hub:                     hub,
		store:                   st,
		nodeID:                  nodeID,
		snapshotIntervalSeconds: snapshotIntervalSeconds,
		snapshotAfterEditCount:  snapshotAfterEditCount,
		postSnapshotHook:        hook,
		pruneOnCheckpoint:       pruneOnCheckpoint,
	}
}

// Acquire returns the Room for roomID, creating and hydrating it if this is
// the first caller, and increments its reference count. Callers MUST call
// Release exactly once when their session disconnects, except when Acquire
// itself returns an error (nothing was handed out to release).
//
// A second session joining a room that's still hydrating blocks on that
// hydration rather than getting a Doc that's missing persisted updates:
// registering the room under the lock and releasing it again before
// hydrateFromStore runs would otherwise let a concurrent joiner's handshake
// read the state vector mid-hydration (spec.md §8 invariant 3).
func (m *Manager) Acquire(ctx context.Context, roomID string) (*Room, error) {
	m.mu.Lock()
	mr, ok := m.rooms[roomID]
	if ok {
		mr.refCount++
		m.mu.Unlock()
		return m.awaitReady(ctx, roomID, mr)
	}
	// Register the room as "hydrating" under the lock so concurrent
	// joiners land in the ok branch above and wait on mr.ready instead of
	// racing to hydrate twice or observing a partially-hydrated Doc.
	rm := newRoom(roomID, m.store, m.hub, m.nodeID, m.snapshotIntervalSeconds, m.snapshotAfterEditCount, m.postSnapshotHook)
	mr = &managedRoom{room: rm, refCount: 1, ready: make(chan struct{})}
	m.rooms[roomID] = mr
	m.mu.Unlock()

	if err := rm.hydrateFromStore(ctx); err != nil {
		mr.hydrateErr = errors.Wrapf(err, "room manager: hydrate %s", roomID)
		m.mu.Lock()
		delete(m.rooms, roomID)
		m.mu.Unlock()
		close(mr.ready)
		rm.Shutdown()
		return nil, mr.hydrateErr
	}
	close(mr.ready)
	return rm, nil
}

// awaitReady blocks until mr's hydration completes or ctx is cancelled. A
// caller that gives up early still holds a reference count on mr, so
// awaitReady releases that reference before returning ctx.Err().
func (m *Manager) awaitReady(ctx context.Context, roomID string, mr *managedRoom) (*Room, error) {
	select {
	case <-mr.ready:
	case <-ctx.Done():
		m.Release(context.Background(), roomID)
		return nil, ctx.Err()
	}
	if mr.hydrateErr != nil {
		return nil, mr.hydrateErr
	}
	return mr.room, nil
}

// Release decrements roomID's reference count; when it reaches zero the
// room is checkpointed (snapshot, optional prune) and torn down.
func (m *Manager) Release(ctx context.Context, roomID string) {
	m.mu.Lock()
	mr, ok := m.rooms[roomID]
	if !ok {
		m.mu.Unlock()
		return
	}
	mr.refCount--
	last := mr.refCount <= 0
	if last {
		delete(m.rooms, roomID)
	}
	m.mu.Unlock()

	if last {
		mr.room.Checkpoint(ctx, m.pruneOnCheckpoint)
		mr.room.Shutdown()
	}
}
