// Package memstore is an in-memory store.UpdateStore used by tests across
// the repo (hydrate, session) so they don't need a real database.
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/Polqt/collabdoc/internal/store"
)

// Store is a goroutine-safe in-memory UpdateStore.
type Store struct {
	mu        sync.Mutex
	updates   map[string][]store.UpdateRecord
	snapshots map[string]store.SnapshotRecord
}

// New creates an empty in-memory Store.
func New() *Store {
	return &Store{
		updates:   make(map[string][]store.UpdateRecord),
		snapshots: make(map[string]store.SnapshotRecord),
	}
}

func (s *Store) Append(_ context.Context, roomID string, updateBytes, metaBytes []byte) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := int64(len(s.updates[roomID]) + 1)
	if n := len(s.updates[roomID]); n > 0 {
		id = s.updates[roomID][n-1].ID + 1
	}
	if snap, ok := s.snapshots[roomID]; ok && snap.LastUpdateID >= id {
		// The log may have been pruned up to the snapshot; keep ids increasing past it.
		id = snap.LastUpdateID + 1
	}
	s.updates[roomID] = append(s.updates[roomID], store.UpdateRecord{
		ID: id, RoomID: roomID, Update: updateBytes, Meta: metaBytes, Timestamp: time.Now(),
	})
	return id, nil
}

func (s *Store) streamFrom(roomID string, afterID int64) (<-chan store.UpdateRecord, func() error) {
	s.mu.Lock()
	all := append([]store.UpdateRecord(nil), s.updates[roomID]...)
	s.mu.Unlock()

	out := make(chan store.UpdateRecord, len(all))
	for _, rec := range all {
		if rec.ID > afterID {
			out <- rec
		}
	}
	close(out)
	return out, func() error { return nil }
}

func (s *Store) ReadAll(_ context.Context, roomID string) (<-chan store.UpdateRecord, func() error) {
	return s.streamFrom(roomID, 0)
}

func (s *Store) ReadSince(_ context.Context, roomID string, lastInclusiveID int64) (<-chan store.UpdateRecord, func() error) {
	return s.streamFrom(roomID, lastInclusiveID)
}

func (s *Store) GetMaxID(_ context.Context, roomID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.updates[roomID])
	if n == 0 {
		return 0, nil
	}
	return s.updates[roomID][n-1].ID, nil
}

func (s *Store) GetSnapshot(_ context.Context, roomID string) (store.SnapshotRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.snapshots[roomID]
	if !ok {
		return store.SnapshotRecord{}, store.ErrNoSnapshot
	}
	return rec, nil
}

func (s *Store) UpsertSnapshot(_ context.Context, roomID string, snapshotBytes []byte, lastUpdateID int64) error {
	if len(snapshotBytes) <= 2 {
		return store.ErrSnapshotTooSmall
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[roomID] = store.SnapshotRecord{
		RoomID: roomID, Snapshot: snapshotBytes, LastUpdateID: lastUpdateID, Timestamp: time.Now(),
	}
	return nil
}

func (s *Store) PruneBefore(_ context.Context, roomID string, lastUpdateID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.updates[roomID][:0]
	var pruned int64
	for _, rec := range s.updates[roomID] {
		if rec.ID <= lastUpdateID {
			pruned++
			continue
		}
		kept = append(kept, rec)
	}
	s.updates[roomID] = kept
	return pruned, nil
}

// PutSnapshotForTest directly seeds a snapshot, bypassing the <=2 byte
// check, so hydrate tests can exercise the "corrupt snapshot" fallback path.
func (s *Store) PutSnapshotForTest(roomID string, snapshotBytes []byte, lastUpdateID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[roomID] = store.SnapshotRecord{RoomID: roomID, Snapshot: snapshotBytes, LastUpdateID: lastUpdateID, Timestamp: time.Now()}
}
