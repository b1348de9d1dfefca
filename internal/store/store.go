// Package store defines UpdateStore: the append-only update log and
// per-room snapshot singleton described in spec.md §4.1. Concrete backends
// live in the postgres and sqlite subpackages.
package store

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// ErrSnapshotTooSmall is returned by UpsertSnapshot when the caller passes a
// snapshot of length <= 2 bytes. spec.md §4.1 allows the implementer to
// delegate this check to Session instead; collabdoc enforces it here too so
// the invariant holds regardless of which caller forgets it.
var ErrSnapshotTooSmall = errors.New("store: snapshot_bytes must be > 2 bytes")

// ErrNoSnapshot is returned by GetSnapshot when the room has none.
var ErrNoSnapshot = errors.New("store: no snapshot for room")

// UpdateRecord is one persisted CRDT update.
type UpdateRecord struct {
	ID        int64
	RoomID    string
	Update    []byte
	Meta      []byte
	Timestamp time.Time
}

// SnapshotRecord is a room's current snapshot singleton.
type SnapshotRecord struct {
	RoomID       string
	Snapshot     []byte
	LastUpdateID int64
	Timestamp    time.Time
}

// UpdateStore is the durable append log plus snapshot singleton described in
// spec.md §4.1. ReadAll/ReadSince are specified as lazy, in-order, one-shot
// sequences — implementations stream via a channel rather than materializing
// the full log, so large rooms don't blow up memory.
type UpdateStore interface {
	// Append inserts an update and returns its assigned id, strictly greater
	// than any previously assigned id for the room. Atomic.
	Append(ctx context.Context, roomID string, updateBytes, metaBytes []byte) (int64, error)

	// ReadAll streams every update for the room in id order. The returned
	// channel is closed when exhausted or on error; check err() afterward.
	ReadAll(ctx context.Context, roomID string) (<-chan UpdateRecord, func() error)

	// ReadSince streams updates with id > lastInclusiveID in id order.
	ReadSince(ctx context.Context, roomID string, lastInclusiveID int64) (<-chan UpdateRecord, func() error)

	// GetMaxID returns the highest id stored for room, or 0 if empty.
	GetMaxID(ctx context.Context, roomID string) (int64, error)

	// GetSnapshot returns the room's snapshot, or ErrNoSnapshot if absent.
	GetSnapshot(ctx context.Context, roomID string) (SnapshotRecord, error)

	// UpsertSnapshot replaces the room's snapshot. Rejects snapshots of
	// length <= 2 with ErrSnapshotTooSmall (spec.md §3, §4.4).
	UpsertSnapshot(ctx context.Context, roomID string, snapshotBytes []byte, lastUpdateID int64) error

	// PruneBefore deletes update records with id <= lastUpdateID. Idempotent.
	PruneBefore(ctx context.Context, roomID string, lastUpdateID int64) (int64, error)
}
