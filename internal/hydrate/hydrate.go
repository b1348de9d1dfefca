// Package hydrate implements Hydrator (spec.md §4.4): reconstructing a
// room's CRDT document from storage, via the snapshot-plus-updates-since
// fast path or the full-replay slow path when no valid snapshot exists.
package hydrate

import (
	"context"

	"github.com/pkg/errors"

	"github.com/Polqt/collabdoc/internal/crdt"
	"github.com/Polqt/collabdoc/internal/store"
)

// minSnapshotLen is the corrupt-snapshot threshold from spec.md §3/§4.4: an
// empty CRDT document encodes to a short sentinel; anything at or below
// this length is treated as corrupt and ignored.
const minSnapshotLen = 2

// Hydrate populates doc to reflect roomID's durable state and returns the
// highest update id folded in (0 if the room is entirely empty).
func Hydrate(ctx context.Context, st store.UpdateStore, roomID string, doc *crdt.Document) (int64, error) {
	snap, err := st.GetSnapshot(ctx, roomID)
	if err != nil && !errors.Is(err, store.ErrNoSnapshot) {
		return 0, errors.Wrap(err, "hydrate: get snapshot")
	}

	if err == nil && len(snap.Snapshot) > minSnapshotLen {
		if err := doc.LoadSnapshot(snap.Snapshot); err != nil {
			return 0, errors.Wrap(err, "hydrate: load snapshot")
		}
		maxID := snap.LastUpdateID
		rows, errFn := st.ReadSince(ctx, roomID, snap.LastUpdateID)
		for rec := range rows {
			if err := doc.ApplyRemote(rec.Update); err != nil {
				return 0, errors.Wrapf(err, "hydrate: apply update %d", rec.ID)
			}
			if rec.ID > maxID {
				maxID = rec.ID
			}
		}
		if err := errFn(); err != nil {
			return 0, errors.Wrap(err, "hydrate: read since")
		}
		return maxID, nil
	}

	// No snapshot, or a corrupt (<= 2 byte) one: full replay from id 0.
	var maxID int64
	rows, errFn := st.ReadAll(ctx, roomID)
	for rec := range rows {
		if err := doc.ApplyRemote(rec.Update); err != nil {
			return 0, errors.Wrapf(err, "hydrate: apply update %d", rec.ID)
		}
		if rec.ID > maxID {
			maxID = rec.ID
		}
	}
	if err := errFn(); err != nil {
		return 0, errors.Wrap(err, "hydrate: read all")
	}
	return maxID, nil
}
