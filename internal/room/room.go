package room

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/Polqt/collabdoc/internal/crdt"
	"github.com/Polqt/collabdoc/internal/hydrate"
	"github.com/Polqt/collabdoc/internal/log"
	"github.com/Polqt/collabdoc/internal/metrics"
	"github.com/Polqt/collabdoc/internal/store"
)

// PostSnapshotHook is called after a successful UpsertSnapshot. spec.md §9
// leaves its trigger semantics (links_updated broadcast, embedding
// recompute) as an open question entangled with content-hash comparisons
// this repo doesn't model; Room exposes the hook point and calls it
// unconditionally on every successful snapshot, and leaves "decide when to
// actually act" to the hook implementation.
type PostSnapshotHook func(roomID string)

// writeJob is one admitted mutation queued to a room's single writer.
type writeJob struct {
	ctx             context.Context
	updateBytes     []byte
	metaBytes       []byte
	originSessionID string
	result          chan error
}

// Room is the in-memory tuple spec.md §3 describes: a CRDT replica plus its
// Hub registration and persisted updates/snapshot. It is the sole writer of
// its Doc — all mutations funnel through its write queue so
// apply+append+broadcast stays atomic with respect to other writers on the
// same room (spec.md §5, §9's "actor pattern is preferred").
type Room struct {
	ID  string
	Doc *crdt.Document

	hub   *Hub
	store store.UpdateStore
	log   zerolog.Logger

	writes chan writeJob
	done   chan struct{}

	snapshotIntervalSeconds int
	snapshotAfterEditCount  int
	postSnapshotHook        PostSnapshotHook

	editsSinceSnapshot int
	lastSnapshotAt     time.Time
	lastAppliedID      int64
}

// newRoom constructs a Room; callers (Manager) are responsible for running
// Hydrate before any writer submits to it.
func newRoom(id string, st store.UpdateStore, hub *Hub, nodeID string, snapshotIntervalSeconds, snapshotAfterEditCount int, hook PostSnapshotHook) *Room {
	rm := &Room{
		ID:                      id,
		Doc:                     crdt.NewDocument(nodeID),
		hub:                     hub,
		store:                   st,
		log:                     log.WithRoom("room", id),
		writes:                  make(chan writeJob, 64),
		done:                    make(chan struct{}),
		snapshotIntervalSeconds: snapshotIntervalSeconds,
		snapshotAfterEditCount:  snapshotAfterEditCount,
		postSnapshotHook:        hook,
		lastSnapshotAt:          time.Now(),
	}
	go rm.run()
	return rm
}

// run is the room actor's loop: it serializes writes against the single
// writes channel and, independent of whether any write arrives, periodically
// checks the snapshot thresholds so a room with edits pending but no further
// writes still gets checkpointed (the periodic sweep original_source/'s
// test_sync_snapshot_task.py exercises, decoupled from the per-disconnect
// checkpoint).
func (rm *Room) run() {
	var tick <-chan time.Time
	if rm.snapshotIntervalSeconds > 0 {
		ticker := time.NewTicker(time.Duration(rm.snapshotIntervalSeconds) * time.Second)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case job := <-rm.writes:
			job.result <- rm.process(job)
		case <-tick:
			if rm.editsSinceSnapshot > 0 {
				rm.trySnapshot(context.Background())
			}
		case <-rm.done:
			return
		}
	}
}

// process applies, persists, and broadcasts one write in that order: the
// append happens before the broadcast so peers never observe an update the
// persisted log lacks, and a storage failure never results in a broadcast
// of an unpersisted update (spec.md §5's ordering guarantee,
// strengthened slightly from §4.5's descriptive apply/broadcast/persist
// listing — see DESIGN.md).
func (rm *Room) process(job writeJob) error {
	if err := rm.Doc.ApplyRemote(job.updateBytes); err != nil {
		return err
	}
	id, err := rm.store.Append(job.ctx, rm.ID, job.updateBytes, job.metaBytes)
	if err != nil {
		rm.log.Error().Err(err).Msg("append failed, write rejected")
		return err
	}
	rm.lastAppliedID = id
	metrics.UpdatesAppended.WithLabelValues(rm.ID).Inc()

	rm.hub.Broadcast(job.ctx, rm.ID, job.updateBytes, job.originSessionID)

	rm.editsSinceSnapshot++
	if rm.editsSinceSnapshot >= rm.snapshotAfterEditCount ||
		time.Since(rm.lastSnapshotAt) >= time.Duration(rm.snapshotIntervalSeconds)*time.Second {
		rm.trySnapshot(job.ctx)
	}
	return nil
}

// SubmitWrite enqueues an admitted mutation and waits for it to be applied,
// persisted, and broadcast.
func (rm *Room) SubmitWrite(ctx context.Context, updateBytes, metaBytes []byte, originSessionID string) error {
	job := writeJob{ctx: ctx, updateBytes: updateBytes, metaBytes: metaBytes, originSessionID: originSessionID, result: make(chan error, 1)}
	select {
	case rm.writes <- job:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-job.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// trySnapshot encodes the document and persists it iff non-trivial
// (spec.md §4.4's hard invariant). Storage failure is logged and skipped,
// never fatal (spec.md §7 StorageTransient). Reports whether a snapshot was
// saved.
func (rm *Room) trySnapshot(ctx context.Context) bool {
	snap, err := rm.Doc.Encode()
	if err != nil {
		rm.log.Error().Err(err).Msg("encode snapshot failed")
		return false
	}
	if len(snap) <= 2 {
		return false // empty document; never snapshot (spec.md §4.4, §8 invariant 1)
	}
	if err := rm.store.UpsertSnapshot(ctx, rm.ID, snap, rm.lastAppliedID); err != nil {
		rm.log.Warn().Err(err).Msg("snapshot save failed, will retry later")
		return false
	}
	rm.editsSinceSnapshot = 0
	rm.lastSnapshotAt = time.Now()
	metrics.SnapshotsWritten.WithLabelValues(rm.ID).Inc()
	if rm.postSnapshotHook != nil {
		rm.postSnapshotHook(rm.ID)
	}
	return true
}

// Checkpoint is called by Manager when the last session leaves: it forces a
// snapshot attempt regardless of the interval/edit-count thresholds, then,
// if that snapshot was saved, optionally prunes the log up to it.
func (rm *Room) Checkpoint(ctx context.Context, prune bool) {
	saved := rm.trySnapshot(ctx)
	if prune && saved && rm.lastAppliedID > 0 {
		if n, err := rm.store.PruneBefore(ctx, rm.ID, rm.lastAppliedID); err != nil {
			rm.log.Warn().Err(err).Msg("prune failed")
		} else if n > 0 {
			rm.log.Info().Int64("pruned", n).Msg("pruned updates before snapshot")
		}
	}
}

// Shutdown stops the room's writer goroutine.
func (rm *Room) Shutdown() { close(rm.done) }

// hydrateFromStore populates rm.Doc from storage (spec.md §4.4). Must run before any
// session is admitted to the room.
func (rm *Room) hydrateFromStore(ctx context.Context) error {
	maxID, err := hydrate.Hydrate(ctx, rm.store, rm.ID, rm.Doc)
	if err != nil {
		return err
	}
	rm.lastAppliedID = maxID
	return nil
}
