// Package sqlstore implements store.UpdateStore once against database/sql,
// parameterized over the placeholder syntax so the postgres and sqlite
// subpackages can each supply their own driver and DSN. Grounded in
// element-hq-dendrite's storage/postgres + storage/sqlite3 split, which
// shares SQL shape across two drivers behind one storage interface.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/Polqt/collabdoc/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS collab_updates (
	room_id TEXT NOT NULL,
	id      INTEGER NOT NULL,
	update_bytes BYTEA NOT NULL,
	meta_bytes   BYTEA,
	ts TIMESTAMP NOT NULL,
	PRIMARY KEY (room_id, id)
);

CREATE TABLE IF NOT EXISTS collab_snapshots (
	room_id TEXT PRIMARY KEY,
	snapshot_bytes BYTEA NOT NULL,
	last_update_id INTEGER NOT NULL,
	ts TIMESTAMP NOT NULL
);
`

// Placeholder renders the i'th (1-based) bind parameter for the target
// driver: "$1".."$N" for postgres, "?" repeated for sqlite.
type Placeholder func(i int) string

// AdvisoryLock serializes Append's read-max-then-insert sequence against
// other processes appending to the same room, inside the already-open tx.
// spec.md:57/:90 describes a multi-process deployment where each process
// runs its own Room actor for a given room and only coordinates through the
// NATS backplane — so two processes can legitimately call Append for the
// same room_id concurrently, and under default (read-committed) isolation
// both can read the same MAX(id) and one loses the (room_id, id) primary
// key race. Postgres supplies pg_advisory_xact_lock; sqlite's connection
// pool is capped at 1 (sqlite.Open), which already serializes every
// transaction, so its Open wires a no-op.
type AdvisoryLock func(ctx context.Context, tx *sql.Tx, roomID string) error

type sqlStore struct {
	db   *sql.DB
	ph   Placeholder
	lock AdvisoryLock
}

// New wraps db as a store.UpdateStore using ph to render bind parameters
// and lock to serialize concurrent Append calls for the same room. Callers
// (postgres.Open, sqlite.Open) are responsible for opening db with the
// right driver and applying the schema via EnsureSchema.
func New(db *sql.DB, ph Placeholder, lock AdvisoryLock) store.UpdateStore {
	return &sqlStore{db: db, ph: ph, lock: lock}
}

// EnsureSchema creates the updates/snapshots tables if absent. Safe to call
// on every startup; doubles as the `migrate` CLI subcommand's action.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, schema)
	return errors.Wrap(err, "sqlstore: ensure schema")
}

func (s *sqlStore) q(query string, n int) string {
	ph := make([]interface{}, n)
	for i := 0; i < n; i++ {
		ph[i] = s.ph(i + 1)
	}
	return fmt.Sprintf(query, ph...)
}

func (s *sqlStore) Append(ctx context.Context, roomID string, updateBytes, metaBytes []byte) (int64, error) {
	var id int64
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(err, "sqlstore: begin append tx")
	}
	defer tx.Rollback() //nolint:errcheck

	if err := s.lock(ctx, tx, roomID); err != nil {
		return 0, errors.Wrap(err, "sqlstore: acquire room lock")
	}

	// The snapshot's last_update_id is a floor too: the log is only pruned up
	// to a saved snapshot, so ids keep increasing after it is pruned empty.
	row := tx.QueryRowContext(ctx, s.q(`SELECT COALESCE(MAX(id), 0) FROM (
		SELECT MAX(id) AS id FROM collab_updates WHERE room_id = %s
		UNION ALL
		SELECT last_update_id FROM collab_snapshots WHERE room_id = %s) AS ids`, 2), roomID, roomID)
	var maxID int64
	if err := row.Scan(&maxID); err != nil {
		return 0, errors.Wrap(err, "sqlstore: scan max id")
	}
	id = maxID + 1

	_, err = tx.ExecContext(ctx,
		s.q("INSERT INTO collab_updates (room_id, id, update_bytes, meta_bytes, ts) VALUES (%s, %s, %s, %s, %s)", 5),
		roomID, id, updateBytes, metaBytes, time.Now().UTC(),
	)
	if err != nil {
		return 0, errors.Wrap(err, "sqlstore: insert update")
	}
	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(err, "sqlstore: commit append tx")
	}
	return id, nil
}

func (s *sqlStore) stream(ctx context.Context, query string, args ...interface{}) (<-chan store.UpdateRecord, func() error) {
	out := make(chan store.UpdateRecord)
	var streamErr error

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		close(out)
		return out, func() error { return errors.Wrap(err, "sqlstore: query") }
	}

	go func() {
		defer close(out)
		defer rows.Close()
		for rows.Next() {
			var rec store.UpdateRecord
			if err := rows.Scan(&rec.ID, &rec.Update, &rec.Meta, &rec.Timestamp); err != nil {
				streamErr = errors.Wrap(err, "sqlstore: scan update row")
				return
			}
			select {
			case out <- rec:
			case <-ctx.Done():
				streamErr = ctx.Err()
				return
			}
		}
		if err := rows.Err(); err != nil {
			streamErr = errors.Wrap(err, "sqlstore: row iteration")
		}
	}()

	return out, func() error { return streamErr }
}

func (s *sqlStore) ReadAll(ctx context.Context, roomID string) (<-chan store.UpdateRecord, func() error) {
	return s.stream(ctx,
		s.q("SELECT id, update_bytes, meta_bytes, ts FROM collab_updates WHERE room_id = %s ORDER BY id ASC", 1),
		roomID)
}

func (s *sqlStore) ReadSince(ctx context.Context, roomID string, lastInclusiveID int64) (<-chan store.UpdateRecord, func() error) {
	return s.stream(ctx,
		s.q("SELECT id, update_bytes, meta_bytes, ts FROM collab_updates WHERE room_id = %s AND id > %s ORDER BY id ASC", 2),
		roomID, lastInclusiveID)
}

func (s *sqlStore) GetMaxID(ctx context.Context, roomID string) (int64, error) {
	row := s.db.QueryRowContext(ctx, s.q("SELECT COALESCE(MAX(id), 0) FROM collab_updates WHERE room_id = %s", 1), roomID)
	var maxID int64
	if err := row.Scan(&maxID); err != nil {
		return 0, errors.Wrap(err, "sqlstore: get max id")
	}
	return maxID, nil
}

func (s *sqlStore) GetSnapshot(ctx context.Context, roomID string) (store.SnapshotRecord, error) {
	row := s.db.QueryRowContext(ctx,
		s.q("SELECT room_id, snapshot_bytes, last_update_id, ts FROM collab_snapshots WHERE room_id = %s", 1),
		roomID)
	var rec store.SnapshotRecord
	if err := row.Scan(&rec.RoomID, &rec.Snapshot, &rec.LastUpdateID, &rec.Timestamp); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.SnapshotRecord{}, store.ErrNoSnapshot
		}
		return store.SnapshotRecord{}, errors.Wrap(err, "sqlstore: get snapshot")
	}
	return rec, nil
}

func (s *sqlStore) UpsertSnapshot(ctx context.Context, roomID string, snapshotBytes []byte, lastUpdateID int64) error {
	if len(snapshotBytes) <= 2 {
		return store.ErrSnapshotTooSmall
	}
	_, err := s.db.ExecContext(ctx,
		s.q(`INSERT INTO collab_snapshots (room_id, snapshot_bytes, last_update_id, ts) VALUES (%s, %s, %s, %s)
		     ON CONFLICT (room_id) DO UPDATE SET
		       snapshot_bytes = excluded.snapshot_bytes,
		       last_update_id = excluded.last_update_id,
		       ts = excluded.ts`, 4),
		roomID, snapshotBytes, lastUpdateID, time.Now().UTC())
	return errors.Wrap(err, "sqlstore: upsert snapshot")
}

func (s *sqlStore) PruneBefore(ctx context.Context, roomID string, lastUpdateID int64) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		s.q("DELETE FROM collab_updates WHERE room_id = %s AND id <= %s", 2),
		roomID, lastUpdateID)
	if err != nil {
		return 0, errors.Wrap(err, "sqlstore: prune")
	}
	n, err := res.RowsAffected()
	return n, errors.Wrap(err, "sqlstore: prune rows affected")
}
