// Package sqlite provides the SQLite-backed UpdateStore, used for
// single-process deployments and tests, mirroring element-hq-dendrite's
// storage/sqlite3 backend alongside its Postgres counterpart.
package sqlite

import (
	"context"
	"database/sql"

	_ "github.com/mattn/go-sqlite3" // sqlite driver
	"github.com/pkg/errors"

	"github.com/Polqt/collabdoc/internal/store"
	"github.com/Polqt/collabdoc/internal/store/sqlstore"
)

// Open opens (creating if absent) the sqlite database at dsn, ensures the
// schema exists, and returns a store.UpdateStore backed by it.
func Open(ctx context.Context, dsn string) (store.UpdateStore, *sql.DB, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, nil, errors.Wrap(err, "sqlite: open")
	}
	// SQLite serializes writers at the connection-pool level; the room
	// actor already serializes writes per room, but multiple rooms still
	// share one file, so cap to a single writer connection.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		return nil, nil, errors.Wrap(err, "sqlite: ping")
	}
	if err := sqlstore.EnsureSchema(ctx, db); err != nil {
		return nil, nil, err
	}
	ph := func(int) string { return "?" }
	// The capped single connection above already serializes every
	// transaction against this database, so Append's read-max-then-insert
	// sequence can never race with itself here; no advisory lock needed.
	noLock := func(context.Context, *sql.Tx, string) error { return nil }
	return sqlstore.New(db, ph, noLock), db, nil
}
