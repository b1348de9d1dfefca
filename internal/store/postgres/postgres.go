// Package postgres provides the Postgres-backed UpdateStore, grounded in
// element-hq-dendrite's storage/postgres convention of opening *sql.DB with
// lib/pq and handing it to the shared SQL implementation.
package postgres

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq" // postgres driver
	"github.com/pkg/errors"

	"github.com/Polqt/collabdoc/internal/store"
	"github.com/Polqt/collabdoc/internal/store/sqlstore"
)

// Open connects to dsn, ensures the schema exists, and returns an
// store.UpdateStore backed by Postgres.
func Open(ctx context.Context, dsn string) (store.UpdateStore, *sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, nil, errors.Wrap(err, "postgres: open")
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, nil, errors.Wrap(err, "postgres: ping")
	}
	if err := sqlstore.EnsureSchema(ctx, db); err != nil {
		return nil, nil, err
	}
	ph := func(i int) string { return fmt.Sprintf("$%d", i) }
	// Two processes can legitimately run independent Room actors for the
	// same room_id (spec.md:57/:90) and call Append concurrently; take a
	// per-room transaction-scoped advisory lock before Append reads MAX(id)
	// so the second writer blocks instead of racing the first and failing
	// the (room_id, id) primary key.
	lock := func(ctx context.Context, tx *sql.Tx, roomID string) error {
		_, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", roomID)
		return err
	}
	return sqlstore.New(db, ph, lock), db, nil
}
