// Package index implements a sqlx/lib/pq-backed catalogue of known
// workflow IDs that speeds up Store.List/Recover over a large run area.
package index

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/cyverse-de/workflow-engine/common"
)

var log = common.Log

// Accessor is the subset of *sqlx.DB (or a transaction) the index needs,
// so tests can substitute a fake without a live Postgres connection.
type Accessor interface {
	QueryxContext(ctx context.Context, query string, args ...interface{}) (*sqlx.Rows, error)
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// Schema is the DDL for the single table the index uses. Callers are
// expected to apply it themselves (e.g. via a migration).
const Schema = `
CREATE TABLE IF NOT EXISTS workflow_index (
	id text PRIMARY KEY,
	template_name text NOT NULL,
	started_at timestamptz NOT NULL,
	status text NOT NULL DEFAULT 'submitted'
)`

// Index records and recalls the set of known workflow IDs.
type Index struct {
	db Accessor
}

// New returns an Index backed by db.
func New(db Accessor) *Index {
	return &Index{db: db}
}

// Record inserts (or, on a resubmitted ID, ignores) one workflow's index
// row. It is additive only: no existing row is ever rewritten.
func (i *Index) Record(ctx context.Context, id, templateName string, startedAt time.Time) error {
	const stmt = `
		INSERT INTO workflow_index (id, template_name, started_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO NOTHING
	`
	_, err := i.db.ExecContext(ctx, stmt, id, templateName, startedAt)
	if err != nil {
		return errors.Wrapf(err, "recording workflow %q in index", id)
	}
	return nil
}

// Forget removes id's row, called after a successful Delete so the index
// doesn't outlive the on-disk workflow it was standing in for.
func (i *Index) Forget(ctx context.Context, id string) error {
	const stmt = `DELETE FROM workflow_index WHERE id = $1`
	_, err := i.db.ExecContext(ctx, stmt, id)
	if err != nil {
		return errors.Wrapf(err, "forgetting workflow %q in index", id)
	}
	return nil
}

// KnownIDs returns every ID the index currently holds, in no particular
// order; the caller (store.Store.List) is responsible for confirming
// each still has a live workflow directory.
func (i *Index) KnownIDs(ctx context.Context) ([]string, error) {
	const stmt = `SELECT id FROM workflow_index`
	rows, err := i.db.QueryxContext(ctx, stmt)
	if err != nil {
		return nil, errors.Wrap(err, "listing indexed workflow ids")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			log.Warnf("skipping unreadable index row: %v", err)
			continue
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
