package index

import (
	"context"
	"database/sql"
	"strings"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAccessor is an in-memory stand-in for *sqlx.DB, used so Record and
// Forget can be exercised without a live Postgres connection. KnownIDs
// goes through *sqlx.Rows directly and isn't covered here.
type fakeAccessor struct {
	rows map[string]bool
	fail error
}

func (f *fakeAccessor) QueryxContext(context.Context, string, ...interface{}) (*sqlx.Rows, error) {
	return nil, fakeError("QueryxContext not supported by fakeAccessor")
}

func (f *fakeAccessor) ExecContext(_ context.Context, query string, args ...interface{}) (sql.Result, error) {
	if f.fail != nil {
		return nil, f.fail
	}
	id := args[0].(string)
	switch {
	case strings.Contains(query, "INSERT"):
		f.rows[id] = true
	case strings.Contains(query, "DELETE"):
		delete(f.rows, id)
	}
	return driverResult{}, nil
}

type driverResult struct{}

func (driverResult) LastInsertId() (int64, error) { return 0, nil }
func (driverResult) RowsAffected() (int64, error) { return 1, nil }

type fakeError string

func (e fakeError) Error() string { return string(e) }

func TestRecordAndForget(t *testing.T) {
	fa := &fakeAccessor{rows: map[string]bool{}}
	idx := New(fa)

	require.NoError(t, idx.Record(context.Background(), "abc123", "drone-pipeline", time.Now()))
	assert.True(t, fa.rows["abc123"])

	require.NoError(t, idx.Forget(context.Background(), "abc123"))
	assert.False(t, fa.rows["abc123"])
}

func TestRecordPropagatesError(t *testing.T) {
	fa := &fakeAccessor{rows: map[string]bool{}, fail: fakeError("boom")}
	idx := New(fa)
	err := idx.Record(context.Background(), "abc123", "drone-pipeline", time.Now())
	assert.Error(t, err)
}
