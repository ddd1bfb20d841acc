package sqlite_test

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/cloacina-io/cloacina/internal/cloaerr"
	"github.com/cloacina-io/cloacina/internal/ids"
	"github.com/cloacina-io/cloacina/internal/store/sqlite"
)

// These tests exercise query construction and error translation without
// a live database: go-sqlmock intercepts the *sql.DB sqlite.New wraps,
// letting each case assert on the exact SQL and on Scan/RowsAffected
// error paths that are awkward to provoke against a real file.

func TestGetPipeline_QueryErrorIsNotTranslatedToErrNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	id := ids.NewID()
	mock.ExpectQuery(`SELECT id, name, version, status, tenant, started_at, completed_at, error\s+FROM pipeline_executions WHERE id = \?`).
		WithArgs(id).
		WillReturnError(sqlmock.ErrCancelled)

	st := sqlite.New(db)
	_, err = st.GetPipeline(context.Background(), id)
	require.Error(t, err)
	require.NotErrorIs(t, err, cloaerr.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetPipeline_ScansNoRowsAsNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	id := ids.NewID()
	mock.ExpectQuery(`SELECT id, name, version, status, tenant, started_at, completed_at, error\s+FROM pipeline_executions WHERE id = \?`).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "version", "status", "tenant", "started_at", "completed_at", "error"}))

	st := sqlite.New(db)
	_, err = st.GetPipeline(context.Background(), id)
	require.ErrorIs(t, err, cloaerr.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCleanupEvents_DryRunCountsWithoutDeleting(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	cutoff := time.Now()
	mock.ExpectQuery(`SELECT count\(\*\) FROM execution_events WHERE created_at < \?`).
		WithArgs(cutoff).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(42)))

	st := sqlite.New(db)
	n, err := st.CleanupEvents(context.Background(), cutoff, true)
	require.NoError(t, err)
	require.Equal(t, int64(42), n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCleanupEvents_DeletesAndReturnsRowsAffected(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	cutoff := time.Now()
	mock.ExpectExec(`DELETE FROM execution_events WHERE created_at < \?`).
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 7))

	st := sqlite.New(db)
	n, err := st.CleanupEvents(context.Background(), cutoff, false)
	require.NoError(t, err)
	require.Equal(t, int64(7), n)
	require.NoError(t, mock.ExpectationsWereMet())
}
