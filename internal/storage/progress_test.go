package storage

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lockRows(held bool) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(held)
}

func unlockRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"pg_advisory_unlock"}).AddRow(true)
}

func TestTrackerBeginFreshChunk(t *testing.T) {
	db, mock := mockDB(t)

	mock.ExpectQuery("SELECT pg_try_advisory_lock").WillReturnRows(lockRows(true))
	mock.ExpectQuery("SELECT status FROM ingest_progress").WillReturnError(sql.ErrNoRows)
	mock.ExpectExec("INSERT INTO ingest_progress").WillReturnResult(sqlmock.NewResult(0, 1))

	tracker := NewTracker(db)
	prior, err := tracker.Begin(context.Background(), "job", "chunk-1")
	require.NoError(t, err)
	assert.Equal(t, ChunkStatus(""), prior)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTrackerBeginSkipsDoneChunk(t *testing.T) {
	db, mock := mockDB(t)

	mock.ExpectQuery("SELECT pg_try_advisory_lock").WillReturnRows(lockRows(true))
	mock.ExpectQuery("SELECT status FROM ingest_progress").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("done"))
	mock.ExpectQuery("SELECT pg_advisory_unlock").WillReturnRows(unlockRows())

	prior, err := NewTracker(db).Begin(context.Background(), "job", "chunk-1")
	require.NoError(t, err)
	assert.Equal(t, StatusDone, prior, "completed chunks are not reclaimed")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTrackerBeginResumesCrashedChunk(t *testing.T) {
	db, mock := mockDB(t)

	mock.ExpectQuery("SELECT pg_try_advisory_lock").WillReturnRows(lockRows(true))
	mock.ExpectQuery("SELECT status FROM ingest_progress").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("in_progress"))
	mock.ExpectExec("INSERT INTO ingest_progress").WillReturnResult(sqlmock.NewResult(0, 1))

	prior, err := NewTracker(db).Begin(context.Background(), "job", "chunk-1")
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, prior)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTrackerBeginContendedChunk(t *testing.T) {
	db, mock := mockDB(t)

	mock.ExpectQuery("SELECT pg_try_advisory_lock").WillReturnRows(lockRows(false))

	_, err := NewTracker(db).Begin(context.Background(), "job", "chunk-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrChunkLocked))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTrackerFinishReleasesLock(t *testing.T) {
	db, mock := mockDB(t)

	mock.ExpectQuery("SELECT pg_try_advisory_lock").WillReturnRows(lockRows(true))
	mock.ExpectQuery("SELECT status FROM ingest_progress").WillReturnError(sql.ErrNoRows)
	mock.ExpectExec("INSERT INTO ingest_progress").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE ingest_progress").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT pg_advisory_unlock").WillReturnRows(unlockRows())

	tracker := NewTracker(db)
	_, err := tracker.Begin(context.Background(), "job", "chunk-1")
	require.NoError(t, err)
	require.NoError(t, tracker.Finish(context.Background(), "job", "chunk-1", 1234))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTrackerFailRecordsErrorSummary(t *testing.T) {
	db, mock := mockDB(t)

	mock.ExpectQuery("SELECT pg_try_advisory_lock").WillReturnRows(lockRows(true))
	mock.ExpectQuery("SELECT status FROM ingest_progress").WillReturnError(sql.ErrNoRows)
	mock.ExpectExec("INSERT INTO ingest_progress").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE ingest_progress").
		WithArgs("job", "chunk-1", string(StatusFailed), "vendor unreachable").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT pg_advisory_unlock").WillReturnRows(unlockRows())

	tracker := NewTracker(db)
	_, err := tracker.Begin(context.Background(), "job", "chunk-1")
	require.NoError(t, err)
	require.NoError(t, tracker.Fail(context.Background(), "job", "chunk-1", errors.New("vendor unreachable")))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTrackerReleaseKeepsRowInProgress(t *testing.T) {
	db, mock := mockDB(t)

	mock.ExpectQuery("SELECT pg_try_advisory_lock").WillReturnRows(lockRows(true))
	mock.ExpectQuery("SELECT status FROM ingest_progress").WillReturnError(sql.ErrNoRows)
	mock.ExpectExec("INSERT INTO ingest_progress").WillReturnResult(sqlmock.NewResult(0, 1))
	// Release unlocks but issues no row update.
	mock.ExpectQuery("SELECT pg_advisory_unlock").WillReturnRows(unlockRows())

	tracker := NewTracker(db)
	_, err := tracker.Begin(context.Background(), "job", "chunk-1")
	require.NoError(t, err)
	tracker.Release(context.Background(), "job", "chunk-1")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestChunkLockKeyDeterministic(t *testing.T) {
	a := chunkLockKey("job", "chunk-1")
	assert.Equal(t, a, chunkLockKey("job", "chunk-1"))
	assert.NotEqual(t, a, chunkLockKey("job", "chunk-2"))
	assert.NotEqual(t, chunkLockKey("a", "b|c"), chunkLockKey("a|b", "c"))
}
