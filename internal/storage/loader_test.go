package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/histvault/internal/errs"
	"github.com/sawpanic/histvault/internal/models"
)

func mockDB(t *testing.T) (*DB, sqlmock.Sqlmock) {
	t.Helper()
	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { raw.Close() })
	return &DB{pool: sqlx.NewDb(raw, "sqlmock"), log: zerolog.Nop()}, mock
}

func trade(seq uint32) models.Trade {
	return models.Trade{
		InstrumentID: 42,
		TsEvent:      time.Date(2024, 3, 1, 14, 30, 0, 0, time.UTC),
		Price:        decimal.RequireFromString("4810.25"),
		Size:         3,
		Side:         models.SideAsk,
		Sequence:     seq,
	}
}

func TestBuildInsertQueryShape(t *testing.T) {
	spec, err := specFor(models.SchemaTrades)
	require.NoError(t, err)

	query, args, err := buildInsert([]models.Record{trade(1), trade(2)}, spec)
	require.NoError(t, err)

	want := "INSERT INTO trades (instrument_id, ts_event, ts_recv, price, size, side, sequence) " +
		"VALUES ($1, $2, $3, $4, $5, $6, $7), ($8, $9, $10, $11, $12, $13, $14) " +
		"ON CONFLICT (instrument_id, ts_event, sequence, price, size, side) DO NOTHING"
	assert.Equal(t, want, query)
	require.Len(t, args, 14)
	assert.Equal(t, int64(42), args[0], "uint32 narrows to bigint")
	assert.Nil(t, args[2], "unset ts_recv binds NULL")
}

func TestLoadReportsDuplicatesFromRowsAffected(t *testing.T) {
	db, mock := mockDB(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO trades").WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	loader := NewLoader(db)
	res, err := loader.Load(context.Background(), []models.Record{trade(1), trade(2), trade(3)}, models.SchemaTrades)
	require.NoError(t, err)
	assert.Equal(t, LoadResult{Attempted: 3, Inserted: 2, SkippedDuplicate: 1}, res)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadEmptyBatchIsNoOp(t *testing.T) {
	db, mock := mockDB(t)

	loader := NewLoader(db)
	res, err := loader.Load(context.Background(), nil, models.SchemaTrades)
	require.NoError(t, err)
	assert.Equal(t, LoadResult{}, res)
	assert.NoError(t, mock.ExpectationsWereMet(), "no round trip for an empty batch")
}

func TestLoadSplitsBatchesOverParameterCeiling(t *testing.T) {
	db, mock := mockDB(t)

	spec, err := specFor(models.SchemaTrades)
	require.NoError(t, err)
	maxRows := maxInsertParams / len(spec.columns)

	batch := make([]models.Record, maxRows+1)
	for i := range batch {
		batch[i] = trade(uint32(i))
	}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO trades").WillReturnResult(sqlmock.NewResult(0, int64(maxRows)))
	mock.ExpectCommit()
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO trades").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	res, err := NewLoader(db).Load(context.Background(), batch, models.SchemaTrades)
	require.NoError(t, err)
	assert.Equal(t, maxRows+1, res.Attempted)
	assert.Equal(t, maxRows+1, res.Inserted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadRollsBackAndClassifiesInsertFailure(t *testing.T) {
	db, mock := mockDB(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO trades").WillReturnError(&pq.Error{Code: "40001", Message: "serialization failure"})
	mock.ExpectRollback()

	_, err := NewLoader(db).Load(context.Background(), []models.Record{trade(1)}, models.SchemaTrades)
	require.Error(t, err)
	assert.True(t, errs.IsTransient(err), "serialization failures must be retryable")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClassifyPgError(t *testing.T) {
	transientCodes := []pq.ErrorCode{"40001", "40P01", "57P03", "53300", "08006", "08003"}
	for _, code := range transientCodes {
		err := classifyPgError(fmt.Errorf("insert: %w", &pq.Error{Code: code}))
		assert.True(t, errs.IsTransient(err), "code %s", code)
	}

	unique := classifyPgError(fmt.Errorf("insert: %w", &pq.Error{Code: "23505"}))
	assert.False(t, errs.IsTransient(unique), "constraint violations are terminal")

	refused := classifyPgError(errors.New("dial tcp 127.0.0.1:5432: connection refused"))
	assert.True(t, errs.IsTransient(refused))

	other := classifyPgError(errors.New("syntax error"))
	assert.False(t, errs.IsTransient(other))
}
