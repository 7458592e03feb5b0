package query

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/histvault/internal/models"
)

func mockBuilder(t *testing.T) (*Builder, sqlmock.Sqlmock) {
	t.Helper()
	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { raw.Close() })
	return &Builder{
		db:       sqlx.NewDb(raw, "sqlmock"),
		log:      zerolog.Nop(),
		symCache: make(map[string]uint32),
	}, mock
}

func symbolRows(pairs ...any) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{"raw_symbol", "instrument_id"})
	for i := 0; i < len(pairs); i += 2 {
		rows.AddRow(pairs[i], pairs[i+1])
	}
	return rows
}

func TestResolveSymbolsCachesLookups(t *testing.T) {
	b, mock := mockBuilder(t)

	mock.ExpectQuery("SELECT DISTINCT ON \\(raw_symbol\\)").
		WillReturnRows(symbolRows("ESH4", int64(42), "NQH4", int64(43)))

	resolved, err := b.ResolveSymbols(context.Background(), []string{"ESH4", "NQH4"})
	require.NoError(t, err)
	assert.Equal(t, map[string]uint32{"ESH4": 42, "NQH4": 43}, resolved)

	// Second resolution hits the cache; no further query is expected.
	resolved, err = b.ResolveSymbols(context.Background(), []string{"ESH4", "NQH4"})
	require.NoError(t, err)
	assert.Equal(t, uint32(42), resolved["ESH4"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResolveSymbolsReportsAllUnresolved(t *testing.T) {
	b, mock := mockBuilder(t)

	mock.ExpectQuery("SELECT DISTINCT ON \\(raw_symbol\\)").
		WillReturnRows(symbolRows("ESH4", int64(42)))

	_, err := b.ResolveSymbols(context.Background(), []string{"ZZZ9", "ESH4", "AAA1"})
	require.Error(t, err)

	var resErr *SymbolResolutionError
	require.ErrorAs(t, err, &resErr)
	assert.Equal(t, []string{"AAA1", "ZZZ9"}, resErr.Unresolved, "sorted, complete list")
}

func TestQueryOHLCVShape(t *testing.T) {
	b, mock := mockBuilder(t)
	b.symCache["ESH4"] = 42

	mock.ExpectQuery(`FROM ohlcv_daily WHERE instrument_id = ANY\(\$1\) AND ts_event >= \$2 AND ts_event < \$3 AND granularity = \$4 ORDER BY instrument_id, ts_event DESC`).
		WillReturnRows(sqlmock.NewRows([]string{
			"instrument_id", "ts_event", "granularity",
			"open_price", "high_price", "low_price", "close_price", "volume",
		}).AddRow(
			int64(42), time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), "1d",
			"4810.25", "4825.00", "4800.50", "4820.75", int64(100),
		))

	rows, err := b.Query(context.Background(), models.SchemaOHLCV1D, Params{
		Symbols: []string{"ESH4"},
		Start:   time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		End:     time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	recs, err := rows.Collect()
	require.NoError(t, err)
	require.Len(t, recs, 1)

	barRec, ok := recs[0].(models.OHLCVBar)
	require.True(t, ok)
	assert.Equal(t, uint32(42), barRec.InstrumentID)
	assert.Equal(t, "1d", barRec.Granularity)
	assert.True(t, barRec.Open.Equal(decimal.RequireFromString("4810.25")))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQueryAscendingWithLimit(t *testing.T) {
	b, mock := mockBuilder(t)
	b.symCache["ESH4"] = 42

	mock.ExpectQuery(`FROM trades WHERE instrument_id = ANY\(\$1\) AND ts_event >= \$2 AND ts_event < \$3 ORDER BY instrument_id, ts_event ASC LIMIT \$4`).
		WillReturnRows(sqlmock.NewRows([]string{
			"instrument_id", "ts_event", "ts_recv", "price", "size", "side", "sequence",
		}))

	rows, err := b.Query(context.Background(), models.SchemaTrades, Params{
		Symbols:   []string{"ESH4"},
		Start:     time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		End:       time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC),
		Limit:     500,
		Ascending: true,
	})
	require.NoError(t, err)

	recs, err := rows.Collect()
	require.NoError(t, err)
	assert.Empty(t, recs)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQueryUnresolvedSymbolFailsBeforeScan(t *testing.T) {
	b, mock := mockBuilder(t)

	mock.ExpectQuery("SELECT DISTINCT ON \\(raw_symbol\\)").WillReturnRows(symbolRows())

	_, err := b.Query(context.Background(), models.SchemaTrades, Params{
		Symbols: []string{"NOPE"},
		Start:   time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		End:     time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC),
	})
	var resErr *SymbolResolutionError
	require.ErrorAs(t, err, &resErr)
	assert.NoError(t, mock.ExpectationsWereMet(), "no table scan on resolution failure")
}

func TestAvailableSymbols(t *testing.T) {
	b, mock := mockBuilder(t)

	mock.ExpectQuery("SELECT DISTINCT raw_symbol FROM definitions").
		WillReturnRows(sqlmock.NewRows([]string{"raw_symbol"}).AddRow("ESH4").AddRow("NQH4"))

	symbols, err := b.AvailableSymbols(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"ESH4", "NQH4"}, symbols)
}
