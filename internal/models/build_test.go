package models

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ts(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestBuildOHLCV(t *testing.T) {
	fields := map[string]any{
		"instrument_id": uint32(42),
		"ts_event":      ts("2024-03-01T00:00:00Z"),
		"open_price":    decimal.RequireFromString("4810.25"),
		"high_price":    decimal.RequireFromString("4825.00"),
		"low_price":     decimal.RequireFromString("4800.50"),
		"close_price":   decimal.RequireFromString("4820.75"),
		"volume":        uint64(123456),
	}

	rec, err := Build(SchemaOHLCV1H, fields)
	require.NoError(t, err)

	bar, ok := rec.(OHLCVBar)
	require.True(t, ok)
	assert.Equal(t, "1h", bar.Granularity)
	assert.Equal(t, SchemaOHLCV1H, bar.Schema())
	assert.Equal(t, uint32(42), bar.Instrument())
	assert.True(t, bar.Open.Equal(decimal.RequireFromString("4810.25")))
	assert.Equal(t, uint64(123456), bar.Volume)
}

func TestBuildOHLCVMissingRequired(t *testing.T) {
	fields := map[string]any{
		"instrument_id": uint32(42),
		"ts_event":      ts("2024-03-01T00:00:00Z"),
		"open_price":    decimal.RequireFromString("1"),
		"high_price":    decimal.RequireFromString("2"),
		"low_price":     decimal.RequireFromString("0.5"),
		// close_price absent
		"volume": uint64(1),
	}

	_, err := Build(SchemaOHLCV1D, fields)
	require.Error(t, err)
	var fe *FieldError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "close_price", fe.Field)
}

func TestBuildOHLCVNullIsMissing(t *testing.T) {
	fields := map[string]any{
		"instrument_id": uint32(1),
		"ts_event":      nil,
		"open_price":    decimal.RequireFromString("1"),
		"high_price":    decimal.RequireFromString("1"),
		"low_price":     decimal.RequireFromString("1"),
		"close_price":   decimal.RequireFromString("1"),
		"volume":        uint64(0),
	}

	_, err := Build(SchemaOHLCV1D, fields)
	var fe *FieldError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "ts_event", fe.Field)
}

func TestBuildTradeOptionalFields(t *testing.T) {
	fields := map[string]any{
		"instrument_id": uint32(7),
		"ts_event":      ts("2024-03-01T14:30:00.000000123Z"),
		"ts_recv":       nil,
		"price":         decimal.RequireFromString("101.5"),
		"size":          uint64(3),
		"side":          nil,
		"sequence":      uint32(900),
	}

	rec, err := Build(SchemaTrades, fields)
	require.NoError(t, err)

	tr := rec.(Trade)
	assert.False(t, tr.TsRecv.Valid)
	assert.Equal(t, Side(""), tr.Side)

	// Null optionals collapse to untyped nil in the field view.
	assert.Nil(t, tr.Fields()["ts_recv"])
}

func TestBuildTradeInvalidSide(t *testing.T) {
	fields := map[string]any{
		"instrument_id": uint32(7),
		"ts_event":      ts("2024-03-01T14:30:00Z"),
		"price":         decimal.RequireFromString("101.5"),
		"size":          uint64(3),
		"side":          "X",
		"sequence":      uint32(900),
	}

	_, err := Build(SchemaTrades, fields)
	var fe *FieldError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "side", fe.Field)
}

func TestBuildTBBOHalfBook(t *testing.T) {
	fields := map[string]any{
		"instrument_id": uint32(9),
		"ts_event":      ts("2024-03-01T14:30:00Z"),
		"price":         decimal.RequireFromString("10"),
		"size":          uint64(1),
		"side":          "B",
		"sequence":      uint32(5),
		"bid_px_00":     nil,
		"ask_px_00":     decimal.RequireFromString("10"),
		"bid_sz_00":     nil,
		"ask_sz_00":     int64(4),
	}

	rec, err := Build(SchemaTBBO, fields)
	require.NoError(t, err)

	q := rec.(TBBO)
	assert.False(t, q.BidPx.Valid)
	assert.True(t, q.AskPx.Valid)
	assert.Nil(t, q.Fields()["bid_px_00"])
	assert.NotNil(t, q.Fields()["ask_px_00"])
}

func TestBuildStatisticRejectsUnknownType(t *testing.T) {
	fields := map[string]any{
		"instrument_id": uint32(9),
		"ts_event":      ts("2024-03-01T00:00:00Z"),
		"stat_type":     uint32(99),
		"update_action": uint32(1),
	}

	_, err := Build(SchemaStatistics, fields)
	var fe *FieldError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "stat_type", fe.Field)
}

func TestBuildDefinitionLegDefaults(t *testing.T) {
	fields := map[string]any{
		"instrument_id":       uint32(100),
		"ts_event":            ts("2024-01-02T00:00:00Z"),
		"raw_symbol":          "ESH4",
		"instrument_class":    "FUT",
		"exchange":            "XCME",
		"asset":               "ES",
		"activation":          ts("2023-06-16T00:00:00Z"),
		"expiration":          ts("2024-03-15T13:30:00Z"),
		"min_price_increment": decimal.RequireFromString("0.25"),
		"contract_multiplier": decimal.RequireFromString("50"),
	}

	rec, err := Build(SchemaDefinitions, fields)
	require.NoError(t, err)

	def := rec.(Definition)
	assert.Equal(t, uint32(0), def.LegCount)
	assert.False(t, def.StrikePrice.Valid)
	assert.False(t, def.LegRawSymbol.Valid)
}

func TestNaturalKeyDeterministic(t *testing.T) {
	fields := map[string]any{
		"instrument_id": uint32(42),
		"ts_event":      ts("2024-03-01T00:00:00Z"),
		"open_price":    decimal.RequireFromString("1"),
		"high_price":    decimal.RequireFromString("2"),
		"low_price":     decimal.RequireFromString("0.5"),
		"close_price":   decimal.RequireFromString("1.5"),
		"volume":        uint64(10),
	}
	a, err := Build(SchemaOHLCV1D, fields)
	require.NoError(t, err)
	b, err := Build(SchemaOHLCV1D, fields)
	require.NoError(t, err)
	assert.Equal(t, a.NaturalKey(), b.NaturalKey())
	assert.Contains(t, a.NaturalKey(), "1d")
}
