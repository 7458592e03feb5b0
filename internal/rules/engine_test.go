package rules

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/histvault/internal/errs"
	"github.com/sawpanic/histvault/internal/models"
)

type fakeSource struct {
	model  string
	fields map[string]any
}

func (f fakeSource) Model() string          { return f.model }
func (f fakeSource) Fields() map[string]any { return f.fields }

func writeMapping(t *testing.T, doc string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mapping.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))
	return path
}

const ohlcvMapping = `
mappings:
  - source_model: OhlcvMsg
    target_schema: ohlcv-1d
    field_mappings:
      instrument_id: instrument_id
      ts_event: ts_event
      open_price: open
      high_price: high
      low_price: low
      close_price: close
      volume: volume
    type_conversions:
      open_price: { to: decimal, scale_exp: -9 }
      high_price: { to: decimal, scale_exp: -9 }
      low_price: { to: decimal, scale_exp: -9 }
      close_price: { to: decimal, scale_exp: -9 }
    validation_rules:
      - name: high_ge_low
        expr: high_price >= low_price
        severity: error
        message: high must be >= low
`

func ohlcvSource(open, high, low, closePx int64) fakeSource {
	return fakeSource{
		model: "OhlcvMsg",
		fields: map[string]any{
			"instrument_id": uint32(42),
			"ts_event":      int64(1709251200000000000), // 2024-03-01T00:00:00Z
			"open":          open,
			"high":          high,
			"low":           low,
			"close":         closePx,
			"volume":        uint64(10),
		},
	}
}

func TestTransformScalesFixedPoint(t *testing.T) {
	engine, err := Load(writeMapping(t, ohlcvMapping))
	require.NoError(t, err)

	res := engine.TransformRecord(models.SchemaOHLCV1D, ohlcvSource(4810250000000, 4825000000000, 4800500000000, 4820750000000))
	require.NoError(t, res.Err)
	require.False(t, res.Dropped)

	open := res.Fields["open_price"].(decimal.Decimal)
	assert.True(t, open.Equal(decimal.RequireFromString("4810.25")), "got %s", open)

	ev := res.Fields["ts_event"].(time.Time)
	assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), ev)
}

func TestTransformOHLCVVariantFallsBackToDaily(t *testing.T) {
	engine, err := Load(writeMapping(t, ohlcvMapping))
	require.NoError(t, err)

	res := engine.TransformRecord(models.SchemaOHLCV1M, ohlcvSource(1, 2, 1, 2))
	require.NoError(t, res.Err)
}

func TestTransformBatchKeepsOrderAndIsolatesFailures(t *testing.T) {
	engine, err := Load(writeMapping(t, ohlcvMapping))
	require.NoError(t, err)

	srcs := []SourceRecord{
		ohlcvSource(1000000000, 2000000000, 500000000, 1500000000),
		fakeSource{model: "WrongMsg", fields: map[string]any{}},
		ohlcvSource(3000000000, 4000000000, 2500000000, 3500000000),
	}
	results, err := engine.TransformBatch(models.SchemaOHLCV1D, srcs)
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.NoError(t, results[0].Err)
	require.Error(t, results[1].Err)
	var tr *errs.Transform
	assert.ErrorAs(t, results[1].Err, &tr)
	assert.NoError(t, results[2].Err)
}

func TestTransformDropWhen(t *testing.T) {
	doc := `
mappings:
  - source_model: TradeMsg
    target_schema: trades
    field_mappings:
      instrument_id: instrument_id
      ts_event: ts_event
      price: price
      size: size
      sequence: sequence
    type_conversions:
      price: { to: decimal, scale_exp: -9 }
    defaults:
      side: N
    drop_when: size == 0
`
	engine, err := Load(writeMapping(t, doc))
	require.NoError(t, err)

	src := fakeSource{model: "TradeMsg", fields: map[string]any{
		"instrument_id": uint32(1),
		"ts_event":      int64(1709251200000000000),
		"price":         int64(1000000000),
		"size":          uint64(0),
		"sequence":      uint32(1),
	}}
	res := engine.TransformRecord(models.SchemaTrades, src)
	assert.True(t, res.Dropped)

	src.fields["size"] = uint64(5)
	res = engine.TransformRecord(models.SchemaTrades, src)
	require.NoError(t, res.Err)
	assert.False(t, res.Dropped)
	assert.Equal(t, "N", res.Fields["side"], "default fills the unmapped field")
}

func TestTransformConditionalFirstMatchWins(t *testing.T) {
	doc := `
mappings:
  - source_model: StatMsg
    target_schema: statistics
    field_mappings:
      instrument_id: instrument_id
      ts_event: ts_event
      stat_type: stat_type
      update_action: update_action
      price: price
      quantity: quantity
    type_conversions:
      price: { to: decimal, scale_exp: -9 }
    conditional_mappings:
      - when: stat_type == 6
        then:
          price:
            expression: "null"
      - when: stat_type >= 6
        then:
          quantity:
            literal: -1
`
	engine, err := Load(writeMapping(t, doc))
	require.NoError(t, err)

	src := fakeSource{model: "StatMsg", fields: map[string]any{
		"instrument_id": uint32(1),
		"ts_event":      int64(1709251200000000000),
		"stat_type":     uint16(6),
		"update_action": uint8(1),
		"price":         int64(5000000000),
		"quantity":      int64(100),
	}}
	res := engine.TransformRecord(models.SchemaStatistics, src)
	require.NoError(t, res.Err)

	// First conditional matched; the second must not also apply.
	assert.Nil(t, res.Fields["price"])
	assert.Equal(t, int64(100), res.Fields["quantity"])
}

func TestTransformNaiveTimestampWarns(t *testing.T) {
	doc := `
mappings:
  - source_model: DefMsg
    target_schema: definition
    field_mappings:
      instrument_id: instrument_id
      ts_event: ts_event
      raw_symbol: raw_symbol
      instrument_class: instrument_class
      exchange: exchange
      asset: asset
      activation: activation
      expiration: expiration
      min_price_increment: min_price_increment
      contract_multiplier: contract_multiplier
    type_conversions:
      expiration: { to: utc_datetime, tz_default: America/Chicago }
      min_price_increment: { to: decimal }
      contract_multiplier: { to: decimal }
`
	engine, err := Load(writeMapping(t, doc))
	require.NoError(t, err)

	src := fakeSource{model: "DefMsg", fields: map[string]any{
		"instrument_id":       uint32(1),
		"ts_event":            int64(1709251200000000000),
		"raw_symbol":          "ESH4",
		"instrument_class":    "FUT",
		"exchange":            "XCME",
		"asset":               "ES",
		"activation":          int64(1686873600000000000),
		"expiration":          "2024-03-15 08:30:00",
		"min_price_increment": "0.25",
		"contract_multiplier": "50",
	}}
	res := engine.TransformRecord(models.SchemaDefinitions, src)
	require.NoError(t, res.Err)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "coerced to UTC")

	exp := res.Fields["expiration"].(time.Time)
	// 08:30 Chicago is 13:30 or 14:30 UTC depending on DST; March 15 is CDT.
	assert.Equal(t, time.Date(2024, 3, 15, 13, 30, 0, 0, time.UTC), exp)
}

func TestLoadRejectsBadDocuments(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"unknown target field", `
mappings:
  - source_model: M
    target_schema: trades
    field_mappings:
      nonsense_field: price
`},
		{"unknown schema", `
mappings:
  - source_model: M
    target_schema: quotes
    field_mappings:
      price: price
`},
		{"ambiguous field mapping", `
mappings:
  - source_model: M
    target_schema: trades
    field_mappings:
      price:
        source_field: price
        literal: 1
`},
		{"duplicate schema", `
mappings:
  - source_model: M
    target_schema: trades
    field_mappings:
      price: price
  - source_model: M2
    target_schema: trades
    field_mappings:
      price: price
`},
		{"bad expression", `
mappings:
  - source_model: M
    target_schema: trades
    field_mappings:
      price: price
    drop_when: "size =="
`},
		{"unknown severity", `
mappings:
  - source_model: M
    target_schema: trades
    field_mappings:
      price: price
    validation_rules:
      - name: r1
        expr: price > 0
        severity: fatal
`},
		{"unknown yaml key", `
mappings:
  - source_model: M
    target_schema: trades
    field_mapping_typo:
      price: price
`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeMapping(t, tt.doc))
			require.Error(t, err)
			var ce *errs.Config
			assert.ErrorAs(t, err, &ce)
		})
	}
}

func TestMappingForMissingSchema(t *testing.T) {
	engine, err := Load(writeMapping(t, ohlcvMapping))
	require.NoError(t, err)
	_, err = engine.MappingFor(models.SchemaTrades)
	assert.Error(t, err)
}
