package models

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// FieldError reports a structural failure while building a canonical
// record: a missing required field, a type mismatch, or an out-of-range
// value. It identifies the field so quarantine entries can point at it.
type FieldError struct {
	Field  string
	Reason string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("field %q: %s", e.Field, e.Reason)
}

func fieldErr(field, format string, args ...any) *FieldError {
	return &FieldError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Build instantiates the typed canonical record for a schema from a field
// map produced by the rule engine. This is the structural validation stage:
// required fields must be present, non-null, and of a coercible type.
// Timestamps must already be UTC; the rule engine normalizes zones before
// records reach here.
func Build(schema Schema, fields map[string]any) (Record, error) {
	switch {
	case schema.IsOHLCV():
		return buildOHLCV(schema, fields)
	case schema == SchemaTrades:
		return buildTrade(fields)
	case schema == SchemaTBBO:
		return buildTBBO(fields)
	case schema == SchemaStatistics:
		return buildStatistic(fields)
	case schema == SchemaDefinitions:
		return buildDefinition(fields)
	}
	return nil, fmt.Errorf("cannot build record for schema %q", schema)
}

func buildOHLCV(schema Schema, f map[string]any) (Record, error) {
	var (
		bar OHLCVBar
		err error
	)
	bar.Granularity = schema.Granularity()
	if bar.InstrumentID, err = reqUint32(f, "instrument_id"); err != nil {
		return nil, err
	}
	if bar.TsEvent, err = reqTime(f, "ts_event"); err != nil {
		return nil, err
	}
	if bar.Open, err = reqDecimal(f, "open_price"); err != nil {
		return nil, err
	}
	if bar.High, err = reqDecimal(f, "high_price"); err != nil {
		return nil, err
	}
	if bar.Low, err = reqDecimal(f, "low_price"); err != nil {
		return nil, err
	}
	if bar.Close, err = reqDecimal(f, "close_price"); err != nil {
		return nil, err
	}
	if bar.Volume, err = reqUint64(f, "volume"); err != nil {
		return nil, err
	}
	return bar, nil
}

func buildTrade(f map[string]any) (Record, error) {
	var (
		tr  Trade
		err error
	)
	if tr.InstrumentID, err = reqUint32(f, "instrument_id"); err != nil {
		return nil, err
	}
	if tr.TsEvent, err = reqTime(f, "ts_event"); err != nil {
		return nil, err
	}
	if tr.TsRecv, err = optTime(f, "ts_recv"); err != nil {
		return nil, err
	}
	if tr.Price, err = reqDecimal(f, "price"); err != nil {
		return nil, err
	}
	if tr.Size, err = reqUint64(f, "size"); err != nil {
		return nil, err
	}
	if tr.Side, err = sideField(f, "side"); err != nil {
		return nil, err
	}
	if tr.Sequence, err = reqUint32(f, "sequence"); err != nil {
		return nil, err
	}
	return tr, nil
}

func buildTBBO(f map[string]any) (Record, error) {
	var (
		q   TBBO
		err error
	)
	if q.InstrumentID, err = reqUint32(f, "instrument_id"); err != nil {
		return nil, err
	}
	if q.TsEvent, err = reqTime(f, "ts_event"); err != nil {
		return nil, err
	}
	if q.TsRecv, err = optTime(f, "ts_recv"); err != nil {
		return nil, err
	}
	if q.Price, err = reqDecimal(f, "price"); err != nil {
		return nil, err
	}
	if q.Size, err = reqUint64(f, "size"); err != nil {
		return nil, err
	}
	if q.Side, err = sideField(f, "side"); err != nil {
		return nil, err
	}
	if q.Sequence, err = reqUint32(f, "sequence"); err != nil {
		return nil, err
	}
	if q.BidPx, err = optDecimal(f, "bid_px_00"); err != nil {
		return nil, err
	}
	if q.AskPx, err = optDecimal(f, "ask_px_00"); err != nil {
		return nil, err
	}
	if q.BidSz, err = optInt64(f, "bid_sz_00"); err != nil {
		return nil, err
	}
	if q.AskSz, err = optInt64(f, "ask_sz_00"); err != nil {
		return nil, err
	}
	return q, nil
}

func buildStatistic(f map[string]any) (Record, error) {
	var (
		st  Statistic
		err error
	)
	if st.InstrumentID, err = reqUint32(f, "instrument_id"); err != nil {
		return nil, err
	}
	if st.TsEvent, err = reqTime(f, "ts_event"); err != nil {
		return nil, err
	}
	if st.TsRecv, err = optTime(f, "ts_recv"); err != nil {
		return nil, err
	}
	statType, err := reqUint32(f, "stat_type")
	if err != nil {
		return nil, err
	}
	st.StatType = StatType(statType)
	if !st.StatType.Valid() {
		return nil, fieldErr("stat_type", "unknown statistic type %d", statType)
	}
	action, err := reqUint32(f, "update_action")
	if err != nil {
		return nil, err
	}
	st.UpdateAction = UpdateAction(action)
	if !st.UpdateAction.Valid() {
		return nil, fieldErr("update_action", "unknown update action %d", action)
	}
	if st.Price, err = optDecimal(f, "price"); err != nil {
		return nil, err
	}
	if st.Quantity, err = optInt64(f, "quantity"); err != nil {
		return nil, err
	}
	return st, nil
}

func buildDefinition(f map[string]any) (Record, error) {
	var (
		d   Definition
		err error
	)
	if d.InstrumentID, err = reqUint32(f, "instrument_id"); err != nil {
		return nil, err
	}
	if d.TsEvent, err = reqTime(f, "ts_event"); err != nil {
		return nil, err
	}
	if d.RawSymbol, err = reqString(f, "raw_symbol"); err != nil {
		return nil, err
	}
	if d.InstrumentClass, err = reqString(f, "instrument_class"); err != nil {
		return nil, err
	}
	if d.Exchange, err = reqString(f, "exchange"); err != nil {
		return nil, err
	}
	if d.Asset, err = reqString(f, "asset"); err != nil {
		return nil, err
	}
	if d.Activation, err = reqTime(f, "activation"); err != nil {
		return nil, err
	}
	if d.Expiration, err = reqTime(f, "expiration"); err != nil {
		return nil, err
	}
	if d.MinPriceIncrement, err = reqDecimal(f, "min_price_increment"); err != nil {
		return nil, err
	}
	if d.ContractMultiplier, err = reqDecimal(f, "contract_multiplier"); err != nil {
		return nil, err
	}
	if d.StrikePrice, err = optDecimal(f, "strike_price"); err != nil {
		return nil, err
	}
	if d.LegCount, err = reqUint32Default(f, "leg_count", 0); err != nil {
		return nil, err
	}
	if d.LegIndex, err = optInt64(f, "leg_index"); err != nil {
		return nil, err
	}
	if d.LegInstrumentID, err = optInt64(f, "leg_instrument_id"); err != nil {
		return nil, err
	}
	if d.LegRawSymbol, err = optString(f, "leg_raw_symbol"); err != nil {
		return nil, err
	}
	if d.LegSide, err = optString(f, "leg_side"); err != nil {
		return nil, err
	}
	return d, nil
}

// coercion helpers

func present(f map[string]any, key string) (any, bool) {
	v, ok := f[key]
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}

func reqDecimal(f map[string]any, key string) (decimal.Decimal, error) {
	v, ok := present(f, key)
	if !ok {
		return decimal.Decimal{}, fieldErr(key, "required field is missing or null")
	}
	d, err := CoerceDecimal(v)
	if err != nil {
		return decimal.Decimal{}, fieldErr(key, "%v", err)
	}
	return d, nil
}

func optDecimal(f map[string]any, key string) (decimal.NullDecimal, error) {
	v, ok := present(f, key)
	if !ok {
		return decimal.NullDecimal{}, nil
	}
	d, err := CoerceDecimal(v)
	if err != nil {
		return decimal.NullDecimal{}, fieldErr(key, "%v", err)
	}
	return decimal.NullDecimal{Decimal: d, Valid: true}, nil
}

func reqTime(f map[string]any, key string) (time.Time, error) {
	v, ok := present(f, key)
	if !ok {
		return time.Time{}, fieldErr(key, "required field is missing or null")
	}
	t, err := CoerceTime(v)
	if err != nil {
		return time.Time{}, fieldErr(key, "%v", err)
	}
	return t, nil
}

func optTime(f map[string]any, key string) (sql.NullTime, error) {
	v, ok := present(f, key)
	if !ok {
		return sql.NullTime{}, nil
	}
	t, err := CoerceTime(v)
	if err != nil {
		return sql.NullTime{}, fieldErr(key, "%v", err)
	}
	return sql.NullTime{Time: t, Valid: true}, nil
}

func reqUint32(f map[string]any, key string) (uint32, error) {
	v, ok := present(f, key)
	if !ok {
		return 0, fieldErr(key, "required field is missing or null")
	}
	n, err := CoerceUint64(v)
	if err != nil {
		return 0, fieldErr(key, "%v", err)
	}
	if n > 1<<32-1 {
		return 0, fieldErr(key, "value %d exceeds uint32 range", n)
	}
	return uint32(n), nil
}

func reqUint32Default(f map[string]any, key string, def uint32) (uint32, error) {
	if _, ok := present(f, key); !ok {
		return def, nil
	}
	return reqUint32(f, key)
}

func reqUint64(f map[string]any, key string) (uint64, error) {
	v, ok := present(f, key)
	if !ok {
		return 0, fieldErr(key, "required field is missing or null")
	}
	n, err := CoerceUint64(v)
	if err != nil {
		return 0, fieldErr(key, "%v", err)
	}
	return n, nil
}

func optInt64(f map[string]any, key string) (sql.NullInt64, error) {
	v, ok := present(f, key)
	if !ok {
		return sql.NullInt64{}, nil
	}
	n, err := CoerceInt64(v)
	if err != nil {
		return sql.NullInt64{}, fieldErr(key, "%v", err)
	}
	return sql.NullInt64{Int64: n, Valid: true}, nil
}

func reqString(f map[string]any, key string) (string, error) {
	v, ok := present(f, key)
	if !ok {
		return "", fieldErr(key, "required field is missing or null")
	}
	s, ok := v.(string)
	if !ok {
		return "", fieldErr(key, "expected string, got %T", v)
	}
	return s, nil
}

func optString(f map[string]any, key string) (sql.NullString, error) {
	v, ok := present(f, key)
	if !ok {
		return sql.NullString{}, nil
	}
	s, ok := v.(string)
	if !ok {
		return sql.NullString{}, fieldErr(key, "expected string, got %T", v)
	}
	return sql.NullString{String: s, Valid: true}, nil
}

func sideField(f map[string]any, key string) (Side, error) {
	v, ok := present(f, key)
	if !ok {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fieldErr(key, "expected string side code, got %T", v)
	}
	side, err := ParseSide(s)
	if err != nil {
		return "", fieldErr(key, "%v", err)
	}
	return side, nil
}
