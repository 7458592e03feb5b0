package models

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Record is the canonical form every schema-specific type satisfies.
// Records are immutable value objects once built; the pipeline never
// mutates a record after construction.
type Record interface {
	Schema() Schema
	EventTime() time.Time
	Instrument() uint32
	// NaturalKey is a deterministic string form of the schema's uniqueness
	// tuple, used in logs and quarantine entries. The database enforces the
	// real constraint.
	NaturalKey() string
	// Fields exposes every canonical field by name, nulls included. The
	// rule engine and validator evaluate expressions against this view.
	Fields() map[string]any
}

// Side tags the aggressor of a trade: A (ask/sell), B (bid/buy), N (none).
// The empty value means the venue did not report a side.
type Side string

const (
	SideAsk  Side = "A"
	SideBid  Side = "B"
	SideNone Side = "N"
)

// ParseSide validates a side code from vendor data.
func ParseSide(s string) (Side, error) {
	switch Side(s) {
	case SideAsk, SideBid, SideNone, "":
		return Side(s), nil
	}
	return "", fmt.Errorf("invalid side %q (want A, B, N or empty)", s)
}

// StatType enumerates the venue statistics the vendor publishes. Values
// follow the vendor's wire encoding.
type StatType uint16

const (
	StatOpeningPrice     StatType = 1
	StatIndicativeOpen   StatType = 2
	StatSettlementPrice  StatType = 3
	StatTradingSessionLo StatType = 4
	StatTradingSessionHi StatType = 5
	StatClearedVolume    StatType = 6
	StatLowestOffer      StatType = 7
	StatHighestBid       StatType = 8
	StatOpenInterest     StatType = 9
	StatFixingPrice      StatType = 10
)

var statTypeNames = map[StatType]string{
	StatOpeningPrice:     "opening_price",
	StatIndicativeOpen:   "indicative_opening_price",
	StatSettlementPrice:  "settlement_price",
	StatTradingSessionLo: "trading_session_low_price",
	StatTradingSessionHi: "trading_session_high_price",
	StatClearedVolume:    "cleared_volume",
	StatLowestOffer:      "lowest_offer",
	StatHighestBid:       "highest_bid",
	StatOpenInterest:     "open_interest",
	StatFixingPrice:      "fixing_price",
}

func (t StatType) String() string {
	if name, ok := statTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("stat_type(%d)", uint16(t))
}

// Valid reports whether the value is one of the published statistic kinds.
func (t StatType) Valid() bool {
	_, ok := statTypeNames[t]
	return ok
}

// UpdateAction for statistics rows: 1 adds/overwrites, 2 deletes.
type UpdateAction uint8

const (
	UpdateActionNew    UpdateAction = 1
	UpdateActionDelete UpdateAction = 2
)

// Valid reports whether the action is a known wire value.
func (a UpdateAction) Valid() bool {
	return a == UpdateActionNew || a == UpdateActionDelete
}

// OHLCVBar is one aggregate bar. Granularity comes from the schema the bar
// was fetched under, not from the vendor payload.
type OHLCVBar struct {
	InstrumentID uint32          `db:"instrument_id" json:"instrument_id"`
	TsEvent      time.Time       `db:"ts_event" json:"ts_event"`
	Granularity  string          `db:"granularity" json:"granularity"`
	Open         decimal.Decimal `db:"open_price" json:"open_price"`
	High         decimal.Decimal `db:"high_price" json:"high_price"`
	Low          decimal.Decimal `db:"low_price" json:"low_price"`
	Close        decimal.Decimal `db:"close_price" json:"close_price"`
	Volume       uint64          `db:"volume" json:"volume"`
}

func (b OHLCVBar) Schema() Schema {
	switch b.Granularity {
	case "1h":
		return SchemaOHLCV1H
	case "1m":
		return SchemaOHLCV1M
	}
	return SchemaOHLCV1D
}

func (b OHLCVBar) EventTime() time.Time { return b.TsEvent }
func (b OHLCVBar) Instrument() uint32   { return b.InstrumentID }

func (b OHLCVBar) NaturalKey() string {
	return fmt.Sprintf("%d|%s|%s", b.InstrumentID, b.TsEvent.UTC().Format(time.RFC3339Nano), b.Granularity)
}

func (b OHLCVBar) Fields() map[string]any {
	return map[string]any{
		"instrument_id": b.InstrumentID,
		"ts_event":      b.TsEvent,
		"granularity":   b.Granularity,
		"open_price":    b.Open,
		"high_price":    b.High,
		"low_price":     b.Low,
		"close_price":   b.Close,
		"volume":        b.Volume,
	}
}

// Trade is a single execution.
type Trade struct {
	InstrumentID uint32          `db:"instrument_id" json:"instrument_id"`
	TsEvent      time.Time       `db:"ts_event" json:"ts_event"`
	TsRecv       sql.NullTime    `db:"ts_recv" json:"ts_recv,omitempty"`
	Price        decimal.Decimal `db:"price" json:"price"`
	Size         uint64          `db:"size" json:"size"`
	Side         Side            `db:"side" json:"side"`
	Sequence     uint32          `db:"sequence" json:"sequence"`
}

func (t Trade) Schema() Schema       { return SchemaTrades }
func (t Trade) EventTime() time.Time { return t.TsEvent }
func (t Trade) Instrument() uint32   { return t.InstrumentID }

func (t Trade) NaturalKey() string {
	return fmt.Sprintf("%d|%s|%d|%s|%d|%s",
		t.InstrumentID, t.TsEvent.UTC().Format(time.RFC3339Nano), t.Sequence, t.Price, t.Size, t.Side)
}

func (t Trade) Fields() map[string]any {
	return map[string]any{
		"instrument_id": t.InstrumentID,
		"ts_event":      t.TsEvent,
		"ts_recv":       nullTimeField(t.TsRecv),
		"price":         t.Price,
		"size":          t.Size,
		"side":          string(t.Side),
		"sequence":      t.Sequence,
	}
}

// TBBO couples a trade with the top-of-book quote in effect when it
// printed. Either side of the book may be absent.
type TBBO struct {
	InstrumentID uint32              `db:"instrument_id" json:"instrument_id"`
	TsEvent      time.Time           `db:"ts_event" json:"ts_event"`
	TsRecv       sql.NullTime        `db:"ts_recv" json:"ts_recv,omitempty"`
	Price        decimal.Decimal     `db:"price" json:"price"`
	Size         uint64              `db:"size" json:"size"`
	Side         Side                `db:"side" json:"side"`
	Sequence     uint32              `db:"sequence" json:"sequence"`
	BidPx        decimal.NullDecimal `db:"bid_px_00" json:"bid_px_00,omitempty"`
	AskPx        decimal.NullDecimal `db:"ask_px_00" json:"ask_px_00,omitempty"`
	BidSz        sql.NullInt64       `db:"bid_sz_00" json:"bid_sz_00,omitempty"`
	AskSz        sql.NullInt64       `db:"ask_sz_00" json:"ask_sz_00,omitempty"`
}

func (q TBBO) Schema() Schema       { return SchemaTBBO }
func (q TBBO) EventTime() time.Time { return q.TsEvent }
func (q TBBO) Instrument() uint32   { return q.InstrumentID }

func (q TBBO) NaturalKey() string {
	return fmt.Sprintf("%d|%s|%d", q.InstrumentID, q.TsEvent.UTC().Format(time.RFC3339Nano), q.Sequence)
}

func (q TBBO) Fields() map[string]any {
	return map[string]any{
		"instrument_id": q.InstrumentID,
		"ts_event":      q.TsEvent,
		"ts_recv":       nullTimeField(q.TsRecv),
		"price":         q.Price,
		"size":          q.Size,
		"side":          string(q.Side),
		"sequence":      q.Sequence,
		"bid_px_00":     nullDecimalField(q.BidPx),
		"ask_px_00":     nullDecimalField(q.AskPx),
		"bid_sz_00":     nullInt64Field(q.BidSz),
		"ask_sz_00":     nullInt64Field(q.AskSz),
	}
}

// Statistic is one venue-published statistic row.
type Statistic struct {
	InstrumentID uint32              `db:"instrument_id" json:"instrument_id"`
	TsEvent      time.Time           `db:"ts_event" json:"ts_event"`
	TsRecv       sql.NullTime        `db:"ts_recv" json:"ts_recv,omitempty"`
	StatType     StatType            `db:"stat_type" json:"stat_type"`
	UpdateAction UpdateAction        `db:"update_action" json:"update_action"`
	Price        decimal.NullDecimal `db:"price" json:"price,omitempty"`
	Quantity     sql.NullInt64       `db:"quantity" json:"quantity,omitempty"`
}

func (s Statistic) Schema() Schema       { return SchemaStatistics }
func (s Statistic) EventTime() time.Time { return s.TsEvent }
func (s Statistic) Instrument() uint32   { return s.InstrumentID }

func (s Statistic) NaturalKey() string {
	return fmt.Sprintf("%d|%s|%d|%d",
		s.InstrumentID, s.TsEvent.UTC().Format(time.RFC3339Nano), s.StatType, s.UpdateAction)
}

func (s Statistic) Fields() map[string]any {
	return map[string]any{
		"instrument_id": s.InstrumentID,
		"ts_event":      s.TsEvent,
		"ts_recv":       nullTimeField(s.TsRecv),
		"stat_type":     uint16(s.StatType),
		"update_action": uint8(s.UpdateAction),
		"price":         nullDecimalField(s.Price),
		"quantity":      nullInt64Field(s.Quantity),
	}
}

// Definition describes one instrument as of ts_event. Leg fields are only
// populated for spread/strategy instruments (LegCount > 0).
type Definition struct {
	InstrumentID       uint32              `db:"instrument_id" json:"instrument_id"`
	TsEvent            time.Time           `db:"ts_event" json:"ts_event"`
	RawSymbol          string              `db:"raw_symbol" json:"raw_symbol"`
	InstrumentClass    string              `db:"instrument_class" json:"instrument_class"`
	Exchange           string              `db:"exchange" json:"exchange"`
	Asset              string              `db:"asset" json:"asset"`
	Activation         time.Time           `db:"activation" json:"activation"`
	Expiration         time.Time           `db:"expiration" json:"expiration"`
	MinPriceIncrement  decimal.Decimal     `db:"min_price_increment" json:"min_price_increment"`
	ContractMultiplier decimal.Decimal     `db:"contract_multiplier" json:"contract_multiplier"`
	StrikePrice        decimal.NullDecimal `db:"strike_price" json:"strike_price,omitempty"`
	LegCount           uint32              `db:"leg_count" json:"leg_count"`
	LegIndex           sql.NullInt64       `db:"leg_index" json:"leg_index,omitempty"`
	LegInstrumentID    sql.NullInt64       `db:"leg_instrument_id" json:"leg_instrument_id,omitempty"`
	LegRawSymbol       sql.NullString      `db:"leg_raw_symbol" json:"leg_raw_symbol,omitempty"`
	LegSide            sql.NullString      `db:"leg_side" json:"leg_side,omitempty"`
}

func (d Definition) Schema() Schema       { return SchemaDefinitions }
func (d Definition) EventTime() time.Time { return d.TsEvent }
func (d Definition) Instrument() uint32   { return d.InstrumentID }

func (d Definition) NaturalKey() string {
	return fmt.Sprintf("%d|%s", d.InstrumentID, d.TsEvent.UTC().Format(time.RFC3339Nano))
}

func (d Definition) Fields() map[string]any {
	return map[string]any{
		"instrument_id":       d.InstrumentID,
		"ts_event":            d.TsEvent,
		"raw_symbol":          d.RawSymbol,
		"instrument_class":    d.InstrumentClass,
		"exchange":            d.Exchange,
		"asset":               d.Asset,
		"activation":          d.Activation,
		"expiration":          d.Expiration,
		"min_price_increment": d.MinPriceIncrement,
		"contract_multiplier": d.ContractMultiplier,
		"strike_price":        nullDecimalField(d.StrikePrice),
		"leg_count":           d.LegCount,
		"leg_index":           nullInt64Field(d.LegIndex),
		"leg_instrument_id":   nullInt64Field(d.LegInstrumentID),
		"leg_raw_symbol":      nullStringField(d.LegRawSymbol),
		"leg_side":            nullStringField(d.LegSide),
	}
}

// Nullable wrappers collapse to untyped nil in Fields() so expression
// evaluation sees absent values as null rather than as zero values.

func nullTimeField(v sql.NullTime) any {
	if !v.Valid {
		return nil
	}
	return v.Time
}

func nullDecimalField(v decimal.NullDecimal) any {
	if !v.Valid {
		return nil
	}
	return v.Decimal
}

func nullInt64Field(v sql.NullInt64) any {
	if !v.Valid {
		return nil
	}
	return v.Int64
}

func nullStringField(v sql.NullString) any {
	if !v.Valid {
		return nil
	}
	return v.String
}
