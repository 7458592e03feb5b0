package adapter

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/sawpanic/histvault/internal/errs"
	"github.com/sawpanic/histvault/internal/models"
)

// Typed vendor records, one per schema. Field names and encodings follow
// the vendor's wire format: timestamps are integer nanoseconds since the
// epoch, prices are 1e-9 fixed-point integers. The rule engine's mapping
// documents translate these shapes into canonical records; nothing
// outside this package depends on vendor field names.
//
// Each type implements rules.SourceRecord. Fields() must include every
// field, nulls included, so "is null" mapping rules see absent values.

// OhlcvMsg is one vendor aggregate bar.
type OhlcvMsg struct {
	InstrumentID uint32 `json:"instrument_id"`
	TsEvent      int64  `json:"ts_event"`
	Open         int64  `json:"open"`
	High         int64  `json:"high"`
	Low          int64  `json:"low"`
	Close        int64  `json:"close"`
	Volume       uint64 `json:"volume"`
}

func (m OhlcvMsg) Model() string { return "OhlcvMsg" }

func (m OhlcvMsg) Fields() map[string]any {
	return map[string]any{
		"instrument_id": m.InstrumentID,
		"ts_event":      m.TsEvent,
		"open":          m.Open,
		"high":          m.High,
		"low":           m.Low,
		"close":         m.Close,
		"volume":        m.Volume,
	}
}

// TradeMsg is one vendor trade print.
type TradeMsg struct {
	InstrumentID uint32  `json:"instrument_id"`
	TsEvent      int64   `json:"ts_event"`
	TsRecv       *int64  `json:"ts_recv"`
	Price        int64   `json:"price"`
	Size         uint64  `json:"size"`
	Side         *string `json:"side"`
	Sequence     uint32  `json:"sequence"`
}

func (m TradeMsg) Model() string { return "TradeMsg" }

func (m TradeMsg) Fields() map[string]any {
	return map[string]any{
		"instrument_id": m.InstrumentID,
		"ts_event":      m.TsEvent,
		"ts_recv":       derefInt64(m.TsRecv),
		"price":         m.Price,
		"size":          m.Size,
		"side":          derefString(m.Side),
		"sequence":      m.Sequence,
	}
}

// TbboMsg couples a trade with the prevailing top of book. Book sides may
// be absent when one side of the market was empty.
type TbboMsg struct {
	InstrumentID uint32  `json:"instrument_id"`
	TsEvent      int64   `json:"ts_event"`
	TsRecv       *int64  `json:"ts_recv"`
	Price        int64   `json:"price"`
	Size         uint64  `json:"size"`
	Side         *string `json:"side"`
	Sequence     uint32  `json:"sequence"`
	BidPx        *int64  `json:"bid_px_00"`
	AskPx        *int64  `json:"ask_px_00"`
	BidSz        *uint64 `json:"bid_sz_00"`
	AskSz        *uint64 `json:"ask_sz_00"`
}

func (m TbboMsg) Model() string { return "TbboMsg" }

func (m TbboMsg) Fields() map[string]any {
	return map[string]any{
		"instrument_id": m.InstrumentID,
		"ts_event":      m.TsEvent,
		"ts_recv":       derefInt64(m.TsRecv),
		"price":         m.Price,
		"size":          m.Size,
		"side":          derefString(m.Side),
		"sequence":      m.Sequence,
		"bid_px_00":     derefInt64(m.BidPx),
		"ask_px_00":     derefInt64(m.AskPx),
		"bid_sz_00":     derefUint64(m.BidSz),
		"ask_sz_00":     derefUint64(m.AskSz),
	}
}

// StatMsg is one venue statistic.
type StatMsg struct {
	InstrumentID uint32 `json:"instrument_id"`
	TsEvent      int64  `json:"ts_event"`
	TsRecv       *int64 `json:"ts_recv"`
	StatType     uint16 `json:"stat_type"`
	UpdateAction uint8  `json:"update_action"`
	Price        *int64 `json:"price"`
	Quantity     *int64 `json:"quantity"`
}

func (m StatMsg) Model() string { return "StatMsg" }

func (m StatMsg) Fields() map[string]any {
	return map[string]any{
		"instrument_id": m.InstrumentID,
		"ts_event":      m.TsEvent,
		"ts_recv":       derefInt64(m.TsRecv),
		"stat_type":     m.StatType,
		"update_action": m.UpdateAction,
		"price":         derefInt64(m.Price),
		"quantity":      derefInt64(m.Quantity),
	}
}

// InstrumentDefMsg describes one instrument.
type InstrumentDefMsg struct {
	InstrumentID       uint32  `json:"instrument_id"`
	TsEvent            int64   `json:"ts_event"`
	RawSymbol          string  `json:"raw_symbol"`
	InstrumentClass    string  `json:"instrument_class"`
	Exchange           string  `json:"exchange"`
	Asset              string  `json:"asset"`
	Activation         int64   `json:"activation"`
	Expiration         int64   `json:"expiration"`
	MinPriceIncrement  int64   `json:"min_price_increment"`
	ContractMultiplier int64   `json:"contract_multiplier"`
	StrikePrice        *int64  `json:"strike_price"`
	LegCount           uint32  `json:"leg_count"`
	LegIndex           *int64  `json:"leg_index"`
	LegInstrumentID    *int64  `json:"leg_instrument_id"`
	LegRawSymbol       *string `json:"leg_raw_symbol"`
	LegSide            *string `json:"leg_side"`
}

func (m InstrumentDefMsg) Model() string { return "InstrumentDefMsg" }

func (m InstrumentDefMsg) Fields() map[string]any {
	return map[string]any{
		"instrument_id":       m.InstrumentID,
		"ts_event":            m.TsEvent,
		"raw_symbol":          m.RawSymbol,
		"instrument_class":    m.InstrumentClass,
		"exchange":            m.Exchange,
		"asset":               m.Asset,
		"activation":          m.Activation,
		"expiration":          m.Expiration,
		"min_price_increment": m.MinPriceIncrement,
		"contract_multiplier": m.ContractMultiplier,
		"strike_price":        derefInt64(m.StrikePrice),
		"leg_count":           m.LegCount,
		"leg_index":           derefInt64(m.LegIndex),
		"leg_instrument_id":   derefInt64(m.LegInstrumentID),
		"leg_raw_symbol":      derefString(m.LegRawSymbol),
		"leg_side":            derefString(m.LegSide),
	}
}

// decodeRecord instantiates one wire line as the typed record for the
// schema. Failures are schema-mismatch errors: the record quarantines and
// the stream continues.
func decodeRecord(schema models.Schema, line []byte) (VendorRecord, error) {
	var (
		rec VendorRecord
		err error
	)
	switch {
	case schema.IsOHLCV():
		var m OhlcvMsg
		err = strictUnmarshal(line, &m)
		rec = m
	case schema == models.SchemaTrades:
		var m TradeMsg
		err = strictUnmarshal(line, &m)
		rec = m
	case schema == models.SchemaTBBO:
		var m TbboMsg
		err = strictUnmarshal(line, &m)
		rec = m
	case schema == models.SchemaStatistics:
		var m StatMsg
		err = strictUnmarshal(line, &m)
		rec = m
	case schema == models.SchemaDefinitions:
		var m InstrumentDefMsg
		err = strictUnmarshal(line, &m)
		rec = m
	default:
		return nil, fmt.Errorf("no vendor record type for schema %s", schema)
	}
	if err != nil {
		return nil, &errs.SchemaMismatch{Schema: string(schema), Reason: err.Error()}
	}
	return rec, nil
}

func strictUnmarshal(line []byte, out any) error {
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.DisallowUnknownFields()
	return dec.Decode(out)
}

func derefInt64(p *int64) any {
	if p == nil {
		return nil
	}
	return *p
}

func derefUint64(p *uint64) any {
	if p == nil {
		return nil
	}
	return *p
}

func derefString(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}
