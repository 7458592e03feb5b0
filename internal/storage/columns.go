package storage

import (
	"fmt"
	"sort"
	"strings"

	"github.com/sawpanic/histvault/internal/models"
)

// tableSpec is the authoritative contract between canonical records and a
// hypertable: the column each canonical field writes to, in insert order,
// and the natural-key columns backing the uniqueness constraint.
//
// SelfCheck compares these maps against the canonical field registry at
// startup; a canonical field without a column (or a column naming a field
// that does not exist) refuses to start rather than silently dropping
// data at insert time.
type tableSpec struct {
	table   string
	columns []columnMapping
	keyCols []string
}

type columnMapping struct {
	field  string // canonical field name
	column string // database column name
}

var tableSpecs = map[models.Schema]tableSpec{
	models.SchemaOHLCV1D: {
		table: "ohlcv_daily",
		columns: []columnMapping{
			{"instrument_id", "instrument_id"},
			{"ts_event", "ts_event"},
			{"granularity", "granularity"},
			{"open_price", "open_price"},
			{"high_price", "high_price"},
			{"low_price", "low_price"},
			{"close_price", "close_price"},
			{"volume", "volume"},
		},
		keyCols: []string{"instrument_id", "ts_event", "granularity"},
	},
	models.SchemaOHLCV1H: {
		table: "ohlcv_intraday",
		columns: []columnMapping{
			{"instrument_id", "instrument_id"},
			{"ts_event", "ts_event"},
			{"granularity", "granularity"},
			{"open_price", "open_price"},
			{"high_price", "high_price"},
			{"low_price", "low_price"},
			{"close_price", "close_price"},
			{"volume", "volume"},
		},
		keyCols: []string{"instrument_id", "ts_event", "granularity"},
	},
	models.SchemaTrades: {
		table: "trades",
		columns: []columnMapping{
			{"instrument_id", "instrument_id"},
			{"ts_event", "ts_event"},
			{"ts_recv", "ts_recv"},
			{"price", "price"},
			{"size", "size"},
			{"side", "side"},
			{"sequence", "sequence"},
		},
		keyCols: []string{"instrument_id", "ts_event", "sequence", "price", "size", "side"},
	},
	models.SchemaTBBO: {
		table: "tbbo",
		columns: []columnMapping{
			{"instrument_id", "instrument_id"},
			{"ts_event", "ts_event"},
			{"ts_recv", "ts_recv"},
			{"price", "price"},
			{"size", "size"},
			{"side", "side"},
			{"sequence", "sequence"},
			{"bid_px_00", "bid_px_00"},
			{"ask_px_00", "ask_px_00"},
			{"bid_sz_00", "bid_sz_00"},
			{"ask_sz_00", "ask_sz_00"},
		},
		keyCols: []string{"instrument_id", "ts_event", "sequence"},
	},
	models.SchemaStatistics: {
		table: "statistics",
		columns: []columnMapping{
			{"instrument_id", "instrument_id"},
			{"ts_event", "ts_event"},
			{"ts_recv", "ts_recv"},
			{"stat_type", "stat_type"},
			{"update_action", "update_action"},
			{"price", "price"},
			{"quantity", "quantity"},
		},
		keyCols: []string{"instrument_id", "ts_event", "stat_type", "update_action"},
	},
	models.SchemaDefinitions: {
		table: "definitions",
		columns: []columnMapping{
			{"instrument_id", "instrument_id"},
			{"ts_event", "ts_event"},
			{"raw_symbol", "raw_symbol"},
			{"instrument_class", "instrument_class"},
			{"exchange", "exchange"},
			{"asset", "asset"},
			{"activation", "activation"},
			{"expiration", "expiration"},
			{"min_price_increment", "min_price_increment"},
			{"contract_multiplier", "contract_multiplier"},
			{"strike_price", "strike_price"},
			{"leg_count", "leg_count"},
			{"leg_index", "leg_index"},
			{"leg_instrument_id", "leg_instrument_id"},
			{"leg_raw_symbol", "leg_raw_symbol"},
			{"leg_side", "leg_side"},
		},
		keyCols: []string{"instrument_id", "ts_event"},
	},
}

func specFor(schema models.Schema) (tableSpec, error) {
	if schema.IsOHLCV() && schema != models.SchemaOHLCV1D {
		schema = models.SchemaOHLCV1H
	}
	spec, ok := tableSpecs[schema]
	if !ok {
		return tableSpec{}, fmt.Errorf("no table spec for schema %s", schema)
	}
	return spec, nil
}

// SelfCheck verifies at startup that every canonical field of every
// schema has a column mapping and that no mapping references a field the
// registry does not know. Returns every mismatch found.
func SelfCheck() error {
	var problems []string
	for _, schema := range models.AllSchemas {
		spec, err := specFor(schema)
		if err != nil {
			problems = append(problems, err.Error())
			continue
		}
		mapped := make(map[string]bool, len(spec.columns))
		for _, cm := range spec.columns {
			mapped[cm.field] = true
			if !models.IsCanonicalField(schema, cm.field) {
				problems = append(problems,
					fmt.Sprintf("%s: column %q maps unknown canonical field %q", schema, cm.column, cm.field))
			}
		}
		for _, field := range models.CanonicalFields(schema) {
			if !mapped[field] {
				problems = append(problems,
					fmt.Sprintf("%s: canonical field %q has no column mapping", schema, field))
			}
		}
		for _, key := range spec.keyCols {
			if !mapped[key] {
				problems = append(problems,
					fmt.Sprintf("%s: natural-key column %q is not a mapped column", schema, key))
			}
		}
	}
	if len(problems) > 0 {
		sort.Strings(problems)
		return fmt.Errorf("schema-column self-check failed:\n  %s", strings.Join(problems, "\n  "))
	}
	return nil
}
