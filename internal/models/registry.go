package models

// Canonical field sets per schema. These drive mapping-document
// validation (a mapping may only target known fields) and the storage
// layer's startup self-check (every canonical field must have a column).

var canonicalFields = map[Schema][]string{
	SchemaOHLCV1D: {
		"instrument_id", "ts_event", "granularity",
		"open_price", "high_price", "low_price", "close_price", "volume",
	},
	SchemaTrades: {
		"instrument_id", "ts_event", "ts_recv",
		"price", "size", "side", "sequence",
	},
	SchemaTBBO: {
		"instrument_id", "ts_event", "ts_recv",
		"price", "size", "side", "sequence",
		"bid_px_00", "ask_px_00", "bid_sz_00", "ask_sz_00",
	},
	SchemaStatistics: {
		"instrument_id", "ts_event", "ts_recv",
		"stat_type", "update_action", "price", "quantity",
	},
	SchemaDefinitions: {
		"instrument_id", "ts_event",
		"raw_symbol", "instrument_class", "exchange", "asset",
		"activation", "expiration", "min_price_increment", "contract_multiplier",
		"strike_price", "leg_count", "leg_index", "leg_instrument_id",
		"leg_raw_symbol", "leg_side",
	},
}

var optionalFields = map[Schema][]string{
	SchemaTrades:     {"ts_recv", "side"},
	SchemaTBBO:       {"ts_recv", "side", "bid_px_00", "ask_px_00", "bid_sz_00", "ask_sz_00"},
	SchemaStatistics: {"ts_recv", "price", "quantity"},
	SchemaDefinitions: {
		"strike_price", "leg_count", "leg_index", "leg_instrument_id",
		"leg_raw_symbol", "leg_side",
	},
}

// CanonicalFields returns every field of the schema's canonical record,
// required and optional, in declaration order.
func CanonicalFields(s Schema) []string {
	if s.IsOHLCV() {
		s = SchemaOHLCV1D
	}
	fields := canonicalFields[s]
	out := make([]string, len(fields))
	copy(out, fields)
	return out
}

// RequiredFields returns the fields that must be present and non-null for
// a record of the schema to build.
func RequiredFields(s Schema) []string {
	if s.IsOHLCV() {
		s = SchemaOHLCV1D
	}
	opt := make(map[string]bool)
	for _, f := range optionalFields[s] {
		opt[f] = true
	}
	var out []string
	for _, f := range canonicalFields[s] {
		if !opt[f] {
			out = append(out, f)
		}
	}
	return out
}

// IsCanonicalField reports whether name is a field of the schema.
func IsCanonicalField(s Schema, name string) bool {
	for _, f := range CanonicalFields(s) {
		if f == name {
			return true
		}
	}
	return false
}
