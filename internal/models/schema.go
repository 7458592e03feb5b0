package models

import (
	"fmt"
	"strings"
)

// Schema identifies one of the canonical record families flowing through
// the pipeline. The string values match the vendor's schema naming so job
// configs and mapping documents can use them verbatim.
type Schema string

const (
	SchemaOHLCV1D     Schema = "ohlcv-1d"
	SchemaOHLCV1H     Schema = "ohlcv-1h"
	SchemaOHLCV1M     Schema = "ohlcv-1m"
	SchemaTrades      Schema = "trades"
	SchemaTBBO        Schema = "tbbo"
	SchemaStatistics  Schema = "statistics"
	SchemaDefinitions Schema = "definition"
)

// AllSchemas lists every supported schema in a stable order.
var AllSchemas = []Schema{
	SchemaOHLCV1D,
	SchemaOHLCV1H,
	SchemaOHLCV1M,
	SchemaTrades,
	SchemaTBBO,
	SchemaStatistics,
	SchemaDefinitions,
}

// ParseSchema validates a schema name from config or CLI input.
func ParseSchema(s string) (Schema, error) {
	name := Schema(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range AllSchemas {
		if name == known {
			return known, nil
		}
	}
	return "", fmt.Errorf("unknown schema %q (supported: %s)", s, schemaNames())
}

func schemaNames() string {
	names := make([]string, len(AllSchemas))
	for i, s := range AllSchemas {
		names[i] = string(s)
	}
	return strings.Join(names, ", ")
}

// IsOHLCV reports whether the schema is one of the bar aggregates.
func (s Schema) IsOHLCV() bool {
	return s == SchemaOHLCV1D || s == SchemaOHLCV1H || s == SchemaOHLCV1M
}

// Granularity returns the bar interval tag for OHLCV schemas ("1d", "1h",
// "1m") and the empty string for everything else.
func (s Schema) Granularity() string {
	switch s {
	case SchemaOHLCV1D:
		return "1d"
	case SchemaOHLCV1H:
		return "1h"
	case SchemaOHLCV1M:
		return "1m"
	}
	return ""
}

// Table returns the hypertable name the schema persists into.
func (s Schema) Table() string {
	switch s {
	case SchemaOHLCV1D:
		return "ohlcv_daily"
	case SchemaOHLCV1H, SchemaOHLCV1M:
		return "ohlcv_intraday"
	case SchemaTrades:
		return "trades"
	case SchemaTBBO:
		return "tbbo"
	case SchemaStatistics:
		return "statistics"
	case SchemaDefinitions:
		return "definitions"
	}
	return ""
}

// SType is the symbology notation a job's symbols are expressed in.
type SType string

const (
	STypeContinuous SType = "continuous"
	STypeParent     SType = "parent"
	STypeNative     SType = "raw_symbol"
)

// ParseSType accepts both the canonical names and the common aliases used
// in job files.
func ParseSType(s string) (SType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "continuous":
		return STypeContinuous, nil
	case "parent":
		return STypeParent, nil
	case "raw_symbol", "native", "raw":
		return STypeNative, nil
	}
	return "", fmt.Errorf("unknown symbol type %q (continuous, parent, raw_symbol)", s)
}
