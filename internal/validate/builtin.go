package validate

import (
	"fmt"
	"time"

	"github.com/sawpanic/histvault/internal/models"
	"github.com/sawpanic/histvault/internal/rules"
)

// builtinRule is one hard-coded domain invariant. check returns whether
// the record passes and, on failure, a short rendering of the offending
// value for the quarantine entry.
type builtinRule struct {
	name     string
	severity rules.Severity
	message  string
	check    func(models.Record) (bool, string)
}

func builtinRules(schema models.Schema) []builtinRule {
	common := []builtinRule{tsEventUTC}
	switch {
	case schema.IsOHLCV():
		return append(common, ohlcvPricesPositive, ohlcvHighLow, ohlcvOpenCloseInRange)
	case schema == models.SchemaTrades:
		return append(common, tradePricePositive)
	case schema == models.SchemaTBBO:
		return append(common, tradePricePositive, bidNotAboveAsk)
	case schema == models.SchemaStatistics:
		return append(common, statPriceNonNegative)
	case schema == models.SchemaDefinitions:
		return append(common, expirationAfterActivation, tickSizePositive, legFieldsConsistent)
	}
	return common
}

var tsEventUTC = builtinRule{
	name:     "ts_event_utc",
	severity: rules.SeverityError,
	message:  "ts_event must be a timezone-aware UTC timestamp",
	check: func(r models.Record) (bool, string) {
		t := r.EventTime()
		if t.IsZero() || t.Location() != time.UTC {
			return false, t.String()
		}
		return true, ""
	},
}

var ohlcvPricesPositive = builtinRule{
	name:     "ohlcv_prices_positive",
	severity: rules.SeverityError,
	message:  "all four OHLCV prices must be positive",
	check: func(r models.Record) (bool, string) {
		bar, ok := r.(models.OHLCVBar)
		if !ok {
			return true, ""
		}
		if !bar.Open.IsPositive() || !bar.High.IsPositive() || !bar.Low.IsPositive() || !bar.Close.IsPositive() {
			return false, fmt.Sprintf("open=%s high=%s low=%s close=%s", bar.Open, bar.High, bar.Low, bar.Close)
		}
		return true, ""
	},
}

var ohlcvHighLow = builtinRule{
	name:     "high_ge_low",
	severity: rules.SeverityError,
	message:  "high_price must be >= low_price",
	check: func(r models.Record) (bool, string) {
		bar, ok := r.(models.OHLCVBar)
		if !ok {
			return true, ""
		}
		if bar.High.LessThan(bar.Low) {
			return false, fmt.Sprintf("high=%s low=%s", bar.High, bar.Low)
		}
		return true, ""
	},
}

var ohlcvOpenCloseInRange = builtinRule{
	name:     "open_close_within_range",
	severity: rules.SeverityError,
	message:  "open_price and close_price must lie within [low_price, high_price]",
	check: func(r models.Record) (bool, string) {
		bar, ok := r.(models.OHLCVBar)
		if !ok {
			return true, ""
		}
		if bar.Open.LessThan(bar.Low) || bar.Open.GreaterThan(bar.High) {
			return false, fmt.Sprintf("open=%s low=%s high=%s", bar.Open, bar.Low, bar.High)
		}
		if bar.Close.LessThan(bar.Low) || bar.Close.GreaterThan(bar.High) {
			return false, fmt.Sprintf("close=%s low=%s high=%s", bar.Close, bar.Low, bar.High)
		}
		return true, ""
	},
}

var tradePricePositive = builtinRule{
	name:     "price_non_negative",
	severity: rules.SeverityError,
	message:  "trade price must not be negative",
	check: func(r models.Record) (bool, string) {
		switch rec := r.(type) {
		case models.Trade:
			if rec.Price.IsNegative() {
				return false, rec.Price.String()
			}
		case models.TBBO:
			if rec.Price.IsNegative() {
				return false, rec.Price.String()
			}
		}
		return true, ""
	},
}

var bidNotAboveAsk = builtinRule{
	name:     "bid_le_ask",
	severity: rules.SeverityError,
	message:  "bid_px_00 must not exceed ask_px_00 when both sides are present",
	check: func(r models.Record) (bool, string) {
		q, ok := r.(models.TBBO)
		if !ok {
			return true, ""
		}
		if !q.BidPx.Valid || !q.AskPx.Valid {
			return true, ""
		}
		if q.BidPx.Decimal.GreaterThan(q.AskPx.Decimal) {
			return false, fmt.Sprintf("bid=%s ask=%s", q.BidPx.Decimal, q.AskPx.Decimal)
		}
		return true, ""
	},
}

var statPriceNonNegative = builtinRule{
	name:     "stat_price_non_negative",
	severity: rules.SeverityWarning,
	message:  "statistic price is negative",
	check: func(r models.Record) (bool, string) {
		st, ok := r.(models.Statistic)
		if !ok || !st.Price.Valid {
			return true, ""
		}
		// Some venues publish signed net-change statistics; warn, do not
		// reject.
		if st.Price.Decimal.IsNegative() {
			return false, st.Price.Decimal.String()
		}
		return true, ""
	},
}

var expirationAfterActivation = builtinRule{
	name:     "expiration_after_activation",
	severity: rules.SeverityError,
	message:  "expiration must be after activation",
	check: func(r models.Record) (bool, string) {
		d, ok := r.(models.Definition)
		if !ok {
			return true, ""
		}
		if !d.Expiration.After(d.Activation) {
			return false, fmt.Sprintf("activation=%s expiration=%s", d.Activation, d.Expiration)
		}
		return true, ""
	},
}

var tickSizePositive = builtinRule{
	name:     "min_price_increment_positive",
	severity: rules.SeverityError,
	message:  "min_price_increment must be positive",
	check: func(r models.Record) (bool, string) {
		d, ok := r.(models.Definition)
		if !ok {
			return true, ""
		}
		if !d.MinPriceIncrement.IsPositive() {
			return false, d.MinPriceIncrement.String()
		}
		return true, ""
	},
}

var legFieldsConsistent = builtinRule{
	name:     "leg_fields_consistent",
	severity: rules.SeverityError,
	message:  "leg fields must be present iff leg_count > 0",
	check: func(r models.Record) (bool, string) {
		d, ok := r.(models.Definition)
		if !ok {
			return true, ""
		}
		hasLegs := d.LegIndex.Valid || d.LegInstrumentID.Valid || d.LegRawSymbol.Valid || d.LegSide.Valid
		if d.LegCount > 0 && !hasLegs {
			return false, fmt.Sprintf("leg_count=%d with no leg fields", d.LegCount)
		}
		if d.LegCount == 0 && hasLegs {
			return false, "leg fields present with leg_count=0"
		}
		return true, ""
	},
}
