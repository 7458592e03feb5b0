package models

import (
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Coercions shared by the record builder and the rule engine's type
// conversion layer. Floats are accepted only where the value is exactly
// representable; prices travel as decimals or strings, never as float64
// arithmetic results.

// CoerceDecimal converts a value into a fixed-point decimal.
func CoerceDecimal(v any) (decimal.Decimal, error) {
	switch x := v.(type) {
	case decimal.Decimal:
		return x, nil
	case string:
		d, err := decimal.NewFromString(x)
		if err != nil {
			return decimal.Decimal{}, fmt.Errorf("invalid decimal %q", x)
		}
		return d, nil
	case int:
		return decimal.NewFromInt(int64(x)), nil
	case int8:
		return decimal.NewFromInt(int64(x)), nil
	case int16:
		return decimal.NewFromInt(int64(x)), nil
	case int32:
		return decimal.NewFromInt(int64(x)), nil
	case int64:
		return decimal.NewFromInt(x), nil
	case uint8:
		return decimal.NewFromInt(int64(x)), nil
	case uint16:
		return decimal.NewFromInt(int64(x)), nil
	case uint32:
		return decimal.NewFromInt(int64(x)), nil
	case uint64:
		if x > math.MaxInt64 {
			return decimal.Decimal{}, fmt.Errorf("value %d too large for decimal conversion", x)
		}
		return decimal.NewFromInt(int64(x)), nil
	case float64:
		// JSON numbers decode as float64; go through the string form so
		// 4810.25 stays 4810.25 and not a binary approximation.
		return decimal.NewFromString(strconv.FormatFloat(x, 'f', -1, 64))
	}
	return decimal.Decimal{}, fmt.Errorf("cannot convert %T to decimal", v)
}

// CoerceTime converts a value into a UTC timestamp. Accepted inputs:
// time.Time, RFC 3339 strings, and integer nanoseconds since the epoch
// (the vendor's wire encoding). Zoned inputs are converted to UTC;
// genuinely naive strings are an error here — the rule engine applies
// tz_default coercion before building records.
func CoerceTime(v any) (time.Time, error) {
	switch x := v.(type) {
	case time.Time:
		return x.UTC(), nil
	case string:
		t, err := time.Parse(time.RFC3339Nano, x)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid timestamp %q", x)
		}
		return t.UTC(), nil
	case int64:
		return time.Unix(0, x).UTC(), nil
	case uint64:
		if x > math.MaxInt64 {
			return time.Time{}, fmt.Errorf("timestamp %d out of range", x)
		}
		return time.Unix(0, int64(x)).UTC(), nil
	case float64:
		if x != math.Trunc(x) {
			return time.Time{}, fmt.Errorf("fractional epoch timestamp %v", x)
		}
		return time.Unix(0, int64(x)).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("cannot convert %T to timestamp", v)
}

// CoerceUint64 converts a value into an unsigned integer, rejecting
// negatives and fractional floats.
func CoerceUint64(v any) (uint64, error) {
	switch x := v.(type) {
	case uint64:
		return x, nil
	case uint32:
		return uint64(x), nil
	case uint16:
		return uint64(x), nil
	case uint8:
		return uint64(x), nil
	case int:
		if x < 0 {
			return 0, fmt.Errorf("negative value %d for unsigned field", x)
		}
		return uint64(x), nil
	case int64:
		if x < 0 {
			return 0, fmt.Errorf("negative value %d for unsigned field", x)
		}
		return uint64(x), nil
	case float64:
		if x < 0 || x != math.Trunc(x) {
			return 0, fmt.Errorf("value %v is not a non-negative integer", x)
		}
		return uint64(x), nil
	case string:
		n, err := strconv.ParseUint(x, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid unsigned integer %q", x)
		}
		return n, nil
	case decimal.Decimal:
		if x.IsNegative() || !x.Equal(x.Truncate(0)) {
			return 0, fmt.Errorf("decimal %s is not a non-negative integer", x)
		}
		return uint64(x.IntPart()), nil
	}
	return 0, fmt.Errorf("cannot convert %T to unsigned integer", v)
}

// CoerceInt64 converts a value into a signed integer.
func CoerceInt64(v any) (int64, error) {
	switch x := v.(type) {
	case int64:
		return x, nil
	case int:
		return int64(x), nil
	case int8:
		return int64(x), nil
	case int16:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case uint8:
		return int64(x), nil
	case uint16:
		return int64(x), nil
	case uint32:
		return int64(x), nil
	case uint64:
		if x > math.MaxInt64 {
			return 0, fmt.Errorf("value %d overflows int64", x)
		}
		return int64(x), nil
	case float64:
		if x != math.Trunc(x) {
			return 0, fmt.Errorf("value %v is not an integer", x)
		}
		return int64(x), nil
	case string:
		n, err := strconv.ParseInt(x, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid integer %q", x)
		}
		return n, nil
	case decimal.Decimal:
		if !x.Equal(x.Truncate(0)) {
			return 0, fmt.Errorf("decimal %s is not an integer", x)
		}
		return x.IntPart(), nil
	}
	return 0, fmt.Errorf("cannot convert %T to integer", v)
}
