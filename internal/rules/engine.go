package rules

import (
	"fmt"
	"strings"
	"time"

	"github.com/sawpanic/histvault/internal/errs"
	"github.com/sawpanic/histvault/internal/models"
)

// SourceRecord is the vendor-shape input to a transform: a model name
// matching the mapping's source_model and a field view that includes
// null-valued fields.
type SourceRecord interface {
	Model() string
	Fields() map[string]any
}

// Result is the outcome of transforming one source record. Exactly one of
// the three states holds: Dropped, Err set, or Fields populated.
type Result struct {
	Fields   map[string]any
	Warnings []string
	Dropped  bool
	Err      error
}

// Engine holds the compiled mappings for one API, keyed by target schema.
// Safe for concurrent use after Load.
type Engine struct {
	bySchema map[models.Schema]*Mapping
}

// MappingFor returns the compiled mapping for a schema. OHLCV variants
// share the daily mapping when no variant-specific one is declared.
func (e *Engine) MappingFor(schema models.Schema) (*Mapping, error) {
	if m, ok := e.bySchema[schema]; ok {
		return m, nil
	}
	if schema.IsOHLCV() {
		if m, ok := e.bySchema[models.SchemaOHLCV1D]; ok {
			return m, nil
		}
	}
	return nil, fmt.Errorf("no mapping declared for schema %s", schema)
}

// RulesFor returns the declared validation rules for a schema (empty when
// no mapping or no rules exist).
func (e *Engine) RulesFor(schema models.Schema) []ValidationRule {
	m, err := e.MappingFor(schema)
	if err != nil {
		return nil
	}
	return m.ValidationRules
}

// TransformRecord transforms a single source record. The source is never
// mutated; the result field map is freshly allocated.
func (e *Engine) TransformRecord(schema models.Schema, src SourceRecord) Result {
	m, err := e.MappingFor(schema)
	if err != nil {
		return Result{Err: err}
	}
	return m.transform(schema, src)
}

// TransformBatch transforms a batch, one Result per input in order.
// Record-level failures land in the corresponding Result; they never
// abort the rest of the batch.
func (e *Engine) TransformBatch(schema models.Schema, srcs []SourceRecord) ([]Result, error) {
	m, err := e.MappingFor(schema)
	if err != nil {
		return nil, err
	}
	out := make([]Result, len(srcs))
	for i, src := range srcs {
		out[i] = m.transform(schema, src)
	}
	return out, nil
}

func (m *Mapping) transform(schema models.Schema, src SourceRecord) Result {
	if src.Model() != m.SourceModel {
		return Result{Err: &errs.Transform{
			Reason: fmt.Sprintf("source model %q does not match mapping's %q", src.Model(), m.SourceModel),
		}}
	}
	source := src.Fields()

	if m.dropExpr != nil {
		drop, err := m.dropExpr.EvalBool(source)
		if err != nil {
			return Result{Err: &errs.Transform{Rule: "drop_when", Reason: err.Error()}}
		}
		if drop {
			return Result{Dropped: true}
		}
	}

	target := make(map[string]any, len(m.FieldMappings))
	for field, fm := range m.FieldMappings {
		v, err := fm.resolve(source)
		if err != nil {
			return Result{Err: &errs.Transform{Field: field, Reason: err.Error()}}
		}
		target[field] = v
	}

	// First matching conditional applies on top of the base mappings.
	for i := range m.ConditionalMappings {
		cm := &m.ConditionalMappings[i]
		match, err := cm.whenExpr.EvalBool(source)
		if err != nil {
			return Result{Err: &errs.Transform{Rule: cm.When, Reason: err.Error()}}
		}
		if !match {
			continue
		}
		for field, fm := range cm.Then {
			v, err := fm.resolve(source)
			if err != nil {
				return Result{Err: &errs.Transform{Field: field, Reason: err.Error()}}
			}
			target[field] = v
		}
		break
	}

	// Defaults fill only absent or null targets.
	for field, def := range m.Defaults {
		if v, ok := target[field]; !ok || v == nil {
			target[field] = def
		}
	}

	var warnings []string
	for field, conv := range m.TypeConversions {
		v, ok := target[field]
		if !ok || v == nil {
			continue
		}
		converted, warn, err := conv.apply(v)
		if err != nil {
			return Result{Err: &errs.Transform{Field: field, Reason: err.Error()}}
		}
		if warn != "" {
			warnings = append(warnings, fmt.Sprintf("%s: %s", field, warn))
		}
		target[field] = converted
	}

	// Timestamps must leave the engine zone-normalized even without an
	// explicit conversion entry.
	for _, field := range []string{"ts_event", "ts_recv", "activation", "expiration"} {
		v, ok := target[field]
		if !ok || v == nil {
			continue
		}
		if _, already := v.(time.Time); already {
			continue
		}
		if _, declared := m.TypeConversions[field]; declared {
			continue
		}
		t, warn, err := coerceTimestamp(v, "UTC")
		if err != nil {
			return Result{Err: &errs.Transform{Field: field, Reason: err.Error()}}
		}
		if warn != "" {
			warnings = append(warnings, fmt.Sprintf("%s: %s", field, warn))
		}
		target[field] = t
	}

	return Result{Fields: target, Warnings: warnings}
}

// resolve produces the mapped value for one target field. A source_field
// reference that is absent resolves to null (so defaults and "is null"
// rules behave); literals and expressions resolve directly.
func (fm FieldMapping) resolve(source map[string]any) (any, error) {
	switch {
	case fm.SourceField != "":
		v, ok := source[fm.SourceField]
		if !ok || v == nil {
			return nil, nil
		}
		return v, nil
	case fm.expr != nil:
		return fm.expr.Eval(source)
	default:
		return fm.Literal, nil
	}
}

func (c TypeConversion) apply(v any) (out any, warning string, err error) {
	switch c.To {
	case "decimal":
		d, err := models.CoerceDecimal(v)
		if err != nil {
			return nil, "", err
		}
		if c.ScaleExp != 0 {
			d = d.Shift(int32(c.ScaleExp))
		}
		if c.Precision > 0 {
			d = d.Round(int32(c.Precision))
		}
		return d, "", nil
	case "int":
		n, err := models.CoerceInt64(v)
		if err != nil {
			return nil, "", err
		}
		return n, "", nil
	case "utc_datetime":
		tz := c.TzDefault
		if tz == "" {
			tz = "UTC"
		}
		return coerceTimestamp(v, tz)
	case "symbol":
		s, ok := v.(string)
		if !ok {
			return nil, "", fmt.Errorf("symbol conversion needs a string, got %T", v)
		}
		return strings.ToUpper(strings.TrimSpace(s)), "", nil
	}
	return nil, "", fmt.Errorf("unknown conversion %q", c.To)
}

// naive timestamp layouts we accept; each is coerced to the default zone
// with a warning rather than silently assumed local.
var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

func coerceTimestamp(v any, tzDefault string) (time.Time, string, error) {
	if s, ok := v.(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t.UTC(), "", nil
		}
		loc, err := time.LoadLocation(tzDefault)
		if err != nil {
			return time.Time{}, "", fmt.Errorf("invalid tz_default %q: %v", tzDefault, err)
		}
		for _, layout := range naiveLayouts {
			if t, err := time.ParseInLocation(layout, s, loc); err == nil {
				return t.UTC(), fmt.Sprintf("naive timestamp %q coerced to UTC via %s", s, tzDefault), nil
			}
		}
		return time.Time{}, "", fmt.Errorf("unparseable timestamp %q", s)
	}
	t, err := models.CoerceTime(v)
	if err != nil {
		return time.Time{}, "", err
	}
	return t, "", nil
}
