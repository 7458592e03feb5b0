// Package rules implements the declarative transformation layer between
// vendor-shape records and canonical records: a YAML mapping grammar, a
// small safe expression language, and the batch transform engine.
package rules

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/sawpanic/histvault/internal/errs"
	"github.com/sawpanic/histvault/internal/models"
)

// Severity of a declared validation rule.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// MappingFile is one per-API mapping document: a list of per-schema
// mappings.
type MappingFile struct {
	Mappings []Mapping `yaml:"mappings"`
}

// Mapping declares how one vendor record type becomes one canonical
// schema.
type Mapping struct {
	SourceModel         string                    `yaml:"source_model"`
	TargetSchema        string                    `yaml:"target_schema"`
	FieldMappings       map[string]FieldMapping   `yaml:"field_mappings"`
	TypeConversions     map[string]TypeConversion `yaml:"type_conversions"`
	ConditionalMappings []ConditionalMapping      `yaml:"conditional_mappings"`
	Defaults            map[string]any            `yaml:"defaults"`
	DropWhen            string                    `yaml:"drop_when"`
	ValidationRules     []ValidationRule          `yaml:"validation_rules"`

	schema   models.Schema
	dropExpr *Expr
}

// FieldMapping maps one target field from exactly one of: a source field,
// a literal, or an expression. The YAML shorthand `target: source_name`
// is the common direct-rename case.
type FieldMapping struct {
	SourceField string `yaml:"source_field"`
	Literal     any    `yaml:"literal"`
	Expression  string `yaml:"expression"`

	expr *Expr
}

// UnmarshalYAML accepts both the scalar shorthand and the full form.
func (m *FieldMapping) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		return value.Decode(&m.SourceField)
	}
	type raw FieldMapping
	var r raw
	if err := value.Decode(&r); err != nil {
		return err
	}
	*m = FieldMapping(r)
	return nil
}

// TypeConversion coerces a mapped target field into its canonical type.
type TypeConversion struct {
	To        string `yaml:"to"`         // decimal|int|utc_datetime|symbol
	Precision int    `yaml:"precision"`  // decimal places to round to (decimal only)
	ScaleExp  int    `yaml:"scale_exp"`  // power-of-ten shift, e.g. -9 for 1e-9 fixed point
	TzDefault string `yaml:"tz_default"` // zone assumed for naive timestamps
}

// ConditionalMapping applies partial field mappings when its condition
// matches. Conditions are evaluated in declaration order over the source
// record; the first match wins and applies on top of the base mappings.
type ConditionalMapping struct {
	When string                  `yaml:"when"`
	Then map[string]FieldMapping `yaml:"then"`

	whenExpr *Expr
}

// ValidationRule is a business rule declared alongside the mapping,
// executed by the validator against canonical records.
type ValidationRule struct {
	Name     string   `yaml:"name"`
	Expr     string   `yaml:"expr"`
	Severity Severity `yaml:"severity"`
	Message  string   `yaml:"message"`

	compiled *Expr
}

// Compiled returns the parsed rule expression (available after Load).
func (r ValidationRule) Compiled() *Expr { return r.compiled }

// Load parses and validates a mapping document, compiling every
// expression up front. Unknown schema names, unknown target fields,
// ambiguous field mappings and malformed expressions all fail here, not
// at transform time.
func Load(path string) (*Engine, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, &errs.Config{Path: path, Reason: err.Error()}
	}
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	var file MappingFile
	if err := dec.Decode(&file); err != nil {
		return nil, &errs.Config{Path: path, Reason: err.Error()}
	}
	if len(file.Mappings) == 0 {
		return nil, &errs.Config{Path: path, Reason: "mapping document declares no mappings"}
	}

	engine := &Engine{bySchema: make(map[models.Schema]*Mapping)}
	for i := range file.Mappings {
		m := &file.Mappings[i]
		if err := m.compile(); err != nil {
			return nil, &errs.Config{Path: path, Reason: err.Error()}
		}
		if _, dup := engine.bySchema[m.schema]; dup {
			return nil, &errs.Config{Path: path, Reason: fmt.Sprintf("schema %s mapped twice", m.schema)}
		}
		engine.bySchema[m.schema] = m
	}
	return engine, nil
}

func (m *Mapping) compile() error {
	if m.SourceModel == "" {
		return fmt.Errorf("mapping for %q: source_model is required", m.TargetSchema)
	}
	schema, err := models.ParseSchema(m.TargetSchema)
	if err != nil {
		return fmt.Errorf("mapping %s: %w", m.SourceModel, err)
	}
	m.schema = schema
	if len(m.FieldMappings) == 0 {
		return fmt.Errorf("mapping %s: field_mappings is required", m.TargetSchema)
	}

	for target, fm := range m.FieldMappings {
		if !models.IsCanonicalField(schema, target) {
			return fmt.Errorf("mapping %s: unknown target field %q", m.TargetSchema, target)
		}
		compiled, err := fm.compile(m.TargetSchema, target)
		if err != nil {
			return err
		}
		m.FieldMappings[target] = compiled
	}
	for target := range m.TypeConversions {
		if !models.IsCanonicalField(schema, target) {
			return fmt.Errorf("mapping %s: type conversion for unknown field %q", m.TargetSchema, target)
		}
		conv := m.TypeConversions[target]
		switch conv.To {
		case "decimal", "int", "utc_datetime", "symbol":
		default:
			return fmt.Errorf("mapping %s: field %q: unknown conversion %q", m.TargetSchema, target, conv.To)
		}
	}
	for target := range m.Defaults {
		if !models.IsCanonicalField(schema, target) {
			return fmt.Errorf("mapping %s: default for unknown field %q", m.TargetSchema, target)
		}
	}
	for i := range m.ConditionalMappings {
		cm := &m.ConditionalMappings[i]
		if cm.When == "" {
			return fmt.Errorf("mapping %s: conditional mapping %d has no when clause", m.TargetSchema, i)
		}
		cm.whenExpr, err = Parse(cm.When)
		if err != nil {
			return fmt.Errorf("mapping %s: conditional %d: %w", m.TargetSchema, i, err)
		}
		for target, fm := range cm.Then {
			if !models.IsCanonicalField(schema, target) {
				return fmt.Errorf("mapping %s: conditional %d targets unknown field %q", m.TargetSchema, i, target)
			}
			compiled, err := fm.compile(m.TargetSchema, target)
			if err != nil {
				return err
			}
			cm.Then[target] = compiled
		}
	}
	if m.DropWhen != "" {
		m.dropExpr, err = Parse(m.DropWhen)
		if err != nil {
			return fmt.Errorf("mapping %s: drop_when: %w", m.TargetSchema, err)
		}
	}

	names := make(map[string]bool)
	for i := range m.ValidationRules {
		rule := &m.ValidationRules[i]
		if rule.Name == "" {
			return fmt.Errorf("mapping %s: validation rule %d has no name", m.TargetSchema, i)
		}
		if names[rule.Name] {
			return fmt.Errorf("mapping %s: validation rule %q declared twice", m.TargetSchema, rule.Name)
		}
		names[rule.Name] = true
		switch rule.Severity {
		case SeverityError, SeverityWarning, SeverityInfo:
		case "":
			rule.Severity = SeverityError
		default:
			return fmt.Errorf("mapping %s: rule %q: unknown severity %q", m.TargetSchema, rule.Name, rule.Severity)
		}
		rule.compiled, err = Parse(rule.Expr)
		if err != nil {
			return fmt.Errorf("mapping %s: rule %q: %w", m.TargetSchema, rule.Name, err)
		}
	}
	return nil
}

func (fm FieldMapping) compile(schema, target string) (FieldMapping, error) {
	set := 0
	if fm.SourceField != "" {
		set++
	}
	if fm.Literal != nil {
		set++
	}
	if fm.Expression != "" {
		set++
	}
	if set != 1 {
		return fm, fmt.Errorf("mapping %s: field %q must set exactly one of source_field, literal, expression", schema, target)
	}
	if fm.Expression != "" {
		expr, err := Parse(fm.Expression)
		if err != nil {
			return fm, fmt.Errorf("mapping %s: field %q: %w", schema, target, err)
		}
		fm.expr = expr
	}
	return fm, nil
}
