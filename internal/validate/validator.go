// Package validate enforces business rules on canonical records before
// storage. Structural validation already happened when the typed record
// was built; this stage covers domain invariants (price ordering, book
// consistency, date ordering) plus rules declared in mapping documents.
package validate

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/sawpanic/histvault/internal/models"
	"github.com/sawpanic/histvault/internal/rules"
)

// Violation records one failed rule with the value that triggered it.
type Violation struct {
	Rule     string         `json:"rule"`
	Severity rules.Severity `json:"severity"`
	Message  string         `json:"message"`
	Value    string         `json:"value,omitempty"`
}

// Accepted is a record that passed, plus any warning/info violations that
// were logged against it.
type Accepted struct {
	Record   models.Record
	Warnings []Violation
}

// Rejected is a record that failed an error-severity rule.
type Rejected struct {
	Record    models.Record
	Violation Violation
}

// Validator runs the builtin and declared rule sets for each schema.
type Validator struct {
	engine *rules.Engine
	strict bool
	log    zerolog.Logger
}

// New builds a validator. engine may be nil when no declared rules apply.
// strict promotes warning-severity violations to rejections.
func New(engine *rules.Engine, strict bool, log zerolog.Logger) *Validator {
	return &Validator{
		engine: engine,
		strict: strict,
		log:    log.With().Str("component", "validator").Logger(),
	}
}

// Validate splits a batch into accepted and rejected records. Rules run
// left to right, builtins before declared rules; the first error-severity
// failure rejects the record, warning and info violations accumulate on
// accepted records.
func (v *Validator) Validate(batch []models.Record, schema models.Schema) ([]Accepted, []Rejected) {
	accepted := make([]Accepted, 0, len(batch))
	var rejected []Rejected

	var declared []rules.ValidationRule
	if v.engine != nil {
		declared = v.engine.RulesFor(schema)
	}

	for _, rec := range batch {
		acc, rej, ok := v.validateRecord(rec, schema, declared)
		if ok {
			accepted = append(accepted, acc)
		} else {
			rejected = append(rejected, rej)
		}
	}
	return accepted, rejected
}

func (v *Validator) validateRecord(rec models.Record, schema models.Schema, declared []rules.ValidationRule) (Accepted, Rejected, bool) {
	var warnings []Violation

	for _, rule := range builtinRules(schema) {
		ok, value := rule.check(rec)
		if ok {
			continue
		}
		viol := Violation{Rule: rule.name, Severity: rule.severity, Message: rule.message, Value: value}
		if v.rejects(viol.Severity) {
			return Accepted{}, Rejected{Record: rec, Violation: viol}, false
		}
		v.logViolation(rec, viol)
		warnings = append(warnings, viol)
	}

	fields := rec.Fields()
	for _, rule := range declared {
		pass, err := rule.Compiled().EvalBool(fields)
		if err != nil {
			viol := Violation{
				Rule:     rule.Name,
				Severity: rules.SeverityError,
				Message:  fmt.Sprintf("rule evaluation failed: %v", err),
			}
			return Accepted{}, Rejected{Record: rec, Violation: viol}, false
		}
		if pass {
			continue
		}
		viol := Violation{
			Rule:     rule.Name,
			Severity: rule.Severity,
			Message:  rule.Message,
			Value:    rule.Compiled().String(),
		}
		if v.rejects(viol.Severity) {
			return Accepted{}, Rejected{Record: rec, Violation: viol}, false
		}
		v.logViolation(rec, viol)
		warnings = append(warnings, viol)
	}

	return Accepted{Record: rec, Warnings: warnings}, Rejected{}, true
}

func (v *Validator) rejects(s rules.Severity) bool {
	if s == rules.SeverityError {
		return true
	}
	return v.strict && s == rules.SeverityWarning
}

func (v *Validator) logViolation(rec models.Record, viol Violation) {
	evt := v.log.Info()
	if viol.Severity == rules.SeverityWarning {
		evt = v.log.Warn()
	}
	evt.
		Str("schema", string(rec.Schema())).
		Str("rule", viol.Rule).
		Str("natural_key", rec.NaturalKey()).
		Str("value", viol.Value).
		Msg(viol.Message)
}
