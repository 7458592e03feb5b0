package adapter

import (
	"fmt"
	"regexp"

	"github.com/sawpanic/histvault/internal/models"
)

// Symbol syntax per symbology type. Alphanumerics plus dot, underscore and
// dash are accepted everywhere, including numeric-leading symbols (some
// venues list purely numeric contracts).
var (
	// native: ESH4, 6EA, BTC-USD, 10Y_NOTE
	nativeSymbolRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)
	// continuous: ES.c.0, CL.n.1 — root, roll rule, rank
	continuousSymbolRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*\.[cnv]\.[0-9]+$`)
	// parent: ES.FUT, ES.OPT — root plus instrument family
	parentSymbolRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*\.(FUT|OPT|IVX|MLP)$`)
)

// ValidateSymbols checks every symbol against the syntax of the declared
// symbology, returning one error per bad symbol so the operator can fix
// the whole list at once.
func ValidateSymbols(symbols []string, stype models.SType) []error {
	var problems []error
	for _, sym := range symbols {
		if sym == "" {
			problems = append(problems, fmt.Errorf("empty symbol"))
			continue
		}
		var ok bool
		switch stype {
		case models.STypeContinuous:
			ok = continuousSymbolRe.MatchString(sym)
		case models.STypeParent:
			ok = parentSymbolRe.MatchString(sym)
		default:
			ok = nativeSymbolRe.MatchString(sym)
		}
		if !ok {
			problems = append(problems, fmt.Errorf("symbol %q is not valid %s syntax", sym, stype))
		}
	}
	return problems
}
