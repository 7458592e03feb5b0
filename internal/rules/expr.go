package rules

import (
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/shopspring/decimal"

	"github.com/sawpanic/histvault/internal/models"
)

// The expression language used by mapping documents: field references,
// numeric/string/bool/null literals, comparisons, and/or/not, arithmetic,
// and "is [not] null". No calls, no indexing, no access to anything beyond
// the record's fields. Numbers evaluate as fixed-point decimals.
//
// Null semantics: a field that is absent from the record evaluates to
// null. Comparisons and arithmetic involving null yield null; "X is null"
// is the only construct that turns null into true. A null in boolean
// position (rule outcome, and/or operand) counts as false.

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokNumber
	tokString
	tokOp     // == != < <= > >= + - * /
	tokLParen
	tokRParen
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

type lexer struct {
	src  string
	pos  int
	toks []token
}

func lex(src string) ([]token, error) {
	l := &lexer{src: src}
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			l.pos++
		case c == '(':
			l.emit(tokLParen, "(")
		case c == ')':
			l.emit(tokRParen, ")")
		case c == '\'' || c == '"':
			if err := l.lexString(c); err != nil {
				return nil, err
			}
		case unicode.IsDigit(rune(c)):
			l.lexNumber()
		case c == '_' || unicode.IsLetter(rune(c)):
			l.lexIdent()
		case strings.ContainsRune("=!<>+-*/", rune(c)):
			if err := l.lexOp(); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("unexpected character %q at offset %d", c, l.pos)
		}
	}
	l.toks = append(l.toks, token{kind: tokEOF, pos: l.pos})
	return l.toks, nil
}

func (l *lexer) emit(kind tokenKind, text string) {
	l.toks = append(l.toks, token{kind: kind, text: text, pos: l.pos})
	l.pos += len(text)
}

func (l *lexer) lexString(quote byte) error {
	start := l.pos
	l.pos++
	for l.pos < len(l.src) && l.src[l.pos] != quote {
		l.pos++
	}
	if l.pos >= len(l.src) {
		return fmt.Errorf("unterminated string at offset %d", start)
	}
	l.toks = append(l.toks, token{kind: tokString, text: l.src[start+1 : l.pos], pos: start})
	l.pos++
	return nil
}

func (l *lexer) lexNumber() {
	start := l.pos
	for l.pos < len(l.src) && (unicode.IsDigit(rune(l.src[l.pos])) || l.src[l.pos] == '.') {
		l.pos++
	}
	l.toks = append(l.toks, token{kind: tokNumber, text: l.src[start:l.pos], pos: start})
}

func (l *lexer) lexIdent() {
	start := l.pos
	for l.pos < len(l.src) {
		c := rune(l.src[l.pos])
		if c != '_' && !unicode.IsLetter(c) && !unicode.IsDigit(c) {
			break
		}
		l.pos++
	}
	l.toks = append(l.toks, token{kind: tokIdent, text: l.src[start:l.pos], pos: start})
}

func (l *lexer) lexOp() error {
	two := ""
	if l.pos+1 < len(l.src) {
		two = l.src[l.pos : l.pos+2]
	}
	switch two {
	case "==", "!=", "<=", ">=":
		l.emit(tokOp, two)
		return nil
	}
	one := l.src[l.pos : l.pos+1]
	switch one {
	case "<", ">", "+", "-", "*", "/":
		l.emit(tokOp, one)
		return nil
	}
	return fmt.Errorf("unexpected operator %q at offset %d", two, l.pos)
}

// Expr is a parsed expression, safe for concurrent evaluation.
type Expr struct {
	root node
	src  string
}

// String returns the source text the expression was parsed from.
func (e *Expr) String() string { return e.src }

type node interface {
	eval(fields map[string]any) (any, error)
}

type litNode struct{ val any }

func (n litNode) eval(map[string]any) (any, error) { return n.val, nil }

type fieldNode struct{ name string }

func (n fieldNode) eval(fields map[string]any) (any, error) {
	// Absent and explicit-null fields both evaluate to null. The field map
	// must therefore include null-valued fields; the record views built in
	// internal/models do.
	v, ok := fields[n.name]
	if !ok || v == nil {
		return nil, nil
	}
	return normalizeValue(v)
}

type isNullNode struct {
	operand node
	negate  bool
}

func (n isNullNode) eval(fields map[string]any) (any, error) {
	v, err := n.operand.eval(fields)
	if err != nil {
		return nil, err
	}
	return (v == nil) != n.negate, nil
}

type notNode struct{ operand node }

func (n notNode) eval(fields map[string]any) (any, error) {
	v, err := n.operand.eval(fields)
	if err != nil {
		return nil, err
	}
	return !truthy(v), nil
}

type negNode struct{ operand node }

func (n negNode) eval(fields map[string]any) (any, error) {
	v, err := n.operand.eval(fields)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, nil
	}
	d, ok := v.(decimal.Decimal)
	if !ok {
		return nil, fmt.Errorf("cannot negate %T", v)
	}
	return d.Neg(), nil
}

type boolNode struct {
	op          string // "and" | "or"
	left, right node
}

func (n boolNode) eval(fields map[string]any) (any, error) {
	lv, err := n.left.eval(fields)
	if err != nil {
		return nil, err
	}
	// Short circuit on the decided side.
	if n.op == "and" && !truthy(lv) {
		return false, nil
	}
	if n.op == "or" && truthy(lv) {
		return true, nil
	}
	rv, err := n.right.eval(fields)
	if err != nil {
		return nil, err
	}
	return truthy(rv), nil
}

type binNode struct {
	op          string
	left, right node
}

func (n binNode) eval(fields map[string]any) (any, error) {
	lv, err := n.left.eval(fields)
	if err != nil {
		return nil, err
	}
	rv, err := n.right.eval(fields)
	if err != nil {
		return nil, err
	}
	if lv == nil || rv == nil {
		return nil, nil
	}
	switch n.op {
	case "+", "-", "*", "/":
		return arith(n.op, lv, rv)
	case "==", "!=", "<", "<=", ">", ">=":
		return compare(n.op, lv, rv)
	}
	return nil, fmt.Errorf("unknown operator %q", n.op)
}

func arith(op string, lv, rv any) (any, error) {
	l, lok := lv.(decimal.Decimal)
	r, rok := rv.(decimal.Decimal)
	if !lok || !rok {
		return nil, fmt.Errorf("arithmetic needs numeric operands, got %T and %T", lv, rv)
	}
	switch op {
	case "+":
		return l.Add(r), nil
	case "-":
		return l.Sub(r), nil
	case "*":
		return l.Mul(r), nil
	case "/":
		if r.IsZero() {
			return nil, fmt.Errorf("division by zero")
		}
		return l.Div(r), nil
	}
	return nil, fmt.Errorf("unknown arithmetic operator %q", op)
}

func compare(op string, lv, rv any) (any, error) {
	var cmp int
	switch l := lv.(type) {
	case decimal.Decimal:
		r, ok := rv.(decimal.Decimal)
		if !ok {
			return nil, fmt.Errorf("cannot compare number with %T", rv)
		}
		cmp = l.Cmp(r)
	case string:
		r, ok := rv.(string)
		if !ok {
			return nil, fmt.Errorf("cannot compare string with %T", rv)
		}
		cmp = strings.Compare(l, r)
	case time.Time:
		r, ok := rv.(time.Time)
		if !ok {
			return nil, fmt.Errorf("cannot compare timestamp with %T", rv)
		}
		cmp = l.Compare(r)
	case bool:
		r, ok := rv.(bool)
		if !ok {
			return nil, fmt.Errorf("cannot compare bool with %T", rv)
		}
		switch op {
		case "==":
			return l == r, nil
		case "!=":
			return l != r, nil
		}
		return nil, fmt.Errorf("bools only support == and !=")
	default:
		return nil, fmt.Errorf("cannot compare %T values", lv)
	}
	switch op {
	case "==":
		return cmp == 0, nil
	case "!=":
		return cmp != 0, nil
	case "<":
		return cmp < 0, nil
	case "<=":
		return cmp <= 0, nil
	case ">":
		return cmp > 0, nil
	case ">=":
		return cmp >= 0, nil
	}
	return nil, fmt.Errorf("unknown comparison %q", op)
}

// normalizeValue collapses record field values into the evaluator's value
// set: decimal, string, bool, time.Time, nil.
func normalizeValue(v any) (any, error) {
	switch x := v.(type) {
	case decimal.Decimal, string, bool, time.Time:
		return x, nil
	case models.Side:
		return string(x), nil
	case int, int32, int64, uint8, uint16, uint32, uint64, float64:
		return models.CoerceDecimal(x)
	}
	return nil, fmt.Errorf("unsupported field value type %T", v)
}

func truthy(v any) bool {
	b, ok := v.(bool)
	return ok && b
}

// parser: Pratt over the token stream.

type parser struct {
	toks []token
	pos  int
}

// Parse compiles an expression.
func Parse(src string) (*Expr, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w", src, err)
	}
	p := &parser{toks: toks}
	root, err := p.parseOr()
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w", src, err)
	}
	if p.peek().kind != tokEOF {
		return nil, fmt.Errorf("parse %q: trailing input at offset %d", src, p.peek().pos)
	}
	return &Expr{root: root, src: src}, nil
}

// Eval evaluates the expression against a field map. Nil result means the
// expression value is null.
func (e *Expr) Eval(fields map[string]any) (any, error) {
	return e.root.eval(fields)
}

// EvalBool evaluates in boolean position: null and non-bool count as false.
func (e *Expr) EvalBool(fields map[string]any) (bool, error) {
	v, err := e.root.eval(fields)
	if err != nil {
		return false, err
	}
	return truthy(v), nil
}

func (p *parser) peek() token { return p.toks[p.pos] }
func (p *parser) next() token { t := p.toks[p.pos]; p.pos++; return t }

func (p *parser) acceptKeyword(word string) bool {
	t := p.peek()
	if t.kind == tokIdent && strings.EqualFold(t.text, word) {
		p.pos++
		return true
	}
	return false
}

func (p *parser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.acceptKeyword("or") {
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = boolNode{op: "or", left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.acceptKeyword("and") {
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = boolNode{op: "and", left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseNot() (node, error) {
	if p.acceptKeyword("not") {
		operand, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return notNode{operand: operand}, nil
	}
	return p.parseComparison()
}

func (p *parser) parseComparison() (node, error) {
	left, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}
	// "is [not] null" binds tighter than and/or, looser than arithmetic.
	if p.acceptKeyword("is") {
		negate := p.acceptKeyword("not")
		if !p.acceptKeyword("null") {
			return nil, fmt.Errorf("expected null after is at offset %d", p.peek().pos)
		}
		return isNullNode{operand: left, negate: negate}, nil
	}
	t := p.peek()
	if t.kind == tokOp {
		switch t.text {
		case "==", "!=", "<", "<=", ">", ">=":
			p.next()
			right, err := p.parseAdditive()
			if err != nil {
				return nil, err
			}
			return binNode{op: t.text, left: left, right: right}, nil
		}
	}
	return left, nil
}

func (p *parser) parseAdditive() (node, error) {
	left, err := p.parseMultiplicative()
	if err != nil {
		return nil, err
	}
	for {
		t := p.peek()
		if t.kind != tokOp || (t.text != "+" && t.text != "-") {
			return left, nil
		}
		p.next()
		right, err := p.parseMultiplicative()
		if err != nil {
			return nil, err
		}
		left = binNode{op: t.text, left: left, right: right}
	}
}

func (p *parser) parseMultiplicative() (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		t := p.peek()
		if t.kind != tokOp || (t.text != "*" && t.text != "/") {
			return left, nil
		}
		p.next()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = binNode{op: t.text, left: left, right: right}
	}
}

func (p *parser) parseUnary() (node, error) {
	t := p.peek()
	if t.kind == tokOp && t.text == "-" {
		p.next()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return negNode{operand: operand}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (node, error) {
	t := p.next()
	switch t.kind {
	case tokNumber:
		d, err := decimal.NewFromString(t.text)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q at offset %d", t.text, t.pos)
		}
		return litNode{val: d}, nil
	case tokString:
		return litNode{val: t.text}, nil
	case tokIdent:
		switch strings.ToLower(t.text) {
		case "null":
			return litNode{val: nil}, nil
		case "true":
			return litNode{val: true}, nil
		case "false":
			return litNode{val: false}, nil
		}
		return fieldNode{name: t.text}, nil
	case tokLParen:
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.peek().kind != tokRParen {
			return nil, fmt.Errorf("missing closing paren at offset %d", p.peek().pos)
		}
		p.next()
		return inner, nil
	}
	return nil, fmt.Errorf("unexpected token %q at offset %d", t.text, t.pos)
}
