// Package expr implements a whitelisted arithmetic expression evaluator for
// billing formulas and dimension transforms. Supported syntax: numeric
// literals, the binary operators + - * / // % **, unary + and -, bare
// variable names, and calls to min, max, abs, round, int, float with
// positional or named arguments. Everything else is rejected at compile
// time. Evaluation reaches only the caller's bindings; there are no
// globals.
package expr

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	gateway "github.com/aetherlab/aether/internal"
)

// maxDepth bounds parser recursion for untrusted expressions.
const maxDepth = 64

// Program is a compiled expression. It is immutable and safe for
// concurrent use.
type Program struct {
	src   string
	root  node
	names []string
}

// Compile parses and validates src. Disallowed syntax (attribute access,
// indexing, comparisons, unknown functions, dunder identifiers) returns an
// error wrapping gateway.ErrUnsafeExpression.
func Compile(src string) (*Program, error) {
	p := &parser{lex: newLexer(src)}
	if err := p.next(); err != nil {
		return nil, err
	}
	root, err := p.parseExpr(0)
	if err != nil {
		return nil, err
	}
	if p.tok.kind != tokEOF {
		return nil, unsafef("unexpected %q", p.tok.text)
	}
	prog := &Program{src: src, root: root}
	seen := map[string]bool{}
	collectNames(root, seen)
	for name := range seen {
		prog.names = append(prog.names, name)
	}
	sort.Strings(prog.names)
	return prog, nil
}

// Eval compiles and evaluates src against vars in one call.
func Eval(src string, vars map[string]float64) (float64, error) {
	prog, err := Compile(src)
	if err != nil {
		return 0, err
	}
	return prog.Eval(vars)
}

// Names returns the variable identifiers the expression references, sorted.
// Function names do not appear.
func (p *Program) Names() []string { return p.names }

// String returns the original source text.
func (p *Program) String() string { return p.src }

// Eval evaluates the program against the given bindings. Unknown variables,
// division by zero, and non-finite results return an error wrapping
// gateway.ErrEvaluation.
func (p *Program) Eval(vars map[string]float64) (float64, error) {
	v, err := evalNode(p.root, vars)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, evalf("non-finite result")
	}
	return v, nil
}

func unsafef(format string, args ...any) error {
	return fmt.Errorf("%w: %s", gateway.ErrUnsafeExpression, fmt.Sprintf(format, args...))
}

func evalf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", gateway.ErrEvaluation, fmt.Sprintf(format, args...))
}

// --- AST ---

type node interface{}

type numberNode float64

type varNode string

type unaryNode struct {
	op      rune // '+' or '-'
	operand node
}

type binaryNode struct {
	op   string // "+", "-", "*", "/", "//", "%", "**"
	l, r node
}

type kwarg struct {
	name  string
	value node
}

type callNode struct {
	fn     string
	args   []node
	kwargs []kwarg
}

// builtins maps allowed function names to their positional parameter names,
// which double as the accepted keyword-argument names.
var builtins = map[string][]string{
	"min":   nil, // variadic, positional only
	"max":   nil,
	"abs":   {"x"},
	"round": {"number", "ndigits"},
	"int":   {"x"},
	"float": {"x"},
}

func collectNames(n node, out map[string]bool) {
	switch v := n.(type) {
	case varNode:
		out[string(v)] = true
	case unaryNode:
		collectNames(v.operand, out)
	case binaryNode:
		collectNames(v.l, out)
		collectNames(v.r, out)
	case callNode:
		for _, a := range v.args {
			collectNames(a, out)
		}
		for _, k := range v.kwargs {
			collectNames(k.value, out)
		}
	}
}

// --- Evaluation ---

func evalNode(n node, vars map[string]float64) (float64, error) {
	switch v := n.(type) {
	case numberNode:
		return float64(v), nil
	case varNode:
		val, ok := vars[string(v)]
		if !ok {
			return 0, evalf("undefined variable %q", string(v))
		}
		return val, nil
	case unaryNode:
		x, err := evalNode(v.operand, vars)
		if err != nil {
			return 0, err
		}
		if v.op == '-' {
			return -x, nil
		}
		return x, nil
	case binaryNode:
		l, err := evalNode(v.l, vars)
		if err != nil {
			return 0, err
		}
		r, err := evalNode(v.r, vars)
		if err != nil {
			return 0, err
		}
		return applyBinary(v.op, l, r)
	case callNode:
		return evalCall(v, vars)
	}
	return 0, evalf("unknown node")
}

func applyBinary(op string, l, r float64) (float64, error) {
	switch op {
	case "+":
		return l + r, nil
	case "-":
		return l - r, nil
	case "*":
		return l * r, nil
	case "/":
		if r == 0 {
			return 0, evalf("division by zero")
		}
		return l / r, nil
	case "//":
		if r == 0 {
			return 0, evalf("integer division by zero")
		}
		return math.Floor(l / r), nil
	case "%":
		if r == 0 {
			return 0, evalf("modulo by zero")
		}
		// Remainder takes the sign of the divisor.
		m := math.Mod(l, r)
		if m != 0 && (m < 0) != (r < 0) {
			m += r
		}
		return m, nil
	case "**":
		return math.Pow(l, r), nil
	}
	return 0, evalf("unknown operator %q", op)
}

func evalCall(c callNode, vars map[string]float64) (float64, error) {
	params, ok := builtins[c.fn]
	if !ok {
		return 0, evalf("unknown function %q", c.fn)
	}

	// min/max are variadic and positional only.
	if c.fn == "min" || c.fn == "max" {
		if len(c.kwargs) > 0 {
			return 0, evalf("%s: keyword arguments not supported", c.fn)
		}
		if len(c.args) == 0 {
			return 0, evalf("%s: at least one argument required", c.fn)
		}
		best, err := evalNode(c.args[0], vars)
		if err != nil {
			return 0, err
		}
		for _, a := range c.args[1:] {
			v, err := evalNode(a, vars)
			if err != nil {
				return 0, err
			}
			if (c.fn == "min" && v < best) || (c.fn == "max" && v > best) {
				best = v
			}
		}
		return best, nil
	}

	// Fixed-arity builtins: bind positional then named arguments.
	bound := make([]*float64, len(params))
	if len(c.args) > len(params) {
		return 0, evalf("%s: too many arguments", c.fn)
	}
	for i, a := range c.args {
		v, err := evalNode(a, vars)
		if err != nil {
			return 0, err
		}
		bound[i] = &v
	}
	for _, kw := range c.kwargs {
		idx := -1
		for i, p := range params {
			if p == kw.name {
				idx = i
				break
			}
		}
		if idx < 0 {
			return 0, evalf("%s: unexpected keyword argument %q", c.fn, kw.name)
		}
		if bound[idx] != nil {
			return 0, evalf("%s: duplicate argument %q", c.fn, kw.name)
		}
		v, err := evalNode(kw.value, vars)
		if err != nil {
			return 0, err
		}
		bound[idx] = &v
	}
	if bound[0] == nil {
		return 0, evalf("%s: missing argument", c.fn)
	}
	x := *bound[0]

	switch c.fn {
	case "abs":
		return math.Abs(x), nil
	case "int":
		return math.Trunc(x), nil
	case "float":
		return x, nil
	case "round":
		if bound[1] == nil {
			return math.RoundToEven(x), nil
		}
		shift := math.Pow(10, math.Trunc(*bound[1]))
		if shift == 0 || math.IsInf(shift, 0) {
			return 0, evalf("round: ndigits out of range")
		}
		return math.RoundToEven(x*shift) / shift, nil
	}
	return 0, evalf("unknown function %q", c.fn)
}

// --- Lexer ---

type tokKind int

const (
	tokEOF tokKind = iota
	tokNumber
	tokIdent
	tokOp     // + - * / // % **
	tokLParen // (
	tokRParen // )
	tokComma
	tokAssign // = (keyword arguments only)
)

type token struct {
	kind tokKind
	text string
	num  float64
}

type lexer struct {
	src string
	pos int
}

func newLexer(src string) *lexer { return &lexer{src: src} }

func (l *lexer) lex() (token, error) {
	for l.pos < len(l.src) && isSpace(l.src[l.pos]) {
		l.pos++
	}
	if l.pos >= len(l.src) {
		return token{kind: tokEOF}, nil
	}
	c := l.src[l.pos]
	switch {
	case c >= '0' && c <= '9' || c == '.':
		return l.lexNumber()
	case isIdentStart(c):
		start := l.pos
		for l.pos < len(l.src) && isIdentPart(l.src[l.pos]) {
			l.pos++
		}
		return token{kind: tokIdent, text: l.src[start:l.pos]}, nil
	case c == '(':
		l.pos++
		return token{kind: tokLParen, text: "("}, nil
	case c == ')':
		l.pos++
		return token{kind: tokRParen, text: ")"}, nil
	case c == ',':
		l.pos++
		return token{kind: tokComma, text: ","}, nil
	case c == '+', c == '-', c == '%':
		l.pos++
		return token{kind: tokOp, text: string(c)}, nil
	case c == '*':
		l.pos++
		if l.pos < len(l.src) && l.src[l.pos] == '*' {
			l.pos++
			return token{kind: tokOp, text: "**"}, nil
		}
		return token{kind: tokOp, text: "*"}, nil
	case c == '/':
		l.pos++
		if l.pos < len(l.src) && l.src[l.pos] == '/' {
			l.pos++
			return token{kind: tokOp, text: "//"}, nil
		}
		return token{kind: tokOp, text: "/"}, nil
	case c == '=':
		// Bare '=' is only legal in keyword arguments; '==' is a comparison
		// and always rejected.
		if l.pos+1 < len(l.src) && l.src[l.pos+1] == '=' {
			return token{}, unsafef("comparisons are not allowed")
		}
		l.pos++
		return token{kind: tokAssign, text: "="}, nil
	}
	return token{}, unsafef("illegal character %q", string(c))
}

func (l *lexer) lexNumber() (token, error) {
	start := l.pos
	seenDot, seenExp := false, false
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		switch {
		case c >= '0' && c <= '9':
			l.pos++
		case c == '.' && !seenDot && !seenExp:
			seenDot = true
			l.pos++
		case (c == 'e' || c == 'E') && !seenExp && l.pos > start:
			seenExp = true
			l.pos++
			if l.pos < len(l.src) && (l.src[l.pos] == '+' || l.src[l.pos] == '-') {
				l.pos++
			}
		default:
			goto done
		}
	}
done:
	text := l.src[start:l.pos]
	v, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return token{}, unsafef("malformed number %q", text)
	}
	return token{kind: tokNumber, text: text, num: v}, nil
}

func isSpace(c byte) bool      { return c == ' ' || c == '\t' || c == '\n' || c == '\r' }
func isIdentStart(c byte) bool { return c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' }
func isIdentPart(c byte) bool  { return isIdentStart(c) || c >= '0' && c <= '9' }

// --- Parser ---

type parser struct {
	lex *lexer
	tok token
}

func (p *parser) next() error {
	t, err := p.lex.lex()
	if err != nil {
		return err
	}
	p.tok = t
	return nil
}

// parseExpr parses at the additive level.
func (p *parser) parseExpr(depth int) (node, error) {
	if depth > maxDepth {
		return nil, unsafef("expression too deeply nested")
	}
	left, err := p.parseTerm(depth + 1)
	if err != nil {
		return nil, err
	}
	for p.tok.kind == tokOp && (p.tok.text == "+" || p.tok.text == "-") {
		op := p.tok.text
		if err := p.next(); err != nil {
			return nil, err
		}
		right, err := p.parseTerm(depth + 1)
		if err != nil {
			return nil, err
		}
		left = binaryNode{op: op, l: left, r: right}
	}
	return left, nil
}

func (p *parser) parseTerm(depth int) (node, error) {
	if depth > maxDepth {
		return nil, unsafef("expression too deeply nested")
	}
	left, err := p.parseUnary(depth + 1)
	if err != nil {
		return nil, err
	}
	for p.tok.kind == tokOp {
		op := p.tok.text
		if op != "*" && op != "/" && op != "//" && op != "%" {
			break
		}
		if err := p.next(); err != nil {
			return nil, err
		}
		right, err := p.parseUnary(depth + 1)
		if err != nil {
			return nil, err
		}
		left = binaryNode{op: op, l: left, r: right}
	}
	return left, nil
}

// parseUnary binds looser than ** on the base: -2**2 is -(2**2).
func (p *parser) parseUnary(depth int) (node, error) {
	if depth > maxDepth {
		return nil, unsafef("expression too deeply nested")
	}
	if p.tok.kind == tokOp && (p.tok.text == "+" || p.tok.text == "-") {
		op := rune(p.tok.text[0])
		if err := p.next(); err != nil {
			return nil, err
		}
		operand, err := p.parseUnary(depth + 1)
		if err != nil {
			return nil, err
		}
		return unaryNode{op: op, operand: operand}, nil
	}
	return p.parsePower(depth + 1)
}

// parsePower is right-associative; the exponent may itself be unary.
func (p *parser) parsePower(depth int) (node, error) {
	if depth > maxDepth {
		return nil, unsafef("expression too deeply nested")
	}
	base, err := p.parsePrimary(depth + 1)
	if err != nil {
		return nil, err
	}
	if p.tok.kind == tokOp && p.tok.text == "**" {
		if err := p.next(); err != nil {
			return nil, err
		}
		exp, err := p.parseUnary(depth + 1)
		if err != nil {
			return nil, err
		}
		return binaryNode{op: "**", l: base, r: exp}, nil
	}
	return base, nil
}

func (p *parser) parsePrimary(depth int) (node, error) {
	if depth > maxDepth {
		return nil, unsafef("expression too deeply nested")
	}
	switch p.tok.kind {
	case tokNumber:
		n := numberNode(p.tok.num)
		if err := p.next(); err != nil {
			return nil, err
		}
		return n, nil
	case tokIdent:
		name := p.tok.text
		if strings.HasPrefix(name, "__") {
			return nil, unsafef("identifier %q is not allowed", name)
		}
		if err := p.next(); err != nil {
			return nil, err
		}
		if p.tok.kind == tokLParen {
			return p.parseCall(name, depth+1)
		}
		return varNode(name), nil
	case tokLParen:
		if err := p.next(); err != nil {
			return nil, err
		}
		inner, err := p.parseExpr(depth + 1)
		if err != nil {
			return nil, err
		}
		if p.tok.kind != tokRParen {
			return nil, unsafef("missing closing parenthesis")
		}
		if err := p.next(); err != nil {
			return nil, err
		}
		return inner, nil
	case tokEOF:
		return nil, unsafef("unexpected end of expression")
	}
	return nil, unsafef("unexpected %q", p.tok.text)
}

func (p *parser) parseCall(fn string, depth int) (node, error) {
	if _, ok := builtins[fn]; !ok {
		return nil, unsafef("function %q is not allowed", fn)
	}
	// Consume '('.
	if err := p.next(); err != nil {
		return nil, err
	}
	call := callNode{fn: fn}
	for p.tok.kind != tokRParen {
		if len(call.args)+len(call.kwargs) > 0 {
			if p.tok.kind != tokComma {
				return nil, unsafef("expected comma in argument list")
			}
			if err := p.next(); err != nil {
				return nil, err
			}
		}
		// Lookahead for "name=" keyword form.
		if p.tok.kind == tokIdent {
			name := p.tok.text
			save := *p.lex
			saveTok := p.tok
			if err := p.next(); err != nil {
				return nil, err
			}
			if p.tok.kind == tokAssign {
				if err := p.next(); err != nil {
					return nil, err
				}
				val, err := p.parseExpr(depth + 1)
				if err != nil {
					return nil, err
				}
				call.kwargs = append(call.kwargs, kwarg{name: name, value: val})
				continue
			}
			*p.lex = save
			p.tok = saveTok
		}
		if len(call.kwargs) > 0 {
			return nil, unsafef("positional argument after keyword argument")
		}
		arg, err := p.parseExpr(depth + 1)
		if err != nil {
			return nil, err
		}
		call.args = append(call.args, arg)
	}
	// Consume ')'.
	if err := p.next(); err != nil {
		return nil, err
	}
	return call, nil
}
