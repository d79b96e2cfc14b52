package workflow

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// The condition language is a bounded boolean expression grammar: it cannot
// call functions, index collections, or loop. Precedence, highest to lowest:
// parentheses, not, comparisons (including in/contains), and, or.
//
//	or     := and ("or" and)*
//	and    := cmp ("and" cmp)*
//	cmp    := unary (op unary)?        op in > < >= <= == != in contains
//	unary  := "not" unary | primary
//	primary:= "(" or ")" | literal | variable
//
// Evaluation is total over well-typed inputs; type mismatches are an error,
// never a silent false.

// Condition is a parsed, reusable expression.
type Condition struct {
	root condNode
	src  string
}

// ParseCondition parses an expression without evaluating it.
func ParseCondition(src string) (*Condition, error) {
	toks, err := lexCondition(src)
	if err != nil {
		return nil, err
	}
	p := &condParser{toks: toks}
	root, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.pos < len(p.toks) {
		return nil, fmt.Errorf("unexpected %q after end of expression", p.toks[p.pos].text)
	}
	return &Condition{root: root, src: src}, nil
}

// Eval evaluates the condition against a variable map. The result is always
// a boolean; any type mismatch or unknown variable is an error.
func (c *Condition) Eval(vars map[string]any) (bool, error) {
	v, err := c.root.eval(vars)
	if err != nil {
		return false, fmt.Errorf("condition %q: %w", c.src, err)
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("condition %q: evaluates to %s, not a boolean", c.src, typeName(v))
	}
	return b, nil
}

// EvalCondition is the parse-and-evaluate convenience used by the engine.
func EvalCondition(src string, vars map[string]any) (bool, error) {
	c, err := ParseCondition(src)
	if err != nil {
		return false, err
	}
	return c.Eval(vars)
}

type tokKind int

const (
	tokIdent tokKind = iota
	tokNumber
	tokString
	tokOp    // comparison operators
	tokParen // ( or )
	tokAnd
	tokOr
	tokNot
	tokIn
	tokContains
	tokBool
)

type token struct {
	kind tokKind
	text string
}

func lexCondition(src string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(src) {
		ch := src[i]
		switch {
		case ch == ' ' || ch == '\t' || ch == '\n':
			i++

		case ch == '(' || ch == ')':
			toks = append(toks, token{tokParen, string(ch)})
			i++

		case ch == '\'' || ch == '"':
			quote := ch
			j := i + 1
			for j < len(src) && src[j] != quote {
				j++
			}
			if j >= len(src) {
				return nil, fmt.Errorf("unterminated string starting at offset %d", i)
			}
			toks = append(toks, token{tokString, src[i+1 : j]})
			i = j + 1

		case strings.ContainsRune("><=!", rune(ch)):
			op := string(ch)
			if i+1 < len(src) && src[i+1] == '=' {
				op += "="
				i++
			}
			i++
			switch op {
			case ">", "<", ">=", "<=", "==", "!=":
				toks = append(toks, token{tokOp, op})
			default:
				return nil, fmt.Errorf("unexpected operator %q", op)
			}

		case ch >= '0' && ch <= '9' || ch == '-' && i+1 < len(src) && src[i+1] >= '0' && src[i+1] <= '9':
			j := i + 1
			for j < len(src) && (src[j] >= '0' && src[j] <= '9' || src[j] == '.') {
				j++
			}
			toks = append(toks, token{tokNumber, src[i:j]})
			i = j

		case unicode.IsLetter(rune(ch)) || ch == '_':
			j := i
			for j < len(src) && (unicode.IsLetter(rune(src[j])) || unicode.IsDigit(rune(src[j])) || src[j] == '_' || src[j] == '.') {
				j++
			}
			word := src[i:j]
			switch word {
			case "and":
				toks = append(toks, token{tokAnd, word})
			case "or":
				toks = append(toks, token{tokOr, word})
			case "not":
				toks = append(toks, token{tokNot, word})
			case "in":
				toks = append(toks, token{tokIn, word})
			case "contains":
				toks = append(toks, token{tokContains, word})
			case "true", "false":
				toks = append(toks, token{tokBool, word})
			default:
				toks = append(toks, token{tokIdent, word})
			}
			i = j

		default:
			return nil, fmt.Errorf("unexpected character %q at offset %d", ch, i)
		}
	}
	if len(toks) == 0 {
		return nil, fmt.Errorf("empty expression")
	}
	return toks, nil
}

type condNode interface {
	eval(vars map[string]any) (any, error)
}

type condParser struct {
	toks []token
	pos  int
}

func (p *condParser) peek() *token {
	if p.pos >= len(p.toks) {
		return nil
	}
	return &p.toks[p.pos]
}

func (p *condParser) parseOr() (condNode, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for t := p.peek(); t != nil && t.kind == tokOr; t = p.peek() {
		p.pos++
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &logicNode{op: "or", left: left, right: right}
	}
	return left, nil
}

func (p *condParser) parseAnd() (condNode, error) {
	left, err := p.parseCmp()
	if err != nil {
		return nil, err
	}
	for t := p.peek(); t != nil && t.kind == tokAnd; t = p.peek() {
		p.pos++
		right, err := p.parseCmp()
		if err != nil {
			return nil, err
		}
		left = &logicNode{op: "and", left: left, right: right}
	}
	return left, nil
}

func (p *condParser) parseCmp() (condNode, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	t := p.peek()
	if t == nil {
		return left, nil
	}
	switch t.kind {
	case tokOp:
		p.pos++
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &cmpNode{op: t.text, left: left, right: right}, nil
	case tokIn, tokContains:
		p.pos++
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &memberNode{contains: t.kind == tokContains, left: left, right: right}, nil
	}
	return left, nil
}

func (p *condParser) parseUnary() (condNode, error) {
	t := p.peek()
	if t != nil && t.kind == tokNot {
		p.pos++
		inner, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &notNode{inner: inner}, nil
	}
	return p.parsePrimary()
}

func (p *condParser) parsePrimary() (condNode, error) {
	t := p.peek()
	if t == nil {
		return nil, fmt.Errorf("expression ends where a value was expected")
	}
	switch t.kind {
	case tokParen:
		if t.text != "(" {
			return nil, fmt.Errorf("unexpected %q", t.text)
		}
		p.pos++
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		closing := p.peek()
		if closing == nil || closing.text != ")" {
			return nil, fmt.Errorf("missing closing parenthesis")
		}
		p.pos++
		return inner, nil
	case tokNumber:
		p.pos++
		f, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, fmt.Errorf("bad number %q", t.text)
		}
		return &literalNode{value: f}, nil
	case tokString:
		p.pos++
		return &literalNode{value: t.text}, nil
	case tokBool:
		p.pos++
		return &literalNode{value: t.text == "true"}, nil
	case tokIdent:
		p.pos++
		return &varNode{path: t.text}, nil
	}
	return nil, fmt.Errorf("unexpected %q", t.text)
}

type literalNode struct{ value any }

func (n *literalNode) eval(map[string]any) (any, error) { return n.value, nil }

type varNode struct{ path string }

func (n *varNode) eval(vars map[string]any) (any, error) {
	v, ok := lookupPath(vars, n.path)
	if !ok {
		return nil, fmt.Errorf("variable %q is not defined", n.path)
	}
	return normalize(v), nil
}

type notNode struct{ inner condNode }

func (n *notNode) eval(vars map[string]any) (any, error) {
	v, err := n.inner.eval(vars)
	if err != nil {
		return nil, err
	}
	b, ok := v.(bool)
	if !ok {
		return nil, fmt.Errorf("not: operand is %s, expected boolean", typeName(v))
	}
	return !b, nil
}

type logicNode struct {
	op          string
	left, right condNode
}

func (n *logicNode) eval(vars map[string]any) (any, error) {
	lv, err := n.left.eval(vars)
	if err != nil {
		return nil, err
	}
	lb, ok := lv.(bool)
	if !ok {
		return nil, fmt.Errorf("%s: left operand is %s, expected boolean", n.op, typeName(lv))
	}
	// No short-circuit: the right side must be well-typed regardless, so a
	// type error cannot hide behind operand order.
	rv, err := n.right.eval(vars)
	if err != nil {
		return nil, err
	}
	rb, ok := rv.(bool)
	if !ok {
		return nil, fmt.Errorf("%s: right operand is %s, expected boolean", n.op, typeName(rv))
	}
	if n.op == "and" {
		return lb && rb, nil
	}
	return lb || rb, nil
}

type cmpNode struct {
	op          string
	left, right condNode
}

func (n *cmpNode) eval(vars map[string]any) (any, error) {
	lv, err := n.left.eval(vars)
	if err != nil {
		return nil, err
	}
	rv, err := n.right.eval(vars)
	if err != nil {
		return nil, err
	}

	switch n.op {
	case "==", "!=":
		eq, err := valuesEqual(n.op, lv, rv)
		if err != nil {
			return nil, err
		}
		if n.op == "!=" {
			return !eq, nil
		}
		return eq, nil
	}

	// Ordering comparisons need two numbers or two strings.
	lf, lok := lv.(float64)
	rf, rok := rv.(float64)
	if lok && rok {
		return orderResult(n.op, compareFloats(lf, rf)), nil
	}
	ls, lok := lv.(string)
	rs, rok := rv.(string)
	if lok && rok {
		return orderResult(n.op, strings.Compare(ls, rs)), nil
	}
	return nil, fmt.Errorf("%s: cannot compare %s with %s", n.op, typeName(lv), typeName(rv))
}

type memberNode struct {
	contains    bool
	left, right condNode
}

func (n *memberNode) eval(vars map[string]any) (any, error) {
	lv, err := n.left.eval(vars)
	if err != nil {
		return nil, err
	}
	rv, err := n.right.eval(vars)
	if err != nil {
		return nil, err
	}

	// "x in xs" is "xs contains x" with the operands swapped.
	element, collection := lv, rv
	op := "in"
	if n.contains {
		element, collection = rv, lv
		op = "contains"
	}

	switch cv := collection.(type) {
	case []any:
		for _, item := range cv {
			eq, err := valuesEqual(op, normalize(item), element)
			if err == nil && eq {
				return true, nil
			}
		}
		return false, nil
	case string:
		es, ok := element.(string)
		if !ok {
			return nil, fmt.Errorf("%s: cannot look for %s inside a string", op, typeName(element))
		}
		return strings.Contains(cv, es), nil
	default:
		return nil, fmt.Errorf("%s: %s is not a sequence or string", op, typeName(collection))
	}
}

func valuesEqual(op string, a, b any) (bool, error) {
	switch av := a.(type) {
	case float64:
		if bv, ok := b.(float64); ok {
			return av == bv, nil
		}
	case string:
		if bv, ok := b.(string); ok {
			return av == bv, nil
		}
	case bool:
		if bv, ok := b.(bool); ok {
			return av == bv, nil
		}
	case nil:
		return b == nil, nil
	}
	return false, fmt.Errorf("%s: cannot compare %s with %s", op, typeName(a), typeName(b))
}

func compareFloats(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func orderResult(op string, cmp int) bool {
	switch op {
	case ">":
		return cmp > 0
	case "<":
		return cmp < 0
	case ">=":
		return cmp >= 0
	case "<=":
		return cmp <= 0
	}
	return false
}

// normalize folds the numeric types YAML and JSON decoding produce into
// float64 so comparisons see one numeric type.
func normalize(v any) any {
	switch tv := v.(type) {
	case int:
		return float64(tv)
	case int64:
		return float64(tv)
	case float32:
		return float64(tv)
	case uint:
		return float64(tv)
	case uint64:
		return float64(tv)
	default:
		return v
	}
}

func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case float64:
		return "number"
	case string:
		return "string"
	case []any:
		return "sequence"
	case map[string]any:
		return "mapping"
	default:
		return fmt.Sprintf("%T", v)
	}
}
