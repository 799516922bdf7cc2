package dynamofake

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// The evaluator understands the expression subset the stores in this module emit:
// comparisons (= <> < <= > >=), AND / OR / NOT, parentheses,
// attribute_exists / attribute_not_exists, and SET clauses with + and -.

type tokKind int

const (
	tIdent tokKind = iota
	tLParen
	tRParen
	tComma
	tOp
	tEOF
)

type token struct {
	kind tokKind
	val  string
}

func isIdentChar(r byte) bool {
	return r == '_' || r == '#' || r == ':' || r == '.' ||
		(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}

func tokenize(s string) ([]token, error) {
	var out []token
	for i := 0; i < len(s); {
		c := s[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n':
			i++
		case c == '(':
			out = append(out, token{tLParen, "("})
			i++
		case c == ')':
			out = append(out, token{tRParen, ")"})
			i++
		case c == ',':
			out = append(out, token{tComma, ","})
			i++
		case c == '<' || c == '>':
			if i+1 < len(s) && (s[i+1] == '=' || (c == '<' && s[i+1] == '>')) {
				out = append(out, token{tOp, s[i : i+2]})
				i += 2
				continue
			}
			out = append(out, token{tOp, string(c)})
			i++
		case c == '=' || c == '+' || c == '-':
			out = append(out, token{tOp, string(c)})
			i++
		case isIdentChar(c):
			j := i
			for j < len(s) && isIdentChar(s[j]) {
				j++
			}
			out = append(out, token{tIdent, s[i:j]})
			i = j
		default:
			return nil, fmt.Errorf("unexpected character %q in expression %q", c, s)
		}
	}
	return append(out, token{tEOF, ""}), nil
}

type parser struct {
	toks   []token
	pos    int
	names  map[string]string
	values map[string]types.AttributeValue
	item   map[string]types.AttributeValue
}

func newParser(expr string, names map[string]string, values map[string]types.AttributeValue, item map[string]types.AttributeValue) (*parser, error) {
	toks, err := tokenize(expr)
	if err != nil {
		return nil, err
	}
	return &parser{toks: toks, names: names, values: values, item: item}, nil
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tEOF {
		p.pos++
	}
	return t
}

func (p *parser) keyword(kw string) bool {
	t := p.peek()
	return t.kind == tIdent && strings.EqualFold(t.val, kw)
}

func (p *parser) expect(kind tokKind) (token, error) {
	t := p.next()
	if t.kind != kind {
		return t, fmt.Errorf("unexpected token %q", t.val)
	}
	return t, nil
}

// evalCondition reports whether item satisfies expr. An empty expression is true.
func evalCondition(expr string, names map[string]string, values map[string]types.AttributeValue, item map[string]types.AttributeValue) (bool, error) {
	if strings.TrimSpace(expr) == "" {
		return true, nil
	}
	p, err := newParser(expr, names, values, item)
	if err != nil {
		return false, err
	}
	ok, err := p.parseOr()
	if err != nil {
		return false, err
	}
	if p.peek().kind != tEOF {
		return false, fmt.Errorf("trailing tokens in %q", expr)
	}
	return ok, nil
}

func (p *parser) parseOr() (bool, error) {
	left, err := p.parseAnd()
	if err != nil {
		return false, err
	}
	for p.keyword("OR") {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return false, err
		}
		left = left || right
	}
	return left, nil
}

func (p *parser) parseAnd() (bool, error) {
	left, err := p.parseNot()
	if err != nil {
		return false, err
	}
	for p.keyword("AND") {
		p.next()
		right, err := p.parseNot()
		if err != nil {
			return false, err
		}
		left = left && right
	}
	return left, nil
}

func (p *parser) parseNot() (bool, error) {
	if p.keyword("NOT") {
		p.next()
		v, err := p.parseNot()
		return !v, err
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (bool, error) {
	if p.peek().kind == tLParen {
		p.next()
		v, err := p.parseOr()
		if err != nil {
			return false, err
		}
		if _, err := p.expect(tRParen); err != nil {
			return false, err
		}
		return v, nil
	}

	if p.keyword("attribute_exists") || p.keyword("attribute_not_exists") {
		fn := p.next().val
		if _, err := p.expect(tLParen); err != nil {
			return false, err
		}
		t, err := p.expect(tIdent)
		if err != nil {
			return false, err
		}
		name, err := p.resolveName(t.val)
		if err != nil {
			return false, err
		}
		if _, err := p.expect(tRParen); err != nil {
			return false, err
		}
		_, exists := p.item[name]
		if strings.EqualFold(fn, "attribute_exists") {
			return exists, nil
		}
		return !exists, nil
	}

	left, err := p.parseOperand()
	if err != nil {
		return false, err
	}
	op, err := p.expect(tOp)
	if err != nil {
		return false, err
	}
	right, err := p.parseOperand()
	if err != nil {
		return false, err
	}
	return compare(left, right, op.val)
}

func (p *parser) resolveName(tok string) (string, error) {
	if strings.HasPrefix(tok, "#") {
		n, ok := p.names[tok]
		if !ok {
			return "", fmt.Errorf("missing expression attribute name %s", tok)
		}
		return n, nil
	}
	return tok, nil
}

// parseOperand returns the value of a path or placeholder; a missing path yields nil.
func (p *parser) parseOperand() (types.AttributeValue, error) {
	if p.keyword("if_not_exists") {
		p.next()
		if _, err := p.expect(tLParen); err != nil {
			return nil, err
		}
		cur, err := p.parseOperand()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tComma); err != nil {
			return nil, err
		}
		def, err := p.parseOperand()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tRParen); err != nil {
			return nil, err
		}
		if cur == nil {
			return def, nil
		}
		return cur, nil
	}

	t, err := p.expect(tIdent)
	if err != nil {
		return nil, err
	}
	if strings.HasPrefix(t.val, ":") {
		v, ok := p.values[t.val]
		if !ok {
			return nil, fmt.Errorf("missing expression attribute value %s", t.val)
		}
		return v, nil
	}
	name, err := p.resolveName(t.val)
	if err != nil {
		return nil, err
	}
	return p.item[name], nil
}

type assignment struct {
	name  string
	value types.AttributeValue
}

// evalUpdate computes the SET assignments of expr against the current item.
// All right-hand sides see the pre-update item, as in DynamoDB.
func evalUpdate(expr string, names map[string]string, values map[string]types.AttributeValue, item map[string]types.AttributeValue) ([]assignment, error) {
	p, err := newParser(expr, names, values, item)
	if err != nil {
		return nil, err
	}
	if !p.keyword("SET") {
		return nil, fmt.Errorf("only SET update expressions are supported: %q", expr)
	}
	p.next()

	var out []assignment
	for {
		t, err := p.expect(tIdent)
		if err != nil {
			return nil, err
		}
		name, err := p.resolveName(t.val)
		if err != nil {
			return nil, err
		}
		if op, err := p.expect(tOp); err != nil || op.val != "=" {
			return nil, fmt.Errorf("expected = after %s", name)
		}
		v, err := p.parseOperand()
		if err != nil {
			return nil, err
		}
		if nt := p.peek(); nt.kind == tOp && (nt.val == "+" || nt.val == "-") {
			p.next()
			r, err := p.parseOperand()
			if err != nil {
				return nil, err
			}
			v, err = arith(v, r, nt.val)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", name, err)
			}
		}
		if v == nil {
			return nil, fmt.Errorf("%s: operand refers to a missing attribute", name)
		}
		out = append(out, assignment{name: name, value: v})

		if p.peek().kind == tComma {
			p.next()
			continue
		}
		break
	}
	if p.peek().kind != tEOF {
		return nil, fmt.Errorf("trailing tokens in %q", expr)
	}
	return out, nil
}

func numberOf(v types.AttributeValue) (string, bool) {
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return "", false
	}
	return n.Value, true
}

func arith(l, r types.AttributeValue, op string) (types.AttributeValue, error) {
	ls, ok1 := numberOf(l)
	rs, ok2 := numberOf(r)
	if !ok1 || !ok2 {
		return nil, fmt.Errorf("arithmetic needs two numbers")
	}
	li, err1 := strconv.ParseInt(ls, 10, 64)
	ri, err2 := strconv.ParseInt(rs, 10, 64)
	if err1 == nil && err2 == nil {
		if op == "-" {
			ri = -ri
		}
		return &types.AttributeValueMemberN{Value: strconv.FormatInt(li+ri, 10)}, nil
	}
	lf, err1 := strconv.ParseFloat(ls, 64)
	rf, err2 := strconv.ParseFloat(rs, 64)
	if err1 != nil || err2 != nil {
		return nil, fmt.Errorf("invalid number")
	}
	if op == "-" {
		rf = -rf
	}
	return &types.AttributeValueMemberN{Value: strconv.FormatFloat(lf+rf, 'f', -1, 64)}, nil
}

func compare(l, r types.AttributeValue, op string) (bool, error) {
	if l == nil || r == nil {
		return false, nil
	}
	var c int
	switch lv := l.(type) {
	case *types.AttributeValueMemberN:
		rv, ok := r.(*types.AttributeValueMemberN)
		if !ok {
			return op == "<>", nil
		}
		lf, err1 := strconv.ParseFloat(lv.Value, 64)
		rf, err2 := strconv.ParseFloat(rv.Value, 64)
		if err1 != nil || err2 != nil {
			return false, fmt.Errorf("invalid number")
		}
		switch {
		case lf < rf:
			c = -1
		case lf > rf:
			c = 1
		}
	case *types.AttributeValueMemberS:
		rv, ok := r.(*types.AttributeValueMemberS)
		if !ok {
			return op == "<>", nil
		}
		c = strings.Compare(lv.Value, rv.Value)
	case *types.AttributeValueMemberBOOL:
		rv, ok := r.(*types.AttributeValueMemberBOOL)
		if !ok {
			return op == "<>", nil
		}
		if lv.Value != rv.Value {
			c = 1
		}
		if op != "=" && op != "<>" {
			return false, fmt.Errorf("operator %s not supported for booleans", op)
		}
	default:
		return false, fmt.Errorf("unsupported attribute type %T in comparison", l)
	}

	switch op {
	case "=":
		return c == 0, nil
	case "<>":
		return c != 0, nil
	case "<":
		return c < 0, nil
	case "<=":
		return c <= 0, nil
	case ">":
		return c > 0, nil
	case ">=":
		return c >= 0, nil
	}
	return false, fmt.Errorf("unknown operator %s", op)
}
