package match

import (
	"fmt"
	"strings"
	"unicode"
)

type tokenKind int

const (
	tokWord   tokenKind = iota // field path or keyword
	tokOp                      // == or !=
	tokString                  // "…" or '…'
	tokLParen
	tokRParen
	tokComma
	tokEOF
)

type token struct {
	kind tokenKind
	val  string
	pos  int
}

func lex(src string) ([]token, error) {
	var out []token
	for i := 0; i < len(src); {
		ch := src[i]
		switch {
		case unicode.IsSpace(rune(ch)):
			i++
		case ch == '(':
			out = append(out, token{tokLParen, "(", i})
			i++
		case ch == ')':
			out = append(out, token{tokRParen, ")", i})
			i++
		case ch == ',':
			out = append(out, token{tokComma, ",", i})
			i++
		case ch == '=' || ch == '!':
			if i+1 >= len(src) || src[i+1] != '=' {
				return nil, fmt.Errorf("unexpected %q at position %d", ch, i)
			}
			out = append(out, token{tokOp, src[i : i+2], i})
			i += 2
		case ch == '"' || ch == '\'':
			var sb strings.Builder
			j := i + 1
			for j < len(src) && src[j] != ch {
				if src[j] == '\\' && j+1 < len(src) {
					j++
				}
				sb.WriteByte(src[j])
				j++
			}
			if j >= len(src) {
				return nil, fmt.Errorf("unterminated string starting at position %d", i)
			}
			out = append(out, token{tokString, sb.String(), i})
			i = j + 1
		case unicode.IsLetter(rune(ch)) || ch == '_':
			j := i
			for j < len(src) && (unicode.IsLetter(rune(src[j])) || unicode.IsDigit(rune(src[j])) || src[j] == '_' || src[j] == '.') {
				j++
			}
			out = append(out, token{tokWord, src[i:j], i})
			i = j
		default:
			return nil, fmt.Errorf("unexpected character %q at position %d", ch, i)
		}
	}
	return append(out, token{kind: tokEOF, pos: len(src)}), nil
}

type parser struct {
	toks []token
	pos  int
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) keyword(kw string) bool {
	t := p.peek()
	return t.kind == tokWord && strings.EqualFold(t.val, kw)
}

// Compile parses a rule expression such as
//
//	target_type == "client" AND action in ("insert", "update")
func Compile(src string) (Expr, error) {
	if strings.TrimSpace(src) == "" {
		return nil, fmt.Errorf("empty expression")
	}
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	expr, err := p.or()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind != tokEOF {
		return nil, fmt.Errorf("unexpected %q at position %d", t.val, t.pos)
	}
	return expr, nil
}

func (p *parser) or() (Expr, error) {
	left, err := p.and()
	if err != nil {
		return nil, err
	}
	for p.keyword("OR") {
		p.next()
		right, err := p.and()
		if err != nil {
			return nil, err
		}
		left = anyOf{left, right}
	}
	return left, nil
}

func (p *parser) and() (Expr, error) {
	left, err := p.not()
	if err != nil {
		return nil, err
	}
	for p.keyword("AND") {
		p.next()
		right, err := p.not()
		if err != nil {
			return nil, err
		}
		left = allOf{left, right}
	}
	return left, nil
}

func (p *parser) not() (Expr, error) {
	if p.keyword("NOT") {
		p.next()
		inner, err := p.not()
		if err != nil {
			return nil, err
		}
		return negate{inner}, nil
	}
	if p.peek().kind == tokLParen {
		p.next()
		inner, err := p.or()
		if err != nil {
			return nil, err
		}
		if t := p.next(); t.kind != tokRParen {
			return nil, fmt.Errorf("expected \")\" at position %d", t.pos)
		}
		return inner, nil
	}
	return p.comparison()
}

func (p *parser) comparison() (Expr, error) {
	ft := p.next()
	if ft.kind != tokWord {
		return nil, fmt.Errorf("expected field at position %d, got %q", ft.pos, ft.val)
	}
	path := strings.Split(ft.val, ".")

	op := p.next()
	switch {
	case op.kind == tokOp:
		lit, err := p.literal()
		if err != nil {
			return nil, err
		}
		return compare{path: path, value: lit, negated: op.val == "!="}, nil
	case op.kind == tokWord && strings.EqualFold(op.val, "contains"):
		lit, err := p.literal()
		if err != nil {
			return nil, err
		}
		return containsExpr{path: path, sub: strings.ToLower(lit)}, nil
	case op.kind == tokWord && strings.EqualFold(op.val, "in"):
		set, err := p.list()
		if err != nil {
			return nil, err
		}
		return inExpr{path: path, set: set}, nil
	}
	return nil, fmt.Errorf("expected operator after %q at position %d", ft.val, op.pos)
}

func (p *parser) literal() (string, error) {
	t := p.next()
	if t.kind != tokString {
		return "", fmt.Errorf("expected string literal at position %d", t.pos)
	}
	return t.val, nil
}

// list = "(" string ("," string)* ")"
func (p *parser) list() (map[string]struct{}, error) {
	if t := p.next(); t.kind != tokLParen {
		return nil, fmt.Errorf("expected \"(\" at position %d", t.pos)
	}
	set := make(map[string]struct{})
	for {
		lit, err := p.literal()
		if err != nil {
			return nil, err
		}
		set[lit] = struct{}{}
		t := p.next()
		if t.kind == tokRParen {
			return set, nil
		}
		if t.kind != tokComma {
			return nil, fmt.Errorf("expected \",\" or \")\" at position %d", t.pos)
		}
	}
}
