package symbolic

import (
	"fmt"
	"math/big"
	"strings"
	"unicode"
)

// SyntaxError reports where a rate expression failed to parse.
type SyntaxError struct {
	Src string
	Pos int
	Msg string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("symbolic: parse %q at offset %d: %s", e.Src, e.Pos, e.Msg)
}

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokNum
	tokIdent
	tokOp
	tokLParen
	tokRParen
	tokComma
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

// lex splits src into tokens. Fortran double-precision literals such as
// 1.0d0 or 2.5D-3 are normalized to e-notation here.
func lex(src string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(src) {
		c := rune(src[i])
		switch {
		case unicode.IsSpace(c):
			i++
		case unicode.IsDigit(c) || (c == '.' && i+1 < len(src) && unicode.IsDigit(rune(src[i+1]))):
			start := i
			for i < len(src) && (unicode.IsDigit(rune(src[i])) || src[i] == '.') {
				i++
			}
			if i < len(src) && strings.ContainsRune("eEdD", rune(src[i])) {
				j := i + 1
				if j < len(src) && (src[j] == '+' || src[j] == '-') {
					j++
				}
				if j < len(src) && unicode.IsDigit(rune(src[j])) {
					for j < len(src) && unicode.IsDigit(rune(src[j])) {
						j++
					}
					i = j
				}
			}
			text := strings.NewReplacer("d", "e", "D", "e").Replace(src[start:i])
			toks = append(toks, token{kind: tokNum, text: text, pos: start})
		case c == '_' || unicode.IsLetter(c):
			start := i
			for i < len(src) && (src[i] == '_' || unicode.IsLetter(rune(src[i])) || unicode.IsDigit(rune(src[i]))) {
				i++
			}
			toks = append(toks, token{kind: tokIdent, text: src[start:i], pos: start})
		case c == '*' && i+1 < len(src) && src[i+1] == '*':
			toks = append(toks, token{kind: tokOp, text: "**", pos: i})
			i += 2
		case strings.ContainsRune("+-*/^", c):
			text := string(c)
			if c == '^' {
				text = "**"
			}
			toks = append(toks, token{kind: tokOp, text: text, pos: i})
			i++
		case c == '(':
			toks = append(toks, token{kind: tokLParen, text: "(", pos: i})
			i++
		case c == ')':
			toks = append(toks, token{kind: tokRParen, text: ")", pos: i})
			i++
		case c == ',':
			toks = append(toks, token{kind: tokComma, text: ",", pos: i})
			i++
		default:
			return nil, &SyntaxError{Src: src, Pos: i, Msg: fmt.Sprintf("unexpected character %q", c)}
		}
	}
	toks = append(toks, token{kind: tokEOF, pos: len(src)})
	return toks, nil
}

type parser struct {
	src  string
	toks []token
	pos  int
}

// Parse reads an infix expression: + - * / with the usual precedence,
// right-associative ** (or ^), unary signs, parentheses and function calls.
// The result is simplified.
func Parse(src string) (Expr, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{src: src, toks: toks}
	e, err := p.parseSum()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind != tokEOF {
		return nil, p.errorf(t, "unexpected %q", t.text)
	}
	return e.Simplify(), nil
}

// MustParse is Parse for literals in code and tests.
func MustParse(src string) Expr {
	e, err := Parse(src)
	if err != nil {
		panic(err)
	}
	return e
}

func (p *parser) peek() token { return p.toks[p.pos] }
func (p *parser) next() token { t := p.toks[p.pos]; p.pos++; return t }

func (p *parser) errorf(t token, format string, args ...any) error {
	return &SyntaxError{Src: p.src, Pos: t.pos, Msg: fmt.Sprintf(format, args...)}
}

func (p *parser) parseSum() (Expr, error) {
	left, err := p.parseProduct()
	if err != nil {
		return nil, err
	}
	terms := []Expr{left}
	for {
		t := p.peek()
		if t.kind != tokOp || (t.text != "+" && t.text != "-") {
			break
		}
		p.next()
		right, err := p.parseProduct()
		if err != nil {
			return nil, err
		}
		if t.text == "-" {
			right = &Mul{factors: []Expr{N(-1), right}}
		}
		terms = append(terms, right)
	}
	if len(terms) == 1 {
		return left, nil
	}
	return &Add{terms: terms}, nil
}

func (p *parser) parseProduct() (Expr, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	factors := []Expr{left}
	for {
		t := p.peek()
		if t.kind != tokOp || (t.text != "*" && t.text != "/") {
			break
		}
		p.next()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		if t.text == "/" {
			if n, ok := right.Simplify().(*Num); ok && n.IsZero() {
				return nil, p.errorf(t, "division by zero")
			}
			right = &Pow{base: right, exp: N(-1)}
		}
		factors = append(factors, right)
	}
	if len(factors) == 1 {
		return left, nil
	}
	return &Mul{factors: factors}, nil
}

func (p *parser) parseUnary() (Expr, error) {
	t := p.peek()
	if t.kind == tokOp && (t.text == "-" || t.text == "+") {
		p.next()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		if t.text == "-" {
			return &Mul{factors: []Expr{N(-1), operand}}, nil
		}
		return operand, nil
	}
	return p.parsePower()
}

func (p *parser) parsePower() (Expr, error) {
	base, err := p.parseAtom()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind == tokOp && t.text == "**" {
		p.next()
		exp, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		if bn, ok := base.Simplify().(*Num); ok && bn.IsZero() {
			if en, ok := exp.Simplify().(*Num); ok && en.IsNegative() {
				return nil, p.errorf(t, "zero raised to a negative power")
			}
		}
		return &Pow{base: base, exp: exp}, nil
	}
	return base, nil
}

func (p *parser) parseAtom() (Expr, error) {
	t := p.next()
	switch t.kind {
	case tokNum:
		r, ok := new(big.Rat).SetString(t.text)
		if !ok {
			return nil, p.errorf(t, "invalid number %q", t.text)
		}
		return &Num{val: r}, nil
	case tokIdent:
		if p.peek().kind != tokLParen {
			return S(t.text), nil
		}
		p.next()
		var args []Expr
		if p.peek().kind != tokRParen {
			for {
				arg, err := p.parseSum()
				if err != nil {
					return nil, err
				}
				args = append(args, arg)
				if p.peek().kind != tokComma {
					break
				}
				p.next()
			}
		}
		if closing := p.next(); closing.kind != tokRParen {
			return nil, p.errorf(closing, "expected ')' after arguments of %s", t.text)
		}
		f, err := FuncOf(t.text, args...)
		if err != nil {
			return nil, p.errorf(t, "%v", err)
		}
		return f, nil
	case tokLParen:
		e, err := p.parseSum()
		if err != nil {
			return nil, err
		}
		if closing := p.next(); closing.kind != tokRParen {
			return nil, p.errorf(closing, "expected ')'")
		}
		return e, nil
	case tokEOF:
		return nil, p.errorf(t, "unexpected end of expression")
	}
	return nil, p.errorf(t, "unexpected %q", t.text)
}
