// Package classexpr parses and evaluates class expressions.
//
// Grammar:
//
//	Expr := Term (("." | "&") Term)*
//	      | Term ("|" Term)*
//	Term := "!" Term | "(" Expr ")" | ClassName
//
// AND and OR may not be mixed at the same level without parentheses. A class
// name containing * or ? is a wildcard that is true when any defined class
// matches it.
package classexpr

import (
	"fmt"
	"strings"
)

// Expr is a parsed class expression.
type Expr interface {
	String() string
	eval(m Membership) (bool, error)
}

// Leaf is a class name or wildcard.
type Leaf struct {
	Name     string
	Wildcard bool
}

// Not negates X.
type Not struct {
	X Expr
}

// And is true when every term is true.
type And struct {
	Terms []Expr
}

// Or is true when any term is true.
type Or struct {
	Terms []Expr
}

func (l *Leaf) String() string { return l.Name }
func (n *Not) String() string {
	switch n.X.(type) {
	case *And, *Or:
		return "!(" + n.X.String() + ")"
	}
	return "!" + n.X.String()
}

func (a *And) String() string { return joinTerms(a.Terms, ".") }
func (o *Or) String() string  { return joinTerms(o.Terms, "|") }

func joinTerms(terms []Expr, sep string) string {
	parts := make([]string, len(terms))
	for i, t := range terms {
		switch t.(type) {
		case *And, *Or:
			parts[i] = "(" + t.String() + ")"
		default:
			parts[i] = t.String()
		}
	}
	return strings.Join(parts, sep)
}

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokName
	tokAnd
	tokOr
	tokNot
	tokLParen
	tokRParen
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

func (k tokenKind) String() string {
	switch k {
	case tokEOF:
		return "end of expression"
	case tokName:
		return "class name"
	case tokAnd:
		return "'.'"
	case tokOr:
		return "'|'"
	case tokNot:
		return "'!'"
	case tokLParen:
		return "'('"
	case tokRParen:
		return "')'"
	}
	return "unknown"
}

func isNameChar(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case c == '_' || c == ':' || c == '*' || c == '?' || c == '[' || c == ']' || c == '-':
		return true
	}
	return false
}

func lex(input string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(input) {
		c := input[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '.' || c == '&':
			toks = append(toks, token{kind: tokAnd, text: string(c), pos: i})
			i++
		case c == '|':
			if i+1 < len(input) && input[i+1] == '|' {
				toks = append(toks, token{kind: tokOr, text: "||", pos: i})
				i += 2
				continue
			}
			toks = append(toks, token{kind: tokOr, text: "|", pos: i})
			i++
		case c == '!':
			toks = append(toks, token{kind: tokNot, text: "!", pos: i})
			i++
		case c == '(':
			toks = append(toks, token{kind: tokLParen, text: "(", pos: i})
			i++
		case c == ')':
			toks = append(toks, token{kind: tokRParen, text: ")", pos: i})
			i++
		case isNameChar(c):
			start := i
			for i < len(input) && isNameChar(input[i]) {
				i++
			}
			toks = append(toks, token{kind: tokName, text: input[start:i], pos: start})
		default:
			return nil, fmt.Errorf("unexpected character %q at offset %d", c, i)
		}
	}
	toks = append(toks, token{kind: tokEOF, pos: len(input)})
	return toks, nil
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

// Parse parses a class expression.
func Parse(input string) (Expr, error) {
	if strings.TrimSpace(input) == "" {
		return nil, fmt.Errorf("empty class expression")
	}
	toks, err := lex(input)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	expr, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind != tokEOF {
		return nil, fmt.Errorf("unexpected %s at offset %d", t.kind, t.pos)
	}
	return expr, nil
}

func (p *parser) parseExpr() (Expr, error) {
	first, err := p.parseTerm()
	if err != nil {
		return nil, err
	}

	op := p.peek().kind
	if op != tokAnd && op != tokOr {
		return first, nil
	}

	terms := []Expr{first}
	for p.peek().kind == op {
		p.next()
		t, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		terms = append(terms, t)
	}

	if k := p.peek().kind; k == tokAnd || k == tokOr {
		return nil, fmt.Errorf("ambiguous expression: AND and OR mixed without parentheses at offset %d", p.peek().pos)
	}

	if op == tokAnd {
		return &And{Terms: terms}, nil
	}
	return &Or{Terms: terms}, nil
}

func (p *parser) parseTerm() (Expr, error) {
	t := p.next()
	switch t.kind {
	case tokNot:
		x, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		return &Not{X: x}, nil
	case tokLParen:
		x, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if closing := p.next(); closing.kind != tokRParen {
			return nil, fmt.Errorf("expected ')' at offset %d, got %s", closing.pos, closing.kind)
		}
		return x, nil
	case tokName:
		return &Leaf{Name: t.text, Wildcard: strings.ContainsAny(t.text, "*?[")}, nil
	}
	return nil, fmt.Errorf("expected class name at offset %d, got %s", t.pos, t.kind)
}
