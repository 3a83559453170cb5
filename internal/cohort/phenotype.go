package cohort

import (
	"fmt"
	"slices"
	"strings"
)

// Expr is a compiled phenotype: a boolean formula over marker calls.
//
// Syntax:
//
//	CD3 & CD8 & ~FOXP3      explicit operators: & | ~ ! and parentheses
//	CD3 and not (CD4 or CD8) keyword forms, case-insensitive
//	CD3+ CD8- HLA-DR+       +/- suffixes; juxtaposition means "and"
//
// A word is first matched against the marker list as written, so markers
// whose names contain '-' or '+' keep working; only when that fails is a
// trailing '+' or '-' read as a call suffix.
type Expr struct {
	src     string
	root    node
	markers []string
}

// String returns the source text.
func (e *Expr) String() string { return e.src }

// Markers returns the markers the expression reads, in first-use order.
func (e *Expr) Markers() []string { return e.markers }

// Eval evaluates the expression for one cell. call reports whether a marker
// is called present.
func (e *Expr) Eval(call func(marker string) bool) bool { return e.root.eval(call) }

type node interface {
	eval(call func(string) bool) bool
}

type (
	markerNode struct{ name string }
	notNode    struct{ x node }
	andNode    struct{ l, r node }
	orNode     struct{ l, r node }
)

func (n markerNode) eval(c func(string) bool) bool { return c(n.name) }
func (n notNode) eval(c func(string) bool) bool    { return !n.x.eval(c) }
func (n andNode) eval(c func(string) bool) bool    { return n.l.eval(c) && n.r.eval(c) }
func (n orNode) eval(c func(string) bool) bool     { return n.l.eval(c) || n.r.eval(c) }

type tokKind int

const (
	tokWord tokKind = iota
	tokAnd
	tokOr
	tokNot
	tokLParen
	tokRParen
	tokEOF
)

type token struct {
	kind tokKind
	text string
	pos  int
}

// CompileExpr parses src against the known marker names.
func CompileExpr(src string, known []string) (*Expr, error) {
	toks, err := tokenize(src)
	if err != nil {
		return nil, err
	}
	p := &exprParser{toks: toks, known: known}
	root, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind != tokEOF {
		return nil, fmt.Errorf("unexpected %q at offset %d", t.text, t.pos)
	}
	return &Expr{src: src, root: root, markers: p.used}, nil
}

func tokenize(src string) ([]token, error) {
	var toks []token
	for i := 0; i < len(src); {
		r := rune(src[i])
		switch {
		case r == ' ' || r == '\t' || r == '\n' || r == '\r':
			i++
		case r == '&':
			toks = append(toks, token{tokAnd, "&", i})
			i++
		case r == '|':
			toks = append(toks, token{tokOr, "|", i})
			i++
		case r == '~' || r == '!':
			toks = append(toks, token{tokNot, string(r), i})
			i++
		case r == '(':
			toks = append(toks, token{tokLParen, "(", i})
			i++
		case r == ')':
			toks = append(toks, token{tokRParen, ")", i})
			i++
		case isWordByte(src[i]):
			start := i
			for i < len(src) && isWordByte(src[i]) {
				i++
			}
			word := src[start:i]
			switch strings.ToLower(word) {
			case "and":
				toks = append(toks, token{tokAnd, word, start})
			case "or":
				toks = append(toks, token{tokOr, word, start})
			case "not":
				toks = append(toks, token{tokNot, word, start})
			default:
				toks = append(toks, token{tokWord, word, start})
			}
		default:
			return nil, fmt.Errorf("unexpected character %q at offset %d", r, i)
		}
	}
	return append(toks, token{kind: tokEOF, pos: len(src)}), nil
}

func isWordByte(b byte) bool {
	switch {
	case b >= 'a' && b <= 'z', b >= 'A' && b <= 'Z', b >= '0' && b <= '9':
		return true
	case b == '_' || b == '-' || b == '+' || b == '.' || b == '/' || b >= 0x80:
		return true
	}
	return false
}

type exprParser struct {
	toks  []token
	pos   int
	known []string
	used  []string
}

func (p *exprParser) peek() token { return p.toks[p.pos] }

func (p *exprParser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *exprParser) parseOr() (node, error) {
	l, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokOr {
		p.next()
		r, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		l = orNode{l, r}
	}
	return l, nil
}

func (p *exprParser) parseAnd() (node, error) {
	l, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		switch p.peek().kind {
		case tokAnd:
			p.next()
		case tokWord, tokNot, tokLParen:
			// juxtaposition
		default:
			return l, nil
		}
		r, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		l = andNode{l, r}
	}
}

func (p *exprParser) parseUnary() (node, error) {
	t := p.next()
	switch t.kind {
	case tokNot:
		x, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return notNode{x}, nil
	case tokLParen:
		x, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if c := p.next(); c.kind != tokRParen {
			return nil, fmt.Errorf("missing ')' at offset %d", c.pos)
		}
		return x, nil
	case tokWord:
		return p.word(t)
	case tokEOF:
		return nil, fmt.Errorf("unexpected end of expression")
	default:
		return nil, fmt.Errorf("unexpected %q at offset %d", t.text, t.pos)
	}
}

func (p *exprParser) word(t token) (node, error) {
	if slices.Contains(p.known, t.text) {
		p.use(t.text)
		return markerNode{t.text}, nil
	}
	if n := len(t.text); n > 1 {
		base, suffix := t.text[:n-1], t.text[n-1]
		if (suffix == '+' || suffix == '-') && slices.Contains(p.known, base) {
			p.use(base)
			if suffix == '-' {
				return notNode{markerNode{base}}, nil
			}
			return markerNode{base}, nil
		}
	}
	return nil, fmt.Errorf("unknown marker %q at offset %d", t.text, t.pos)
}

func (p *exprParser) use(m string) {
	if !slices.Contains(p.used, m) {
		p.used = append(p.used, m)
	}
}
