// Package query implements Caesium's small functional query language:
//
//	fetch(metric [, lo, hi])
//	search(glob)
//	coalesce(set)
//	combine(set, set, ...)
//	group(hours|days|minutes, set)
//	quantile(set, phi, ...)
//
// The grammar has exactly two value categories — SetExpr (a stream of
// windows) and QuantileExpr (a table of quantile values) — and only
// Quantile can be the root of a query, since a bare stream of windows is
// not itself a result a caller can read off.
package query

import "fmt"

type parser struct {
	tokens []token
	pos    int
}

// Parse compiles a query string into its AST, type-checking value
// categories as it goes so that e.g. nesting quantile(...) inside
// fetch(...)'s argument position is rejected at parse time rather than at
// evaluation time.
func Parse(input string) (Expr, error) {
	tokens, err := scan(input)
	if err != nil {
		return nil, err
	}
	p := &parser{tokens: tokens}
	expr, err := p.parseAny()
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tokEOF {
		return nil, fmt.Errorf("query: unexpected trailing input at %d", p.peek().pos)
	}
	return expr, nil
}

func (p *parser) peek() token { return p.tokens[p.pos] }

func (p *parser) next() token {
	t := p.tokens[p.pos]
	if p.pos < len(p.tokens)-1 {
		p.pos++
	}
	return t
}

func (p *parser) expect(kind tokenKind, what string) (token, error) {
	t := p.next()
	if t.kind != kind {
		return t, fmt.Errorf("query: expected %s at %d, got %q", what, t.pos, t.text)
	}
	return t, nil
}

func (p *parser) parseAny() (Expr, error) {
	t := p.peek()
	if t.kind != tokIdent {
		return nil, fmt.Errorf("query: expected identifier at %d, got %q", t.pos, t.text)
	}
	switch t.text {
	case "fetch":
		return p.parseFetch()
	case "search":
		return p.parseSearch()
	case "coalesce":
		return p.parseCoalesce()
	case "combine":
		return p.parseCombine()
	case "group":
		return p.parseGroup()
	case "quantile":
		return p.parseQuantile()
	default:
		return nil, fmt.Errorf("query: unknown function %q at %d", t.text, t.pos)
	}
}

// parseSet parses an expression and requires it to be a SetExpr, the way a
// typed recursive-descent parser rejects wrong value categories directly
// during the parse.
func (p *parser) parseSet() (SetExpr, error) {
	e, err := p.parseAny()
	if err != nil {
		return nil, err
	}
	set, ok := e.(SetExpr)
	if !ok {
		return nil, fmt.Errorf("query: expected a set-valued expression, got %s", e.String())
	}
	return set, nil
}

// parseName accepts either value a name production can take (spec.md's
// name := quoted-string | bare-ident): a quoted string or a bare
// identifier token.
func (p *parser) parseName(what string) (string, error) {
	t := p.next()
	if t.kind != tokString && t.kind != tokIdent {
		return "", fmt.Errorf("query: expected %s at %d, got %q", what, t.pos, t.text)
	}
	return t.text, nil
}

func (p *parser) parseFetch() (SetExpr, error) {
	p.next()
	if _, err := p.expect(tokLParen, "'('"); err != nil {
		return nil, err
	}
	name, err := p.parseName("metric name")
	if err != nil {
		return nil, err
	}
	f := &Fetch{Metric: name}
	if p.peek().kind == tokComma {
		p.next()
		lo, err := p.expect(tokNumber, "range start")
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokComma, "','"); err != nil {
			return nil, err
		}
		hi, err := p.expect(tokNumber, "range end")
		if err != nil {
			return nil, err
		}
		loVal, hiVal := parseInt(lo.text), parseInt(hi.text)
		f.Lo, f.Hi = &loVal, &hiVal
	}
	if _, err := p.expect(tokRParen, "')'"); err != nil {
		return nil, err
	}
	return f, nil
}

func (p *parser) parseSearch() (SetExpr, error) {
	p.next()
	if _, err := p.expect(tokLParen, "'('"); err != nil {
		return nil, err
	}
	glob, err := p.parseName("glob pattern")
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(tokRParen, "')'"); err != nil {
		return nil, err
	}
	return &Search{Glob: glob}, nil
}

func (p *parser) parseCoalesce() (SetExpr, error) {
	p.next()
	if _, err := p.expect(tokLParen, "'('"); err != nil {
		return nil, err
	}
	input, err := p.parseSet()
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(tokRParen, "')'"); err != nil {
		return nil, err
	}
	return &Coalesce{Input: input}, nil
}

func (p *parser) parseCombine() (SetExpr, error) {
	p.next()
	if _, err := p.expect(tokLParen, "'('"); err != nil {
		return nil, err
	}
	var inputs []SetExpr
	for {
		in, err := p.parseSet()
		if err != nil {
			return nil, err
		}
		inputs = append(inputs, in)
		if p.peek().kind == tokComma {
			p.next()
			continue
		}
		break
	}
	if _, err := p.expect(tokRParen, "')'"); err != nil {
		return nil, err
	}
	if len(inputs) < 2 {
		return nil, fmt.Errorf("query: combine requires at least two inputs")
	}
	return &Combine{Inputs: inputs}, nil
}

// parseGroup follows spec.md's pinned grammar exactly:
//
//	group := "group" "(" ("hours"|"days"|"minutes") "," set_expr ")"
//
// the bucket unit comes first, with no count argument — every bucket is
// exactly one calendar unit wide.
func (p *parser) parseGroup() (SetExpr, error) {
	p.next()
	if _, err := p.expect(tokLParen, "'('"); err != nil {
		return nil, err
	}
	unitTok, err := p.expect(tokIdent, "one of hours, days, minutes")
	if err != nil {
		return nil, err
	}
	var unit GroupUnit
	switch unitTok.text {
	case "hours":
		unit = GroupHours
	case "days":
		unit = GroupDays
	case "minutes":
		unit = GroupMinutes
	default:
		return nil, fmt.Errorf("query: unknown group unit %q at %d", unitTok.text, unitTok.pos)
	}
	if _, err := p.expect(tokComma, "','"); err != nil {
		return nil, err
	}
	input, err := p.parseSet()
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(tokRParen, "')'"); err != nil {
		return nil, err
	}
	return &Group{Unit: unit, Input: input}, nil
}

func (p *parser) parseQuantile() (QuantileExpr, error) {
	p.next()
	if _, err := p.expect(tokLParen, "'('"); err != nil {
		return nil, err
	}
	input, err := p.parseSet()
	if err != nil {
		return nil, err
	}
	var phis []float64
	for p.peek().kind == tokComma {
		p.next()
		tok, err := p.expect(tokNumber, "quantile value in (0,1)")
		if err != nil {
			return nil, err
		}
		phi, err := parseFloat(tok.text)
		if err != nil {
			return nil, fmt.Errorf("query: %v at %d", err, tok.pos)
		}
		if phi <= 0 || phi >= 1 {
			return nil, fmt.Errorf("query: quantile %g out of range (0,1) at %d", phi, tok.pos)
		}
		phis = append(phis, phi)
	}
	if _, err := p.expect(tokRParen, "')'"); err != nil {
		return nil, err
	}
	if len(phis) == 0 {
		return nil, fmt.Errorf("query: quantile requires at least one phi argument")
	}
	return &Quantile{Input: input, Phis: phis}, nil
}

func parseInt(s string) int64 {
	var v int64
	for _, c := range s {
		v = v*10 + int64(c-'0')
	}
	return v
}

func parseFloat(s string) (float64, error) {
	var intPart, fracPart float64
	var fracDiv float64 = 1
	seenDot := false
	for _, c := range s {
		switch {
		case c == '.':
			if seenDot {
				return 0, fmt.Errorf("invalid number %q", s)
			}
			seenDot = true
		case c >= '0' && c <= '9':
			d := float64(c - '0')
			if seenDot {
				fracDiv *= 10
				fracPart = fracPart*10 + d
			} else {
				intPart = intPart*10 + d
			}
		default:
			return 0, fmt.Errorf("invalid number %q", s)
		}
	}
	return intPart + fracPart/fracDiv, nil
}
