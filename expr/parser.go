package expr

import (
	"strconv"
	"strings"
)

type parser struct {
	toks []token
	pos  int
}

func (p *parser) peek() token { return p.toks[p.pos] }
func (p *parser) next() token { t := p.toks[p.pos]; p.pos++; return t }
func (p *parser) atEOF() bool { return p.peek().kind == tokEOF }

func (p *parser) expect(kind tokenKind, what string) (token, error) {
	t := p.next()
	if t.kind != kind {
		return token{}, syntaxErr(t.pos, "expected %s, got %q", what, t.text)
	}
	return t, nil
}

// ParseCondition parses a condition or filter expression.
func ParseCondition(s string) (*Condition, error) {
	toks, err := tokenize(s)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	root, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if !p.atEOF() {
		return nil, syntaxErr(p.peek().pos, "trailing input %q", p.peek().text)
	}
	return &Condition{root: root}, nil
}

func (p *parser) parseOr() (condNode, error) {
	lhs, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for isKeyword(p.peek(), "OR") {
		p.next()
		rhs, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		lhs = orNode{lhs, rhs}
	}
	return lhs, nil
}

func (p *parser) parseAnd() (condNode, error) {
	lhs, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for isKeyword(p.peek(), "AND") {
		p.next()
		rhs, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		lhs = andNode{lhs, rhs}
	}
	return lhs, nil
}

func (p *parser) parseUnary() (condNode, error) {
	if isKeyword(p.peek(), "NOT") {
		p.next()
		inner, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return notNode{inner}, nil
	}
	return p.parsePrimary()
}

var boolFunctions = map[string]bool{
	"attribute_exists":     true,
	"attribute_not_exists": true,
	"attribute_type":       true,
	"begins_with":          true,
	"contains":             true,
}

func (p *parser) parsePrimary() (condNode, error) {
	t := p.peek()
	if t.kind == tokLParen {
		p.next()
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokRParen, ")"); err != nil {
			return nil, err
		}
		return inner, nil
	}
	// Boolean function call?
	if t.kind == tokIdent && boolFunctions[strings.ToLower(t.text)] && p.toks[p.pos+1].kind == tokLParen {
		return p.parseBoolFunction()
	}
	// Otherwise an operand followed by comparator / BETWEEN / IN.
	lhs, err := p.parseOperand()
	if err != nil {
		return nil, err
	}
	nt := p.peek()
	switch {
	case nt.kind == tokComparator:
		p.next()
		rhs, err := p.parseOperand()
		if err != nil {
			return nil, err
		}
		return cmpNode{op: nt.text, lhs: lhs, rhs: rhs}, nil
	case isKeyword(nt, "BETWEEN"):
		p.next()
		lo, err := p.parseOperand()
		if err != nil {
			return nil, err
		}
		if !isKeyword(p.peek(), "AND") {
			return nil, syntaxErr(p.peek().pos, "expected AND in BETWEEN")
		}
		p.next()
		hi, err := p.parseOperand()
		if err != nil {
			return nil, err
		}
		return betweenNode{operand: lhs, lo: lo, hi: hi}, nil
	case isKeyword(nt, "IN"):
		p.next()
		if _, err := p.expect(tokLParen, "("); err != nil {
			return nil, err
		}
		var list []operand
		for {
			o, err := p.parseOperand()
			if err != nil {
				return nil, err
			}
			list = append(list, o)
			if p.peek().kind == tokComma {
				p.next()
				continue
			}
			break
		}
		if _, err := p.expect(tokRParen, ")"); err != nil {
			return nil, err
		}
		return inNode{operand: lhs, list: list}, nil
	}
	return nil, syntaxErr(nt.pos, "expected comparator, BETWEEN or IN after operand")
}

func (p *parser) parseBoolFunction() (condNode, error) {
	name := strings.ToLower(p.next().text)
	if _, err := p.expect(tokLParen, "("); err != nil {
		return nil, err
	}
	path, err := p.parsePath()
	if err != nil {
		return nil, err
	}
	node := fnNode{name: name, path: path}
	if name != "attribute_exists" && name != "attribute_not_exists" {
		if _, err := p.expect(tokComma, ","); err != nil {
			return nil, err
		}
		arg, err := p.parseOperand()
		if err != nil {
			return nil, err
		}
		node.arg = &arg
	}
	if _, err := p.expect(tokRParen, ")"); err != nil {
		return nil, err
	}
	return node, nil
}

func (p *parser) parseOperand() (operand, error) {
	t := p.peek()
	switch {
	case t.kind == tokValuePlaceholder:
		p.next()
		return operand{kind: opValue, value: t.text}, nil
	case t.kind == tokIdent && strings.EqualFold(t.text, "size") && p.toks[p.pos+1].kind == tokLParen:
		p.next()
		p.next() // (
		path, err := p.parsePath()
		if err != nil {
			return operand{}, err
		}
		if _, err := p.expect(tokRParen, ")"); err != nil {
			return operand{}, err
		}
		return operand{kind: opSize, path: path}, nil
	case t.kind == tokIdent || t.kind == tokNamePlaceholder:
		path, err := p.parsePath()
		if err != nil {
			return operand{}, err
		}
		return operand{kind: opPath, path: path}, nil
	}
	return operand{}, syntaxErr(t.pos, "expected operand, got %q", t.text)
}

func (p *parser) parsePath() (docPath, error) {
	t := p.next()
	if t.kind != tokIdent && t.kind != tokNamePlaceholder {
		return docPath{}, syntaxErr(t.pos, "expected attribute name, got %q", t.text)
	}
	path := docPath{segs: []pathSeg{{name: t.text}}}
	for {
		switch p.peek().kind {
		case tokDot:
			p.next()
			nt := p.next()
			if nt.kind != tokIdent && nt.kind != tokNamePlaceholder {
				return docPath{}, syntaxErr(nt.pos, "expected attribute name after '.'")
			}
			path.segs = append(path.segs, pathSeg{name: nt.text})
		case tokLBracket:
			p.next()
			num, err := p.expect(tokNumber, "list index")
			if err != nil {
				return docPath{}, err
			}
			idx, _ := strconv.Atoi(num.text)
			path.segs = append(path.segs, pathSeg{index: idx, isIndex: true})
			if _, err := p.expect(tokRBracket, "]"); err != nil {
				return docPath{}, err
			}
		default:
			return path, nil
		}
	}
}

// ParseUpdate parses an update expression (SET / REMOVE / ADD / DELETE
// clauses in any order, each at most once).
func ParseUpdate(s string) (*Update, error) {
	toks, err := tokenize(s)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	u := &Update{}
	seen := map[string]bool{}
	for !p.atEOF() {
		kw := p.next()
		if kw.kind != tokIdent {
			return nil, syntaxErr(kw.pos, "expected clause keyword, got %q", kw.text)
		}
		clause := strings.ToUpper(kw.text)
		if seen[clause] {
			return nil, syntaxErr(kw.pos, "duplicate %s clause", clause)
		}
		seen[clause] = true
		switch clause {
		case "SET":
			if err := p.parseSetClause(u); err != nil {
				return nil, err
			}
		case "REMOVE":
			if err := p.parseRemoveClause(u); err != nil {
				return nil, err
			}
		case "ADD":
			if err := p.parseAddDeleteClause(&u.adds, nil); err != nil {
				return nil, err
			}
		case "DELETE":
			if err := p.parseAddDeleteClause(nil, &u.deletes); err != nil {
				return nil, err
			}
		default:
			return nil, syntaxErr(kw.pos, "unknown clause %q", kw.text)
		}
	}
	return u, nil
}

func (p *parser) clauseBoundary() bool {
	t := p.peek()
	return t.kind == tokEOF || (t.kind == tokIdent &&
		(strings.EqualFold(t.text, "SET") || strings.EqualFold(t.text, "REMOVE") ||
			strings.EqualFold(t.text, "ADD") || strings.EqualFold(t.text, "DELETE")))
}

func (p *parser) parseSetClause(u *Update) error {
	for {
		path, err := p.parsePath()
		if err != nil {
			return err
		}
		eq, err := p.expect(tokComparator, "=")
		if err != nil {
			return err
		}
		if eq.text != "=" {
			return syntaxErr(eq.pos, "expected '=' in SET action")
		}
		val, err := p.parseSetValue()
		if err != nil {
			return err
		}
		u.sets = append(u.sets, setAction{path: path, value: val})
		if p.peek().kind == tokComma {
			p.next()
			continue
		}
		if p.clauseBoundary() {
			return nil
		}
		return syntaxErr(p.peek().pos, "unexpected token %q in SET clause", p.peek().text)
	}
}

func (p *parser) parseSetValue() (setValue, error) {
	t := p.peek()
	if t.kind == tokIdent && p.toks[p.pos+1].kind == tokLParen {
		fn := strings.ToLower(t.text)
		switch fn {
		case "if_not_exists", "list_append":
			p.next()
			p.next() // (
			a, err := p.parseOperand()
			if err != nil {
				return setValue{}, err
			}
			if _, err := p.expect(tokComma, ","); err != nil {
				return setValue{}, err
			}
			b, err := p.parseOperand()
			if err != nil {
				return setValue{}, err
			}
			if _, err := p.expect(tokRParen, ")"); err != nil {
				return setValue{}, err
			}
			kind := setIfNotExists
			if fn == "list_append" {
				kind = setListAppend
			}
			return setValue{kind: kind, a: a, b: b}, nil
		}
	}
	a, err := p.parseOperand()
	if err != nil {
		return setValue{}, err
	}
	nt := p.peek()
	if nt.kind == tokComparator && (nt.text == "+" || nt.text == "-") {
		p.next()
		b, err := p.parseOperand()
		if err != nil {
			return setValue{}, err
		}
		kind := setPlus
		if nt.text == "-" {
			kind = setMinus
		}
		return setValue{kind: kind, a: a, b: b}, nil
	}
	return setValue{kind: setOperand, a: a}, nil
}

func (p *parser) parseRemoveClause(u *Update) error {
	for {
		path, err := p.parsePath()
		if err != nil {
			return err
		}
		u.removes = append(u.removes, removeAction{path: path})
		if p.peek().kind == tokComma {
			p.next()
			continue
		}
		if p.clauseBoundary() {
			return nil
		}
		return syntaxErr(p.peek().pos, "unexpected token %q in REMOVE clause", p.peek().text)
	}
}

func (p *parser) parseAddDeleteClause(adds *[]addAction, deletes *[]deleteAction) error {
	for {
		path, err := p.parsePath()
		if err != nil {
			return err
		}
		ph, err := p.expect(tokValuePlaceholder, "value placeholder")
		if err != nil {
			return err
		}
		if adds != nil {
			*adds = append(*adds, addAction{path: path, value: ph.text})
		} else {
			*deletes = append(*deletes, deleteAction{path: path, value: ph.text})
		}
		if p.peek().kind == tokComma {
			p.next()
			continue
		}
		if p.clauseBoundary() {
			return nil
		}
		return syntaxErr(p.peek().pos, "unexpected token %q in clause", p.peek().text)
	}
}
