package expr

import (
	"fmt"
	"strings"

	"lws.localdev.org/wire"
)

// pathSeg is one step of a document path: a field name (possibly via a
// #placeholder) or a list index.
type pathSeg struct {
	name    string
	index   int
	isIndex bool
}

// docPath addresses an attribute inside an item, e.g. `a.b[0].#n`.
type docPath struct {
	segs []pathSeg
}

func (p docPath) String() string {
	var b strings.Builder
	for i, s := range p.segs {
		if s.isIndex {
			fmt.Fprintf(&b, "[%d]", s.index)
			continue
		}
		if i > 0 {
			b.WriteByte('.')
		}
		b.WriteString(s.name)
	}
	return b.String()
}

// topName returns the top-level attribute the path starts at.
func (p docPath) topName() string { return p.segs[0].name }

// operand is the value-producing side of a comparison: a document path,
// a value placeholder, or a size(...) call.
type operandKind int

const (
	opPath operandKind = iota
	opValue
	opSize
)

type operand struct {
	kind  operandKind
	path  docPath
	value string // value placeholder name, ":v"
}

// condNode is the boolean AST shared by condition and filter dialects.
type condNode interface{ isCond() }

type cmpNode struct {
	op  string // = <> < <= > >=
	lhs operand
	rhs operand
}

type betweenNode struct {
	operand operand
	lo, hi  operand
}

type inNode struct {
	operand operand
	list    []operand
}

type fnNode struct {
	name string // attribute_exists, attribute_not_exists, begins_with, contains, attribute_type
	path docPath
	arg  *operand // second argument where applicable
}

type andNode struct{ lhs, rhs condNode }
type orNode struct{ lhs, rhs condNode }
type notNode struct{ inner condNode }

func (cmpNode) isCond()     {}
func (betweenNode) isCond() {}
func (inNode) isCond()      {}
func (fnNode) isCond()      {}
func (andNode) isCond()     {}
func (orNode) isCond()      {}
func (notNode) isCond()     {}

// Update statement actions.

type setValueKind int

const (
	setOperand setValueKind = iota
	setPlus                 // a + b
	setMinus                // a - b
	setIfNotExists
	setListAppend
)

// setValue is the right-hand side of a SET action. For setPlus/setMinus
// a and b are the two terms; for if_not_exists a is the probed path and
// b the fallback; for list_append a and b are the two lists.
type setValue struct {
	kind setValueKind
	a, b operand
}

type setAction struct {
	path  docPath
	value setValue
}

type removeAction struct{ path docPath }

type addAction struct {
	path  docPath
	value string // value placeholder
}

type deleteAction struct {
	path  docPath
	value string // value placeholder (a set)
}

// Update is a parsed update expression.
type Update struct {
	sets    []setAction
	removes []removeAction
	adds    []addAction
	deletes []deleteAction
}

// Condition is a parsed condition/filter expression.
type Condition struct {
	root condNode
}

// Bindings carries the placeholder maps supplied with a request.
type Bindings struct {
	Names  map[string]string     // "#n" -> attribute name
	Values map[string]wire.Value // ":v" -> wire value
}

func (b Bindings) name(ph string) (string, error) {
	if b.Names == nil {
		return "", fmt.Errorf("unresolved name placeholder %s", ph)
	}
	n, ok := b.Names[ph]
	if !ok {
		return "", fmt.Errorf("unresolved name placeholder %s", ph)
	}
	return n, nil
}

func (b Bindings) value(ph string) (wire.Value, error) {
	if b.Values == nil {
		return wire.Value{}, fmt.Errorf("unresolved value placeholder %s", ph)
	}
	v, ok := b.Values[ph]
	if !ok {
		return wire.Value{}, fmt.Errorf("unresolved value placeholder %s", ph)
	}
	return v, nil
}
