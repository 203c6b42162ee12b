package expr

import (
	"fmt"
	"strings"

	"lws.localdev.org/wire"
)

// resolvePath walks a document path inside an item, resolving #name
// placeholders. The boolean is false when any segment is missing.
func resolvePath(p docPath, item wire.Item, b Bindings) (wire.Value, bool, error) {
	var cur wire.Value
	for i, seg := range p.segs {
		if seg.isIndex {
			if cur.L == nil || seg.index < 0 || seg.index >= len(cur.L) {
				return wire.Value{}, false, nil
			}
			cur = cur.L[seg.index]
			continue
		}
		name := seg.name
		if strings.HasPrefix(name, "#") {
			resolved, err := b.name(name)
			if err != nil {
				return wire.Value{}, false, err
			}
			name = resolved
		}
		if i == 0 {
			v, ok := item[name]
			if !ok {
				return wire.Value{}, false, nil
			}
			cur = v
			continue
		}
		if cur.M == nil {
			return wire.Value{}, false, nil
		}
		v, ok := cur.M[name]
		if !ok {
			return wire.Value{}, false, nil
		}
		cur = v
	}
	return cur, true, nil
}

// evalOperand produces the operand's wire value against an item.
func evalOperand(o operand, item wire.Item, b Bindings) (wire.Value, bool, error) {
	switch o.kind {
	case opValue:
		v, err := b.value(o.value)
		if err != nil {
			return wire.Value{}, false, err
		}
		return v, true, nil
	case opSize:
		v, ok, err := resolvePath(o.path, item, b)
		if err != nil || !ok {
			return wire.Value{}, false, err
		}
		var n int
		switch {
		case v.S != nil:
			n = len(*v.S)
		case v.B != nil:
			n = len(v.B)
		case v.L != nil:
			n = len(v.L)
		case v.M != nil:
			n = len(v.M)
		case v.SS != nil:
			n = len(v.SS)
		case v.NS != nil:
			n = len(v.NS)
		case v.BS != nil:
			n = len(v.BS)
		default:
			return wire.Value{}, false, nil
		}
		return wire.Number(float64(n)), true, nil
	default:
		return resolvePath(o.path, item, b)
	}
}

// Eval evaluates the condition against an item. Missing attributes make
// comparisons false rather than erroring, matching the filter contract.
func (c *Condition) Eval(item wire.Item, b Bindings) (bool, error) {
	return evalCond(c.root, item, b)
}

func evalCond(n condNode, item wire.Item, b Bindings) (bool, error) {
	switch t := n.(type) {
	case andNode:
		l, err := evalCond(t.lhs, item, b)
		if err != nil || !l {
			return false, err
		}
		return evalCond(t.rhs, item, b)
	case orNode:
		l, err := evalCond(t.lhs, item, b)
		if err != nil {
			return false, err
		}
		if l {
			return true, nil
		}
		return evalCond(t.rhs, item, b)
	case notNode:
		v, err := evalCond(t.inner, item, b)
		return !v, err
	case cmpNode:
		lhs, lok, err := evalOperand(t.lhs, item, b)
		if err != nil {
			return false, err
		}
		rhs, rok, err := evalOperand(t.rhs, item, b)
		if err != nil {
			return false, err
		}
		if !lok || !rok {
			return false, nil
		}
		return compare(t.op, lhs, rhs), nil
	case betweenNode:
		v, ok, err := evalOperand(t.operand, item, b)
		if err != nil || !ok {
			return false, err
		}
		lo, lok, err := evalOperand(t.lo, item, b)
		if err != nil {
			return false, err
		}
		hi, hok, err := evalOperand(t.hi, item, b)
		if err != nil {
			return false, err
		}
		if !lok || !hok {
			return false, nil
		}
		c1, ok1 := wire.Compare(v, lo)
		c2, ok2 := wire.Compare(v, hi)
		return ok1 && ok2 && c1 >= 0 && c2 <= 0, nil
	case inNode:
		v, ok, err := evalOperand(t.operand, item, b)
		if err != nil || !ok {
			return false, err
		}
		for _, el := range t.list {
			ev, eok, err := evalOperand(el, item, b)
			if err != nil {
				return false, err
			}
			if eok && wire.Equal(v, ev) {
				return true, nil
			}
		}
		return false, nil
	case fnNode:
		return evalFn(t, item, b)
	}
	return false, fmt.Errorf("unknown condition node %T", n)
}

func compare(op string, a, b wire.Value) bool {
	switch op {
	case "=":
		return wire.Equal(a, b)
	case "<>":
		return !wire.Equal(a, b)
	}
	c, ok := wire.Compare(a, b)
	if !ok {
		return false
	}
	switch op {
	case "<":
		return c < 0
	case "<=":
		return c <= 0
	case ">":
		return c > 0
	case ">=":
		return c >= 0
	}
	return false
}

func evalFn(t fnNode, item wire.Item, b Bindings) (bool, error) {
	v, present, err := resolvePath(t.path, item, b)
	if err != nil {
		return false, err
	}
	switch t.name {
	case "attribute_exists":
		return present, nil
	case "attribute_not_exists":
		return !present, nil
	case "attribute_type":
		if !present {
			return false, nil
		}
		arg, ok, err := evalOperand(*t.arg, item, b)
		if err != nil || !ok {
			return false, err
		}
		if arg.S == nil {
			return false, nil
		}
		return v.TypeTag() == *arg.S, nil
	case "begins_with":
		if !present || v.S == nil {
			return false, nil
		}
		arg, ok, err := evalOperand(*t.arg, item, b)
		if err != nil || !ok {
			return false, err
		}
		if arg.S == nil {
			return false, nil
		}
		return strings.HasPrefix(*v.S, *arg.S), nil
	case "contains":
		if !present {
			return false, nil
		}
		arg, ok, err := evalOperand(*t.arg, item, b)
		if err != nil || !ok {
			return false, err
		}
		return containsValue(v, arg), nil
	}
	return false, fmt.Errorf("unknown function %q", t.name)
}

func containsValue(haystack, needle wire.Value) bool {
	switch {
	case haystack.S != nil && needle.S != nil:
		return strings.Contains(*haystack.S, *needle.S)
	case haystack.L != nil:
		for _, el := range haystack.L {
			if wire.Equal(el, needle) {
				return true
			}
		}
	case haystack.SS != nil && needle.S != nil:
		for _, s := range haystack.SS {
			if s == *needle.S {
				return true
			}
		}
	case haystack.NS != nil && needle.N != nil:
		for _, n := range haystack.NS {
			if wire.Equal(wire.NumberString(n), needle) {
				return true
			}
		}
	}
	return false
}
