package expr

import (
	"fmt"
	"strconv"
	"strings"

	"lws.localdev.org/wire"
)

// Apply executes the update against a copy of the item and returns the
// result. The input item is not mutated.
func (u *Update) Apply(item wire.Item, b Bindings) (wire.Item, error) {
	out := cloneItem(item)
	for _, a := range u.sets {
		v, err := u.evalSetValue(a.value, out, b)
		if err != nil {
			return nil, err
		}
		if err := assignPath(out, a.path, v, b); err != nil {
			return nil, err
		}
	}
	for _, a := range u.removes {
		if err := removePath(out, a.path, b); err != nil {
			return nil, err
		}
	}
	for _, a := range u.adds {
		if err := applyAdd(out, a, b); err != nil {
			return nil, err
		}
	}
	for _, a := range u.deletes {
		if err := applyDelete(out, a, b); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (u *Update) evalSetValue(v setValue, item wire.Item, b Bindings) (wire.Value, error) {
	switch v.kind {
	case setOperand:
		val, ok, err := evalOperand(v.a, item, b)
		if err != nil {
			return wire.Value{}, err
		}
		if !ok {
			return wire.Value{}, fmt.Errorf("operand path %s does not exist", v.a.path)
		}
		return val, nil
	case setPlus, setMinus:
		av, aok, err := evalOperand(v.a, item, b)
		if err != nil {
			return wire.Value{}, err
		}
		bv, bok, err := evalOperand(v.b, item, b)
		if err != nil {
			return wire.Value{}, err
		}
		if !aok || !bok || av.N == nil || bv.N == nil {
			return wire.Value{}, fmt.Errorf("arithmetic requires two numeric operands")
		}
		af, _ := strconv.ParseFloat(*av.N, 64)
		bf, _ := strconv.ParseFloat(*bv.N, 64)
		if v.kind == setMinus {
			return wire.Number(af - bf), nil
		}
		return wire.Number(af + bf), nil
	case setIfNotExists:
		val, ok, err := evalOperand(v.a, item, b)
		if err != nil {
			return wire.Value{}, err
		}
		if ok {
			return val, nil
		}
		fb, fok, err := evalOperand(v.b, item, b)
		if err != nil {
			return wire.Value{}, err
		}
		if !fok {
			return wire.Value{}, fmt.Errorf("if_not_exists fallback does not resolve")
		}
		return fb, nil
	case setListAppend:
		av, aok, err := evalOperand(v.a, item, b)
		if err != nil {
			return wire.Value{}, err
		}
		bv, bok, err := evalOperand(v.b, item, b)
		if err != nil {
			return wire.Value{}, err
		}
		if !aok || !bok || av.L == nil || bv.L == nil {
			return wire.Value{}, fmt.Errorf("list_append requires two lists")
		}
		merged := append(append([]wire.Value{}, av.L...), bv.L...)
		return wire.Value{L: merged}, nil
	}
	return wire.Value{}, fmt.Errorf("unknown set value kind")
}

func applyAdd(item wire.Item, a addAction, b Bindings) error {
	delta, err := b.value(a.value)
	if err != nil {
		return err
	}
	cur, present, err := resolvePath(a.path, item, b)
	if err != nil {
		return err
	}
	var next wire.Value
	switch {
	case delta.N != nil:
		df, err := strconv.ParseFloat(*delta.N, 64)
		if err != nil {
			return fmt.Errorf("ADD delta: %w", err)
		}
		base := 0.0
		if present {
			if cur.N == nil {
				return fmt.Errorf("ADD to non-numeric attribute %s", a.path)
			}
			base, _ = strconv.ParseFloat(*cur.N, 64)
		}
		next = wire.Number(base + df)
	case delta.SS != nil:
		set := map[string]bool{}
		if present {
			for _, s := range cur.SS {
				set[s] = true
			}
		}
		merged := []string{}
		if present {
			merged = append(merged, cur.SS...)
		}
		for _, s := range delta.SS {
			if !set[s] {
				merged = append(merged, s)
			}
		}
		next = wire.Value{SS: merged}
	case delta.NS != nil:
		set := map[string]bool{}
		if present {
			for _, s := range cur.NS {
				set[s] = true
			}
		}
		merged := []string{}
		if present {
			merged = append(merged, cur.NS...)
		}
		for _, s := range delta.NS {
			if !set[s] {
				merged = append(merged, s)
			}
		}
		next = wire.Value{NS: merged}
	default:
		return fmt.Errorf("ADD supports numbers and sets only")
	}
	return assignPath(item, a.path, next, b)
}

func applyDelete(item wire.Item, a deleteAction, b Bindings) error {
	subset, err := b.value(a.value)
	if err != nil {
		return err
	}
	cur, present, err := resolvePath(a.path, item, b)
	if err != nil {
		return err
	}
	if !present {
		return nil
	}
	switch {
	case subset.SS != nil && cur.SS != nil:
		drop := map[string]bool{}
		for _, s := range subset.SS {
			drop[s] = true
		}
		kept := []string{}
		for _, s := range cur.SS {
			if !drop[s] {
				kept = append(kept, s)
			}
		}
		if len(kept) == 0 {
			return removePath(item, a.path, b)
		}
		return assignPath(item, a.path, wire.Value{SS: kept}, b)
	case subset.NS != nil && cur.NS != nil:
		drop := map[string]bool{}
		for _, s := range subset.NS {
			drop[s] = true
		}
		kept := []string{}
		for _, s := range cur.NS {
			if !drop[s] {
				kept = append(kept, s)
			}
		}
		if len(kept) == 0 {
			return removePath(item, a.path, b)
		}
		return assignPath(item, a.path, wire.Value{NS: kept}, b)
	}
	return fmt.Errorf("DELETE requires matching set types at %s", a.path)
}

// assignPath writes value at path, creating intermediate maps. Only the
// top level mutates the item map directly; nested levels rebuild M maps.
func assignPath(item wire.Item, p docPath, value wire.Value, b Bindings) error {
	names, err := materialize(p, b)
	if err != nil {
		return err
	}
	if len(names) == 1 && !names[0].isIndex {
		item[names[0].name] = value
		return nil
	}
	top := names[0].name
	cur := item[top]
	updated, err := assignNested(cur, names[1:], value)
	if err != nil {
		return fmt.Errorf("path %s: %w", p, err)
	}
	item[top] = updated
	return nil
}

func assignNested(cur wire.Value, segs []pathSeg, value wire.Value) (wire.Value, error) {
	if len(segs) == 0 {
		return value, nil
	}
	s := segs[0]
	if s.isIndex {
		if cur.L == nil {
			return wire.Value{}, fmt.Errorf("not a list")
		}
		out := append([]wire.Value{}, cur.L...)
		if s.index < 0 || s.index > len(out) {
			return wire.Value{}, fmt.Errorf("index %d out of range", s.index)
		}
		if s.index == len(out) {
			out = append(out, wire.Value{})
		}
		child, err := assignNested(out[s.index], segs[1:], value)
		if err != nil {
			return wire.Value{}, err
		}
		out[s.index] = child
		return wire.Value{L: out}, nil
	}
	m := map[string]wire.Value{}
	for k, v := range cur.M {
		m[k] = v
	}
	child, err := assignNested(m[s.name], segs[1:], value)
	if err != nil {
		return wire.Value{}, err
	}
	m[s.name] = child
	return wire.Value{M: m}, nil
}

func removePath(item wire.Item, p docPath, b Bindings) error {
	names, err := materialize(p, b)
	if err != nil {
		return err
	}
	if len(names) == 1 && !names[0].isIndex {
		delete(item, names[0].name)
		return nil
	}
	top := names[0].name
	cur, ok := item[top]
	if !ok {
		return nil
	}
	updated, removed := removeNested(cur, names[1:])
	if removed {
		item[top] = updated
	}
	return nil
}

func removeNested(cur wire.Value, segs []pathSeg) (wire.Value, bool) {
	s := segs[0]
	if len(segs) == 1 {
		if s.isIndex {
			if cur.L == nil || s.index < 0 || s.index >= len(cur.L) {
				return cur, false
			}
			out := append([]wire.Value{}, cur.L[:s.index]...)
			out = append(out, cur.L[s.index+1:]...)
			return wire.Value{L: out}, true
		}
		if cur.M == nil {
			return cur, false
		}
		m := map[string]wire.Value{}
		for k, v := range cur.M {
			m[k] = v
		}
		delete(m, s.name)
		return wire.Value{M: m}, true
	}
	if s.isIndex {
		if cur.L == nil || s.index < 0 || s.index >= len(cur.L) {
			return cur, false
		}
		child, removed := removeNested(cur.L[s.index], segs[1:])
		if !removed {
			return cur, false
		}
		out := append([]wire.Value{}, cur.L...)
		out[s.index] = child
		return wire.Value{L: out}, true
	}
	if cur.M == nil {
		return cur, false
	}
	child, ok := cur.M[s.name]
	if !ok {
		return cur, false
	}
	updated, removed := removeNested(child, segs[1:])
	if !removed {
		return cur, false
	}
	m := map[string]wire.Value{}
	for k, v := range cur.M {
		m[k] = v
	}
	m[s.name] = updated
	return wire.Value{M: m}, true
}

// materialize resolves #name placeholders in every path segment.
func materialize(p docPath, b Bindings) ([]pathSeg, error) {
	out := make([]pathSeg, len(p.segs))
	for i, s := range p.segs {
		if !s.isIndex && strings.HasPrefix(s.name, "#") {
			n, err := b.name(s.name)
			if err != nil {
				return nil, err
			}
			s.name = n
		}
		out[i] = s
	}
	return out, nil
}

func cloneItem(item wire.Item) wire.Item {
	out := make(wire.Item, len(item))
	for k, v := range item {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v wire.Value) wire.Value {
	switch {
	case v.L != nil:
		l := make([]wire.Value, len(v.L))
		for i, e := range v.L {
			l[i] = cloneValue(e)
		}
		return wire.Value{L: l}
	case v.M != nil:
		m := make(map[string]wire.Value, len(v.M))
		for k, e := range v.M {
			m[k] = cloneValue(e)
		}
		return wire.Value{M: m}
	case v.SS != nil:
		return wire.Value{SS: append([]string{}, v.SS...)}
	case v.NS != nil:
		return wire.Value{NS: append([]string{}, v.NS...)}
	default:
		return v
	}
}
