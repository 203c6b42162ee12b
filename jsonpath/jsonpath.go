// Package jsonpath implements the JSON-path subset used by the workflow
// engine for I/O processing and choice rules: `$`, dotted field access,
// numeric indexes, the `[*]` wildcard, and `$$` for the injected context
// object (e.g. `$$.Map.Item.Value`).
package jsonpath

import (
	"fmt"
	"strconv"
	"strings"
)

// ErrNotFound is wrapped by Resolve when a path segment is missing.
var ErrNotFound = fmt.Errorf("path not found")

type segment struct {
	field    string
	index    int
	wildcard bool
	isIndex  bool
}

// parse splits a path like "$.a.b[0].c" or "$$.Map.Item.Value" into
// segments. Returns whether the path addresses the context object.
func parse(path string) (segs []segment, contextPath bool, err error) {
	p := path
	switch {
	case strings.HasPrefix(p, "$$"):
		contextPath = true
		p = p[2:]
	case strings.HasPrefix(p, "$"):
		p = p[1:]
	default:
		return nil, false, fmt.Errorf("path must start with $ or $$: %q", path)
	}
	for len(p) > 0 {
		switch p[0] {
		case '.':
			p = p[1:]
			end := strings.IndexAny(p, ".[")
			if end == -1 {
				end = len(p)
			}
			if end == 0 {
				return nil, false, fmt.Errorf("empty field in path %q", path)
			}
			segs = append(segs, segment{field: p[:end]})
			p = p[end:]
		case '[':
			close := strings.IndexByte(p, ']')
			if close == -1 {
				return nil, false, fmt.Errorf("unterminated index in path %q", path)
			}
			inner := p[1:close]
			if inner == "*" {
				segs = append(segs, segment{wildcard: true})
			} else {
				idx, convErr := strconv.Atoi(inner)
				if convErr != nil {
					return nil, false, fmt.Errorf("bad index %q in path %q", inner, path)
				}
				segs = append(segs, segment{index: idx, isIndex: true})
			}
			p = p[close+1:]
		default:
			return nil, false, fmt.Errorf("unexpected character %q in path %q", p[0], path)
		}
	}
	return segs, contextPath, nil
}

// Resolve evaluates path against doc; `$$` paths evaluate against ctx.
func Resolve(path string, doc, ctx any) (any, error) {
	segs, isCtx, err := parse(path)
	if err != nil {
		return nil, err
	}
	cur := doc
	if isCtx {
		cur = ctx
	}
	return walk(cur, segs, path)
}

func walk(cur any, segs []segment, full string) (any, error) {
	for i, s := range segs {
		switch {
		case s.wildcard:
			list, ok := cur.([]any)
			if !ok {
				return nil, fmt.Errorf("%w: %s is not a list", ErrNotFound, full)
			}
			out := make([]any, 0, len(list))
			for _, el := range list {
				v, err := walk(el, segs[i+1:], full)
				if err != nil {
					continue
				}
				out = append(out, v)
			}
			return out, nil
		case s.isIndex:
			list, ok := cur.([]any)
			if !ok || s.index < 0 || s.index >= len(list) {
				return nil, fmt.Errorf("%w: %s", ErrNotFound, full)
			}
			cur = list[s.index]
		default:
			m, ok := cur.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("%w: %s", ErrNotFound, full)
			}
			v, ok := m[s.field]
			if !ok {
				return nil, fmt.Errorf("%w: %s", ErrNotFound, full)
			}
			cur = v
		}
	}
	return cur, nil
}

// Has reports whether the path resolves in doc.
func Has(path string, doc, ctx any) bool {
	_, err := Resolve(path, doc, ctx)
	return err == nil
}

// Assign sets value at path inside doc, creating intermediate maps as
// needed, and returns the updated document. "$" replaces the whole
// document. The input document is not mutated.
func Assign(path string, doc, value any) (any, error) {
	segs, isCtx, err := parse(path)
	if err != nil {
		return nil, err
	}
	if isCtx {
		return nil, fmt.Errorf("cannot assign into context path %q", path)
	}
	if len(segs) == 0 {
		return value, nil
	}
	return assign(doc, segs, value)
}

func assign(cur any, segs []segment, value any) (any, error) {
	s := segs[0]
	if s.wildcard {
		return nil, fmt.Errorf("cannot assign through wildcard")
	}
	if s.isIndex {
		list, _ := cur.([]any)
		for len(list) <= s.index {
			list = append(list, nil)
		}
		out := make([]any, len(list))
		copy(out, list)
		if len(segs) == 1 {
			out[s.index] = value
			return out, nil
		}
		child, err := assign(out[s.index], segs[1:], value)
		if err != nil {
			return nil, err
		}
		out[s.index] = child
		return out, nil
	}
	m, _ := cur.(map[string]any)
	out := make(map[string]any, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	if len(segs) == 1 {
		out[s.field] = value
		return out, nil
	}
	child, err := assign(out[s.field], segs[1:], value)
	if err != nil {
		return nil, err
	}
	out[s.field] = child
	return out, nil
}

// ApplyInputPath filters input through an optional path. A nil path
// forwards the input unchanged; "$" likewise.
func ApplyInputPath(path *string, input, ctx any) (any, error) {
	if path == nil || *path == "$" {
		return input, nil
	}
	return Resolve(*path, input, ctx)
}

// ApplyResultPath merges result into input at the result path. A nil
// path or "$" replaces the input with the result entirely.
func ApplyResultPath(path *string, input, result any) (any, error) {
	if path == nil || *path == "$" {
		return result, nil
	}
	return Assign(*path, input, result)
}

// ApplyParameters substitutes a literal-or-reference parameter template.
// Map keys ending in ".$" are replaced by the resolved path value under
// the key without the suffix; everything else is copied literally.
func ApplyParameters(params, input, ctx any) (any, error) {
	switch t := params.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, v := range t {
			if strings.HasSuffix(k, ".$") {
				ref, ok := v.(string)
				if !ok {
					return nil, fmt.Errorf("parameter %q must reference a path string", k)
				}
				resolved, err := Resolve(ref, input, ctx)
				if err != nil {
					return nil, fmt.Errorf("parameter %q: %w", k, err)
				}
				out[strings.TrimSuffix(k, ".$")] = resolved
				continue
			}
			sub, err := ApplyParameters(v, input, ctx)
			if err != nil {
				return nil, err
			}
			out[k] = sub
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, v := range t {
			sub, err := ApplyParameters(v, input, ctx)
			if err != nil {
				return nil, err
			}
			out[i] = sub
		}
		return out, nil
	default:
		return params, nil
	}
}
