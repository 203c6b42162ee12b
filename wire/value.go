// Package wire implements the tagged-union attribute value used on the
// KV wire protocol and in row storage. A Value carries exactly one of
// the member fields; the JSON shape is the standard single-key object
// form, e.g. {"S":"hello"} or {"N":"42"}.
package wire

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Value is the wire-format tagged union for a single attribute.
type Value struct {
	S    *string          `json:"S,omitempty"`
	N    *string          `json:"N,omitempty"`
	B    []byte           `json:"B,omitempty"`
	BOOL *bool            `json:"BOOL,omitempty"`
	NULL *bool            `json:"NULL,omitempty"`
	L    []Value          `json:"L,omitempty"`
	M    map[string]Value `json:"M,omitempty"`
	SS   []string         `json:"SS,omitempty"`
	NS   []string         `json:"NS,omitempty"`
	BS   [][]byte         `json:"BS,omitempty"`
}

// Item is a full wire-format item: attribute name to tagged value.
type Item map[string]Value

// Constructors used heavily by engines and tests.

func String(s string) Value { return Value{S: &s} }

func Number(n float64) Value {
	s := strconv.FormatFloat(n, 'f', -1, 64)
	return Value{N: &s}
}

func NumberString(s string) Value { return Value{N: &s} }

func Bool(b bool) Value { return Value{BOOL: &b} }

func Null() Value {
	t := true
	return Value{NULL: &t}
}

func Binary(b []byte) Value { return Value{B: b} }

func List(vs ...Value) Value { return Value{L: append([]Value{}, vs...)} }

func Map(m map[string]Value) Value { return Value{M: m} }

func StringSet(ss ...string) Value { return Value{SS: append([]string{}, ss...)} }

func NumberSet(ns ...string) Value { return Value{NS: append([]string{}, ns...)} }

// TypeTag returns the wire tag of the populated member ("S", "N", ...).
func (v Value) TypeTag() string {
	switch {
	case v.S != nil:
		return "S"
	case v.N != nil:
		return "N"
	case v.B != nil:
		return "B"
	case v.BOOL != nil:
		return "BOOL"
	case v.NULL != nil:
		return "NULL"
	case v.L != nil:
		return "L"
	case v.M != nil:
		return "M"
	case v.SS != nil:
		return "SS"
	case v.NS != nil:
		return "NS"
	case v.BS != nil:
		return "BS"
	}
	return ""
}

// IsZero reports whether no member is populated.
func (v Value) IsZero() bool { return v.TypeTag() == "" }

// Decode converts a wire value into its native Go representation:
// string, float64, bool, nil, []byte, []any, map[string]any, or a
// []string / []float64 / [][]byte for the set types.
func Decode(v Value) (any, error) {
	switch {
	case v.S != nil:
		return *v.S, nil
	case v.N != nil:
		f, err := strconv.ParseFloat(*v.N, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q: %w", *v.N, err)
		}
		return f, nil
	case v.B != nil:
		return v.B, nil
	case v.BOOL != nil:
		return *v.BOOL, nil
	case v.NULL != nil:
		return nil, nil
	case v.L != nil:
		out := make([]any, len(v.L))
		for i, e := range v.L {
			d, err := Decode(e)
			if err != nil {
				return nil, err
			}
			out[i] = d
		}
		return out, nil
	case v.M != nil:
		out := make(map[string]any, len(v.M))
		for k, e := range v.M {
			d, err := Decode(e)
			if err != nil {
				return nil, err
			}
			out[k] = d
		}
		return out, nil
	case v.SS != nil:
		return append([]string{}, v.SS...), nil
	case v.NS != nil:
		out := make([]float64, len(v.NS))
		for i, n := range v.NS {
			f, err := strconv.ParseFloat(n, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid number %q in NS: %w", n, err)
			}
			out[i] = f
		}
		return out, nil
	case v.BS != nil:
		return v.BS, nil
	}
	return nil, fmt.Errorf("empty wire value")
}

// Encode converts a native Go value into its wire form. Unrecognised
// types are an error; integers and floats all map to N.
func Encode(v any) (Value, error) {
	switch t := v.(type) {
	case nil:
		return Null(), nil
	case string:
		return String(t), nil
	case bool:
		return Bool(t), nil
	case float64:
		return Number(t), nil
	case float32:
		return Number(float64(t)), nil
	case int:
		return Number(float64(t)), nil
	case int64:
		return Number(float64(t)), nil
	case json.Number:
		s := t.String()
		return Value{N: &s}, nil
	case []byte:
		return Binary(t), nil
	case []any:
		l := make([]Value, len(t))
		for i, e := range t {
			ev, err := Encode(e)
			if err != nil {
				return Value{}, err
			}
			l[i] = ev
		}
		return Value{L: l}, nil
	case map[string]any:
		m := make(map[string]Value, len(t))
		for k, e := range t {
			ev, err := Encode(e)
			if err != nil {
				return Value{}, err
			}
			m[k] = ev
		}
		return Value{M: m}, nil
	}
	return Value{}, fmt.Errorf("unsupported value type %T", v)
}

// DecodeItem decodes every attribute of an item.
func DecodeItem(it Item) (map[string]any, error) {
	out := make(map[string]any, len(it))
	for k, v := range it {
		d, err := Decode(v)
		if err != nil {
			return nil, fmt.Errorf("attribute %s: %w", k, err)
		}
		out[k] = d
	}
	return out, nil
}

// EncodeItem encodes a native map into a wire item.
func EncodeItem(m map[string]any) (Item, error) {
	out := make(Item, len(m))
	for k, v := range m {
		ev, err := Encode(v)
		if err != nil {
			return nil, fmt.Errorf("attribute %s: %w", k, err)
		}
		out[k] = ev
	}
	return out, nil
}

// Equal reports deep equality of two wire values. Numbers compare by
// numeric value, not by string representation.
func Equal(a, b Value) bool {
	if a.N != nil && b.N != nil {
		af, errA := strconv.ParseFloat(*a.N, 64)
		bf, errB := strconv.ParseFloat(*b.N, 64)
		if errA == nil && errB == nil {
			return af == bf
		}
		return *a.N == *b.N
	}
	switch {
	case a.S != nil && b.S != nil:
		return *a.S == *b.S
	case a.BOOL != nil && b.BOOL != nil:
		return *a.BOOL == *b.BOOL
	case a.NULL != nil && b.NULL != nil:
		return true
	case a.B != nil && b.B != nil:
		return bytes.Equal(a.B, b.B)
	case a.L != nil && b.L != nil:
		if len(a.L) != len(b.L) {
			return false
		}
		for i := range a.L {
			if !Equal(a.L[i], b.L[i]) {
				return false
			}
		}
		return true
	case a.M != nil && b.M != nil:
		if len(a.M) != len(b.M) {
			return false
		}
		for k, av := range a.M {
			bv, ok := b.M[k]
			if !ok || !Equal(av, bv) {
				return false
			}
		}
		return true
	case a.SS != nil && b.SS != nil:
		return stringSlicesEqual(a.SS, b.SS)
	case a.NS != nil && b.NS != nil:
		return stringSlicesEqual(a.NS, b.NS)
	}
	return false
}

// Compare orders two scalar values of the same type. Numbers compare
// numerically, strings and binary lexically. The second return is false
// when the values are not comparable.
func Compare(a, b Value) (int, bool) {
	switch {
	case a.N != nil && b.N != nil:
		af, errA := strconv.ParseFloat(*a.N, 64)
		bf, errB := strconv.ParseFloat(*b.N, 64)
		if errA != nil || errB != nil {
			return 0, false
		}
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		}
		return 0, true
	case a.S != nil && b.S != nil:
		return strings.Compare(*a.S, *b.S), true
	case a.B != nil && b.B != nil:
		return bytes.Compare(a.B, b.B), true
	}
	return 0, false
}

// KeyString renders a scalar value as the string used for primary and
// index key composition. Binary keys are base64-encoded.
func KeyString(v Value) (string, bool) {
	switch {
	case v.S != nil:
		return *v.S, true
	case v.N != nil:
		return *v.N, true
	case v.B != nil:
		return base64.StdEncoding.EncodeToString(v.B), true
	}
	return "", false
}

func stringSlicesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
