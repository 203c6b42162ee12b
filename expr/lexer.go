// Package expr implements the query DSL shared by condition, filter and
// update expressions: a tokenizer, a recursive-descent parser and an
// evaluator over wire-format items. Name placeholders (#n) and value
// placeholders (:v) are resolved against request-supplied maps.
package expr

import (
	"fmt"
	"strings"
	"unicode"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokNamePlaceholder  // #name
	tokValuePlaceholder // :value
	tokComparator       // = <> < <= > >=
	tokLParen
	tokRParen
	tokLBracket
	tokRBracket
	tokComma
	tokDot
	tokNumber // only inside [n] path indexes
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

// ErrSyntax reports a malformed expression; it is a client error at the
// wire level.
type ErrSyntax struct {
	Msg string
	Pos int
}

func (e *ErrSyntax) Error() string {
	return fmt.Sprintf("invalid expression at offset %d: %s", e.Pos, e.Msg)
}

func syntaxErr(pos int, format string, args ...any) error {
	return &ErrSyntax{Msg: fmt.Sprintf(format, args...), Pos: pos}
}

func tokenize(s string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(s) {
		c := s[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '(':
			toks = append(toks, token{tokLParen, "(", i})
			i++
		case c == ')':
			toks = append(toks, token{tokRParen, ")", i})
			i++
		case c == '[':
			toks = append(toks, token{tokLBracket, "[", i})
			i++
		case c == ']':
			toks = append(toks, token{tokRBracket, "]", i})
			i++
		case c == ',':
			toks = append(toks, token{tokComma, ",", i})
			i++
		case c == '.':
			toks = append(toks, token{tokDot, ".", i})
			i++
		case c == '=':
			toks = append(toks, token{tokComparator, "=", i})
			i++
		case c == '+' || c == '-':
			toks = append(toks, token{tokComparator, string(c), i})
			i++
		case c == '<':
			if i+1 < len(s) && s[i+1] == '>' {
				toks = append(toks, token{tokComparator, "<>", i})
				i += 2
			} else if i+1 < len(s) && s[i+1] == '=' {
				toks = append(toks, token{tokComparator, "<=", i})
				i += 2
			} else {
				toks = append(toks, token{tokComparator, "<", i})
				i++
			}
		case c == '>':
			if i+1 < len(s) && s[i+1] == '=' {
				toks = append(toks, token{tokComparator, ">=", i})
				i += 2
			} else {
				toks = append(toks, token{tokComparator, ">", i})
				i++
			}
		case c == '#' || c == ':':
			start := i
			i++
			for i < len(s) && isIdentChar(rune(s[i])) {
				i++
			}
			if i == start+1 {
				return nil, syntaxErr(start, "dangling %q", string(c))
			}
			kind := tokNamePlaceholder
			if c == ':' {
				kind = tokValuePlaceholder
			}
			toks = append(toks, token{kind, s[start:i], start})
		case unicode.IsDigit(rune(c)):
			start := i
			for i < len(s) && unicode.IsDigit(rune(s[i])) {
				i++
			}
			toks = append(toks, token{tokNumber, s[start:i], start})
		case isIdentChar(rune(c)):
			start := i
			for i < len(s) && isIdentChar(rune(s[i])) {
				i++
			}
			toks = append(toks, token{tokIdent, s[start:i], start})
		default:
			return nil, syntaxErr(i, "unexpected character %q", string(c))
		}
	}
	toks = append(toks, token{tokEOF, "", len(s)})
	return toks, nil
}

func isIdentChar(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_'
}

func isKeyword(t token, kw string) bool {
	return t.kind == tokIdent && strings.EqualFold(t.text, kw)
}
