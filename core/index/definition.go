// Package index holds index definitions and everything needed to turn a
// document body into index entries: expression evaluation, order-preserving
// key encoding and full-text tokenization. Storage of the entries is the
// caller's concern.
package index

import (
	"fmt"
	"strings"

	"github.com/asaidimu/go-kumbu/core"
)

// Kind distinguishes value indexes from full-text indexes.
type Kind string

const (
	KindValue    Kind = "value"
	KindFullText Kind = "fulltext"
)

// Language is the expression language of an index definition.
type Language string

const (
	LanguageExpr       Language = "expr"
	LanguageCEL        Language = "cel"
	LanguageJavaScript Language = "javascript"
)

// Definition is the stored form of an index. Two definitions describe the
// same index when Equal reports true; the name is not part of that
// comparison.
type Definition struct {
	Name          string
	Kind          Kind
	Language      Language
	Expressions   string
	IgnoreAccents bool
}

// Normalized returns d with the default language applied and the expression
// list re-joined from its trimmed parts.
func (d Definition) Normalized() Definition {
	if d.Language == "" {
		d.Language = LanguageExpr
	}
	if parts, err := SplitExpressions(d.Expressions); err == nil {
		d.Expressions = strings.Join(parts, ", ")
	}
	if d.Kind == KindValue {
		d.IgnoreAccents = false
	}
	return d
}

// Equal compares two definitions structurally.
func (d Definition) Equal(o Definition) bool {
	a, b := d.Normalized(), o.Normalized()
	return a.Kind == b.Kind &&
		a.Language == b.Language &&
		a.Expressions == b.Expressions &&
		a.IgnoreAccents == b.IgnoreAccents
}

// Validate reports malformed definitions as InvalidParameter errors.
func (d Definition) Validate() error {
	if d.Name == "" {
		return core.Errorf(core.CodeInvalidParameter, "index name must not be empty")
	}
	switch d.Kind {
	case KindValue, KindFullText:
	default:
		return core.Errorf(core.CodeInvalidParameter, "unknown index kind %q", d.Kind)
	}
	switch d.Normalized().Language {
	case LanguageExpr, LanguageCEL, LanguageJavaScript:
	default:
		return core.Errorf(core.CodeInvalidParameter, "unknown expression language %q", d.Language)
	}
	if _, err := SplitExpressions(d.Expressions); err != nil {
		return core.Errorf(core.CodeInvalidParameter, "index %q: %v", d.Name, err)
	}
	return nil
}

// SplitExpressions splits a comma-separated expression list at top level:
// commas inside brackets, braces, parentheses or quoted strings do not split.
func SplitExpressions(s string) ([]string, error) {
	var (
		parts []string
		stack []byte
		quote byte
		start int
	)
	for i := 0; i < len(s); i++ {
		c := s[i]
		if quote != 0 {
			switch c {
			case '\\':
				i++
			case quote:
				quote = 0
			}
			continue
		}
		switch c {
		case '"', '\'', '`':
			quote = c
		case '(', '[', '{':
			stack = append(stack, c)
		case ')', ']', '}':
			if len(stack) == 0 || stack[len(stack)-1] != opening(c) {
				return nil, fmt.Errorf("unbalanced %q at offset %d", c, i)
			}
			stack = stack[:len(stack)-1]
		case ',':
			if len(stack) == 0 {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	if quote != 0 {
		return nil, fmt.Errorf("unterminated string literal")
	}
	if len(stack) != 0 {
		return nil, fmt.Errorf("unbalanced %q", stack[len(stack)-1])
	}
	parts = append(parts, s[start:])

	for i, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			return nil, fmt.Errorf("empty expression at position %d", i)
		}
		parts[i] = p
	}
	return parts, nil
}

func opening(c byte) byte {
	switch c {
	case ')':
		return '('
	case ']':
		return '['
	default:
		return '{'
	}
}
