package index

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Tokenize splits text into lower-cased terms at every rune that is neither
// a letter nor a digit. With ignoreAccents, diacritics are stripped first so
// that "café" and "cafe" produce the same term. The result has no duplicates
// and keeps first-occurrence order.
func Tokenize(text string, ignoreAccents bool) []string {
	if ignoreAccents {
		text = FoldAccents(text)
	}
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := make(map[string]struct{}, len(fields))
	terms := fields[:0]
	for _, f := range fields {
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		terms = append(terms, f)
	}
	return terms
}

// FoldAccents removes combining marks after canonical decomposition.
func FoldAccents(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

// textOf collects the strings inside an indexed value.
func textOf(v any, out []string) []string {
	switch val := v.(type) {
	case string:
		return append(out, val)
	case []any:
		for _, item := range val {
			out = textOf(item, out)
		}
	case map[string]any:
		for _, item := range val {
			out = textOf(item, out)
		}
	}
	return out
}
