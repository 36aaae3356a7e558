package index

import (
	"errors"
	"fmt"

	"github.com/asaidimu/go-kumbu/core"
	"github.com/asaidimu/go-kumbu/core/codec"
)

// Entry buckets hold two kinds of keys: forward entries ('e' + key + doc id)
// and, per document, the list of keys it currently contributes ('d' + doc
// id), which is what lets an update remove stale entries without
// re-evaluating the old body.
const (
	entryPrefix = 'e'
	docPrefix   = 'd'
)

// Index is a compiled definition.
type Index struct {
	def        Definition
	evaluators []Evaluator
}

// Compile validates def and compiles its expressions.
func Compile(def Definition) (*Index, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	def = def.Normalized()
	exprs, err := SplitExpressions(def.Expressions)
	if err != nil {
		return nil, core.Errorf(core.CodeInvalidParameter, "index %q: %v", def.Name, err)
	}
	ix := &Index{def: def}
	for _, e := range exprs {
		ev, err := NewEvaluator(def.Language, e)
		if err != nil {
			return nil, err
		}
		ix.evaluators = append(ix.evaluators, ev)
	}
	return ix, nil
}

func (ix *Index) Definition() Definition { return ix.def }

func (ix *Index) Name() string { return ix.def.Name }

// Arity is the number of expressions, i.e. the length of a value key.
func (ix *Index) Arity() int { return len(ix.evaluators) }

// Keys computes the keys a document body contributes. A value index skips
// documents whose first expression has no value. Evaluation failures make the
// failing expression count as missing; they are returned joined alongside
// whatever keys could still be computed.
func (ix *Index) Keys(props core.Properties) ([][]byte, error) {
	values := make([]any, len(ix.evaluators))
	var errs []error
	for i, ev := range ix.evaluators {
		v, err := ev.Evaluate(props)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		nv, err := core.NormalizeValue(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%q: %w", ev.Expression(), err))
			continue
		}
		values[i] = nv
	}

	var keys [][]byte
	switch ix.def.Kind {
	case KindValue:
		if values[0] != nil {
			key, err := EncodeKey(values...)
			if err != nil {
				errs = append(errs, err)
			} else {
				keys = append(keys, key)
			}
		}
	case KindFullText:
		seen := map[string]struct{}{}
		for _, v := range values {
			for _, text := range textOf(v, nil) {
				for _, term := range Tokenize(text, ix.def.IgnoreAccents) {
					if _, ok := seen[term]; ok {
						continue
					}
					seen[term] = struct{}{}
					keys = append(keys, appendString(nil, term))
				}
			}
		}
	}
	return keys, errors.Join(errs...)
}

// LookupPrefix returns the entry prefix matching documents whose value key
// equals values.
func (ix *Index) LookupPrefix(values ...any) ([]byte, error) {
	if ix.def.Kind != KindValue {
		return nil, core.Errorf(core.CodeInvalidParameter, "index %q is not a value index", ix.def.Name)
	}
	if len(values) != ix.Arity() {
		return nil, core.Errorf(core.CodeInvalidParameter, "index %q has %d expressions, got %d values", ix.def.Name, ix.Arity(), len(values))
	}
	key, err := EncodeKey(values...)
	if err != nil {
		return nil, core.Errorf(core.CodeInvalidParameter, "index %q: %v", ix.def.Name, err)
	}
	return EntryKey(key, ""), nil
}

// TermPrefixes returns one entry prefix per distinct term of text.
func (ix *Index) TermPrefixes(text string) ([][]byte, error) {
	if ix.def.Kind != KindFullText {
		return nil, core.Errorf(core.CodeInvalidParameter, "index %q is not a full-text index", ix.def.Name)
	}
	var out [][]byte
	for _, term := range Tokenize(text, ix.def.IgnoreAccents) {
		out = append(out, EntryKey(appendString(nil, term), ""))
	}
	return out, nil
}

// EntryKey is the forward entry for key and docID.
func EntryKey(key []byte, docID string) []byte {
	out := make([]byte, 0, 1+len(key)+len(docID))
	out = append(out, entryPrefix)
	out = append(out, key...)
	return append(out, docID...)
}

// DocKey is the reverse record key for docID.
func DocKey(docID string) []byte {
	return append([]byte{docPrefix}, docID...)
}

// EncodeDocKeys and DecodeDocKeys serialize the reverse record.
func EncodeDocKeys(keys [][]byte) ([]byte, error) {
	return codec.EncodeRecord(keys)
}

func DecodeDocKeys(data []byte) ([][]byte, error) {
	var keys [][]byte
	if err := codec.DecodeRecord(data, &keys); err != nil {
		return nil, err
	}
	return keys, nil
}
