package index

import (
	"bytes"
	"errors"
	"testing"

	"github.com/asaidimu/go-kumbu/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValueIndexKeys(t *testing.T) {
	ix, err := Compile(Definition{Name: "byName", Kind: KindValue, Expressions: "firstname, lastname"})
	require.NoError(t, err)
	assert.Equal(t, 2, ix.Arity())
	assert.Equal(t, LanguageExpr, ix.Definition().Language)

	keys, err := ix.Keys(body(t, map[string]any{"firstname": "Juma", "lastname": "Hassan"}))
	require.NoError(t, err)
	require.Len(t, keys, 1)

	prefix, err := ix.LookupPrefix("Juma", "Hassan")
	require.NoError(t, err)
	entry := EntryKey(keys[0], "doc-1")
	assert.True(t, bytes.HasPrefix(entry, prefix))
	assert.Equal(t, "doc-1", string(entry[len(prefix):]))

	other, err := ix.LookupPrefix("Juma", "Hassani")
	require.NoError(t, err)
	assert.False(t, bytes.HasPrefix(entry, other))

	missing, err := ix.Keys(body(t, map[string]any{"lastname": "Only"}))
	require.NoError(t, err)
	assert.Empty(t, missing)

	_, err = ix.LookupPrefix("Juma")
	assert.True(t, errors.Is(err, core.ErrInvalidParameter))
	_, err = ix.TermPrefixes("juma")
	assert.True(t, errors.Is(err, core.ErrInvalidParameter))
}

func TestFullTextIndexKeys(t *testing.T) {
	ix, err := Compile(Definition{Name: "ft", Kind: KindFullText, Expressions: "title, tags", IgnoreAccents: true})
	require.NoError(t, err)

	keys, err := ix.Keys(body(t, map[string]any{
		"title": "Résumé tips",
		"tags":  []any{"career", "tips"},
	}))
	require.NoError(t, err)
	assert.Len(t, keys, 3)

	prefixes, err := ix.TermPrefixes("RESUME")
	require.NoError(t, err)
	require.Len(t, prefixes, 1)
	found := false
	for _, k := range keys {
		if bytes.HasPrefix(EntryKey(k, "d1"), prefixes[0]) {
			found = true
		}
	}
	assert.True(t, found)
}

func TestKeysReportsEvaluationErrors(t *testing.T) {
	ix, err := Compile(Definition{Name: "bad", Kind: KindValue, Language: LanguageJavaScript, Expressions: "name, boom()"})
	require.NoError(t, err)

	keys, err := ix.Keys(body(t, map[string]any{"name": "x", "boom": "not a function"}))
	assert.Error(t, err)
	assert.Len(t, keys, 1)
}

func TestDocKeysRoundTrip(t *testing.T) {
	in := [][]byte{[]byte("a"), {0x00, 0xff}}
	data, err := EncodeDocKeys(in)
	require.NoError(t, err)
	out, err := DecodeDocKeys(data)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestCompileRejectsBadExpressions(t *testing.T) {
	_, err := Compile(Definition{Name: "x", Kind: KindValue, Expressions: "a +"})
	assert.True(t, errors.Is(err, core.ErrInvalidParameter))
}
