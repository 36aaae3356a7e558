package index

import (
	"errors"
	"testing"

	"github.com/asaidimu/go-kumbu/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitExpressions(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected []string
		wantErr  bool
	}{
		{"single", "firstname", []string{"firstname"}, false},
		{"pair", "firstname, lastname", []string{"firstname", "lastname"}, false},
		{"call", "max(a, b), c", []string{"max(a, b)", "c"}, false},
		{"array", "[a, b], {\"x\": 1, \"y\": 2}", []string{"[a, b]", "{\"x\": 1, \"y\": 2}"}, false},
		{"quoted comma", "name + ', ' + title", []string{"name + ', ' + title"}, false},
		{"escaped quote", `"a\", b"`, []string{`"a\", b"`}, false},
		{"empty part", "a,,b", nil, true},
		{"blank", "  ", nil, true},
		{"unbalanced", "max(a, b", nil, true},
		{"mismatched", "(a]", nil, true},
		{"unterminated", "'abc", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SplitExpressions(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestDefinitionEqual(t *testing.T) {
	a := Definition{Name: "a", Kind: KindValue, Expressions: "firstname,lastname"}
	b := Definition{Name: "b", Kind: KindValue, Language: LanguageExpr, Expressions: " firstname ,  lastname "}
	assert.True(t, a.Equal(b))

	c := b
	c.Expressions = "lastname, firstname"
	assert.False(t, a.Equal(c))

	d := b
	d.Language = LanguageCEL
	assert.False(t, a.Equal(d))

	ft := Definition{Name: "ft", Kind: KindFullText, Expressions: "body"}
	ftAccents := ft
	ftAccents.IgnoreAccents = true
	assert.False(t, ft.Equal(ftAccents))
	assert.False(t, ft.Equal(Definition{Kind: KindValue, Expressions: "body"}))
}

func TestDefinitionValidate(t *testing.T) {
	valid := Definition{Name: "idx", Kind: KindValue, Expressions: "name"}
	assert.NoError(t, valid.Validate())

	tests := []struct {
		name string
		def  Definition
	}{
		{"no name", Definition{Kind: KindValue, Expressions: "name"}},
		{"bad kind", Definition{Name: "i", Kind: "spatial", Expressions: "name"}},
		{"bad language", Definition{Name: "i", Kind: KindValue, Language: "sql", Expressions: "name"}},
		{"no expressions", Definition{Name: "i", Kind: KindValue}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.def.Validate()
			assert.True(t, errors.Is(err, core.ErrInvalidParameter))
		})
	}
}
