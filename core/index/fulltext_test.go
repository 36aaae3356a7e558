package index

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTokenize(t *testing.T) {
	assert.Equal(t, []string{"the", "quick", "brown", "fox"}, Tokenize("The quick, brown fox! The", false))
	assert.Equal(t, []string{"café", "crème"}, Tokenize("Café-Crème", false))
	assert.Equal(t, []string{"cafe", "creme"}, Tokenize("Café-Crème", true))
	assert.Equal(t, []string{"v2", "release"}, Tokenize("v2 release", false))
	assert.Empty(t, Tokenize(" ,.; ", false))
}

func TestFoldAccents(t *testing.T) {
	assert.Equal(t, "Sao Paulo", FoldAccents("São Paulo"))
	assert.Equal(t, "plain", FoldAccents("plain"))
}
