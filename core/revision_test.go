package core

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
)

var revPattern = regexp.MustCompile(`^[0-9]+-[0-9a-f]{16}$`)

func TestNextRevisionID(t *testing.T) {
	first := NextRevisionID("", false, []byte("body"))
	assert.Regexp(t, revPattern, first)
	assert.Equal(t, uint64(1), RevisionGeneration(first))

	second := NextRevisionID(first, false, []byte("body"))
	assert.Equal(t, uint64(2), RevisionGeneration(second))
	assert.NotEqual(t, first, second)

	assert.Equal(t, first, NextRevisionID("", false, []byte("body")))
	assert.NotEqual(t, first, NextRevisionID("", true, []byte("body")))
	assert.NotEqual(t, first, NextRevisionID("", false, []byte("other")))
}

func TestRevisionGeneration(t *testing.T) {
	assert.Equal(t, uint64(0), RevisionGeneration(""))
	assert.Equal(t, uint64(0), RevisionGeneration("garbage"))
	assert.Equal(t, uint64(0), RevisionGeneration("x-abc"))
	assert.Equal(t, uint64(42), RevisionGeneration("42-0123456789abcdef"))
}
