package core

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidName(t *testing.T) {
	tests := []struct {
		name  string
		input string
		valid bool
	}{
		{"simple", "users", true},
		{"mixed", "My-Collection_2%", true},
		{"max length", strings.Repeat("a", MaxNameLength), true},
		{"too long", strings.Repeat("a", MaxNameLength+1), false},
		{"empty", "", false},
		{"leading underscore", "_users", false},
		{"leading percent", "%users", false},
		{"dot", "a.b", false},
		{"space", "a b", false},
		{"unicode", "café", false},
		{"default name", DefaultCollectionName, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.valid, ValidName(tt.input))
		})
	}
}

func TestValidScopeName(t *testing.T) {
	assert.True(t, ValidScopeName(DefaultScopeName))
	assert.True(t, ValidScopeName("inventory"))
	assert.False(t, ValidScopeName("_other"))
}

func TestIsDefaultCollection(t *testing.T) {
	assert.True(t, IsDefaultCollection("_default", "_default"))
	assert.False(t, IsDefaultCollection("_default", "other"))
	assert.False(t, IsDefaultCollection("users", "_default"))
}
