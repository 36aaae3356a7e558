package persistence

import (
	"testing"

	"github.com/asaidimu/go-kumbu/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateCollectionIsIdempotent(t *testing.T) {
	db := openTestDB(t)

	a, err := db.CreateCollection("orders", "shop")
	require.NoError(t, err)
	b, err := db.CreateCollection("orders", "shop")
	require.NoError(t, err)
	assert.Same(t, a, b)

	c, err := db.Collection("orders", "shop")
	require.NoError(t, err)
	assert.Same(t, a, c)

	s, err := db.Scope("shop")
	require.NoError(t, err)
	require.NotNil(t, s)
	viaScope, err := s.Collection("orders")
	require.NoError(t, err)
	assert.Same(t, a, viaScope)
	assert.Equal(t, "shop", a.Scope().Name())
}

func TestCreateCollectionDefaultsScope(t *testing.T) {
	db := openTestDB(t)

	c, err := db.CreateCollection("notes", "")
	require.NoError(t, err)
	assert.Equal(t, core.DefaultScopeName, c.ScopeName())

	names, err := db.CollectionNames("")
	require.NoError(t, err)
	assert.Equal(t, []string{core.DefaultCollectionName, "notes"}, names)
}

func TestCollectionNameValidation(t *testing.T) {
	db := openTestDB(t)

	tests := []struct {
		name  string
		scope string
		valid bool
	}{
		{"users", "app", true},
		{"a-b_c%d", "x1", true},
		{"", "app", false},
		{"_hidden", "app", false},
		{"%hidden", "app", false},
		{"with space", "app", false},
		{"users", "_system", false},
		{"dotted.name", "app", false},
		{core.DefaultCollectionName, "app", false},
	}
	for _, tt := range tests {
		t.Run(tt.name+"@"+tt.scope, func(t *testing.T) {
			c, err := db.CreateCollection(tt.name, tt.scope)
			if tt.valid {
				require.NoError(t, err)
				assert.NotNil(t, c)
				return
			}
			assertCode(t, core.CodeInvalidParameter, err)

			got, err := db.Collection(tt.name, tt.scope)
			require.NoError(t, err)
			assert.Nil(t, got)
		})
	}
}

func TestDefaultCollectionCannotBeRecreated(t *testing.T) {
	db := openTestDB(t)

	require.NoError(t, db.DeleteCollection(core.DefaultCollectionName, core.DefaultScopeName))

	c, err := db.DefaultCollection()
	require.NoError(t, err)
	assert.Nil(t, c)

	_, err = db.CreateCollection(core.DefaultCollectionName, core.DefaultScopeName)
	assertCode(t, core.CodeInvalidParameter, err)

	// The default scope still exists without collections.
	s, err := db.DefaultScope()
	require.NoError(t, err)
	require.NotNil(t, s)
	names, err := s.CollectionNames()
	require.NoError(t, err)
	assert.Empty(t, names)

	scopes, err := db.ScopeNames()
	require.NoError(t, err)
	assert.Equal(t, []string{core.DefaultScopeName}, scopes)
}

func TestScopesFollowTheirCollections(t *testing.T) {
	db := openTestDB(t)

	_, err := db.CreateCollection("a", "s2")
	require.NoError(t, err)
	_, err = db.CreateCollection("b", "s1")
	require.NoError(t, err)
	_, err = db.CreateCollection("c", "s2")
	require.NoError(t, err)

	scopes, err := db.ScopeNames()
	require.NoError(t, err)
	assert.Equal(t, []string{core.DefaultScopeName, "s2", "s1"}, scopes)

	names, err := db.CollectionNames("s2")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, names)

	require.NoError(t, db.DeleteCollection("b", "s1"))
	s, err := db.Scope("s1")
	require.NoError(t, err)
	assert.Nil(t, s)

	scopes, err = db.ScopeNames()
	require.NoError(t, err)
	assert.Equal(t, []string{core.DefaultScopeName, "s2"}, scopes)

	names, err = db.CollectionNames("s1")
	require.NoError(t, err)
	assert.Equal(t, []string{}, names)

	missing, err := db.Scope("nowhere")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestDeleteMissingCollectionSucceeds(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.DeleteCollection("ghost", "nowhere"))
	assertCode(t, core.CodeInvalidParameter, db.DeleteCollection("_bad", "nowhere"))
}

func TestRecreatedCollectionStartsEmpty(t *testing.T) {
	db := openTestDB(t)

	old, err := db.CreateCollection("items", "inv")
	require.NoError(t, err)
	for _, id := range []string{"i1", "i2", "i3"} {
		saveDoc(t, old, id, map[string]any{"id": id})
	}
	assert.Equal(t, uint64(3), old.Count())

	require.NoError(t, db.DeleteCollection("items", "inv"))
	fresh, err := db.CreateCollection("items", "inv")
	require.NoError(t, err)
	assert.NotSame(t, old, fresh)
	assert.Equal(t, uint64(0), fresh.Count())

	// The old handle stays dead and remembers its last count.
	assert.Equal(t, uint64(3), old.Count())
	_, err = old.Document("i1")
	assertCode(t, core.CodeNotOpen, err)

	doc, err := fresh.Document("i1")
	require.NoError(t, err)
	assert.Nil(t, doc)
}
