package persistence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/asaidimu/go-kumbu/core"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testName() string {
	return "test-" + uuid.New().String()
}

// openTestDB opens a memory database that is deleted when the test ends.
func openTestDB(t *testing.T, mutate ...func(*Config)) *Database {
	t.Helper()
	cfg := DefaultConfig()
	for _, m := range mutate {
		m(cfg)
	}
	db, err := Open(testName(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Delete() })
	return db
}

func saveDoc(t *testing.T, c *Collection, id string, props map[string]any) *core.MutableDocument {
	t.Helper()
	doc, err := core.NewMutableDocumentWithProperties(id, props)
	require.NoError(t, err)
	require.NoError(t, c.Save(doc))
	return doc
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func assertCode(t *testing.T, code core.ErrorCode, err error) {
	t.Helper()
	require.Error(t, err)
	assert.Equal(t, code, core.CodeOf(err), "unexpected error: %v", err)
}

func TestOpenCreatesDefaultCollection(t *testing.T) {
	db := openTestDB(t)

	c, err := db.DefaultCollection()
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, core.DefaultCollectionName, c.Name())
	assert.Equal(t, core.DefaultScopeName, c.ScopeName())
	assert.Equal(t, "_default._default", c.FullName())
	assert.Equal(t, uint64(0), c.Count())
	assert.True(t, db.IsOpen())
}

func TestOpenRejectsBadConfig(t *testing.T) {
	_, err := Open("", nil)
	assertCode(t, core.CodeInvalidParameter, err)

	_, err = Open("a/b", nil)
	assertCode(t, core.CodeInvalidParameter, err)

	cfg := DefaultConfig()
	cfg.Compression = "brotli"
	_, err = Open(testName(), cfg)
	assertCode(t, core.CodeInvalidParameter, err)

	cfg = DefaultConfig()
	cfg.Engine = "leveldb"
	_, err = Open(testName(), cfg)
	assertCode(t, core.CodeInvalidParameter, err)
}

func TestReopenKeepsData(t *testing.T) {
	name := testName()
	cfg := DefaultConfig()
	db, err := Open(name, cfg)
	require.NoError(t, err)

	c, err := db.CreateCollection("people", "crm")
	require.NoError(t, err)
	saveDoc(t, c, "p1", map[string]any{"name": "Amani"})
	require.NoError(t, db.Close())

	assert.True(t, DatabaseExists(name, cfg))
	db, err = Open(name, cfg)
	require.NoError(t, err)
	defer db.Delete()

	c, err = db.Collection("people", "crm")
	require.NoError(t, err)
	require.NotNil(t, c)
	doc, err := c.Document("p1")
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, "Amani", doc.Get("name"))
}

func TestDeleteDatabase(t *testing.T) {
	name := testName()
	cfg := DefaultConfig()
	db, err := Open(name, cfg)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	require.NoError(t, DeleteDatabase(name, cfg))
	assert.False(t, DatabaseExists(name, cfg))
}

func TestCloseIsIdempotent(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.Close())
	require.NoError(t, db.Close())
	assert.False(t, db.IsOpen())

	_, err := db.CreateCollection("late", "")
	assertCode(t, core.CodeNotOpen, err)
	assert.True(t, errors.Is(err, core.ErrNotOpen))
}

func TestSubscriptionsReceiveLifecycleEvents(t *testing.T) {
	db := openTestDB(t)

	var mu sync.Mutex
	var seen []core.PersistenceEvent
	id := db.RegisterSubscription(core.RegisterSubscriptionOptions{
		Event: core.DocumentSaveSuccess,
		Callback: func(_ context.Context, ev core.PersistenceEvent) error {
			mu.Lock()
			seen = append(seen, ev)
			mu.Unlock()
			return nil
		},
	})
	require.NotEmpty(t, id)

	subs, err := db.Subscriptions()
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, core.DocumentSaveSuccess, subs[0].Event)

	c, err := db.DefaultCollection()
	require.NoError(t, err)
	saveDoc(t, c, "d1", map[string]any{"n": 1})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 1
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	ev := seen[0]
	mu.Unlock()
	assert.Equal(t, "save", ev.Operation)
	require.NotNil(t, ev.Collection)
	assert.Equal(t, "_default._default", *ev.Collection)
	require.NotNil(t, ev.DocumentID)
	assert.Equal(t, "d1", *ev.DocumentID)

	db.UnregisterSubscription(id)
	subs, err = db.Subscriptions()
	require.NoError(t, err)
	assert.Empty(t, subs)
}
