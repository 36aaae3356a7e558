package persistence

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/asaidimu/go-kumbu/core"
	"github.com/asaidimu/go-kumbu/core/expiry"
	"github.com/asaidimu/go-kumbu/core/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDocumentExpirationRoundTrip(t *testing.T) {
	clock := newFakeClock()
	db := openTestDB(t, func(cfg *Config) { cfg.Clock = clock.Now })
	c, err := db.DefaultCollection()
	require.NoError(t, err)
	doc := saveDoc(t, c, "doc", map[string]any{"v": 1})
	rev := doc.RevisionID()

	ts, err := c.DocumentExpiration("doc")
	require.NoError(t, err)
	assert.Equal(t, int64(0), ts)

	at := clock.Now().Add(time.Hour).UnixMilli()
	require.NoError(t, c.SetDocumentExpiration("doc", at))
	ts, err = c.DocumentExpiration("doc")
	require.NoError(t, err)
	assert.Equal(t, at, ts)
	assert.Equal(t, at, db.tracker.Get(expiry.Key{Keyspace: c.keyspace, DocID: "doc"}))

	// Setting an expiration is not a new revision.
	stored, err := c.Document("doc")
	require.NoError(t, err)
	assert.Equal(t, rev, stored.RevisionID())

	// Saves keep the expiration.
	require.NoError(t, doc.Set("v", 2))
	require.NoError(t, c.Save(doc))
	ts, err = c.DocumentExpiration("doc")
	require.NoError(t, err)
	assert.Equal(t, at, ts)

	require.NoError(t, c.SetDocumentExpiration("doc", 0))
	ts, err = c.DocumentExpiration("doc")
	require.NoError(t, err)
	assert.Equal(t, int64(0), ts)
	assert.Equal(t, 0, db.tracker.Len())

	missing, err := c.DocumentExpiration("missing")
	require.NoError(t, err)
	assert.Equal(t, int64(0), missing)
}

func TestSetDocumentExpirationErrors(t *testing.T) {
	db := openTestDB(t)
	c, err := db.DefaultCollection()
	require.NoError(t, err)

	assertCode(t, core.CodeNotFound, c.SetDocumentExpiration("missing", 100))
	assertCode(t, core.CodeInvalidParameter, c.SetDocumentExpiration("missing", -5))

	doc := saveDoc(t, c, "doc", map[string]any{"v": 1})
	require.NoError(t, c.Delete(&doc.Document))
	assertCode(t, core.CodeNotFound, c.SetDocumentExpiration("doc", 100))
}

func TestDeleteAndPurgeClearExpiration(t *testing.T) {
	clock := newFakeClock()
	db := openTestDB(t, func(cfg *Config) { cfg.Clock = clock.Now })
	c, err := db.DefaultCollection()
	require.NoError(t, err)
	at := clock.Now().Add(time.Hour).UnixMilli()

	a := saveDoc(t, c, "a", map[string]any{"v": 1})
	saveDoc(t, c, "b", map[string]any{"v": 1})
	require.NoError(t, c.SetDocumentExpiration("a", at))
	require.NoError(t, c.SetDocumentExpiration("b", at))
	assert.Equal(t, 2, db.tracker.Len())

	require.NoError(t, c.Delete(&a.Document))
	_, err = c.PurgeByID("b")
	require.NoError(t, err)
	assert.Equal(t, 0, db.tracker.Len())

	// A re-created document does not inherit the old expiration.
	saveDoc(t, c, "a", map[string]any{"v": 2})
	ts, err := c.DocumentExpiration("a")
	require.NoError(t, err)
	assert.Equal(t, int64(0), ts)
}

func TestExpiredDocumentsArePurgedAndNotified(t *testing.T) {
	clock := newFakeClock()
	db := openTestDB(t, func(cfg *Config) { cfg.Clock = clock.Now })
	db.tracker.Stop() // reaping is driven by hand below
	c, err := db.CreateCollection("sessions", "auth")
	require.NoError(t, err)

	saveDoc(t, c, "s1", map[string]any{"user": "a"})
	saveDoc(t, c, "s2", map[string]any{"user": "b"})
	saveDoc(t, c, "s3", map[string]any{"user": "c"})
	require.NoError(t, c.SetDocumentExpiration("s1", clock.Now().Add(time.Minute).UnixMilli()))
	require.NoError(t, c.SetDocumentExpiration("s2", clock.Now().Add(time.Minute).UnixMilli()))
	require.NoError(t, c.SetDocumentExpiration("s3", clock.Now().Add(time.Hour).UnixMilli()))

	var mu sync.Mutex
	var changes [][]string
	token, err := c.AddChangeListener(func(ch *CollectionChange) {
		mu.Lock()
		changes = append(changes, ch.DocumentIDs)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer token.Remove()

	var expired sync.Map
	db.RegisterSubscription(core.RegisterSubscriptionOptions{
		Event: core.DocumentExpired,
		Callback: func(_ context.Context, ev core.PersistenceEvent) error {
			if ev.DocumentID != nil {
				expired.Store(*ev.DocumentID, true)
			}
			return nil
		},
	})

	assert.Equal(t, 0, db.tracker.ReapNow())

	clock.Advance(2 * time.Minute)
	assert.Equal(t, 2, db.tracker.ReapNow())
	db.changes.Flush()

	assert.Equal(t, uint64(1), c.Count())
	for _, id := range []string{"s1", "s2"} {
		doc, err := c.Document(id)
		require.NoError(t, err)
		assert.Nil(t, doc)
	}
	remaining, err := c.Document("s3")
	require.NoError(t, err)
	assert.NotNil(t, remaining)

	mu.Lock()
	assert.Equal(t, [][]string{{"s1", "s2"}}, changes)
	mu.Unlock()

	require.Eventually(t, func() bool {
		_, ok1 := expired.Load("s1")
		_, ok2 := expired.Load("s2")
		return ok1 && ok2
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, db.tracker.Len())
}

func TestReaperHonorsRescheduledExpiration(t *testing.T) {
	clock := newFakeClock()
	db := openTestDB(t, func(cfg *Config) { cfg.Clock = clock.Now })
	db.tracker.Stop()
	c, err := db.DefaultCollection()
	require.NoError(t, err)
	saveDoc(t, c, "gone", map[string]any{"v": 1})
	saveDoc(t, c, "kept", map[string]any{"v": 1})

	soon := clock.Now().Add(time.Minute).UnixMilli()
	later := clock.Now().Add(time.Hour).UnixMilli()
	require.NoError(t, c.SetDocumentExpiration("gone", soon))
	require.NoError(t, c.SetDocumentExpiration("kept", later))
	clock.Advance(2 * time.Minute)

	// Both entries claim to be due; only the stored expirations count.
	db.reap([]expiry.Entry{
		{Key: expiry.Key{Keyspace: c.keyspace, DocID: "gone"}, At: soon},
		{Key: expiry.Key{Keyspace: c.keyspace, DocID: "kept"}, At: soon},
		{Key: expiry.Key{Keyspace: c.keyspace, DocID: "never-saved"}, At: soon},
	})

	gone, err := c.Document("gone")
	require.NoError(t, err)
	assert.Nil(t, gone)

	kept, err := c.Document("kept")
	require.NoError(t, err)
	assert.NotNil(t, kept)
	assert.Equal(t, later, db.tracker.Get(expiry.Key{Keyspace: c.keyspace, DocID: "kept"}))
	assert.Equal(t, int64(0), db.tracker.Get(expiry.Key{Keyspace: c.keyspace, DocID: "gone"}))
}

func TestReaperSkipsDeletedCollections(t *testing.T) {
	clock := newFakeClock()
	db := openTestDB(t, func(cfg *Config) { cfg.Clock = clock.Now })
	db.tracker.Stop()
	c, err := db.CreateCollection("tmp", "app")
	require.NoError(t, err)
	saveDoc(t, c, "doc", map[string]any{"v": 1})
	require.NoError(t, c.SetDocumentExpiration("doc", clock.Now().Add(time.Minute).UnixMilli()))

	require.NoError(t, db.DeleteCollection("tmp", "app"))
	assert.Equal(t, 0, db.tracker.Len())

	// A stale entry for the dropped keyspace is ignored.
	clock.Advance(time.Hour)
	db.reap([]expiry.Entry{{Key: expiry.Key{Keyspace: c.keyspace, DocID: "doc"}, At: 1}})
}

func TestExpirationSurvivesReopen(t *testing.T) {
	clock := newFakeClock()
	name := testName()
	cfg := DefaultConfig()
	cfg.Clock = clock.Now

	db, err := Open(name, cfg)
	require.NoError(t, err)
	c, err := db.DefaultCollection()
	require.NoError(t, err)
	saveDoc(t, c, "doc", map[string]any{"v": 1})
	at := clock.Now().Add(time.Hour).UnixMilli()
	require.NoError(t, c.SetDocumentExpiration("doc", at))
	require.NoError(t, db.Close())

	db, err = Open(name, cfg)
	require.NoError(t, err)
	defer db.Delete()
	db.tracker.Stop()
	assert.Equal(t, 1, db.tracker.Len())

	clock.Advance(2 * time.Hour)
	assert.Equal(t, 1, db.tracker.ReapNow())
	c, err = db.DefaultCollection()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), c.Count())
}

type failingWrites struct {
	storage.Engine
	fail atomic.Bool
}

func (e *failingWrites) Begin(writable bool) (storage.Tx, error) {
	if writable && e.fail.Load() {
		return nil, errors.New("disk full")
	}
	return e.Engine.Begin(writable)
}

func TestFailedExpirationIsRetried(t *testing.T) {
	clock := newFakeClock()
	db := openTestDB(t, func(cfg *Config) { cfg.Clock = clock.Now })
	c, err := db.DefaultCollection()
	require.NoError(t, err)
	saveDoc(t, c, "doc", map[string]any{"v": 1})
	require.NoError(t, c.SetDocumentExpiration("doc", clock.Now().Add(time.Minute).UnixMilli()))

	engine := &failingWrites{Engine: db.engine}
	db.engine = engine
	engine.fail.Store(true)

	clock.Advance(2 * time.Minute)
	assert.Equal(t, 1, db.tracker.ReapNow())

	doc, err := c.Document("doc")
	require.NoError(t, err)
	assert.NotNil(t, doc)
	key := expiry.Key{Keyspace: c.keyspace, DocID: "doc"}
	assert.Equal(t, clock.Now().Add(reapRetryDelay).UnixMilli(), db.tracker.Get(key))

	engine.fail.Store(false)
	clock.Advance(reapRetryDelay)
	db.tracker.ReapNow()
	require.Eventually(t, func() bool {
		doc, err := c.Document("doc")
		return err == nil && doc == nil
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, db.tracker.Len())
}
