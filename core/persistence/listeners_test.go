package persistence

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/asaidimu/go-kumbu/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type changeLog struct {
	mu      sync.Mutex
	changes [][]string
}

func (l *changeLog) add(ids []string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.changes = append(l.changes, ids)
}

func (l *changeLog) get() [][]string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([][]string(nil), l.changes...)
}

func TestCollectionListener(t *testing.T) {
	db := openTestDB(t)
	c, err := db.CreateCollection("events", "app")
	require.NoError(t, err)
	other, err := db.CreateCollection("noise", "app")
	require.NoError(t, err)

	var log changeLog
	token, err := c.AddChangeListener(func(ch *CollectionChange) {
		assert.Same(t, c, ch.Collection)
		log.add(ch.DocumentIDs)
	})
	require.NoError(t, err)
	require.NotEmpty(t, token.ID())

	doc := saveDoc(t, c, "a", map[string]any{"v": 1})
	saveDoc(t, other, "x", map[string]any{"v": 1})
	require.NoError(t, c.Delete(&doc.Document))
	db.changes.Flush()

	assert.Equal(t, [][]string{{"a"}, {"a"}}, log.get())

	token.Remove()
	token.Remove()
	saveDoc(t, c, "b", map[string]any{"v": 1})
	db.changes.Flush()
	assert.Len(t, log.get(), 2)
}

func TestDocumentListener(t *testing.T) {
	db := openTestDB(t)
	c, err := db.DefaultCollection()
	require.NoError(t, err)

	var calls atomic.Int32
	token, err := c.AddDocumentChangeListener("watched", func(ch *DocumentChange) {
		assert.Equal(t, "watched", ch.DocumentID)
		assert.Same(t, c, ch.Collection)
		calls.Add(1)
	})
	require.NoError(t, err)
	defer token.Remove()

	saveDoc(t, c, "other", map[string]any{"v": 1})
	saveDoc(t, c, "watched", map[string]any{"v": 1})
	_, err = c.PurgeByID("watched")
	require.NoError(t, err)
	db.changes.Flush()

	assert.Equal(t, int32(2), calls.Load())

	_, err = c.AddDocumentChangeListener("", func(*DocumentChange) {})
	assertCode(t, core.CodeInvalidParameter, err)
	_, err = c.AddChangeListener(nil)
	assertCode(t, core.CodeInvalidParameter, err)
}

func TestPurgeNotificationCanBeDisabled(t *testing.T) {
	db := openTestDB(t, func(cfg *Config) { cfg.SuppressPurgeNotifications = true })
	c, err := db.DefaultCollection()
	require.NoError(t, err)

	var log changeLog
	token, err := c.AddChangeListener(func(ch *CollectionChange) { log.add(ch.DocumentIDs) })
	require.NoError(t, err)
	defer token.Remove()

	saveDoc(t, c, "a", map[string]any{"v": 1})
	found, err := c.PurgeByID("a")
	require.NoError(t, err)
	require.True(t, found)
	db.changes.Flush()

	assert.Equal(t, [][]string{{"a"}}, log.get())
	assert.Equal(t, uint64(0), c.Count())
}

func TestPartialConfigNotifiesOnPurge(t *testing.T) {
	db, err := Open(testName(), &Config{Engine: EngineMemory})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Delete() })
	c, err := db.DefaultCollection()
	require.NoError(t, err)

	var log changeLog
	token, err := c.AddChangeListener(func(ch *CollectionChange) { log.add(ch.DocumentIDs) })
	require.NoError(t, err)
	defer token.Remove()

	saveDoc(t, c, "a", map[string]any{"v": 1})
	found, err := c.PurgeByID("a")
	require.NoError(t, err)
	require.True(t, found)
	db.changes.Flush()

	assert.Equal(t, [][]string{{"a"}, {"a"}}, log.get())
}

func TestListenerRemoveWaitsForRunningCallback(t *testing.T) {
	db := openTestDB(t)
	c, err := db.DefaultCollection()
	require.NoError(t, err)

	entered := make(chan struct{})
	release := make(chan struct{})
	var finished atomic.Bool
	token, err := c.AddChangeListener(func(*CollectionChange) {
		close(entered)
		<-release
		finished.Store(true)
	})
	require.NoError(t, err)

	saveDoc(t, c, "a", map[string]any{"v": 1})
	<-entered

	removed := make(chan struct{})
	go func() {
		token.Remove()
		close(removed)
	}()

	select {
	case <-removed:
		t.Fatal("Remove returned while the callback was running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-removed:
	case <-time.After(time.Second):
		t.Fatal("Remove did not return")
	}
	assert.True(t, finished.Load())

	// Nothing is delivered after Remove.
	saveDoc(t, c, "b", map[string]any{"v": 1})
	db.changes.Flush()
}

func TestListenersSeeCommitOrder(t *testing.T) {
	db := openTestDB(t)
	c, err := db.DefaultCollection()
	require.NoError(t, err)

	var log changeLog
	token, err := c.AddChangeListener(func(ch *CollectionChange) { log.add(ch.DocumentIDs) })
	require.NoError(t, err)
	defer token.Remove()

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				doc := core.NewMutableDocument("")
				assert.NoError(t, doc.Set("w", w))
				assert.NoError(t, c.Save(doc))
			}
		}(w)
	}
	wg.Wait()
	db.changes.Flush()

	assert.Len(t, log.get(), 40)
	assert.Equal(t, uint64(40), c.Count())
}

func TestCloseDrainsPendingNotifications(t *testing.T) {
	db := openTestDB(t)
	c, err := db.DefaultCollection()
	require.NoError(t, err)

	var log changeLog
	_, err = c.AddChangeListener(func(ch *CollectionChange) { log.add(ch.DocumentIDs) })
	require.NoError(t, err)

	saveDoc(t, c, "a", map[string]any{"v": 1})
	saveDoc(t, c, "b", map[string]any{"v": 1})
	require.NoError(t, db.Close())

	assert.Equal(t, [][]string{{"a"}, {"b"}}, log.get())
}

func TestListenerDoesNotSeeEarlierCommits(t *testing.T) {
	db := openTestDB(t)
	c, err := db.DefaultCollection()
	require.NoError(t, err)

	saveDoc(t, c, "before", map[string]any{"v": 1})

	var log changeLog
	token, err := c.AddChangeListener(func(ch *CollectionChange) { log.add(ch.DocumentIDs) })
	require.NoError(t, err)
	defer token.Remove()
	var calls atomic.Int32
	watch, err := c.AddDocumentChangeListener("before", func(*DocumentChange) { calls.Add(1) })
	require.NoError(t, err)
	defer watch.Remove()

	db.changes.Flush()
	assert.Empty(t, log.get())
	assert.Equal(t, int32(0), calls.Load())

	saveDoc(t, c, "after", map[string]any{"v": 1})
	db.changes.Flush()
	assert.Equal(t, [][]string{{"after"}}, log.get())
	assert.Equal(t, int32(0), calls.Load())
}

func TestListenerRegistrationRacingCollectionDelete(t *testing.T) {
	db := openTestDB(t)
	c, err := db.CreateCollection("tmp", "app")
	require.NoError(t, err)

	var registered atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				_, err := c.AddChangeListener(func(*CollectionChange) {})
				if err != nil {
					assert.Equal(t, core.CodeNotOpen, core.CodeOf(err))
					return
				}
				registered.Add(1)
			}
		}()
	}
	require.NoError(t, db.DeleteCollection("tmp", "app"))
	wg.Wait()

	// Failed registrations leave no subscription behind.
	assert.Equal(t, int(registered.Load()), db.changes.Count(c.keyspace))

	_, err = c.AddChangeListener(func(*CollectionChange) {})
	assertCode(t, core.CodeNotOpen, err)
	assert.Equal(t, int(registered.Load()), db.changes.Count(c.keyspace))
}
