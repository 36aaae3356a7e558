package persistence

import (
	"errors"
	"testing"

	"github.com/asaidimu/go-kumbu/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBatchCoalescesNotifications(t *testing.T) {
	db := openTestDB(t)
	users, err := db.CreateCollection("users", "app")
	require.NoError(t, err)
	audit, err := db.CreateCollection("audit", "app")
	require.NoError(t, err)
	old := saveDoc(t, users, "u0", map[string]any{"name": "old"})

	var userLog, auditLog changeLog
	t1, err := users.AddChangeListener(func(ch *CollectionChange) { userLog.add(ch.DocumentIDs) })
	require.NoError(t, err)
	defer t1.Remove()
	t2, err := audit.AddChangeListener(func(ch *CollectionChange) { auditLog.add(ch.DocumentIDs) })
	require.NoError(t, err)
	defer t2.Remove()

	u1 := core.NewMutableDocument("u1")
	require.NoError(t, u1.Set("name", "Achieng"))
	u2 := core.NewMutableDocument("u2")
	require.NoError(t, u2.Set("name", "Baraka"))
	entry := core.NewMutableDocument("e1")
	require.NoError(t, entry.Set("action", "signup"))

	err = db.InBatch(func(b *Batch) error {
		if err := b.Save(users, u1); err != nil {
			return err
		}
		if err := b.Save(users, u2); err != nil {
			return err
		}
		// A second save of the same handle inside the batch is not a conflict.
		if err := u1.Set("verified", true); err != nil {
			return err
		}
		if err := b.SaveWithConcurrencyControl(users, u1, FailOnConflict); err != nil {
			return err
		}
		if err := b.Delete(users, &old.Document); err != nil {
			return err
		}
		seen, err := b.Document(users, "u2")
		if err != nil {
			return err
		}
		assert.NotNil(t, seen)
		return b.Save(audit, entry)
	})
	require.NoError(t, err)
	db.changes.Flush()

	assert.Equal(t, [][]string{{"u1", "u2", "u0"}}, userLog.get())
	assert.Equal(t, [][]string{{"e1"}}, auditLog.get())

	assert.Equal(t, uint64(2), core.RevisionGeneration(u1.RevisionID()))
	stored, err := users.Document("u1")
	require.NoError(t, err)
	assert.Equal(t, u1.RevisionID(), stored.RevisionID())
	assert.Equal(t, true, stored.Get("verified"))
	assert.Equal(t, uint64(2), users.Count())
	assert.Equal(t, uint64(1), audit.Count())
}

func TestBatchRollsBackOnError(t *testing.T) {
	db := openTestDB(t)
	c, err := db.DefaultCollection()
	require.NoError(t, err)
	existing := saveDoc(t, c, "keep", map[string]any{"v": 1})
	rev := existing.RevisionID()

	var log changeLog
	token, err := c.AddChangeListener(func(ch *CollectionChange) { log.add(ch.DocumentIDs) })
	require.NoError(t, err)
	defer token.Remove()

	fresh := core.NewMutableDocument("new")
	boom := errors.New("boom")
	var inside *Batch
	err = db.InBatch(func(b *Batch) error {
		inside = b
		require.NoError(t, b.Save(c, fresh))
		require.NoError(t, existing.Set("v", 2))
		require.NoError(t, b.Save(c, existing))
		found, err := b.Purge(c, "keep")
		require.NoError(t, err)
		assert.True(t, found)
		return boom
	})
	require.ErrorIs(t, err, boom)
	db.changes.Flush()

	assert.Empty(t, log.get())
	assert.Empty(t, fresh.RevisionID())
	assert.Equal(t, rev, existing.RevisionID())

	stored, err := c.Document("keep")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, int64(1), stored.Get("v"))
	missing, err := c.Document("new")
	require.NoError(t, err)
	assert.Nil(t, missing)

	// The batch cannot be used once InBatch returned.
	assertCode(t, core.CodeInvalidParameter, inside.Save(c, fresh))
}

func TestBatchConflictFailsOnlyThatWrite(t *testing.T) {
	db := openTestDB(t)
	c, err := db.DefaultCollection()
	require.NoError(t, err)
	saveDoc(t, c, "doc", map[string]any{"v": 1})
	stale := core.NewMutableDocument("doc")

	err = db.InBatch(func(b *Batch) error {
		assertCode(t, core.CodeConflict, b.SaveWithConcurrencyControl(c, stale, FailOnConflict))
		return b.Save(c, core.NewMutableDocument("other"))
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), c.Count())
}

func TestBatchRejectsForeignCollections(t *testing.T) {
	db := openTestDB(t)
	foreign := openTestDB(t)
	fc, err := foreign.DefaultCollection()
	require.NoError(t, err)

	err = db.InBatch(func(b *Batch) error {
		return b.Save(fc, core.NewMutableDocument("x"))
	})
	assertCode(t, core.CodeInvalidParameter, err)

	assertCode(t, core.CodeInvalidParameter, db.InBatch(nil))
}

func TestBatchOnDeletedCollection(t *testing.T) {
	db := openTestDB(t)
	c, err := db.CreateCollection("gone", "app")
	require.NoError(t, err)
	require.NoError(t, db.DeleteCollection("gone", "app"))

	err = db.InBatch(func(b *Batch) error {
		return b.Save(c, core.NewMutableDocument("x"))
	})
	assertCode(t, core.CodeNotOpen, err)
}
