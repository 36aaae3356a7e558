package persistence

import (
	"github.com/asaidimu/go-kumbu/core"
)

// Batch groups writes to any collection of one database into a single
// transaction. It is only valid inside the function given to InBatch and
// must not be shared with other goroutines.
type Batch struct {
	db   *Database
	w    *writeTxn
	done bool
	// broken is set by a storage failure in the middle of a write, after
	// which the batch can only roll back.
	broken error
}

// InBatch runs fn in one write transaction. When fn returns nil every write
// it made is committed at once: document handles get their new revisions
// and each changed collection notifies its listeners once, with all of its
// changed ids. When fn returns an error nothing is written, handles are left
// as they were and nobody is notified.
//
// fn must go through the Batch for all its reads and writes; calling
// Collection methods from fn deadlocks.
func (db *Database) InBatch(fn func(b *Batch) error) error {
	if fn == nil {
		return core.Errorf(core.CodeInvalidParameter, "batch function must not be nil")
	}
	_, err := db.withEventEmission(
		"batch",
		core.BatchStart,
		core.BatchSuccess,
		core.BatchFailed,
		"",
		"",
		nil,
		func() (any, error) {
			var changed int
			err := db.update(func(w *writeTxn) error {
				b := &Batch{db: db, w: w}
				defer func() { b.done = true }()
				if err := fn(b); err != nil {
					return err
				}
				changed = len(w.changes)
				return b.broken
			})
			return map[string]any{"collections": changed}, err
		},
	)
	return err
}

func (b *Batch) check(c *Collection) error {
	if b.done {
		return core.Errorf(core.CodeInvalidParameter, "batch is already finished")
	}
	if b.broken != nil {
		return b.broken
	}
	if c == nil {
		return core.Errorf(core.CodeInvalidParameter, "collection must not be nil")
	}
	if c.db != b.db {
		return core.Errorf(core.CodeInvalidParameter, "collection %s belongs to another database", c.FullName())
	}
	return nil
}

// result classifies err and remembers failures that may have left partial
// writes behind.
func (b *Batch) result(err error) error {
	err = classify(err, "batch write failed")
	switch core.CodeOf(err) {
	case core.CodeUnexpected, core.CodeCorruptData:
		b.broken = err
	}
	return err
}

// Document reads id as the batch sees it, including its own writes.
func (b *Batch) Document(c *Collection, id string) (*core.Document, error) {
	if err := b.check(c); err != nil {
		return nil, err
	}
	k, err := b.w.keyspace(c)
	if err != nil {
		return nil, b.result(err)
	}
	doc, err := c.readDocument(k, id)
	if err != nil {
		return nil, b.result(err)
	}
	return doc, nil
}

// Save is Collection.Save inside the batch.
func (b *Batch) Save(c *Collection, doc *core.MutableDocument) error {
	return b.SaveWithConcurrencyControl(c, doc, LastWriteWins)
}

// SaveWithConcurrencyControl is Collection.SaveWithConcurrencyControl inside
// the batch. A conflict fails this save only; the batch goes on unless fn
// returns the error.
func (b *Batch) SaveWithConcurrencyControl(c *Collection, doc *core.MutableDocument, cc ConcurrencyControl) error {
	if err := b.check(c); err != nil {
		return err
	}
	if doc == nil {
		return core.Errorf(core.CodeInvalidParameter, "document must not be nil")
	}
	return b.result(b.w.save(c, doc, cc))
}

// Delete is Collection.Delete inside the batch.
func (b *Batch) Delete(c *Collection, doc *core.Document) error {
	return b.DeleteWithConcurrencyControl(c, doc, LastWriteWins)
}

// DeleteWithConcurrencyControl is Collection.DeleteWithConcurrencyControl
// inside the batch.
func (b *Batch) DeleteWithConcurrencyControl(c *Collection, doc *core.Document, cc ConcurrencyControl) error {
	if err := b.check(c); err != nil {
		return err
	}
	if doc == nil {
		return core.Errorf(core.CodeInvalidParameter, "document must not be nil")
	}
	return b.result(b.w.delete(c, doc, cc))
}

// Purge is Collection.PurgeByID inside the batch.
func (b *Batch) Purge(c *Collection, id string) (bool, error) {
	if err := b.check(c); err != nil {
		return false, err
	}
	k, err := b.w.keyspace(c)
	if err != nil {
		return false, b.result(err)
	}
	found, err := b.w.purge(k, id)
	if err != nil {
		return false, b.result(err)
	}
	return found, nil
}
