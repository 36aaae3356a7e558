package persistence

import (
	"fmt"

	"github.com/asaidimu/go-kumbu/core"
	"github.com/asaidimu/go-kumbu/core/codec"
	"go.uber.org/zap"
)

// conflicts reports whether saving on top of base would overwrite a revision
// the caller has not seen. Re-creating a deleted document from a new handle
// is not a conflict.
func conflicts(cur *codec.DocRecord, base string) bool {
	if cur == nil || cur.RevID == base {
		return false
	}
	return !(base == "" && cur.Deleted)
}

// Document returns the current revision of id, or nil when the document
// does not exist or is deleted.
func (c *Collection) Document(id string) (*core.Document, error) {
	var doc *core.Document
	err := c.viewKeyspace(func(k *keyspace) error {
		var err error
		doc, err = c.readDocument(k, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// MutableDocument returns an editable copy of the current revision of id,
// or nil when the document does not exist or is deleted.
func (c *Collection) MutableDocument(id string) (*core.MutableDocument, error) {
	doc, err := c.Document(id)
	if err != nil || doc == nil {
		return nil, err
	}
	return doc.ToMutable(), nil
}

func (c *Collection) readDocument(k *keyspace, id string) (*core.Document, error) {
	data, err := k.docs.Get([]byte(id))
	if err != nil {
		return nil, fmt.Errorf("failed to read document %q: %w", id, err)
	}
	if data == nil {
		return nil, nil
	}
	var rec codec.DocRecord
	if err := codec.DecodeRecord(data, &rec); err != nil {
		return nil, err
	}
	return c.loaded(id, &rec)
}

func (c *Collection) loaded(id string, rec *codec.DocRecord) (*core.Document, error) {
	props, err := codec.DecodeBody(rec)
	if err != nil {
		return nil, err
	}
	return core.LoadedDocument(c.FullName(), id, rec.RevID, rec.Sequence, props), nil
}

// Save writes doc as the new current revision whatever is stored.
func (c *Collection) Save(doc *core.MutableDocument) error {
	return c.SaveWithConcurrencyControl(doc, LastWriteWins)
}

// SaveWithConcurrencyControl writes doc. Under FailOnConflict it fails with
// core.ErrConflict, leaving the store untouched, when the stored revision is
// not the one doc was read from.
func (c *Collection) SaveWithConcurrencyControl(doc *core.MutableDocument, cc ConcurrencyControl) error {
	if doc == nil {
		return core.Errorf(core.CodeInvalidParameter, "document must not be nil")
	}
	_, err := c.db.withEventEmission(
		"save",
		core.DocumentSaveStart,
		core.DocumentSaveSuccess,
		core.DocumentSaveFailed,
		c.FullName(),
		doc.ID(),
		map[string]any{"concurrencyControl": cc.String()},
		func() (any, error) {
			err := c.db.update(func(w *writeTxn) error {
				return w.save(c, doc, cc)
			})
			return doc.RevisionID(), err
		},
	)
	return err
}

// SaveWithConflictResolver writes doc. When the stored revision moved on,
// resolver is asked to merge, outside of any lock, and the save is retried
// on top of the revision it saw. After Config.MaxConflictRetries
// resolutions the save fails with core.ErrConflict.
func (c *Collection) SaveWithConflictResolver(doc *core.MutableDocument, resolver ConflictResolver) error {
	if doc == nil {
		return core.Errorf(core.CodeInvalidParameter, "document must not be nil")
	}
	if resolver == nil {
		return core.Errorf(core.CodeInvalidParameter, "conflict resolver must not be nil")
	}
	_, err := c.db.withEventEmission(
		"save",
		core.DocumentSaveStart,
		core.DocumentSaveSuccess,
		core.DocumentSaveFailed,
		c.FullName(),
		doc.ID(),
		map[string]any{"concurrencyControl": "resolver"},
		func() (any, error) {
			return doc.RevisionID(), c.saveResolving(doc, resolver)
		},
	)
	return err
}

func (c *Collection) saveResolving(doc *core.MutableDocument, resolver ConflictResolver) error {
	id := doc.ID()
	base := doc.RevisionID()
	for attempt := 0; ; attempt++ {
		var remote *core.Document
		var remoteRev string
		conflicted := false

		err := c.db.update(func(w *writeTxn) error {
			k, err := w.keyspace(c)
			if err != nil {
				return err
			}
			if err := c.owns(&doc.Document); err != nil {
				return err
			}
			cur, err := k.current(id)
			if err != nil {
				return err
			}
			if conflicts(cur, base) {
				conflicted = true
				remoteRev = cur.RevID
				if !cur.Deleted {
					if remote, err = c.loaded(id, cur); err != nil {
						return err
					}
				}
				return core.Errorf(core.CodeConflict, "document %q was changed since it was read", id)
			}
			return w.writeDocument(c, k, doc, cur)
		})
		if !conflicted {
			return err
		}

		if attempt >= c.db.config.MaxConflictRetries {
			return core.Errorf(core.CodeConflict, "document %q: conflict unresolved after %d attempts", id, attempt)
		}
		c.emitDocumentEvent(core.DocumentConflict, "save", id, map[string]any{"remoteRevision": remoteRev, "attempt": attempt + 1})
		c.db.logger.Debug("Resolving save conflict",
			zap.String("collection", c.FullName()),
			zap.String("document", id),
			zap.String("base", base),
			zap.String("remote", remoteRev),
			zap.Int("attempt", attempt+1))

		decision, err := resolve(resolver, doc, remote)
		if err != nil {
			return err
		}
		if !decision.commit {
			return core.Errorf(core.CodeConflict, "document %q: conflict resolver aborted the save", id)
		}
		if merged := decision.merged; merged != nil && merged != doc {
			if err := doc.SetProperties(merged.MutableProperties()); err != nil {
				return err
			}
		}
		base = remoteRev
	}
}

// resolve calls the resolver, turning a panic into an error.
func resolve(resolver ConflictResolver, local *core.MutableDocument, remote *core.Document) (d Decision, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = core.Errorf(core.CodeUnexpected, "conflict resolver panicked: %v", r)
		}
	}()
	return resolver.Resolve(local, remote), nil
}

// save is the body of a policy-controlled save inside a write transaction.
func (w *writeTxn) save(c *Collection, doc *core.MutableDocument, cc ConcurrencyControl) error {
	k, err := w.keyspace(c)
	if err != nil {
		return err
	}
	if err := c.owns(&doc.Document); err != nil {
		return err
	}
	cur, err := k.current(doc.ID())
	if err != nil {
		return err
	}
	if cc == FailOnConflict && conflicts(cur, w.baseRevision(&doc.Document)) {
		return core.Errorf(core.CodeConflict, "document %q was changed since it was read", doc.ID())
	}
	return w.writeDocument(c, k, doc, cur)
}

// writeDocument stores the body of doc as the revision following cur. The
// expiration of a live document carries over.
func (w *writeTxn) writeDocument(c *Collection, k *keyspace, doc *core.MutableDocument, cur *codec.DocRecord) error {
	id := doc.ID()
	props := doc.MutableProperties()

	var parent string
	rec := &codec.DocRecord{}
	if cur != nil {
		parent = cur.RevID
		if !cur.Deleted {
			rec.Expiration = cur.Expiration
		}
	}
	raw, err := w.db.codec.EncodeBody(rec, props)
	if err != nil {
		return core.Errorf(core.CodeInvalidParameter, "document %q: %v", id, err)
	}
	if rec.Sequence, err = w.nextSequence(); err != nil {
		return err
	}
	rec.RevID = core.NextRevisionID(parent, false, raw)

	data, err := codec.EncodeRecord(rec)
	if err != nil {
		return err
	}
	key := []byte(id)
	if err := k.docs.Put(key, data); err != nil {
		return fmt.Errorf("failed to write document %q: %w", id, err)
	}
	if cur != nil && cur.Deleted {
		if err := k.tombs.Delete(key); err != nil {
			return fmt.Errorf("failed to remove tombstone %q: %w", id, err)
		}
	}
	if err := w.reindex(k, id, props); err != nil {
		return err
	}

	w.changed(k.id, id)
	w.bind(&doc.Document, c.FullName(), rec.RevID, rec.Sequence)
	w.db.logger.Debug("Saved document",
		zap.String("collection", c.FullName()),
		zap.String("document", id),
		zap.String("revision", rec.RevID),
		zap.Uint64("sequence", rec.Sequence))
	return nil
}

// Delete replaces the document with a tombstone, whatever revision is
// stored. Deleting a document that has no live revision fails with
// core.ErrNotFound.
func (c *Collection) Delete(doc *core.Document) error {
	return c.DeleteWithConcurrencyControl(doc, LastWriteWins)
}

// DeleteWithConcurrencyControl is Delete that, under FailOnConflict, fails
// with core.ErrConflict when the stored revision is not the one doc was
// read from.
func (c *Collection) DeleteWithConcurrencyControl(doc *core.Document, cc ConcurrencyControl) error {
	if doc == nil {
		return core.Errorf(core.CodeInvalidParameter, "document must not be nil")
	}
	_, err := c.db.withEventEmission(
		"delete",
		core.DocumentDeleteStart,
		core.DocumentDeleteSuccess,
		core.DocumentDeleteFailed,
		c.FullName(),
		doc.ID(),
		map[string]any{"concurrencyControl": cc.String()},
		func() (any, error) {
			err := c.db.update(func(w *writeTxn) error {
				return w.delete(c, doc, cc)
			})
			return doc.RevisionID(), err
		},
	)
	return err
}

func (w *writeTxn) delete(c *Collection, doc *core.Document, cc ConcurrencyControl) error {
	k, err := w.keyspace(c)
	if err != nil {
		return err
	}
	if err := c.owns(doc); err != nil {
		return err
	}
	id := doc.ID()
	cur, err := k.current(id)
	if err != nil {
		return err
	}
	if cur == nil || cur.Deleted {
		return core.Errorf(core.CodeNotFound, "document %q not found", id)
	}
	if cc == FailOnConflict && cur.RevID != w.baseRevision(doc) {
		return core.Errorf(core.CodeConflict, "document %q was changed since it was read", id)
	}

	seq, err := w.nextSequence()
	if err != nil {
		return err
	}
	rec := &codec.DocRecord{
		RevID:    core.NextRevisionID(cur.RevID, true, nil),
		Sequence: seq,
		Deleted:  true,
		Format:   w.db.codec.Format,
	}
	data, err := codec.EncodeRecord(rec)
	if err != nil {
		return err
	}
	key := []byte(id)
	if err := k.tombs.Put(key, data); err != nil {
		return fmt.Errorf("failed to write tombstone %q: %w", id, err)
	}
	if err := k.docs.Delete(key); err != nil {
		return fmt.Errorf("failed to delete document %q: %w", id, err)
	}
	if cur.Expiration != 0 {
		if err := k.expiry.Delete(key); err != nil {
			return err
		}
		w.setExpiry(k.id, id, 0)
	}
	if err := w.reindex(k, id, nil); err != nil {
		return err
	}

	w.changed(k.id, id)
	w.bind(doc, c.FullName(), rec.RevID, seq)
	w.db.logger.Debug("Deleted document",
		zap.String("collection", c.FullName()),
		zap.String("document", id),
		zap.String("revision", rec.RevID))
	return nil
}

// Purge removes every trace of the document, tombstone included, without
// conflict detection. Purges are not replicated. It reports false when
// there was nothing to purge.
func (c *Collection) Purge(doc *core.Document) (bool, error) {
	if doc == nil {
		return false, core.Errorf(core.CodeInvalidParameter, "document must not be nil")
	}
	return c.PurgeByID(doc.ID())
}

// PurgeByID is Purge by document id.
func (c *Collection) PurgeByID(id string) (bool, error) {
	result, err := c.db.withEventEmission(
		"purge",
		core.DocumentPurgeStart,
		core.DocumentPurgeSuccess,
		core.DocumentPurgeFailed,
		c.FullName(),
		id,
		nil,
		func() (any, error) {
			var found bool
			err := c.db.update(func(w *writeTxn) error {
				k, err := w.keyspace(c)
				if err != nil {
					return err
				}
				found, err = w.purge(k, id)
				return err
			})
			return found, err
		},
	)
	if err != nil {
		return false, err
	}
	return result.(bool), nil
}

// purge removes id from k. Listeners hear about it unless
// SuppressPurgeNotifications is set.
func (w *writeTxn) purge(k *keyspace, id string) (bool, error) {
	cur, err := k.current(id)
	if err != nil || cur == nil {
		return false, err
	}
	key := []byte(id)
	if cur.Deleted {
		if err := k.tombs.Delete(key); err != nil {
			return false, fmt.Errorf("failed to purge tombstone %q: %w", id, err)
		}
	} else {
		if err := k.docs.Delete(key); err != nil {
			return false, fmt.Errorf("failed to purge document %q: %w", id, err)
		}
		if err := w.reindex(k, id, nil); err != nil {
			return false, err
		}
	}
	if cur.Expiration != 0 {
		if err := k.expiry.Delete(key); err != nil {
			return false, err
		}
		w.setExpiry(k.id, id, 0)
	}

	w.touch(k.id)
	if !w.db.config.SuppressPurgeNotifications {
		w.changed(k.id, id)
	}
	w.db.logger.Debug("Purged document", zap.Uint64("keyspace", k.id), zap.String("document", id))
	return true, nil
}
