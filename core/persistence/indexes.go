package persistence

import (
	"bytes"
	"fmt"

	"github.com/asaidimu/go-kumbu/core"
	"github.com/asaidimu/go-kumbu/core/codec"
	"github.com/asaidimu/go-kumbu/core/index"
	"go.uber.org/zap"
)

func definitionOf(rec codec.IndexRecord) index.Definition {
	return index.Definition{
		Name:          rec.Name,
		Kind:          index.Kind(rec.Kind),
		Language:      index.Language(rec.Language),
		Expressions:   rec.Expressions,
		IgnoreAccents: rec.IgnoreAccents,
	}
}

// compiledIndex returns the compiled form of a stored index. Compilations
// are cached by generation; a cached index whose definition does not match
// the record is compiled again.
func (db *Database) compiledIndex(rec codec.IndexRecord) (*index.Index, error) {
	def := definitionOf(rec)
	db.compiledMu.Lock()
	ix, ok := db.compiled[rec.Generation]
	db.compiledMu.Unlock()
	if ok && ix.Name() == rec.Name && ix.Definition().Equal(def) {
		return ix, nil
	}

	ix, err := index.Compile(def)
	if err != nil {
		return nil, core.Errorf(core.CodeCorruptData, "stored index %q does not compile: %v", rec.Name, err)
	}
	db.cacheCompiled(rec.Generation, ix)
	return ix, nil
}

func (db *Database) cacheCompiled(generation uint64, ix *index.Index) {
	db.compiledMu.Lock()
	db.compiled[generation] = ix
	db.compiledMu.Unlock()
}

func (db *Database) forgetCompiled(generation uint64) {
	db.compiledMu.Lock()
	delete(db.compiled, generation)
	db.compiledMu.Unlock()
}

func getIndexRecord(k *keyspace, name string) (*codec.IndexRecord, error) {
	b, err := k.tx.Bucket(indexesBucket(k.id))
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, core.Errorf(core.CodeCorruptData, "keyspace %d has no index catalog", k.id)
	}
	data, err := b.Get([]byte(name))
	if err != nil {
		return nil, fmt.Errorf("failed to read index %q: %w", name, err)
	}
	if data == nil {
		return nil, nil
	}
	var rec codec.IndexRecord
	if err := codec.DecodeRecord(data, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// CreateValueIndex creates or redefines a value index. Creating an index
// that already exists with the same definition does nothing; a different
// definition replaces it and rebuilds its entries.
func (c *Collection) CreateValueIndex(name string, config ValueIndexConfiguration) error {
	return c.createIndex(index.Definition{
		Name:        name,
		Kind:        index.KindValue,
		Language:    config.Language,
		Expressions: config.Expressions,
	})
}

// CreateFullTextIndex is CreateValueIndex for full-text indexes.
func (c *Collection) CreateFullTextIndex(name string, config FullTextIndexConfiguration) error {
	return c.createIndex(index.Definition{
		Name:          name,
		Kind:          index.KindFullText,
		Language:      config.Language,
		Expressions:   config.Expressions,
		IgnoreAccents: config.IgnoreAccents,
	})
}

func (c *Collection) createIndex(def index.Definition) error {
	// Compiling may be slow (goja, cel); it does not need the writer.
	ix, compileErr := index.Compile(def)

	_, err := c.db.withEventEmission(
		"createIndex",
		core.IndexCreateStart,
		core.IndexCreateSuccess,
		core.IndexCreateFailed,
		c.FullName(),
		"",
		map[string]any{"name": def.Name, "kind": string(def.Kind), "language": string(def.Language), "expressions": def.Expressions},
		func() (any, error) {
			rebuilt := false
			err := c.db.update(func(w *writeTxn) error {
				k, err := w.keyspace(c)
				if err != nil {
					return err
				}
				if compileErr != nil {
					return compileErr
				}
				existing, err := getIndexRecord(k, def.Name)
				if err != nil {
					return err
				}
				if existing != nil && definitionOf(*existing).Equal(def) {
					return nil
				}
				rebuilt = true
				return w.buildIndex(k, ix, existing)
			})
			return rebuilt, err
		},
	)
	return err
}

// buildIndex stores the definition of ix, replacing existing when set, and
// indexes every live document of k.
func (w *writeTxn) buildIndex(k *keyspace, ix *index.Index, existing *codec.IndexRecord) error {
	def := ix.Definition()
	rec := codec.IndexRecord{
		Name:          def.Name,
		Kind:          string(def.Kind),
		Language:      string(def.Language),
		Expressions:   def.Expressions,
		IgnoreAccents: def.IgnoreAccents,
	}
	var err error
	if existing != nil {
		rec.Ordinal = existing.Ordinal
		if err := k.tx.DeleteBucket(entriesBucket(k.id, existing.Generation)); err != nil {
			return fmt.Errorf("failed to drop entries of index %q: %w", def.Name, err)
		}
		old := existing.Generation
		w.onCommit(func() { w.db.forgetCompiled(old) })
	} else if rec.Ordinal, err = w.nextOrdinal(); err != nil {
		return err
	}
	if rec.Generation, err = w.nextOrdinal(); err != nil {
		return err
	}

	data, err := codec.EncodeRecord(&rec)
	if err != nil {
		return err
	}
	catalog, err := k.tx.Bucket(indexesBucket(k.id))
	if err != nil {
		return err
	}
	if err := catalog.Put([]byte(rec.Name), data); err != nil {
		return fmt.Errorf("failed to write index %q: %w", rec.Name, err)
	}
	entries, err := k.tx.CreateBucket(entriesBucket(k.id, rec.Generation))
	if err != nil {
		return fmt.Errorf("failed to create entries of index %q: %w", rec.Name, err)
	}

	// Bodies are decoded up front; some engines cannot write while a
	// cursor is open.
	type body struct {
		id    string
		props core.Properties
	}
	var bodies []body
	err = k.docs.ForEach(func(key, v []byte) error {
		var doc codec.DocRecord
		if err := codec.DecodeRecord(v, &doc); err != nil {
			return err
		}
		props, err := codec.DecodeBody(&doc)
		if err != nil {
			return err
		}
		bodies = append(bodies, body{id: string(key), props: props})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to scan documents for index %q: %w", rec.Name, err)
	}

	li := &liveIndex{record: rec, index: ix, entries: entries}
	for _, b := range bodies {
		if err := w.db.indexDocument(li, b.id, b.props); err != nil {
			return err
		}
	}

	w.forget(k.id)
	w.onCommit(func() { w.db.cacheCompiled(rec.Generation, ix) })
	w.db.logger.Info("Built index",
		zap.Uint64("keyspace", k.id),
		zap.String("index", rec.Name),
		zap.String("kind", rec.Kind),
		zap.Bool("redefined", existing != nil),
		zap.Int("documents", len(bodies)))
	return nil
}

// DeleteIndex removes an index and its entries. Deleting a missing index is
// not an error.
func (c *Collection) DeleteIndex(name string) error {
	_, err := c.db.withEventEmission(
		"deleteIndex",
		core.IndexDeleteStart,
		core.IndexDeleteSuccess,
		core.IndexDeleteFailed,
		c.FullName(),
		"",
		map[string]any{"name": name},
		func() (any, error) {
			deleted := false
			err := c.db.update(func(w *writeTxn) error {
				k, err := w.keyspace(c)
				if err != nil {
					return err
				}
				rec, err := getIndexRecord(k, name)
				if err != nil || rec == nil {
					return err
				}
				catalog, err := k.tx.Bucket(indexesBucket(k.id))
				if err != nil {
					return err
				}
				if err := catalog.Delete([]byte(name)); err != nil {
					return fmt.Errorf("failed to delete index %q: %w", name, err)
				}
				if err := k.tx.DeleteBucket(entriesBucket(k.id, rec.Generation)); err != nil {
					return fmt.Errorf("failed to drop entries of index %q: %w", name, err)
				}
				w.forget(k.id)
				w.onCommit(func() { c.db.forgetCompiled(rec.Generation) })
				deleted = true
				return nil
			})
			return deleted, err
		},
	)
	return err
}

// IndexNames lists the indexes of the collection in creation order. A
// redefined index keeps its place.
func (c *Collection) IndexNames() ([]string, error) {
	names := []string{}
	err := c.viewKeyspace(func(k *keyspace) error {
		records, err := listIndexes(k.tx, k.id)
		if err != nil {
			return err
		}
		for _, rec := range records {
			names = append(names, rec.Name)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return names, nil
}

// ValueIndexLookup returns the ids of the documents whose indexed values
// equal values, one value per expression, in id order. A missing index
// yields nil.
func (c *Collection) ValueIndexLookup(name string, values ...any) ([]string, error) {
	var ids []string
	err := c.viewIndex(name, func(li *liveIndex) error {
		prefix, err := li.index.LookupPrefix(values...)
		if err != nil {
			return err
		}
		ids = []string{}
		return li.entries.ForEachPrefix(prefix, func(k, _ []byte) error {
			ids = append(ids, string(k[len(prefix):]))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// FullTextMatch returns the ids of the documents containing every term of
// text, in id order. A missing index yields nil; text without terms matches
// nothing.
func (c *Collection) FullTextMatch(name string, text string) ([]string, error) {
	var ids []string
	err := c.viewIndex(name, func(li *liveIndex) error {
		prefixes, err := li.index.TermPrefixes(text)
		if err != nil {
			return err
		}
		ids = []string{}
		if len(prefixes) == 0 {
			return nil
		}
		var matched map[string]bool
		for _, prefix := range prefixes {
			hits := make(map[string]bool)
			ids = ids[:0]
			err := li.entries.ForEachPrefix(prefix, func(k, _ []byte) error {
				id := string(k[len(prefix):])
				if matched == nil || matched[id] {
					hits[id] = true
					ids = append(ids, id)
				}
				return nil
			})
			if err != nil {
				return err
			}
			if len(hits) == 0 {
				return nil
			}
			matched = hits
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// viewIndex runs fn on the named index in a read transaction. fn is not
// called when the index does not exist.
func (c *Collection) viewIndex(name string, fn func(li *liveIndex) error) error {
	return c.viewKeyspace(func(k *keyspace) error {
		rec, err := getIndexRecord(k, name)
		if err != nil || rec == nil {
			return err
		}
		ix, err := c.db.compiledIndex(*rec)
		if err != nil {
			return err
		}
		entries, err := k.tx.Bucket(entriesBucket(k.id, rec.Generation))
		if err != nil {
			return err
		}
		if entries == nil {
			return core.Errorf(core.CodeCorruptData, "index %q has no entries bucket", name)
		}
		return fn(&liveIndex{record: *rec, index: ix, entries: entries})
	})
}

// reindex brings every index of k up to date with the body of id; nil props
// removes the document.
func (w *writeTxn) reindex(k *keyspace, id string, props core.Properties) error {
	for _, li := range k.indexes {
		if err := w.db.indexDocument(li, id, props); err != nil {
			return err
		}
	}
	return nil
}

// indexDocument replaces the entries id contributes to li. Expressions that
// fail to evaluate count as missing values and are only logged.
func (db *Database) indexDocument(li *liveIndex, id string, props core.Properties) error {
	docKey := index.DocKey(id)
	old, err := li.entries.Get(docKey)
	if err != nil {
		return fmt.Errorf("failed to read entries of %q in index %q: %w", id, li.record.Name, err)
	}
	var oldKeys [][]byte
	if old != nil {
		if oldKeys, err = index.DecodeDocKeys(old); err != nil {
			return err
		}
	}

	var keys [][]byte
	if props != nil {
		var evalErr error
		keys, evalErr = li.index.Keys(props)
		if evalErr != nil {
			db.logger.Warn("Index expression failed",
				zap.String("index", li.record.Name),
				zap.String("document", id),
				zap.Error(evalErr))
		}
	}
	if sameKeys(oldKeys, keys) {
		return nil
	}

	for _, key := range oldKeys {
		if err := li.entries.Delete(index.EntryKey(key, id)); err != nil {
			return fmt.Errorf("failed to remove index entry: %w", err)
		}
	}
	if len(keys) == 0 {
		return li.entries.Delete(docKey)
	}
	for _, key := range keys {
		if err := li.entries.Put(index.EntryKey(key, id), []byte{}); err != nil {
			return fmt.Errorf("failed to write index entry: %w", err)
		}
	}
	data, err := index.EncodeDocKeys(keys)
	if err != nil {
		return err
	}
	return li.entries.Put(docKey, data)
}

func sameKeys(a, b [][]byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !bytes.Equal(a[i], b[i]) {
			return false
		}
	}
	return true
}
