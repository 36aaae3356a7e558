package persistence

import (
	"fmt"

	"github.com/asaidimu/go-kumbu/core"
	"github.com/asaidimu/go-kumbu/core/codec"
	"github.com/asaidimu/go-kumbu/core/expiry"
	"github.com/asaidimu/go-kumbu/core/index"
	"github.com/asaidimu/go-kumbu/core/notify"
	"github.com/asaidimu/go-kumbu/core/storage"
	"go.uber.org/zap"
)

// keyspace is the set of buckets of one collection, opened in one
// transaction.
type keyspace struct {
	id      uint64
	tx      storage.Tx
	docs    storage.Bucket
	tombs   storage.Bucket
	expiry  storage.Bucket
	indexes []*liveIndex
}

type liveIndex struct {
	record  codec.IndexRecord
	index   *index.Index
	entries storage.Bucket
}

// openKeyspace returns nil when the keyspace no longer exists, which is how
// handles of deleted collections are detected.
func (db *Database) openKeyspace(tx storage.Tx, ks uint64) (*keyspace, error) {
	docs, err := tx.Bucket(docsBucket(ks))
	if err != nil {
		return nil, fmt.Errorf("failed to open documents of keyspace %d: %w", ks, err)
	}
	if docs == nil {
		return nil, nil
	}
	k := &keyspace{id: ks, tx: tx, docs: docs}
	if k.tombs, err = tx.Bucket(tombsBucket(ks)); err != nil {
		return nil, err
	}
	if k.expiry, err = tx.Bucket(expiryBucket(ks)); err != nil {
		return nil, err
	}
	if k.tombs == nil || k.expiry == nil {
		return nil, core.Errorf(core.CodeCorruptData, "keyspace %d is missing buckets", ks)
	}
	return k, nil
}

// loadIndexes opens the compiled indexes of k and their entry buckets.
func (db *Database) loadIndexes(tx storage.Tx, k *keyspace) error {
	records, err := listIndexes(tx, k.id)
	if err != nil {
		return err
	}
	k.indexes = k.indexes[:0]
	for _, rec := range records {
		ix, err := db.compiledIndex(rec)
		if err != nil {
			return err
		}
		entries, err := tx.Bucket(entriesBucket(k.id, rec.Generation))
		if err != nil {
			return err
		}
		if entries == nil {
			return core.Errorf(core.CodeCorruptData, "index %q has no entries bucket", rec.Name)
		}
		k.indexes = append(k.indexes, &liveIndex{record: rec, index: ix, entries: entries})
	}
	return nil
}

// current returns the stored revision of id, live or deleted, or nil.
func (k *keyspace) current(id string) (*codec.DocRecord, error) {
	key := []byte(id)
	data, err := k.docs.Get(key)
	if err != nil {
		return nil, fmt.Errorf("failed to read document %q: %w", id, err)
	}
	if data == nil {
		if data, err = k.tombs.Get(key); err != nil {
			return nil, fmt.Errorf("failed to read tombstone %q: %w", id, err)
		}
	}
	if data == nil {
		return nil, nil
	}
	var rec codec.DocRecord
	if err := codec.DecodeRecord(data, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// pendingChange collects the documents of one keyspace changed by a
// transaction, in first-change order.
type pendingChange struct {
	keyspace uint64
	ids      []string
	seen     map[string]struct{}
}

// writeTxn is a write transaction plus everything that has to happen once
// it commits.
type writeTxn struct {
	db        *Database
	tx        storage.Tx
	meta      *codec.MetaRecord
	metaDirty bool
	spaces    map[uint64]*keyspace

	changes   []*pendingChange
	changeIdx map[uint64]*pendingChange
	expiry    map[expiry.Key]int64
	touched   map[uint64]bool
	dropped   []uint64
	committed []func()

	// revisions holds the revision each document handle got in this
	// transaction, so a second save of the same handle does not conflict
	// with the first.
	revisions map[*core.Document]string
}

func newWriteTxn(db *Database, tx storage.Tx) *writeTxn {
	return &writeTxn{
		db:        db,
		tx:        tx,
		spaces:    make(map[uint64]*keyspace),
		changeIdx: make(map[uint64]*pendingChange),
		expiry:    make(map[expiry.Key]int64),
		touched:   make(map[uint64]bool),
		revisions: make(map[*core.Document]string),
	}
}

func (w *writeTxn) loadMeta() (*codec.MetaRecord, error) {
	if w.meta != nil {
		return w.meta, nil
	}
	meta, err := readMeta(w.tx)
	if err != nil {
		return nil, err
	}
	if meta == nil {
		return nil, core.Errorf(core.CodeCorruptData, "database has no meta record")
	}
	w.meta = meta
	return meta, nil
}

func (w *writeTxn) nextSequence() (uint64, error) {
	meta, err := w.loadMeta()
	if err != nil {
		return 0, err
	}
	seq := meta.NextSequence
	meta.NextSequence++
	w.metaDirty = true
	return seq, nil
}

func (w *writeTxn) nextOrdinal() (uint64, error) {
	meta, err := w.loadMeta()
	if err != nil {
		return 0, err
	}
	ord := meta.NextOrdinal
	meta.NextOrdinal++
	w.metaDirty = true
	return ord, nil
}

// keyspace opens the buckets of c, failing with NotOpen when c was deleted.
func (w *writeTxn) keyspace(c *Collection) (*keyspace, error) {
	k, err := w.space(c.keyspace)
	if err != nil {
		return nil, err
	}
	if k == nil {
		return nil, c.notOpen()
	}
	return k, nil
}

// space opens the buckets and indexes of ks, nil when it does not exist.
func (w *writeTxn) space(ks uint64) (*keyspace, error) {
	if k, ok := w.spaces[ks]; ok {
		return k, nil
	}
	k, err := w.db.openKeyspace(w.tx, ks)
	if err != nil || k == nil {
		return nil, err
	}
	if err := w.db.loadIndexes(w.tx, k); err != nil {
		return nil, err
	}
	w.spaces[ks] = k
	return k, nil
}

// forget drops the cached buckets of ks, after its indexes changed.
func (w *writeTxn) forget(ks uint64) {
	delete(w.spaces, ks)
}

// touch marks ks for a recount after commit.
func (w *writeTxn) touch(ks uint64) {
	w.touched[ks] = true
}

func (w *writeTxn) changed(ks uint64, id string) {
	w.touch(ks)
	pc, ok := w.changeIdx[ks]
	if !ok {
		pc = &pendingChange{keyspace: ks, seen: make(map[string]struct{})}
		w.changeIdx[ks] = pc
		w.changes = append(w.changes, pc)
	}
	if _, dup := pc.seen[id]; dup {
		return
	}
	pc.seen[id] = struct{}{}
	pc.ids = append(pc.ids, id)
}

func (w *writeTxn) setExpiry(ks uint64, id string, ts int64) {
	w.expiry[expiry.Key{Keyspace: ks, DocID: id}] = ts
}

// onCommit queues fn to run after a successful commit.
func (w *writeTxn) onCommit(fn func()) {
	w.committed = append(w.committed, fn)
}

// baseRevision is the revision doc was read from, or the one it got earlier
// in this transaction.
func (w *writeTxn) baseRevision(doc *core.Document) string {
	if rev, ok := w.revisions[doc]; ok {
		return rev
	}
	return doc.RevisionID()
}

// bind records the new revision of doc, applied to the handle on commit.
func (w *writeTxn) bind(doc *core.Document, collection, revID string, seq uint64) {
	w.revisions[doc] = revID
	w.onCommit(func() { doc.Bind(collection, revID, seq) })
}

// prepare writes the meta record and counts the touched collections.
func (w *writeTxn) prepare() (map[uint64]uint64, error) {
	if w.metaDirty {
		if err := writeMeta(w.tx, w.meta); err != nil {
			return nil, err
		}
	}
	counts := make(map[uint64]uint64, len(w.touched))
	for ks := range w.touched {
		k, ok := w.spaces[ks]
		if !ok {
			continue
		}
		n, err := k.docs.Count()
		if err != nil {
			return nil, fmt.Errorf("failed to count documents: %w", err)
		}
		counts[ks] = uint64(n)
	}
	return counts, nil
}

// apply runs after commit: handles, expiration schedule, counts and change
// notification, in that order.
func (w *writeTxn) apply(counts map[uint64]uint64) {
	db := w.db
	for _, fn := range w.committed {
		fn()
	}
	for _, ks := range w.dropped {
		db.tracker.RemoveKeyspace(ks)
	}
	for key, ts := range w.expiry {
		db.tracker.Set(key, ts)
	}
	for ks, n := range counts {
		if c := db.cachedHandle(ks); c != nil {
			c.lastCount.Store(n)
		}
	}
	if len(w.changes) == 0 {
		return
	}
	changes := make([]notify.Change, 0, len(w.changes))
	for _, pc := range w.changes {
		changes = append(changes, notify.Change{Keyspace: pc.keyspace, DocIDs: pc.ids})
	}
	db.changes.Publish(changes...)
}

// update runs fn in a write transaction. Commits of one database are
// serialized by writeMu, which is also held while the changes are
// published, so listeners see transactions in commit order.
func (db *Database) update(fn func(w *writeTxn) error) error {
	if err := db.enter(); err != nil {
		return err
	}
	defer db.exit()

	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	tx, err := db.engine.Begin(true)
	if err != nil {
		return classify(err, "failed to begin write transaction")
	}
	defer tx.Rollback()

	w := newWriteTxn(db, tx)
	if err := fn(w); err != nil {
		return classify(err, "write transaction failed")
	}
	counts, err := w.prepare()
	if err != nil {
		return classify(err, "write transaction failed")
	}
	if err := tx.Commit(); err != nil {
		return classify(err, "failed to commit write transaction")
	}
	w.apply(counts)
	db.logger.Debug("Committed write transaction",
		zap.Int("collections", len(w.changes)),
		zap.Int("expirations", len(w.expiry)))
	return nil
}

// view runs fn in a read-only transaction.
func (db *Database) view(fn func(tx storage.Tx) error) error {
	if err := db.enter(); err != nil {
		return err
	}
	defer db.exit()

	tx, err := db.engine.Begin(false)
	if err != nil {
		return classify(err, "failed to begin read transaction")
	}
	defer tx.Rollback()
	return classify(fn(tx), "read transaction failed")
}

// viewKeyspace is view with the buckets of c opened, or NotOpen.
func (c *Collection) viewKeyspace(fn func(k *keyspace) error) error {
	return c.db.view(func(tx storage.Tx) error {
		k, err := c.db.openKeyspace(tx, c.keyspace)
		if err != nil {
			return err
		}
		if k == nil {
			return c.notOpen()
		}
		return fn(k)
	})
}
