package storage

import (
	"bytes"
	"slices"
	"sort"
	"sync"
)

// memStore is the shared state behind every handle opened with the same name.
type memStore struct {
	mu      sync.Mutex
	cond    *sync.Cond
	buckets map[string]*memBucket
	writer  bool
	dropped bool
}

var (
	memRegistryMu sync.Mutex
	memRegistry   = map[string]*memStore{}
)

func getMemStore(name string) *memStore {
	memRegistryMu.Lock()
	defer memRegistryMu.Unlock()
	s := memRegistry[name]
	if s == nil {
		s = &memStore{buckets: make(map[string]*memBucket)}
		s.cond = sync.NewCond(&s.mu)
		memRegistry[name] = s
	}
	return s
}

// MemoryExists reports whether a named in-memory store exists.
func MemoryExists(name string) bool {
	memRegistryMu.Lock()
	defer memRegistryMu.Unlock()
	_, ok := memRegistry[name]
	return ok
}

// DropMemory discards a named in-memory store. Handles that are still open
// fail every later Begin with ErrClosed, and new opens start empty.
func DropMemory(name string) {
	memRegistryMu.Lock()
	s := memRegistry[name]
	delete(memRegistry, name)
	memRegistryMu.Unlock()
	if s != nil {
		s.mu.Lock()
		s.dropped = true
		s.cond.Broadcast()
		s.mu.Unlock()
	}
}

// MemoryEngine is a transient Engine. Every engine opened with the same name
// shares one store, the way several handles on one file share the file, so
// the writer lock spans all of them.
type MemoryEngine struct {
	name   string
	store  *memStore
	mu     sync.Mutex
	closed bool
}

var _ Engine = (*MemoryEngine)(nil)

// OpenMemory opens (creating if needed) the named in-memory store.
func OpenMemory(name string) *MemoryEngine {
	return &MemoryEngine{name: name, store: getMemStore(name)}
}

// Name returns the registry name of the store.
func (e *MemoryEngine) Name() string {
	return e.name
}

func (e *MemoryEngine) Begin(writable bool) (Tx, error) {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	s := e.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if writable {
		for s.writer && !s.dropped {
			s.cond.Wait()
		}
	}
	if s.dropped {
		return nil, ErrClosed
	}
	if writable {
		s.writer = true
	}

	// Committed buckets are immutable, so a shallow copy is a snapshot.
	snap := make(map[string]*memBucket, len(s.buckets))
	for k, b := range s.buckets {
		snap[k] = b
	}
	return &memTx{
		store:    s,
		writable: writable,
		buckets:  snap,
		owned:    map[*memBucket]bool{},
	}, nil
}

// Close releases the handle. The shared store stays in the registry until
// DropMemory is called.
func (e *MemoryEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

type memTx struct {
	store    *memStore
	writable bool
	buckets  map[string]*memBucket
	owned    map[*memBucket]bool // buckets copied by this tx, safe to mutate
	closed   bool
}

func (tx *memTx) Writable() bool { return tx.writable }

func (tx *memTx) Bucket(name string) (Bucket, error) {
	if tx.closed {
		return nil, ErrTxClosed
	}
	if tx.buckets[name] == nil {
		return nil, nil
	}
	return &memBucketHandle{tx: tx, name: name}, nil
}

func (tx *memTx) CreateBucket(name string) (Bucket, error) {
	if tx.closed {
		return nil, ErrTxClosed
	}
	if !tx.writable {
		return nil, ErrTxNotWritable
	}
	if tx.buckets[name] == nil {
		b := &memBucket{}
		tx.buckets[name] = b
		tx.owned[b] = true
	}
	return &memBucketHandle{tx: tx, name: name}, nil
}

func (tx *memTx) DeleteBucket(name string) error {
	if tx.closed {
		return ErrTxClosed
	}
	if !tx.writable {
		return ErrTxNotWritable
	}
	if tx.buckets[name] == nil {
		return ErrBucketNotFound
	}
	delete(tx.buckets, name)
	return nil
}

// mutable returns a bucket this tx may modify, copying it on first write.
func (tx *memTx) mutable(name string) (*memBucket, error) {
	if tx.closed {
		return nil, ErrTxClosed
	}
	if !tx.writable {
		return nil, ErrTxNotWritable
	}
	b := tx.buckets[name]
	if b == nil {
		return nil, ErrBucketNotFound
	}
	if !tx.owned[b] {
		b = b.clone()
		tx.buckets[name] = b
		tx.owned[b] = true
	}
	return b, nil
}

func (tx *memTx) Commit() error {
	if tx.closed {
		return ErrTxClosed
	}
	if !tx.writable {
		tx.Rollback()
		return ErrTxNotWritable
	}
	s := tx.store
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buckets = tx.buckets
	tx.closeLocked()
	return nil
}

func (tx *memTx) Rollback() error {
	s := tx.store
	s.mu.Lock()
	defer s.mu.Unlock()
	tx.closeLocked()
	return nil
}

func (tx *memTx) closeLocked() {
	if tx.closed {
		return
	}
	tx.closed = true
	tx.buckets = nil
	tx.owned = nil
	if tx.writable {
		tx.store.writer = false
		tx.store.cond.Broadcast()
	}
}

type memKV struct {
	key   []byte
	value []byte
}

type memBucket struct {
	items []memKV // sorted by key
}

func (b *memBucket) clone() *memBucket {
	return &memBucket{items: slices.Clone(b.items)}
}

func (b *memBucket) find(key []byte) (int, bool) {
	i := sort.Search(len(b.items), func(i int) bool {
		return bytes.Compare(b.items[i].key, key) >= 0
	})
	return i, i < len(b.items) && bytes.Equal(b.items[i].key, key)
}

// memBucketHandle resolves the bucket through the tx on every call so that a
// copy made by a write is seen by later reads through the same handle.
type memBucketHandle struct {
	tx   *memTx
	name string
}

func (h *memBucketHandle) current() (*memBucket, error) {
	if h.tx.closed {
		return nil, ErrTxClosed
	}
	b := h.tx.buckets[h.name]
	if b == nil {
		return nil, ErrBucketNotFound
	}
	return b, nil
}

func (h *memBucketHandle) Get(key []byte) ([]byte, error) {
	b, err := h.current()
	if err != nil {
		return nil, err
	}
	if i, ok := b.find(key); ok {
		return b.items[i].value, nil
	}
	return nil, nil
}

func (h *memBucketHandle) Put(key, value []byte) error {
	b, err := h.tx.mutable(h.name)
	if err != nil {
		return err
	}
	kv := memKV{key: slices.Clone(key), value: slices.Clone(value)}
	i, ok := b.find(key)
	if ok {
		b.items[i] = kv
		return nil
	}
	b.items = slices.Insert(b.items, i, kv)
	return nil
}

func (h *memBucketHandle) Delete(key []byte) error {
	b, err := h.tx.mutable(h.name)
	if err != nil {
		return err
	}
	if i, ok := b.find(key); ok {
		b.items = slices.Delete(b.items, i, i+1)
	}
	return nil
}

func (h *memBucketHandle) ForEach(fn func(k, v []byte) error) error {
	return h.ForEachPrefix(nil, fn)
}

func (h *memBucketHandle) ForEachPrefix(prefix []byte, fn func(k, v []byte) error) error {
	b, err := h.current()
	if err != nil {
		return err
	}
	items := b.items
	start, _ := b.find(prefix)
	for _, kv := range items[start:] {
		if !bytes.HasPrefix(kv.key, prefix) {
			break
		}
		if err := fn(kv.key, kv.value); err != nil {
			return err
		}
	}
	return nil
}

func (h *memBucketHandle) Count() (int, error) {
	b, err := h.current()
	if err != nil {
		return 0, err
	}
	return len(b.items), nil
}
