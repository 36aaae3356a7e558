package storage

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

// BoltEngine implements Engine on top of a bbolt file.
type BoltEngine struct {
	db      *bbolt.DB
	logger  *zap.Logger
	noSync  bool
	timeout time.Duration
}

var _ Engine = (*BoltEngine)(nil)

// BoltOption configures a BoltEngine.
type BoltOption func(*BoltEngine)

// WithBoltLogger sets the logger for the engine.
func WithBoltLogger(logger *zap.Logger) BoltOption {
	return func(b *BoltEngine) {
		b.logger = logger
	}
}

// WithBoltNoSync disables fsync per transaction.
// Use only for testing or benchmarking, never in production.
func WithBoltNoSync(noSync bool) BoltOption {
	return func(b *BoltEngine) {
		b.noSync = noSync
	}
}

// WithBoltTimeout bounds how long Open waits for the file lock.
func WithBoltTimeout(d time.Duration) BoltOption {
	return func(b *BoltEngine) {
		b.timeout = d
	}
}

// OpenBolt opens (creating if needed) the bbolt file at path.
func OpenBolt(path string, opts ...BoltOption) (*BoltEngine, error) {
	b := &BoltEngine{
		logger:  zap.NewNop(),
		timeout: time.Second,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.logger == nil {
		b.logger = zap.NewNop()
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout:      b.timeout,
		NoSync:       b.noSync,
		FreelistType: bbolt.FreelistMapType,
	})
	if err != nil {
		return nil, fmt.Errorf("opening bolt file: %w", err)
	}
	b.db = db
	b.logger.Debug("opened bolt storage", zap.String("path", path), zap.Bool("noSync", b.noSync))
	return b, nil
}

func (b *BoltEngine) Begin(writable bool) (Tx, error) {
	btx, err := b.db.Begin(writable)
	if err != nil {
		if errors.Is(err, bbolt.ErrDatabaseNotOpen) {
			return nil, ErrClosed
		}
		return nil, err
	}
	return &boltTx{btx: btx}, nil
}

func (b *BoltEngine) Close() error {
	b.logger.Debug("closing bolt storage", zap.String("path", b.db.Path()))
	return b.db.Close()
}

type boltTx struct {
	btx *bbolt.Tx
}

func (tx *boltTx) Writable() bool { return tx.btx.Writable() }

func (tx *boltTx) Bucket(name string) (Bucket, error) {
	if tx.btx.DB() == nil {
		return nil, ErrTxClosed
	}
	b := tx.btx.Bucket([]byte(name))
	if b == nil {
		return nil, nil
	}
	return boltBucket{b: b}, nil
}

func (tx *boltTx) CreateBucket(name string) (Bucket, error) {
	if !tx.btx.Writable() {
		return nil, ErrTxNotWritable
	}
	b, err := tx.btx.CreateBucketIfNotExists([]byte(name))
	if err != nil {
		if errors.Is(err, bbolt.ErrTxClosed) {
			return nil, ErrTxClosed
		}
		return nil, err
	}
	return boltBucket{b: b}, nil
}

func (tx *boltTx) DeleteBucket(name string) error {
	if !tx.btx.Writable() {
		return ErrTxNotWritable
	}
	err := tx.btx.DeleteBucket([]byte(name))
	switch {
	case errors.Is(err, bbolt.ErrBucketNotFound):
		return ErrBucketNotFound
	case errors.Is(err, bbolt.ErrTxClosed):
		return ErrTxClosed
	}
	return err
}

func (tx *boltTx) Commit() error {
	if !tx.btx.Writable() {
		_ = tx.btx.Rollback()
		return ErrTxNotWritable
	}
	err := tx.btx.Commit()
	if errors.Is(err, bbolt.ErrTxClosed) {
		return ErrTxClosed
	}
	return err
}

func (tx *boltTx) Rollback() error {
	err := tx.btx.Rollback()
	if errors.Is(err, bbolt.ErrTxClosed) {
		return nil
	}
	return err
}

type boltBucket struct {
	b *bbolt.Bucket
}

func (b boltBucket) Get(key []byte) ([]byte, error) { return b.b.Get(key), nil }

func (b boltBucket) Put(key, value []byte) error {
	err := b.b.Put(key, value)
	if errors.Is(err, bbolt.ErrTxNotWritable) {
		return ErrTxNotWritable
	}
	return err
}

func (b boltBucket) Delete(key []byte) error {
	err := b.b.Delete(key)
	if errors.Is(err, bbolt.ErrTxNotWritable) {
		return ErrTxNotWritable
	}
	return err
}

func (b boltBucket) ForEach(fn func(k, v []byte) error) error {
	return b.b.ForEach(fn)
}

func (b boltBucket) ForEachPrefix(prefix []byte, fn func(k, v []byte) error) error {
	c := b.b.Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		if err := fn(k, v); err != nil {
			return err
		}
	}
	return nil
}

func (b boltBucket) Count() (int, error) { return b.b.Stats().KeyN, nil }
