// Package sqlite provides a storage.Engine backed by a SQLite database. Every
// bucket lives in one key-value table, and a single connection gives the
// engine its one-writer discipline.
package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/asaidimu/go-kumbu/core/storage"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// dbRunner is an interface that abstracts the common methods of *sql.DB and *sql.Tx,
// allowing for the same code to be used for both transactional and non-transactional
// database operations.
type dbRunner interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

// Engine is a storage.Engine on top of database/sql and go-sqlite3.
type Engine struct {
	db      *sql.DB
	ownsDB  bool
	logger  *zap.Logger
	options *Options

	mu     sync.Mutex
	closed bool

	// statements, built once from the table prefix
	qHasBucket    string
	qCreateBucket string
	qDropKeys     string
	qDropBucket   string
	qGet          string
	qPut          string
	qDelete       string
	qScan         string
	qScanBounded  string
	qCount        string
}

// Ensure Engine implements the storage.Engine interface.
var _ storage.Engine = (*Engine)(nil)

// Open opens the SQLite database at path (":memory:" for a private in-memory
// database) and prepares the tables.
func Open(path string, logger *zap.Logger, options *Options) (*Engine, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	e, err := newEngine(db, logger, options, strings.Contains(path, ":memory:") || strings.Contains(path, "mode=memory"))
	if err != nil {
		db.Close()
		return nil, err
	}
	e.ownsDB = true
	return e, nil
}

// NewEngine wraps an existing connection pool. The pool is restricted to one
// connection; Close does not close db.
func NewEngine(db *sql.DB, logger *zap.Logger, options *Options) (*Engine, error) {
	return newEngine(db, logger, options, false)
}

func newEngine(db *sql.DB, logger *zap.Logger, options *Options, inMemory bool) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if options == nil {
		options = DefaultOptions()
	}
	db.SetMaxOpenConns(1)

	e := &Engine{
		db:      db,
		logger:  logger,
		options: options,
	}
	buckets := e.getTableName("buckets")
	kv := e.getTableName("kv")
	e.qHasBucket = fmt.Sprintf(`SELECT 1 FROM %s WHERE name = ?`, buckets)
	e.qCreateBucket = fmt.Sprintf(`INSERT OR IGNORE INTO %s (name) VALUES (?)`, buckets)
	e.qDropKeys = fmt.Sprintf(`DELETE FROM %s WHERE bucket = ?`, kv)
	e.qDropBucket = fmt.Sprintf(`DELETE FROM %s WHERE name = ?`, buckets)
	e.qGet = fmt.Sprintf(`SELECT value FROM %s WHERE bucket = ? AND key = ?`, kv)
	e.qPut = fmt.Sprintf(`INSERT INTO %s (bucket, key, value) VALUES (?, ?, ?) ON CONFLICT (bucket, key) DO UPDATE SET value = excluded.value`, kv)
	e.qDelete = fmt.Sprintf(`DELETE FROM %s WHERE bucket = ? AND key = ?`, kv)
	e.qScan = fmt.Sprintf(`SELECT key, value FROM %s WHERE bucket = ? AND key >= ? ORDER BY key`, kv)
	e.qScanBounded = fmt.Sprintf(`SELECT key, value FROM %s WHERE bucket = ? AND key >= ? AND key < ? ORDER BY key`, kv)
	e.qCount = fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE bucket = ?`, kv)

	if err := e.createTables(inMemory); err != nil {
		return nil, err
	}
	return e, nil
}

// Begin starts a transaction. With a single connection, Begin blocks while
// another transaction is open, which serializes writers.
func (e *Engine) Begin(writable bool) (storage.Tx, error) {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return nil, storage.ErrClosed
	}

	tx, err := e.db.Begin()
	if err != nil {
		if errors.Is(err, sql.ErrConnDone) || strings.Contains(err.Error(), "database is closed") {
			return nil, storage.ErrClosed
		}
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	e.logger.Debug("Transaction initiated", zap.Bool("writable", writable))
	return &sqliteTx{engine: e, tx: tx, writable: writable}, nil
}

// Close closes the engine, and the connection pool when Open created it.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	if e.ownsDB {
		return e.db.Close()
	}
	return nil
}

type sqliteTx struct {
	engine   *Engine
	tx       *sql.Tx
	writable bool
	closed   bool
}

// runner returns the active transaction as a dbRunner.
func (t *sqliteTx) runner() dbRunner {
	return t.tx
}

func (t *sqliteTx) check(write bool) error {
	if t.closed {
		return storage.ErrTxClosed
	}
	if write && !t.writable {
		return storage.ErrTxNotWritable
	}
	return nil
}

func (t *sqliteTx) Writable() bool { return t.writable }

func (t *sqliteTx) Bucket(name string) (storage.Bucket, error) {
	if err := t.check(false); err != nil {
		return nil, err
	}
	var one int
	err := t.runner().QueryRow(t.engine.qHasBucket, name).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up bucket %s: %w", name, err)
	}
	return &sqliteBucket{tx: t, name: name}, nil
}

func (t *sqliteTx) CreateBucket(name string) (storage.Bucket, error) {
	if err := t.check(true); err != nil {
		return nil, err
	}
	if _, err := t.runner().Exec(t.engine.qCreateBucket, name); err != nil {
		return nil, fmt.Errorf("failed to create bucket %s: %w", name, err)
	}
	return &sqliteBucket{tx: t, name: name}, nil
}

func (t *sqliteTx) DeleteBucket(name string) error {
	if err := t.check(true); err != nil {
		return err
	}
	res, err := t.runner().Exec(t.engine.qDropBucket, name)
	if err != nil {
		return fmt.Errorf("failed to delete bucket %s: %w", name, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return storage.ErrBucketNotFound
	}
	if _, err := t.runner().Exec(t.engine.qDropKeys, name); err != nil {
		return fmt.Errorf("failed to delete keys of bucket %s: %w", name, err)
	}
	return nil
}

func (t *sqliteTx) Commit() error {
	if t.closed {
		return storage.ErrTxClosed
	}
	t.closed = true
	if !t.writable {
		t.tx.Rollback()
		return storage.ErrTxNotWritable
	}
	t.engine.logger.Debug("Committing transaction")
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (t *sqliteTx) Rollback() error {
	if t.closed {
		return nil
	}
	t.closed = true
	if t.writable {
		t.engine.logger.Debug("Rolling back transaction")
	}
	err := t.tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return err
}

type sqliteBucket struct {
	tx   *sqliteTx
	name string
}

func (b *sqliteBucket) Get(key []byte) ([]byte, error) {
	if err := b.tx.check(false); err != nil {
		return nil, err
	}
	var value []byte
	err := b.tx.runner().QueryRow(b.tx.engine.qGet, b.name, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read key from bucket %s: %w", b.name, err)
	}
	if value == nil {
		value = []byte{}
	}
	return value, nil
}

func (b *sqliteBucket) Put(key, value []byte) error {
	if err := b.tx.check(true); err != nil {
		return err
	}
	if value == nil {
		value = []byte{}
	}
	if _, err := b.tx.runner().Exec(b.tx.engine.qPut, b.name, key, value); err != nil {
		return fmt.Errorf("failed to write key to bucket %s: %w", b.name, err)
	}
	return nil
}

func (b *sqliteBucket) Delete(key []byte) error {
	if err := b.tx.check(true); err != nil {
		return err
	}
	if _, err := b.tx.runner().Exec(b.tx.engine.qDelete, b.name, key); err != nil {
		return fmt.Errorf("failed to delete key from bucket %s: %w", b.name, err)
	}
	return nil
}

func (b *sqliteBucket) ForEach(fn func(k, v []byte) error) error {
	return b.ForEachPrefix(nil, fn)
}

// ForEachPrefix reads the matching rows before calling fn, so fn may issue
// further reads on the same transaction.
func (b *sqliteBucket) ForEachPrefix(prefix []byte, fn func(k, v []byte) error) error {
	if err := b.tx.check(false); err != nil {
		return err
	}
	if prefix == nil {
		prefix = []byte{}
	}

	var rows *sql.Rows
	var err error
	if end := storage.PrefixEnd(prefix); end != nil {
		rows, err = b.tx.runner().Query(b.tx.engine.qScanBounded, b.name, prefix, end)
	} else {
		rows, err = b.tx.runner().Query(b.tx.engine.qScan, b.name, prefix)
	}
	if err != nil {
		return fmt.Errorf("failed to scan bucket %s: %w", b.name, err)
	}

	type pair struct{ k, v []byte }
	var pairs []pair
	for rows.Next() {
		var p pair
		if err := rows.Scan(&p.k, &p.v); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan row: %w", err)
		}
		pairs = append(pairs, p)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("error after scanning rows: %w", err)
	}
	rows.Close()

	for _, p := range pairs {
		if err := fn(p.k, p.v); err != nil {
			return err
		}
	}
	return nil
}

func (b *sqliteBucket) Count() (int, error) {
	if err := b.tx.check(false); err != nil {
		return 0, err
	}
	var n int
	if err := b.tx.runner().QueryRow(b.tx.engine.qCount, b.name).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count bucket %s: %w", b.name, err)
	}
	return n, nil
}

func zapSQL(stmt string) zap.Field {
	return zap.String("sql", stmt)
}
