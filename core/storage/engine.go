// Package storage defines the key-value contract the document store is
// built on, together with in-memory and bbolt implementations.
package storage

import "errors"

var (
	// ErrBucketNotFound is returned by Tx.DeleteBucket when the bucket doesn't exist.
	ErrBucketNotFound = errors.New("bucket not found")
	// ErrTxNotWritable is returned when a read-only transaction is asked to mutate.
	ErrTxNotWritable = errors.New("tx not writable")
	// ErrTxClosed is returned when a committed or rolled back transaction is used.
	ErrTxClosed = errors.New("tx closed")
	// ErrClosed is returned by Begin after the engine was closed.
	ErrClosed = errors.New("storage closed")
)

// Engine is a key-value store with atomic multi-bucket transactions. At most
// one writable transaction is open at a time; Begin(true) blocks until the
// current writer finishes. Readers see the state as of their Begin.
type Engine interface {
	// Begin starts a new transaction.
	Begin(writable bool) (Tx, error)
	// Close closes the engine. Open transactions must be finished first.
	Close() error
}

// Tx is a storage transaction. A Tx must only be used by one goroutine.
type Tx interface {
	// Writable returns true if this is a writable transaction.
	Writable() bool

	// Bucket returns a bucket, or nil if it doesn't exist.
	Bucket(name string) (Bucket, error)

	// CreateBucket creates a bucket if it doesn't exist.
	CreateBucket(name string) (Bucket, error)

	// DeleteBucket deletes a bucket and all of its keys.
	DeleteBucket(name string) error

	// Commit makes every change visible atomically.
	Commit() error

	// Rollback aborts the transaction. It is safe to call after Commit and
	// multiple times, which makes `defer tx.Rollback()` the usual pattern.
	Rollback() error
}

// Bucket is a sorted key-value collection. Slices returned by Get and passed
// to ForEach are only valid until the transaction ends and must not be
// modified.
type Bucket interface {
	// Get retrieves a value by key. Returns nil if not found.
	Get(key []byte) ([]byte, error)

	// Put stores a key-value pair.
	Put(key, value []byte) error

	// Delete removes a key. Deleting a missing key is not an error.
	Delete(key []byte) error

	// ForEach calls fn for every pair in ascending key order. Iteration
	// stops at the first error, which is returned. fn must not modify the
	// bucket.
	ForEach(fn func(k, v []byte) error) error

	// ForEachPrefix is ForEach restricted to keys starting with prefix.
	ForEachPrefix(prefix []byte, fn func(k, v []byte) error) error

	// Count returns the number of keys in the bucket.
	Count() (int, error)
}

// PrefixEnd returns the smallest key greater than every key with the given
// prefix, or nil when no such key exists (empty or all-0xFF prefix).
func PrefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}
