// Package storagetest is a conformance suite shared by every storage.Engine
// implementation.
package storagetest

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/asaidimu/go-kumbu/core/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Opener returns a fresh, empty engine. The suite closes it.
type Opener func(t *testing.T) storage.Engine

// Run runs every conformance test against engines produced by open.
func Run(t *testing.T, open Opener) {
	tests := []struct {
		name string
		fn   func(t *testing.T, e storage.Engine)
	}{
		{"BucketLifecycle", testBucketLifecycle},
		{"PutGetDelete", testPutGetDelete},
		{"KeyOrder", testKeyOrder},
		{"Prefix", testPrefix},
		{"RollbackDiscards", testRollbackDiscards},
		{"CommitAtomic", testCommitAtomic},
		{"ReadOnly", testReadOnly},
		{"ClosedTx", testClosedTx},
		{"SingleWriter", testSingleWriter},
		{"IterationError", testIterationError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := open(t)
			defer e.Close()
			tt.fn(t, e)
		})
	}
}

func write(t *testing.T, e storage.Engine, fn func(tx storage.Tx)) {
	t.Helper()
	tx, err := e.Begin(true)
	require.NoError(t, err)
	defer tx.Rollback()
	fn(tx)
	require.NoError(t, tx.Commit())
}

func read(t *testing.T, e storage.Engine, fn func(tx storage.Tx)) {
	t.Helper()
	tx, err := e.Begin(false)
	require.NoError(t, err)
	defer tx.Rollback()
	fn(tx)
}

func collect(t *testing.T, b storage.Bucket, prefix []byte) []string {
	t.Helper()
	var keys []string
	var err error
	if prefix == nil {
		err = b.ForEach(func(k, v []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	} else {
		err = b.ForEachPrefix(prefix, func(k, v []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	}
	require.NoError(t, err)
	return keys
}

func testBucketLifecycle(t *testing.T, e storage.Engine) {
	read(t, e, func(tx storage.Tx) {
		b, err := tx.Bucket("docs")
		require.NoError(t, err)
		assert.Nil(t, b)
	})

	write(t, e, func(tx storage.Tx) {
		b, err := tx.CreateBucket("docs")
		require.NoError(t, err)
		require.NoError(t, b.Put([]byte("a"), []byte("1")))

		again, err := tx.CreateBucket("docs")
		require.NoError(t, err)
		v, err := again.Get([]byte("a"))
		require.NoError(t, err)
		assert.Equal(t, []byte("1"), v)
	})

	write(t, e, func(tx storage.Tx) {
		require.NoError(t, tx.DeleteBucket("docs"))
		assert.True(t, errors.Is(tx.DeleteBucket("docs"), storage.ErrBucketNotFound))
		b, err := tx.Bucket("docs")
		require.NoError(t, err)
		assert.Nil(t, b)
	})

	read(t, e, func(tx storage.Tx) {
		b, err := tx.Bucket("docs")
		require.NoError(t, err)
		assert.Nil(t, b)
	})
}

func testPutGetDelete(t *testing.T, e storage.Engine) {
	write(t, e, func(tx storage.Tx) {
		b, err := tx.CreateBucket("kv")
		require.NoError(t, err)
		require.NoError(t, b.Put([]byte("k1"), []byte("v1")))
		require.NoError(t, b.Put([]byte("k2"), []byte("v2")))
		require.NoError(t, b.Put([]byte("k1"), []byte("v1b")))
		require.NoError(t, b.Delete([]byte("k2")))
		require.NoError(t, b.Delete([]byte("missing")))

		v, err := b.Get([]byte("k1"))
		require.NoError(t, err)
		assert.Equal(t, []byte("v1b"), v)
	})

	read(t, e, func(tx storage.Tx) {
		b, err := tx.Bucket("kv")
		require.NoError(t, err)
		require.NotNil(t, b)

		v, err := b.Get([]byte("k1"))
		require.NoError(t, err)
		assert.Equal(t, []byte("v1b"), v)

		v, err = b.Get([]byte("k2"))
		require.NoError(t, err)
		assert.Nil(t, v)

		n, err := b.Count()
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})
}

func testKeyOrder(t *testing.T, e storage.Engine) {
	keys := []string{"b", "a\xff", "a", "c\x00", "\x00z", "ab"}
	write(t, e, func(tx storage.Tx) {
		b, err := tx.CreateBucket("order")
		require.NoError(t, err)
		for _, k := range keys {
			require.NoError(t, b.Put([]byte(k), []byte(k)))
		}
	})
	read(t, e, func(tx storage.Tx) {
		b, err := tx.Bucket("order")
		require.NoError(t, err)
		assert.Equal(t, []string{"\x00z", "a", "ab", "a\xff", "b", "c\x00"}, collect(t, b, nil))
	})
}

func testPrefix(t *testing.T, e storage.Engine) {
	write(t, e, func(tx storage.Tx) {
		b, err := tx.CreateBucket("idx")
		require.NoError(t, err)
		for _, k := range []string{"ab\x00", "ab\x00x", "ab\x01", "ab\xff\xff", "abc", "b"} {
			require.NoError(t, b.Put([]byte(k), []byte{}))
		}
	})
	read(t, e, func(tx storage.Tx) {
		b, err := tx.Bucket("idx")
		require.NoError(t, err)
		assert.Equal(t, []string{"ab\x00", "ab\x00x"}, collect(t, b, []byte("ab\x00")))
		assert.Equal(t, []string{"ab\xff\xff"}, collect(t, b, []byte("ab\xff")))
		assert.Empty(t, collect(t, b, []byte("zz")))
		assert.Len(t, collect(t, b, []byte("ab")), 5)
	})
}

func testRollbackDiscards(t *testing.T, e storage.Engine) {
	write(t, e, func(tx storage.Tx) {
		b, err := tx.CreateBucket("kv")
		require.NoError(t, err)
		require.NoError(t, b.Put([]byte("keep"), []byte("1")))
	})

	tx, err := e.Begin(true)
	require.NoError(t, err)
	b, err := tx.Bucket("kv")
	require.NoError(t, err)
	require.NoError(t, b.Put([]byte("drop"), []byte("1")))
	require.NoError(t, b.Delete([]byte("keep")))
	_, err = tx.CreateBucket("other")
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())
	require.NoError(t, tx.Rollback())

	read(t, e, func(tx storage.Tx) {
		b, err := tx.Bucket("kv")
		require.NoError(t, err)
		assert.Equal(t, []string{"keep"}, collect(t, b, nil))
		other, err := tx.Bucket("other")
		require.NoError(t, err)
		assert.Nil(t, other)
	})
}

func testCommitAtomic(t *testing.T, e storage.Engine) {
	write(t, e, func(tx storage.Tx) {
		for i := 0; i < 3; i++ {
			b, err := tx.CreateBucket(fmt.Sprintf("b%d", i))
			require.NoError(t, err)
			for j := 0; j < 10; j++ {
				require.NoError(t, b.Put([]byte(fmt.Sprintf("k%02d", j)), []byte{byte(j)}))
			}
		}
	})
	read(t, e, func(tx storage.Tx) {
		for i := 0; i < 3; i++ {
			b, err := tx.Bucket(fmt.Sprintf("b%d", i))
			require.NoError(t, err)
			require.NotNil(t, b)
			n, err := b.Count()
			require.NoError(t, err)
			assert.Equal(t, 10, n)
		}
	})
}

func testReadOnly(t *testing.T, e storage.Engine) {
	write(t, e, func(tx storage.Tx) {
		_, err := tx.CreateBucket("kv")
		require.NoError(t, err)
	})
	read(t, e, func(tx storage.Tx) {
		assert.False(t, tx.Writable())
		_, err := tx.CreateBucket("new")
		assert.True(t, errors.Is(err, storage.ErrTxNotWritable))
		b, err := tx.Bucket("kv")
		require.NoError(t, err)
		assert.True(t, errors.Is(b.Put([]byte("k"), []byte("v")), storage.ErrTxNotWritable))
	})
}

func testClosedTx(t *testing.T, e storage.Engine) {
	tx, err := e.Begin(true)
	require.NoError(t, err)
	assert.True(t, tx.Writable())
	_, err = tx.CreateBucket("kv")
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	assert.NoError(t, tx.Rollback())

	_, err = tx.Bucket("kv")
	assert.True(t, errors.Is(err, storage.ErrTxClosed))
	assert.True(t, errors.Is(tx.Commit(), storage.ErrTxClosed))
}

func testSingleWriter(t *testing.T, e storage.Engine) {
	first, err := e.Begin(true)
	require.NoError(t, err)
	b, err := first.CreateBucket("kv")
	require.NoError(t, err)
	require.NoError(t, b.Put([]byte("k"), []byte("first")))

	acquired := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		second, err := e.Begin(true)
		if err != nil {
			done <- err
			return
		}
		close(acquired)
		b, err := second.Bucket("kv")
		if err == nil && b == nil {
			err = errors.New("bucket committed by the first writer is missing")
		}
		if err == nil {
			err = b.Put([]byte("k"), []byte("second"))
		}
		if err != nil {
			second.Rollback()
			done <- err
			return
		}
		done <- second.Commit()
	}()

	select {
	case <-acquired:
		t.Fatal("second writer started while the first was open")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, first.Commit())
	require.NoError(t, <-done)

	read(t, e, func(tx storage.Tx) {
		b, err := tx.Bucket("kv")
		require.NoError(t, err)
		v, err := b.Get([]byte("k"))
		require.NoError(t, err)
		assert.Equal(t, []byte("second"), v)
	})
}

func testIterationError(t *testing.T, e storage.Engine) {
	write(t, e, func(tx storage.Tx) {
		b, err := tx.CreateBucket("kv")
		require.NoError(t, err)
		for _, k := range []string{"a", "b", "c"} {
			require.NoError(t, b.Put([]byte(k), []byte{}))
		}
	})
	stop := errors.New("stop")
	read(t, e, func(tx storage.Tx) {
		b, err := tx.Bucket("kv")
		require.NoError(t, err)
		var seen int
		err = b.ForEach(func(k, v []byte) error {
			seen++
			if string(k) == "b" {
				return stop
			}
			return nil
		})
		assert.Equal(t, stop, err)
		assert.Equal(t, 2, seen)
	})
}
