package storage_test

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/asaidimu/go-kumbu/core/storage"
	"github.com/asaidimu/go-kumbu/core/storage/storagetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func openBolt(t *testing.T) storage.Engine {
	path := filepath.Join(t.TempDir(), "test.db")
	e, err := storage.OpenBolt(path, storage.WithBoltNoSync(true), storage.WithBoltLogger(zap.NewNop()))
	require.NoError(t, err)
	return e
}

func TestBoltConformance(t *testing.T) {
	storagetest.Run(t, openBolt)
}

func TestBoltPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.db")

	e, err := storage.OpenBolt(path, storage.WithBoltTimeout(time.Second))
	require.NoError(t, err)
	tx, err := e.Begin(true)
	require.NoError(t, err)
	b, err := tx.CreateBucket("kv")
	require.NoError(t, err)
	require.NoError(t, b.Put([]byte("k"), []byte("v")))
	require.NoError(t, tx.Commit())
	require.NoError(t, e.Close())

	_, err = e.Begin(false)
	assert.True(t, errors.Is(err, storage.ErrClosed))

	e, err = storage.OpenBolt(path)
	require.NoError(t, err)
	defer e.Close()
	rtx, err := e.Begin(false)
	require.NoError(t, err)
	defer rtx.Rollback()
	rb, err := rtx.Bucket("kv")
	require.NoError(t, err)
	v, err := rb.Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), v)
}
