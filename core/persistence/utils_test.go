package persistence

import (
	"errors"
	"testing"
	"time"

	"github.com/asaidimu/go-kumbu/core"
	"github.com/asaidimu/go-kumbu/core/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateEventOptionalFields(t *testing.T) {
	bare := createEvent(core.DocumentSaveStart, "save", "", "", nil, nil, nil, time.Time{})
	assert.Equal(t, core.DocumentSaveStart, bare.Type)
	assert.Nil(t, bare.Collection)
	assert.Nil(t, bare.DocumentID)
	assert.Nil(t, bare.Duration)
	assert.Nil(t, bare.Error)

	full := createEvent(core.DocumentSaveFailed, "save", "app.items", "doc", nil, nil,
		core.StringPtr("boom"), time.Now().Add(-time.Second))
	require.NotNil(t, full.Collection)
	assert.Equal(t, "app.items", *full.Collection)
	require.NotNil(t, full.DocumentID)
	assert.Equal(t, "doc", *full.DocumentID)
	require.NotNil(t, full.Error)
	assert.Equal(t, "boom", *full.Error)
	require.NotNil(t, full.Duration)
	assert.GreaterOrEqual(t, *full.Duration, int64(1000))
}

func TestClassify(t *testing.T) {
	assert.NoError(t, classify(nil, "ignored"))

	conflict := core.Errorf(core.CodeConflict, "stale")
	assert.Same(t, conflict, classify(conflict, "ignored"))

	assertCode(t, core.CodeNotOpen, classify(storage.ErrClosed, "read failed"))

	err := classify(errors.New("disk full"), "write failed")
	assertCode(t, core.CodeUnexpected, err)
	assert.Contains(t, err.Error(), "write failed")
}
