package persistence

import (
	"errors"
	"time"

	"github.com/asaidimu/go-kumbu/core"
	"github.com/asaidimu/go-kumbu/core/storage"
)

func createEvent(
	eventType core.PersistenceEventType,
	operation string,
	collectionName string,
	documentID string,
	input any,
	output any,
	err *string,
	startTime time.Time,
) core.PersistenceEvent {
	var duration *int64
	if !startTime.IsZero() {
		duration = core.Int64Ptr(time.Since(startTime).Milliseconds())
	}

	var collectionNamePtr, documentIDPtr *string
	if collectionName != "" {
		collectionNamePtr = core.StringPtr(collectionName)
	}
	if documentID != "" {
		documentIDPtr = core.StringPtr(documentID)
	}

	return core.PersistenceEvent{
		Type:       eventType,
		Timestamp:  time.Now().UnixMilli(),
		Operation:  operation,
		Collection: collectionNamePtr,
		DocumentID: documentIDPtr,
		Input:      input,
		Output:     output,
		Error:      err,
		Duration:   duration,
	}
}

// classify turns lower-layer failures into core errors. Errors that already
// carry a code pass through untouched.
func classify(err error, msg string) error {
	if err == nil {
		return nil
	}
	var ce *core.Error
	if errors.As(err, &ce) {
		return err
	}
	if errors.Is(err, storage.ErrClosed) {
		return core.Wrap(core.CodeNotOpen, err, "database is not open")
	}
	return core.Wrap(core.CodeUnexpected, err, msg)
}
