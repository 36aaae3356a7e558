package persistence

import (
	"time"

	"github.com/asaidimu/go-kumbu/core"
)

// withEventEmission wraps an operation with start, success, and failure events
func (db *Database) withEventEmission(
	operation string,
	startEventType core.PersistenceEventType,
	successEventType core.PersistenceEventType,
	failedEventType core.PersistenceEventType,
	collectionName string,
	documentID string,
	input any,
	fn func() (any, error),
) (any, error) {
	startTime := time.Now()

	// Emit start event
	db.emitEvent(createEvent(
		startEventType,
		operation,
		collectionName,
		documentID,
		input,
		nil,
		nil,
		startTime,
	))

	// Execute the operation
	result, err := fn()

	if err != nil {
		// Emit failure event
		db.emitEvent(createEvent(
			failedEventType,
			operation,
			collectionName,
			documentID,
			input,
			nil,
			core.StringPtr(err.Error()),
			startTime,
		))
		return nil, err
	}

	// Emit success event
	db.emitEvent(createEvent(
		successEventType,
		operation,
		collectionName,
		documentID,
		input,
		result,
		nil,
		startTime,
	))

	return result, nil
}

// emitDocumentEvent emits a single event about one document of c.
func (c *Collection) emitDocumentEvent(eventType core.PersistenceEventType, operation, documentID string, output any) {
	c.db.emitEvent(createEvent(
		eventType,
		operation,
		c.FullName(),
		documentID,
		nil,
		output,
		nil,
		time.Time{},
	))
}
