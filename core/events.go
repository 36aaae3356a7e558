package core

import (
	"context"
)

// PersistenceEventType defines the lifecycle events emitted by a database.
type PersistenceEventType string

const (
	CollectionCreateStart   PersistenceEventType = "collection:create:start"
	CollectionCreateSuccess PersistenceEventType = "collection:create:success"
	CollectionCreateFailed  PersistenceEventType = "collection:create:failed"
	CollectionDeleteStart   PersistenceEventType = "collection:delete:start"
	CollectionDeleteSuccess PersistenceEventType = "collection:delete:success"
	CollectionDeleteFailed  PersistenceEventType = "collection:delete:failed"
	DocumentSaveStart       PersistenceEventType = "document:save:start"
	DocumentSaveSuccess     PersistenceEventType = "document:save:success"
	DocumentSaveFailed      PersistenceEventType = "document:save:failed"
	DocumentDeleteStart     PersistenceEventType = "document:delete:start"
	DocumentDeleteSuccess   PersistenceEventType = "document:delete:success"
	DocumentDeleteFailed    PersistenceEventType = "document:delete:failed"
	DocumentPurgeStart      PersistenceEventType = "document:purge:start"
	DocumentPurgeSuccess    PersistenceEventType = "document:purge:success"
	DocumentPurgeFailed     PersistenceEventType = "document:purge:failed"
	DocumentConflict        PersistenceEventType = "document:conflict"
	DocumentExpired         PersistenceEventType = "document:expired"
	IndexCreateStart        PersistenceEventType = "index:create:start"
	IndexCreateSuccess      PersistenceEventType = "index:create:success"
	IndexCreateFailed       PersistenceEventType = "index:create:failed"
	IndexDeleteStart        PersistenceEventType = "index:delete:start"
	IndexDeleteSuccess      PersistenceEventType = "index:delete:success"
	IndexDeleteFailed       PersistenceEventType = "index:delete:failed"
	BatchStart              PersistenceEventType = "batch:start"
	BatchSuccess            PersistenceEventType = "batch:success"
	BatchFailed             PersistenceEventType = "batch:failed"
	ListenerRegister        PersistenceEventType = "listener:register"
	ListenerRemove          PersistenceEventType = "listener:remove"
	SubscriptionRegister    PersistenceEventType = "subscription:register"
	SubscriptionUnregister  PersistenceEventType = "subscription:unregister"
)

// PersistenceEvent describes one lifecycle step of a database operation.
// Input and Output are kept as 'any' so that each operation can attach
// whatever is meaningful to it.
type PersistenceEvent struct {
	Type       PersistenceEventType `json:"type"`                 // The type of event (e.g., 'document:save:start').
	Timestamp  int64                `json:"timestamp"`            // Unix milliseconds.
	Operation  string               `json:"operation"`            // The operation being performed (e.g., 'save').
	Collection *string              `json:"collection,omitempty"` // Full name of the collection affected (if applicable).
	DocumentID *string              `json:"documentId,omitempty"` // Document affected (if applicable).
	Input      any                  `json:"input,omitempty"`      // Data passed to the operation (if applicable).
	Output     any                  `json:"output,omitempty"`     // Data returned by the operation (if applicable).
	Error      *string              `json:"error,omitempty"`      // Error message if the operation failed.
	Duration   *int64               `json:"duration,omitempty"`   // Duration of the operation in milliseconds.
	Context    map[string]any       `json:"context,omitempty"`
}

type CallbackFunction func(ctx context.Context, event PersistenceEvent) error

// SubscriptionInfo describes a lifecycle subscription.
type SubscriptionInfo struct {
	Id          *string              `json:"id,omitempty"`
	Event       PersistenceEventType `json:"event"`                 // The event subscribed to.
	Label       *string              `json:"label,omitempty"`       // Optional short identifier.
	Description *string              `json:"description,omitempty"` // Optional description.
	Unsubscribe func()               `json:"-"`
}

// RegisterSubscriptionOptions holds the options for registering a lifecycle
// subscription.
type RegisterSubscriptionOptions struct {
	Event       PersistenceEventType
	Label       *string
	Description *string
	Callback    CallbackFunction
}
