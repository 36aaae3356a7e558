package persistence

import (
	"time"

	"github.com/asaidimu/go-kumbu/core"
	"github.com/google/uuid"
)

// RegisterSubscription registers a callback for a lifecycle event. It returns
// a unique ID that can be used to unregister the subscription later.
func (db *Database) RegisterSubscription(options core.RegisterSubscriptionOptions) string {
	db.subMu.Lock()
	unsubscribe := db.bus.Subscribe(string(options.Event), options.Callback)
	id := uuid.New().String()

	data := core.SubscriptionInfo{
		Id:          &id,
		Event:       options.Event,
		Unsubscribe: unsubscribe,
		Label:       options.Label,
		Description: options.Description,
	}

	db.subscriptions[id] = &data
	db.subMu.Unlock()

	db.emitEvent(createEvent(
		core.SubscriptionRegister,
		"registerSubscription",
		"",
		"",
		map[string]any{
			"event":       options.Event,
			"label":       options.Label,
			"description": options.Description,
		},
		map[string]any{"subscriptionId": id},
		nil,
		time.Time{},
	))
	return id
}

// UnregisterSubscription removes a subscription by its ID.
func (db *Database) UnregisterSubscription(id string) {
	db.subMu.Lock()
	info, ok := db.subscriptions[id]
	if ok {
		info.Unsubscribe()
		delete(db.subscriptions, id)
	}
	db.subMu.Unlock()

	if ok {
		db.emitEvent(createEvent(
			core.SubscriptionUnregister,
			"unregisterSubscription",
			"",
			"",
			map[string]any{"subscriptionId": id},
			nil,
			nil,
			time.Time{},
		))
	}
}

// Subscriptions returns a list of all currently active subscriptions.
func (db *Database) Subscriptions() ([]core.SubscriptionInfo, error) {
	db.subMu.RLock()
	defer db.subMu.RUnlock()

	subs := make([]core.SubscriptionInfo, 0, len(db.subscriptions))
	for _, sub := range db.subscriptions {
		subs = append(subs, *sub)
	}

	return subs, nil
}

// emitEvent is a helper method to emit events
func (db *Database) emitEvent(event core.PersistenceEvent) {
	if db.bus != nil {
		db.bus.Emit(string(event.Type), event)
	}
}
