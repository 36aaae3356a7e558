package persistence

import (
	"time"

	"github.com/asaidimu/go-kumbu/core"
	"github.com/asaidimu/go-kumbu/core/notify"
)

// ListenerToken cancels a change listener.
type ListenerToken struct {
	sub        *notify.Subscription
	collection *Collection
}

// Remove stops the listener. Once it returns the listener will not be called
// again, and a call that was running has finished. Remove must not be called
// from the listener itself. Removing twice does nothing.
func (t *ListenerToken) Remove() {
	if t == nil || t.sub.Cancelled() {
		return
	}
	t.sub.Cancel()
	c := t.collection
	c.db.emitEvent(createEvent(
		core.ListenerRemove,
		"removeListener",
		c.FullName(),
		t.sub.DocumentID(),
		map[string]any{"listenerId": t.sub.ID()},
		nil,
		nil,
		time.Time{},
	))
}

// ID identifies the listener in lifecycle events.
func (t *ListenerToken) ID() string {
	return t.sub.ID()
}

// AddChangeListener calls listener once per committed transaction that
// changed documents of the collection, with every changed id.
func (c *Collection) AddChangeListener(listener CollectionChangeListener) (*ListenerToken, error) {
	if listener == nil {
		return nil, core.Errorf(core.CodeInvalidParameter, "listener must not be nil")
	}
	return c.subscribe("", func(ch notify.Change) {
		listener(&CollectionChange{Collection: c, DocumentIDs: append([]string(nil), ch.DocIDs...)})
	})
}

// AddDocumentChangeListener calls listener once per committed transaction
// that changed the document id.
func (c *Collection) AddDocumentChangeListener(id string, listener DocumentChangeListener) (*ListenerToken, error) {
	if listener == nil {
		return nil, core.Errorf(core.CodeInvalidParameter, "listener must not be nil")
	}
	if id == "" {
		return nil, core.Errorf(core.CodeInvalidParameter, "document id must not be empty")
	}
	return c.subscribe(id, func(notify.Change) {
		listener(&DocumentChange{Collection: c, DocumentID: id})
	})
}

func (c *Collection) subscribe(docID string, handler notify.Handler) (*ListenerToken, error) {
	if err := c.viewKeyspace(func(*keyspace) error { return nil }); err != nil {
		return nil, err
	}
	sub, err := c.db.changes.Subscribe(c.keyspace, docID, handler)
	if err != nil {
		return nil, core.Wrap(core.CodeNotOpen, err, "cannot register listener")
	}
	// A concurrent DeleteCollection may commit between the check above and
	// the subscription; the second check sees that commit.
	if err := c.viewKeyspace(func(*keyspace) error { return nil }); err != nil {
		sub.Cancel()
		return nil, err
	}

	c.db.emitEvent(createEvent(
		core.ListenerRegister,
		"addListener",
		c.FullName(),
		docID,
		nil,
		map[string]any{"listenerId": sub.ID()},
		nil,
		time.Time{},
	))
	return &ListenerToken{sub: sub, collection: c}, nil
}
