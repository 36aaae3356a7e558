package persistence

import (
	"fmt"
	"sync/atomic"

	"github.com/asaidimu/go-kumbu/core"
)

// Collection is a handle on one collection. Handles are cached per database,
// so looking up the same collection twice returns the same pointer. A
// handle is bound to the keyspace the collection had when it was obtained:
// once that collection is deleted, even if one with the same name is
// created later, every operation fails with core.ErrNotOpen. Name, ScopeName
// and Count keep answering with their last known values.
type Collection struct {
	db       *Database
	name     string
	scope    string
	keyspace uint64

	lastCount atomic.Uint64
}

func newCollection(db *Database, scope, name string, ks uint64) *Collection {
	return &Collection{db: db, name: name, scope: scope, keyspace: ks}
}

func (c *Collection) Name() string {
	return c.name
}

func (c *Collection) ScopeName() string {
	return c.scope
}

// FullName is "<scope>.<name>".
func (c *Collection) FullName() string {
	return fullName(c.scope, c.name)
}

// Scope returns the scope handle. It does not check that the scope still
// exists.
func (c *Collection) Scope() *Scope {
	return c.db.scopeHandle(c.scope)
}

func (c *Collection) Database() *Database {
	return c.db
}

// Count returns the number of live documents. When the handle is no longer
// valid it returns the count last observed.
func (c *Collection) Count() uint64 {
	var n int
	err := c.viewKeyspace(func(k *keyspace) error {
		var err error
		n, err = k.docs.Count()
		return err
	})
	if err != nil {
		return c.lastCount.Load()
	}
	c.lastCount.Store(uint64(n))
	return uint64(n)
}

func (c *Collection) String() string {
	return fmt.Sprintf("Collection{%s}", c.FullName())
}

func (c *Collection) notOpen() error {
	return core.Errorf(core.CodeNotOpen, "collection %s is no longer open", c.FullName())
}

// owns rejects documents read from or saved to another collection.
func (c *Collection) owns(doc *core.Document) error {
	if key := doc.CollectionKey(); key != "" && key != c.FullName() {
		return core.Errorf(core.CodeInvalidParameter, "document %q belongs to collection %s", doc.ID(), key)
	}
	return nil
}

// Scope is a handle on a scope. Scopes exist while they hold a collection;
// the default scope always exists.
type Scope struct {
	db   *Database
	name string
}

func (s *Scope) Name() string {
	return s.name
}

func (s *Scope) Database() *Database {
	return s.db
}

// CollectionNames lists the collections of the scope in creation order.
func (s *Scope) CollectionNames() ([]string, error) {
	return s.db.CollectionNames(s.name)
}

// Collection looks up a collection of the scope; nil when absent.
func (s *Scope) Collection(name string) (*Collection, error) {
	return s.db.Collection(name, s.name)
}

func (s *Scope) String() string {
	return fmt.Sprintf("Scope{%s}", s.name)
}
