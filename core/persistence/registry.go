package persistence

import (
	"github.com/asaidimu/go-kumbu/core"
	"github.com/asaidimu/go-kumbu/core/codec"
	"github.com/asaidimu/go-kumbu/core/storage"
	"go.uber.org/zap"
)

func normalizeScope(scope string) string {
	if scope == "" {
		return core.DefaultScopeName
	}
	return scope
}

// validIdentity reports whether (name, scope) may name a collection. The
// reserved default names are only valid as the default pair.
func validIdentity(name, scope string) bool {
	if core.IsDefaultCollection(name, scope) {
		return true
	}
	return core.ValidName(name) && core.ValidScopeName(scope)
}

// CreateCollection returns the collection (name, scope), creating it and,
// implicitly, its scope when needed. An empty scope means the default scope.
// Creating an existing collection returns the existing handle. The default
// collection cannot be created again once deleted.
func (db *Database) CreateCollection(name, scope string) (*Collection, error) {
	scope = normalizeScope(scope)
	if !validIdentity(name, scope) {
		return nil, core.Errorf(core.CodeInvalidParameter, "invalid collection name %q in scope %q", name, scope)
	}

	var rec *codec.CollectionRecord
	var created bool
	_, err := db.withEventEmission(
		"createCollection",
		core.CollectionCreateStart,
		core.CollectionCreateSuccess,
		core.CollectionCreateFailed,
		fullName(scope, name),
		"",
		map[string]any{"name": name, "scope": scope},
		func() (any, error) {
			err := db.update(func(w *writeTxn) error {
				existing, err := lookupCollection(w.tx, scope, name)
				if err != nil {
					return err
				}
				if existing != nil {
					rec = existing
					return nil
				}
				if core.IsDefaultCollection(name, scope) {
					return core.Errorf(core.CodeInvalidParameter, "the default collection was deleted and cannot be recreated")
				}

				meta, err := w.loadMeta()
				if err != nil {
					return err
				}
				rec = &codec.CollectionRecord{Scope: scope, Name: name, Keyspace: meta.NextKeyspace}
				meta.NextKeyspace++
				if rec.Ordinal, err = w.nextOrdinal(); err != nil {
					return err
				}
				created = true
				return putCollection(w.tx, rec)
			})
			return created, err
		},
	)
	if err != nil {
		return nil, err
	}

	if created {
		db.logger.Info("Created collection",
			zap.String("collection", fullName(scope, name)),
			zap.Uint64("keyspace", rec.Keyspace))
	}
	return db.handleFor(rec), nil
}

// DeleteCollection removes a collection with its documents and indexes.
// Handles on it stop working. Deleting a missing collection is not an error.
func (db *Database) DeleteCollection(name, scope string) error {
	scope = normalizeScope(scope)
	if !validIdentity(name, scope) {
		return core.Errorf(core.CodeInvalidParameter, "invalid collection name %q in scope %q", name, scope)
	}

	_, err := db.withEventEmission(
		"deleteCollection",
		core.CollectionDeleteStart,
		core.CollectionDeleteSuccess,
		core.CollectionDeleteFailed,
		fullName(scope, name),
		"",
		map[string]any{"name": name, "scope": scope},
		func() (any, error) {
			deleted := false
			err := db.update(func(w *writeTxn) error {
				rec, err := lookupCollection(w.tx, scope, name)
				if err != nil || rec == nil {
					return err
				}
				indexes, err := listIndexes(w.tx, rec.Keyspace)
				if err != nil {
					return err
				}
				if err := dropCollection(w.tx, rec); err != nil {
					return err
				}
				if core.IsDefaultCollection(name, scope) {
					meta, err := w.loadMeta()
					if err != nil {
						return err
					}
					meta.DefaultDeleted = true
					w.metaDirty = true
				}
				w.dropped = append(w.dropped, rec.Keyspace)
				w.forget(rec.Keyspace)
				w.onCommit(func() {
					db.evict(rec)
					for _, ix := range indexes {
						db.forgetCompiled(ix.Generation)
					}
				})
				deleted = true
				return nil
			})
			if deleted && err == nil {
				db.logger.Info("Deleted collection", zap.String("collection", fullName(scope, name)))
			}
			return deleted, err
		},
	)
	return err
}

// Collection looks up a collection; nil when it does not exist.
func (db *Database) Collection(name, scope string) (*Collection, error) {
	scope = normalizeScope(scope)
	if !validIdentity(name, scope) {
		return nil, nil
	}
	var rec *codec.CollectionRecord
	err := db.view(func(tx storage.Tx) error {
		var err error
		rec, err = lookupCollection(tx, scope, name)
		return err
	})
	if err != nil || rec == nil {
		return nil, err
	}
	return db.handleFor(rec), nil
}

// Scope looks up a scope; nil when it has no collections, except for the
// default scope, which always exists.
func (db *Database) Scope(name string) (*Scope, error) {
	name = normalizeScope(name)
	if name == core.DefaultScopeName {
		return db.DefaultScope()
	}
	if !core.ValidName(name) {
		return nil, nil
	}
	var exists bool
	err := db.view(func(tx storage.Tx) error {
		recs, err := listCollections(tx, name)
		exists = len(recs) > 0
		return err
	})
	if err != nil || !exists {
		return nil, err
	}
	return db.scopeHandle(name), nil
}

// ScopeNames lists the existing scopes, the default scope first and the
// others in the order they came into existence.
func (db *Database) ScopeNames() ([]string, error) {
	var names []string
	err := db.view(func(tx storage.Tx) error {
		recs, err := listCollections(tx, "")
		if err != nil {
			return err
		}
		names = scopeNames(recs)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return names, nil
}

// CollectionNames lists the collections of a scope in creation order. An
// empty scope means the default scope.
func (db *Database) CollectionNames(scope string) ([]string, error) {
	scope = normalizeScope(scope)
	names := []string{}
	if !core.ValidScopeName(scope) {
		return names, nil
	}
	err := db.view(func(tx storage.Tx) error {
		recs, err := listCollections(tx, scope)
		if err != nil {
			return err
		}
		for _, rec := range recs {
			names = append(names, rec.Name)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return names, nil
}

// DefaultScope never returns nil on an open database.
func (db *Database) DefaultScope() (*Scope, error) {
	if err := db.enter(); err != nil {
		return nil, err
	}
	defer db.exit()
	return db.scopeHandle(core.DefaultScopeName), nil
}

// DefaultCollection returns nil once the default collection was deleted.
func (db *Database) DefaultCollection() (*Collection, error) {
	return db.Collection(core.DefaultCollectionName, core.DefaultScopeName)
}

// handleFor returns the cached handle of rec, replacing a handle that was
// bound to an older collection of the same name.
func (db *Database) handleFor(rec *codec.CollectionRecord) *Collection {
	db.registryMu.Lock()
	defer db.registryMu.Unlock()
	key := string(catalogKey(rec.Scope, rec.Name))
	if c, ok := db.handles[key]; ok && c.keyspace == rec.Keyspace {
		return c
	}
	c := newCollection(db, rec.Scope, rec.Name, rec.Keyspace)
	db.handles[key] = c
	db.byKeyspace[rec.Keyspace] = c
	return c
}

func (db *Database) cachedHandle(ks uint64) *Collection {
	db.registryMu.Lock()
	defer db.registryMu.Unlock()
	return db.byKeyspace[ks]
}

func (db *Database) evict(rec *codec.CollectionRecord) {
	db.registryMu.Lock()
	defer db.registryMu.Unlock()
	key := string(catalogKey(rec.Scope, rec.Name))
	if c, ok := db.handles[key]; ok && c.keyspace == rec.Keyspace {
		delete(db.handles, key)
	}
	delete(db.byKeyspace, rec.Keyspace)
}

func (db *Database) scopeHandle(name string) *Scope {
	db.registryMu.Lock()
	defer db.registryMu.Unlock()
	if s, ok := db.scopes[name]; ok {
		return s
	}
	s := &Scope{db: db, name: name}
	db.scopes[name] = s
	return s
}
