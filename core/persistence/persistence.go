// Package persistence is the document store itself. A Database owns one
// storage engine and everything layered on it: the collection catalog, the
// write path with optimistic concurrency, indexes, expiration and change
// notification. Collections are reached through generation-checked handles
// that stop working, with core.ErrNotOpen, as soon as the collection is
// deleted or the database closed.
package persistence

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/asaidimu/go-events"
	"github.com/asaidimu/go-kumbu/core"
	"github.com/asaidimu/go-kumbu/core/codec"
	"github.com/asaidimu/go-kumbu/core/expiry"
	"github.com/asaidimu/go-kumbu/core/index"
	"github.com/asaidimu/go-kumbu/core/notify"
	"github.com/asaidimu/go-kumbu/core/storage"
	"github.com/asaidimu/go-kumbu/sqlite"
	"go.uber.org/zap"
)

// Database is an open document store.
type Database struct {
	name   string
	path   string
	config Config
	logger *zap.Logger
	engine storage.Engine
	codec  codec.Codec

	changes *notify.Bus
	tracker *expiry.Tracker

	bus           *events.TypedEventBus[core.PersistenceEvent]
	subscriptions map[string]*core.SubscriptionInfo // To store unsubscribe functions
	subMu         sync.RWMutex                      // Mutex to protect subscriptions map

	stateMu  sync.Mutex
	closed   bool
	inflight sync.WaitGroup

	// writeMu serializes commits and the publication that follows them.
	writeMu sync.Mutex

	registryMu sync.Mutex
	handles    map[string]*Collection
	byKeyspace map[uint64]*Collection
	scopes     map[string]*Scope

	compiledMu sync.Mutex
	compiled   map[uint64]*index.Index
}

// Open opens the named database, creating it with its default collection
// when it does not exist yet. A nil config means DefaultConfig().
func Open(name string, config *Config) (*Database, error) {
	if !validDatabaseName(name) {
		return nil, core.Errorf(core.CodeInvalidParameter, "invalid database name %q", name)
	}
	cfg := config.resolved()
	cdc, err := cfg.codec()
	if err != nil {
		return nil, err
	}
	path, err := cfg.path(name)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger.Named("kumbu").With(zap.String("database", name))

	engine, err := openEngine(&cfg, path, logger)
	if err != nil {
		return nil, err
	}

	bus, err := events.NewTypedEventBus[core.PersistenceEvent](events.DefaultConfig())
	if err != nil {
		engine.Close()
		return nil, fmt.Errorf("could not initialize event bus: %w", err)
	}

	db := &Database{
		name:          name,
		path:          path,
		config:        cfg,
		logger:        logger,
		engine:        engine,
		codec:         cdc,
		bus:           bus,
		subscriptions: make(map[string]*core.SubscriptionInfo),
		handles:       make(map[string]*Collection),
		byKeyspace:    make(map[uint64]*Collection),
		scopes:        make(map[string]*Scope),
		compiled:      make(map[uint64]*index.Index),
	}
	db.changes = notify.New(logger.Named("notify"))
	db.tracker = expiry.New(db.reap, cfg.Clock, logger.Named("expiry"))

	if err := db.bootstrap(); err != nil {
		db.changes.Close()
		engine.Close()
		return nil, err
	}
	db.tracker.Start()

	logger.Info("Opened database",
		zap.String("engine", string(cfg.Engine)),
		zap.String("path", path),
		zap.Int("scheduledExpirations", db.tracker.Len()))
	return db, nil
}

func openEngine(cfg *Config, path string, logger *zap.Logger) (storage.Engine, error) {
	if cfg.Engine != EngineMemory && cfg.Directory != "" {
		if err := os.MkdirAll(cfg.Directory, 0o755); err != nil {
			return nil, core.Wrap(core.CodeUnexpected, err, "failed to create database directory")
		}
	}
	switch cfg.Engine {
	case EngineMemory:
		return storage.OpenMemory(path), nil
	case EngineBolt:
		engine, err := storage.OpenBolt(path,
			storage.WithBoltLogger(logger.Named("bolt")),
			storage.WithBoltNoSync(cfg.NoSync))
		if err != nil {
			return nil, core.Wrap(core.CodeUnexpected, err, "failed to open bolt storage")
		}
		return engine, nil
	case EngineSQLite:
		options := cfg.SQLite
		if options == nil {
			options = sqlite.DefaultOptions()
		}
		engine, err := sqlite.Open(path, logger.Named("sqlite"), options)
		if err != nil {
			return nil, core.Wrap(core.CodeUnexpected, err, "failed to open sqlite storage")
		}
		return engine, nil
	default:
		return nil, core.Errorf(core.CodeInvalidParameter, "unsupported engine %q", cfg.Engine)
	}
}

// bootstrap initializes an empty store and schedules the stored
// expirations.
func (db *Database) bootstrap() error {
	err := db.update(func(w *writeTxn) error {
		created, err := initialize(w.tx)
		if created {
			db.logger.Info("Initialized new database")
		}
		return err
	})
	if err != nil {
		return err
	}

	return db.view(func(tx storage.Tx) error {
		recs, err := listCollections(tx, "")
		if err != nil {
			return err
		}
		for _, rec := range recs {
			b, err := tx.Bucket(expiryBucket(rec.Keyspace))
			if err != nil {
				return err
			}
			if b == nil {
				continue
			}
			ks := rec.Keyspace
			err = b.ForEach(func(k, v []byte) error {
				ts, err := decodeTimestamp(v)
				if err != nil {
					return err
				}
				db.tracker.Set(expiry.Key{Keyspace: ks, DocID: string(k)}, ts)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// Name returns the name the database was opened with.
func (db *Database) Name() string {
	return db.name
}

// Path is the storage location: a file for bolt and sqlite, the registry
// name for the memory engine.
func (db *Database) Path() string {
	return db.path
}

// Config returns a copy of the effective configuration.
func (db *Database) Config() Config {
	return db.config
}

// IsOpen reports whether Close has not been called yet.
func (db *Database) IsOpen() bool {
	db.stateMu.Lock()
	defer db.stateMu.Unlock()
	return !db.closed
}

// enter registers an in-flight operation; Close waits for all of them.
func (db *Database) enter() error {
	db.stateMu.Lock()
	defer db.stateMu.Unlock()
	if db.closed {
		return core.Errorf(core.CodeNotOpen, "database %q is closed", db.name)
	}
	db.inflight.Add(1)
	return nil
}

func (db *Database) exit() {
	db.inflight.Done()
}

// Close waits for running operations, stops expiration, delivers pending
// change notifications and closes the storage engine. Every handle obtained
// from the database fails with core.ErrNotOpen afterwards. Close must not be
// called from a change listener or a conflict resolver.
func (db *Database) Close() error {
	db.stateMu.Lock()
	if db.closed {
		db.stateMu.Unlock()
		return nil
	}
	db.closed = true
	db.stateMu.Unlock()

	db.inflight.Wait()
	db.tracker.Stop()
	db.changes.Close()

	if err := db.engine.Close(); err != nil {
		return classify(err, "failed to close storage")
	}
	db.logger.Info("Closed database")
	return nil
}

// Delete closes the database and removes its storage.
func (db *Database) Delete() error {
	if err := db.Close(); err != nil {
		return err
	}
	if err := removeStorage(db.config.Engine, db.path); err != nil {
		return err
	}
	db.logger.Info("Deleted database")
	return nil
}

// DeleteDatabase removes the storage of a database that is not open.
func DeleteDatabase(name string, config *Config) error {
	cfg := config.resolved()
	path, err := cfg.path(name)
	if err != nil {
		return err
	}
	return removeStorage(cfg.Engine, path)
}

// DatabaseExists reports whether the named database has storage.
func DatabaseExists(name string, config *Config) bool {
	cfg := config.resolved()
	path, err := cfg.path(name)
	if err != nil {
		return false
	}
	if cfg.Engine == EngineMemory {
		return storage.MemoryExists(path)
	}
	_, err = os.Stat(path)
	return err == nil
}

func removeStorage(engine EngineKind, path string) error {
	var files []string
	switch engine {
	case EngineMemory:
		storage.DropMemory(path)
		return nil
	case EngineBolt:
		files = []string{path}
	case EngineSQLite:
		files = []string{path, path + "-wal", path + "-shm"}
	}
	for _, f := range files {
		if err := os.Remove(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return core.Wrap(core.CodeUnexpected, err, "failed to remove database file")
		}
	}
	return nil
}
