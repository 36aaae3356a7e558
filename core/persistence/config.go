package persistence

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/asaidimu/go-kumbu/core"
	"github.com/asaidimu/go-kumbu/core/codec"
	"github.com/asaidimu/go-kumbu/sqlite"
	"go.uber.org/zap"
)

// EngineKind selects the storage engine of a database.
type EngineKind string

const (
	EngineMemory EngineKind = "memory"
	EngineBolt   EngineKind = "bolt"
	EngineSQLite EngineKind = "sqlite"
)

// DefaultMaxConflictRetries bounds how often a conflict resolver is asked to
// merge before a save gives up.
const DefaultMaxConflictRetries = 10

// Config holds the options for opening a database.
type Config struct {
	// Directory holds the database files. For the memory engine it only
	// namespaces the store name.
	Directory string

	Engine EngineKind

	// Compression of document bodies: "none", "snappy", "lz4" or "zstd".
	Compression string

	// BodyFormat of document bodies: "msgpack" or "bson".
	BodyFormat string

	MaxConflictRetries int

	// SuppressPurgeNotifications keeps purges, including expiration, from
	// reaching change listeners.
	SuppressPurgeNotifications bool

	// NoSync skips fsync on commit (bolt only).
	NoSync bool

	// SQLite overrides the sqlite engine options.
	SQLite *sqlite.Options

	Logger *zap.Logger

	// Clock drives expiration. Defaults to time.Now.
	Clock func() time.Time
}

// DefaultConfig returns a new Config with sensible default values.
func DefaultConfig() *Config {
	return &Config{
		Engine:             EngineMemory,
		Compression:        "none",
		BodyFormat:         "msgpack",
		MaxConflictRetries: DefaultMaxConflictRetries,
		Logger:             zap.NewNop(),
		Clock:              time.Now,
	}
}

// resolved fills zero values from DefaultConfig.
func (c *Config) resolved() Config {
	def := DefaultConfig()
	if c == nil {
		return *def
	}
	out := *c
	if out.Engine == "" {
		out.Engine = def.Engine
	}
	if out.MaxConflictRetries <= 0 {
		out.MaxConflictRetries = def.MaxConflictRetries
	}
	if out.Logger == nil {
		out.Logger = def.Logger
	}
	if out.Clock == nil {
		out.Clock = def.Clock
	}
	return out
}

func (c *Config) codec() (codec.Codec, error) {
	compression, err := codec.ParseCompression(c.Compression)
	if err != nil {
		return codec.Codec{}, core.Errorf(core.CodeInvalidParameter, "config: %v", err)
	}
	format, err := codec.ParseBodyFormat(c.BodyFormat)
	if err != nil {
		return codec.Codec{}, core.Errorf(core.CodeInvalidParameter, "config: %v", err)
	}
	return codec.Codec{Format: format, Compression: compression}, nil
}

// path is where the named database lives for file engines, and the registry
// name for the memory engine.
func (c *Config) path(name string) (string, error) {
	switch c.Engine {
	case EngineMemory:
		if c.Directory == "" {
			return name, nil
		}
		return filepath.Join(c.Directory, name), nil
	case EngineBolt:
		return filepath.Join(c.Directory, name+".kumbu"), nil
	case EngineSQLite:
		return filepath.Join(c.Directory, name+".sqlite"), nil
	default:
		return "", core.Errorf(core.CodeInvalidParameter, "config: unsupported engine %q", c.Engine)
	}
}

func validDatabaseName(name string) bool {
	return name != "" && !strings.ContainsAny(name, `/\`+"\x00")
}
