package sqlite

import (
	"fmt"
	"strings"
	"time"
)

// Options provides configuration for the SQLite storage engine.
type Options struct {
	// TablePrefix adds a prefix to both table names, so several stores can
	// share one database file.
	TablePrefix string

	// JournalMode is applied with PRAGMA journal_mode when non-empty
	// (e.g. "WAL"). It is ignored for in-memory databases.
	JournalMode string

	// BusyTimeout is applied with PRAGMA busy_timeout when non-zero.
	BusyTimeout time.Duration
}

// DefaultOptions returns a set of sensible default options for the SQLite
// storage engine.
func DefaultOptions() *Options {
	return &Options{
		JournalMode: "WAL",
		BusyTimeout: 5 * time.Second,
	}
}

// quoteIdentifier safely quotes an identifier, such as a table or column name,
// to prevent SQL injection and to handle names that might be keywords or contain
// special characters.
func (e *Engine) quoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// getTableName constructs the full, quoted table name by applying the configured
// table prefix to the base name.
func (e *Engine) getTableName(baseName string) string {
	return e.quoteIdentifier(e.options.TablePrefix + baseName)
}

// CreateTableSQL returns the DDL for the bucket registry and the key-value
// table. Keys and values are BLOBs so that SQLite orders keys bytewise, which
// is the order storage.Bucket.ForEach promises.
func (e *Engine) CreateTableSQL() []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (name TEXT PRIMARY KEY NOT NULL)`, e.getTableName("buckets")),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	bucket TEXT NOT NULL,
	key BLOB NOT NULL,
	value BLOB NOT NULL,
	PRIMARY KEY (bucket, key)
) WITHOUT ROWID`, e.getTableName("kv")),
	}
}

// pragmaSQL returns the connection settings derived from the options.
func (e *Engine) pragmaSQL(inMemory bool) []string {
	var stmts []string
	if e.options.BusyTimeout > 0 {
		stmts = append(stmts, fmt.Sprintf("PRAGMA busy_timeout = %d", e.options.BusyTimeout.Milliseconds()))
	}
	if e.options.JournalMode != "" && !inMemory {
		stmts = append(stmts, fmt.Sprintf("PRAGMA journal_mode = %s", e.options.JournalMode))
	}
	return stmts
}

// createTables executes the DDL statements inside one transaction.
func (e *Engine) createTables(inMemory bool) error {
	for _, stmt := range e.pragmaSQL(inMemory) {
		e.logger.Debug("Executing SQL PRAGMA", zapSQL(stmt))
		if _, err := e.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute SQL statement '%s': %w", stmt, err)
		}
	}

	tx, err := e.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin schema transaction: %w", err)
	}
	for _, stmt := range e.CreateTableSQL() {
		e.logger.Debug("Executing SQL DDL", zapSQL(stmt))
		if _, err := tx.Exec(stmt); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to execute SQL statement '%s': %w", stmt, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit schema transaction: %w", err)
	}
	return nil
}
