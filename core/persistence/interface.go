package persistence

import (
	"github.com/asaidimu/go-kumbu/core"
	"github.com/asaidimu/go-kumbu/core/index"
)

// ConcurrencyControl decides what a save or delete does when the stored
// revision is no longer the one the document was read from.
type ConcurrencyControl int

const (
	// LastWriteWins overwrites whatever is stored.
	LastWriteWins ConcurrencyControl = iota
	// FailOnConflict leaves the store untouched and reports a conflict.
	FailOnConflict
)

func (cc ConcurrencyControl) String() string {
	switch cc {
	case LastWriteWins:
		return "lastWriteWins"
	case FailOnConflict:
		return "failOnConflict"
	default:
		return "unknown"
	}
}

// Decision is the outcome of a conflict resolution.
type Decision struct {
	commit bool
	merged *core.MutableDocument
}

// Commit saves merged as the new revision. A nil merged commits the local
// document as the resolver left it.
func Commit(merged *core.MutableDocument) Decision {
	return Decision{commit: true, merged: merged}
}

// Abort gives up the save; the caller gets a conflict error.
func Abort() Decision {
	return Decision{}
}

// Committed reports whether the decision is a commit.
func (d Decision) Committed() bool {
	return d.commit
}

// ConflictResolver merges a document being saved with the revision that
// replaced its base in the meantime.
//
// Resolve runs on the goroutine that called save, without any lock held, so
// it may use the database, writes included. remote is nil when the stored
// revision is a deletion.
type ConflictResolver interface {
	Resolve(local *core.MutableDocument, remote *core.Document) Decision
}

// ResolverFunc adapts a boolean callback: true commits local (as modified by
// the callback), false aborts.
type ResolverFunc func(local *core.MutableDocument, remote *core.Document) bool

func (f ResolverFunc) Resolve(local *core.MutableDocument, remote *core.Document) Decision {
	if f(local, remote) {
		return Commit(local)
	}
	return Abort()
}

// ValueIndexConfiguration describes a value index. Expressions is a
// comma-separated list; the empty language means expr.
type ValueIndexConfiguration struct {
	Language    index.Language
	Expressions string
}

// FullTextIndexConfiguration describes a full-text index over the string
// values the expressions produce.
type FullTextIndexConfiguration struct {
	Language      index.Language
	Expressions   string
	IgnoreAccents bool
}

// CollectionChange lists every document of a collection changed by one
// committed transaction.
type CollectionChange struct {
	Collection  *Collection
	DocumentIDs []string
}

// DocumentChange reports a committed change of one watched document.
type DocumentChange struct {
	Collection *Collection
	DocumentID string
}

// CollectionChangeListener receives collection-level changes.
type CollectionChangeListener func(change *CollectionChange)

// DocumentChangeListener receives document-level changes.
type DocumentChangeListener func(change *DocumentChange)

// DocumentStore is the document surface of a collection handle. Every method
// fails with core.ErrNotOpen once the collection was deleted or its database
// closed.
type DocumentStore interface {
	// Document returns the current revision, or nil when the document does
	// not exist or is deleted.
	Document(id string) (*core.Document, error)

	// MutableDocument is Document returning an editable copy.
	MutableDocument(id string) (*core.MutableDocument, error)

	// Save writes doc unconditionally.
	Save(doc *core.MutableDocument) error

	// SaveWithConcurrencyControl writes doc, or fails with a conflict under
	// FailOnConflict when the stored revision moved on.
	SaveWithConcurrencyControl(doc *core.MutableDocument, cc ConcurrencyControl) error

	// SaveWithConflictResolver writes doc, asking resolver to merge when the
	// stored revision moved on.
	SaveWithConflictResolver(doc *core.MutableDocument, resolver ConflictResolver) error

	// Delete replaces the document with a tombstone.
	Delete(doc *core.Document) error

	// DeleteWithConcurrencyControl is Delete with conflict detection.
	DeleteWithConcurrencyControl(doc *core.Document, cc ConcurrencyControl) error

	// Purge removes every trace of the document. It reports false when there
	// was nothing to remove.
	Purge(doc *core.Document) (bool, error)

	// PurgeByID is Purge by document id.
	PurgeByID(id string) (bool, error)

	// DocumentExpiration returns the expiration in Unix milliseconds, 0 for
	// none, or -1 with an error.
	DocumentExpiration(id string) (int64, error)

	// SetDocumentExpiration schedules a purge; 0 clears it.
	SetDocumentExpiration(id string, timestamp int64) error
}

// IndexManager is the index surface of a collection handle.
type IndexManager interface {
	CreateValueIndex(name string, config ValueIndexConfiguration) error
	CreateFullTextIndex(name string, config FullTextIndexConfiguration) error
	DeleteIndex(name string) error
	IndexNames() ([]string, error)
	ValueIndexLookup(name string, values ...any) ([]string, error)
	FullTextMatch(name string, text string) ([]string, error)
}

// ChangeNotifier is the listener surface of a collection handle.
type ChangeNotifier interface {
	AddChangeListener(listener CollectionChangeListener) (*ListenerToken, error)
	AddDocumentChangeListener(id string, listener DocumentChangeListener) (*ListenerToken, error)
}

var (
	_ DocumentStore  = (*Collection)(nil)
	_ IndexManager   = (*Collection)(nil)
	_ ChangeNotifier = (*Collection)(nil)
)
