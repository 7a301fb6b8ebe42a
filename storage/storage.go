package storage

import (
	"context"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/tailbase/tailbase/oplog"
)

// LockMode is the strength of a database lock.
type LockMode int

const (
	LockIntentShared LockMode = iota
	LockIntentExclusive
	LockExclusive
)

func (m LockMode) String() string {
	switch m {
	case LockIntentShared:
		return "IS"
	case LockIntentExclusive:
		return "IX"
	case LockExclusive:
		return "X"
	default:
		return "unknown"
	}
}

// Collator affects equality and hashing of document values. HashValue must
// ignore field names so that equal _id values hash equally regardless of the
// element they came from.
type Collator interface {
	Name() string
	HashValue(v bson.RawValue) uint64
}

// CollectionProperties are the per-collection facts batch partitioning needs.
type CollectionProperties struct {
	Capped   bool
	Collator Collator
}

// Catalog maps stable collection UUIDs to their current namespace.
type Catalog interface {
	LookupNamespaceByUUID(id uuid.UUID) (string, bool)
}

type Collection interface {
	Namespace() string
	IsCapped() bool
	DefaultCollator() Collator
}

type Database interface {
	Name() string
	GetCollection(ctx context.Context, ns string) (Collection, bool)
}

// DatabaseHolder hands out live database handles. Databases are never created
// implicitly by oplog application.
type DatabaseHolder interface {
	GetDatabase(ctx context.Context, name string) (Database, bool)
}

// DBLock is a held database lock. Unlock is idempotent.
type DBLock interface {
	Unlock()
}

type LockManager interface {
	LockDatabase(ctx context.Context, db string, mode LockMode) (DBLock, error)
}

// ReadSource selects the timestamp future read transactions open at.
type ReadSource int

const (
	ReadSourceDefault ReadSource = iota
	ReadSourceNoTimestamp
)

// PrepareConflictBehavior controls what a reader does when it encounters a
// prepared, uncommitted write.
type PrepareConflictBehavior int

const (
	PrepareConflictEnforce PrepareConflictBehavior = iota
	PrepareConflictIgnoreAllowWrites
)

// Session carries the per-apply-session storage state a worker configures
// before touching the engine: replication and validation toggles, recovery
// unit settings, and the multikey path tracker.
type Session struct {
	WritesReplicated             bool
	DocumentValidation           bool
	ConflictWithBatchApplication bool
	ReadSource                   ReadSource
	PrepareConflict              PrepareConflictBehavior

	Multikey MultikeyTracker
}

// NewSession returns a session with primary-side defaults; oplog application
// flips the toggles before use.
func NewSession() *Session {
	return &Session{
		WritesReplicated:             true,
		DocumentValidation:           true,
		ConflictWithBatchApplication: true,
	}
}

// Engine is the storage surface the apply core consumes. ApplyOperation and
// ApplyCommand are the leaf CRUD and command execution primitives.
// ApplyOperation manages collection-level locking itself, beneath the database
// lock the caller already holds; ApplyCommand is called without a database
// lock and takes its own.
type Engine interface {
	Catalog() Catalog
	Databases() DatabaseHolder
	Locks() LockManager
	SupportsDocLocking() bool

	// ApplyOperation executes a CRUD batch against db. alwaysUpsert turns
	// updates of missing documents into inserts. onApplied runs once per
	// applied entry.
	ApplyOperation(ctx context.Context, sess *Session, db Database, batch *oplog.EntryBatch,
		alwaysUpsert bool, mode oplog.Mode, onApplied func()) error

	// ApplyCommand executes a command entry. It takes its own locks and never
	// creates databases implicitly.
	ApplyCommand(ctx context.Context, sess *Session, e *oplog.Entry, mode oplog.Mode) error
}
