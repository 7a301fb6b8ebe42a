package storage

import "github.com/cockroachdb/errors"

var (
	// ErrWriteConflict is the storage engine's optimistic concurrency
	// failure. Callers retry the whole write unit.
	ErrWriteConflict = errors.New("write conflict")
	// ErrNamespaceNotFound covers a missing database, collection or UUID
	// mapping.
	ErrNamespaceNotFound = errors.New("namespace not found")
	// ErrUpdateOperationFailed is returned when an update targets a missing
	// document and upsert is disabled.
	ErrUpdateOperationFailed = errors.New("update operation failed")
	// ErrUnsupportedCommand is returned for command entries the engine does
	// not implement.
	ErrUnsupportedCommand = errors.New("unsupported command")
)
