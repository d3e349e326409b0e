package errors

import (
	"github.com/pkg/errors"
)

// Usage and lifecycle errors.
var (
	// ErrInstanceTerminated is returned by every operation on a closed session,
	// a closed engine or a released stream.
	ErrInstanceTerminated = errors.New("instance already terminated")

	// ErrReadOnlySession is returned when a write is attempted in a read-only session.
	ErrReadOnlySession = errors.New("session is read-only")

	// ErrCatalogNotFound is returned when a catalog name is unknown to the engine.
	ErrCatalogNotFound = errors.New("catalog not found")

	// ErrCatalogExists is returned when defining or renaming onto an existing name.
	ErrCatalogExists = errors.New("catalog already exists")

	// ErrCatalogNotServable is returned when sessions are requested from a
	// catalog in a state that does not serve them.
	ErrCatalogNotServable = errors.New("catalog is not servable in its current state")

	// ErrCatalogCorrupted is returned for catalogs that failed to load or replay.
	ErrCatalogCorrupted = errors.New("catalog is corrupted")

	// ErrTransitionInProgress is returned when a second structural operation
	// targets a catalog that already has one running.
	ErrTransitionInProgress = errors.New("catalog operation already in progress")

	// ErrInvalidTransition is returned when a lifecycle transition is not
	// allowed from the current state.
	ErrInvalidTransition = errors.New("invalid catalog state transition")

	// ErrInvalidCatalogName is returned for empty or malformed catalog names.
	ErrInvalidCatalogName = errors.New("invalid catalog name")

	// ErrConcurrentSessionUse is returned when the single-threaded session
	// contract is broken.
	ErrConcurrentSessionUse = errors.New("session used concurrently")

	// ErrTransactionOpen is returned when opening a transaction while one is open.
	ErrTransactionOpen = errors.New("transaction already open")

	// ErrNoTransaction is returned by transaction operations without an open transaction.
	ErrNoTransaction = errors.New("no transaction is open")

	// ErrCancelled is returned by structural operations cancelled before their
	// point of no return.
	ErrCancelled = errors.New("operation cancelled")
)

// Data and schema errors.
var (
	ErrCollectionNotFound = errors.New("entity collection not found")
	ErrCollectionExists   = errors.New("entity collection already exists")
	ErrEntityNotFound     = errors.New("entity not found")

	// ErrInvalidMutation is returned when a mutation cannot be applied to the trunk.
	ErrInvalidMutation = errors.New("invalid mutation")

	// ErrSchemaViolation is returned when an entity does not match its schema.
	ErrSchemaViolation = errors.New("entity violates schema")

	// ErrSchemaAltering is returned when a schema mutation list fails as a whole.
	ErrSchemaAltering = errors.New("schema altering failed")

	// ErrInvalidQuery is returned when a query request cannot be compiled.
	ErrInvalidQuery = errors.New("invalid query")
)

// Transaction and history errors.
var (
	// ErrTransactionConflict is returned when a committed transaction touched
	// the same data after our snapshot was taken.
	ErrTransactionConflict = errors.New("transaction conflict")

	// ErrTemporalDataNotAvailable is returned for versions or moments older
	// than the retained history.
	ErrTemporalDataNotAvailable = errors.New("temporal data not available")

	// ErrVersionNotFound is returned for versions newer than the log end.
	ErrVersionNotFound = errors.New("catalog version not found")
)

// File I/O errors, shared by the WAL and the storage layer.
var (
	// ErrCorruptRecord is returned when a WAL record has invalid format
	ErrCorruptRecord = errors.New("corrupt record: invalid length or format")

	// ErrCRCMismatch is returned when CRC32 checksum doesn't match
	ErrCRCMismatch = errors.New("CRC mismatch")

	// ErrPayloadTooLarge is returned when payload exceeds maximum size
	ErrPayloadTooLarge = errors.New("payload exceeds maximum size")

	ErrFileOpen  = errors.New("failed to open file")
	ErrFileWrite = errors.New("failed to write file")
	ErrFileSync  = errors.New("failed to sync file")
	ErrFileRead  = errors.New("failed to read file")

	// ErrPoolStopped is returned when the scheduler or a pipeline is shutting down
	ErrPoolStopped = errors.New("pool is stopped")

	// ErrQueueFull is returned when the commit queue is at capacity
	ErrQueueFull = errors.New("request queue is full")
)

// Thin re-exports so callers need a single errors import.
var (
	New    = errors.New
	Errorf = errors.Errorf
	Wrap   = errors.Wrap
	Wrapf  = errors.Wrapf
	Is     = errors.Is
	As     = errors.As
	Cause  = errors.Cause
)
