package engine

import (
	"sync"
	"time"

	"github.com/kartikbazzad/bunbase/buncat/internal/types"
)

type EventKind byte

const (
	EventCatalogCreated EventKind = iota + 1
	EventCatalogDeleted
	EventCatalogStateChanged
	EventCatalogCorrupted
	EventSchemaUpdated
	EventSessionOpened
	EventSessionClosed
	EventTransactionCommitted
	EventTransactionRolledBack
)

func (k EventKind) String() string {
	switch k {
	case EventCatalogCreated:
		return "catalog_created"
	case EventCatalogDeleted:
		return "catalog_deleted"
	case EventCatalogStateChanged:
		return "catalog_state_changed"
	case EventCatalogCorrupted:
		return "catalog_corrupted"
	case EventSchemaUpdated:
		return "schema_updated"
	case EventSessionOpened:
		return "session_opened"
	case EventSessionClosed:
		return "session_closed"
	case EventTransactionCommitted:
		return "transaction_committed"
	case EventTransactionRolledBack:
		return "transaction_rolled_back"
	default:
		return "unknown"
	}
}

// Event is a lifecycle signal.
type Event struct {
	Kind      EventKind
	Catalog   string
	SessionID string
	TxID      string
	State     string
	Versions  types.CommitVersions
	Mutations int
	Duration  time.Duration
	Err       error
	At        time.Time
}

// Observer receives events synchronously and must not block.
type Observer interface {
	Observe(Event)
}

type ObserverFunc func(Event)

func (f ObserverFunc) Observe(e Event) { f(e) }

type bus struct {
	mu        sync.RWMutex
	next      int
	observers map[int]Observer
}

func newBus() *bus {
	return &bus{observers: map[int]Observer{}}
}

func (b *bus) subscribe(o Observer) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	b.observers[id] = o
	return func() {
		b.mu.Lock()
		delete(b.observers, id)
		b.mu.Unlock()
	}
}

func (b *bus) emit(e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, o := range b.observers {
		o.Observe(e)
	}
}
