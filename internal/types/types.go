package types

import (
	"sort"
	"time"
)

// CommitBehavior selects the commit stage a synchronous close waits for.
type CommitBehavior byte

const (
	WaitForChangesVisible CommitBehavior = iota // default
	WaitForWALPersistence
	NoWait
)

func (b CommitBehavior) String() string {
	switch b {
	case NoWait:
		return "NO_WAIT"
	case WaitForWALPersistence:
		return "WAIT_FOR_WAL_PERSISTENCE"
	default:
		return "WAIT_FOR_CHANGES_VISIBLE"
	}
}

// CommitVersions is the outcome of a committed transaction.
type CommitVersions struct {
	CatalogVersion       uint64
	CatalogSchemaVersion uint64
}

// TerminationCallback runs once after a session closed.
type TerminationCallback func(sessionID string)

type SessionTraits struct {
	ReadWrite      bool
	Binary         bool
	DryRun         bool
	CommitBehavior CommitBehavior
	OnTermination  TerminationCallback
}

// ReadOnly returns traits of a plain read-only session.
func ReadOnly() SessionTraits {
	return SessionTraits{}
}

// ReadWrite returns traits of a read-write session waiting for visibility.
func ReadWrite() SessionTraits {
	return SessionTraits{ReadWrite: true}
}

type TimeFlow byte

const (
	FromOldest TimeFlow = iota
	FromNewest
)

// CatalogVersion pairs a committed version with its commit timestamp.
type CatalogVersion struct {
	Version   uint64
	Timestamp time.Time
}

// Page is a slice of a longer result.
type Page[T any] struct {
	Items      []T
	Page       int
	PageSize   int
	TotalCount int
}

// LastPage returns the number of the last page.
func (p Page[T]) LastPage() int {
	if p.PageSize <= 0 || p.TotalCount == 0 {
		return 1
	}
	return (p.TotalCount + p.PageSize - 1) / p.PageSize
}

// Entity is a single record of an entity collection.
type Entity struct {
	Type       string
	PrimaryKey int64
	Version    uint64
	Attributes map[string]any
}

// Clone returns a copy that does not share the attribute map.
func (e *Entity) Clone() *Entity {
	if e == nil {
		return nil
	}
	c := *e
	c.Attributes = make(map[string]any, len(e.Attributes))
	for k, v := range e.Attributes {
		c.Attributes[k] = v
	}
	return &c
}

// AttributeNames returns the attribute names in sorted order.
func (e *Entity) AttributeNames() []string {
	names := make([]string, 0, len(e.Attributes))
	for k := range e.Attributes {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
