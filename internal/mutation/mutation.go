// Package mutation defines the closed set of changes that can be recorded in
// a catalog's write-ahead log and applied to its trunk.
package mutation

import (
	"time"

	"github.com/kartikbazzad/bunbase/buncat/internal/errors"
	"github.com/kartikbazzad/bunbase/buncat/internal/store"
	"github.com/kartikbazzad/bunbase/buncat/internal/types"
)

type Kind byte

const (
	KindTransaction Kind = iota + 1
	KindUpsertEntity
	KindDeleteEntity
	KindSchema
)

func (k Kind) String() string {
	switch k {
	case KindTransaction:
		return "transaction"
	case KindUpsertEntity:
		return "upsert_entity"
	case KindDeleteEntity:
		return "delete_entity"
	case KindSchema:
		return "schema"
	default:
		return "unknown"
	}
}

// Mutation is implemented only by the types of this package.
type Mutation interface {
	Kind() Kind
	// Apply performs the change on a trunk builder.
	Apply(b *store.Builder) error
	// ConflictKey names the data the mutation writes.
	ConflictKey() ConflictKey
	sealed()
}

// Transaction opens a transaction batch in the log.
type Transaction struct {
	TxID          string
	Version       uint64
	SchemaVersion uint64
	MutationCount int
	CommittedAt   time.Time
}

func (*Transaction) Kind() Kind { return KindTransaction }
func (*Transaction) Apply(*store.Builder) error { return nil }
func (*Transaction) ConflictKey() ConflictKey { return ConflictKey{} }
func (*Transaction) sealed()  {}

// UpsertEntity inserts or replaces one entity. The primary key is fixed by
// the time the mutation is recorded so replay is deterministic.
type UpsertEntity struct {
	Entity *types.Entity
}

func (*UpsertEntity) Kind() Kind { return KindUpsertEntity }

func (m *UpsertEntity) Apply(b *store.Builder) error {
	if m.Entity == nil {
		return errors.Wrap(errors.ErrInvalidMutation, "upsert without entity")
	}
	_, err := b.Upsert(m.Entity)
	return err
}

func (m *UpsertEntity) ConflictKey() ConflictKey {
	return EntityKey(m.Entity.Type, m.Entity.PrimaryKey)
}

func (*UpsertEntity) sealed() {}

type DeleteEntity struct {
	EntityType string
	PrimaryKey int64
}

func (*DeleteEntity) Kind() Kind { return KindDeleteEntity }

func (m *DeleteEntity) Apply(b *store.Builder) error {
	return b.Delete(m.EntityType, m.PrimaryKey)
}

func (m *DeleteEntity) ConflictKey() ConflictKey {
	return EntityKey(m.EntityType, m.PrimaryKey)
}

func (*DeleteEntity) sealed() {}

type SchemaOp byte

const (
	DefineEntitySchema SchemaOp = iota + 1
	DeleteCollection
	RenameCollection
	ReplaceCollection
	ModifyCatalog
)

func (o SchemaOp) String() string {
	switch o {
	case DefineEntitySchema:
		return "define_entity_schema"
	case DeleteCollection:
		return "delete_collection"
	case RenameCollection:
		return "rename_collection"
	case ReplaceCollection:
		return "replace_collection"
	case ModifyCatalog:
		return "modify_catalog"
	default:
		return "unknown"
	}
}

// Schema changes the catalog schema or the shape of a collection.
type Schema struct {
	Op SchemaOp
	// EntityType is the collection the op works on.
	EntityType string
	// Target is the new name for renames and the collection taking over for replaces.
	Target      string
	Entity      *types.EntitySchema
	Description string
}

func (*Schema) Kind() Kind { return KindSchema }

func (m *Schema) Apply(b *store.Builder) error {
	switch m.Op {
	case DefineEntitySchema:
		return b.DefineCollection(m.Entity)
	case DeleteCollection:
		return b.DeleteCollection(m.EntityType)
	case RenameCollection:
		return b.RenameCollection(m.EntityType, m.Target)
	case ReplaceCollection:
		return b.ReplaceCollection(m.EntityType, m.Target)
	case ModifyCatalog:
		b.UpdateCatalogDescription(m.Description)
		return nil
	}
	return errors.Wrapf(errors.ErrInvalidMutation, "unknown schema op %d", m.Op)
}

func (m *Schema) ConflictKey() ConflictKey {
	switch m.Op {
	case ModifyCatalog, RenameCollection, ReplaceCollection:
		return CatalogKey()
	case DefineEntitySchema:
		if m.Entity != nil {
			return CollectionKey(m.Entity.Name)
		}
	}
	return CollectionKey(m.EntityType)
}

func (*Schema) sealed() {}

// ApplyAll applies mutations in order and stops at the first failure.
func ApplyAll(b *store.Builder, ms []Mutation) error {
	for i, m := range ms {
		if err := m.Apply(b); err != nil {
			return errors.Wrapf(err, "mutation %d (%s)", i, m.Kind())
		}
	}
	return nil
}
