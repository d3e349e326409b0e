package store

import (
	"github.com/kartikbazzad/bunbase/buncat/internal/errors"
	"github.com/kartikbazzad/bunbase/buncat/internal/types"
)

// Builder derives a new Snapshot from a base one. Collections are copied on
// first write so untouched collections stay shared with the base.
type Builder struct {
	base        *Snapshot
	next        Snapshot
	touched     map[string]bool
	schemaDirty bool
}

// NewBuilder starts a builder on top of base.
func NewBuilder(base *Snapshot) *Builder {
	b := &Builder{base: base, next: *base, touched: map[string]bool{}}
	b.next.collections = make(map[string]*Collection, len(base.collections))
	for k, v := range base.collections {
		b.next.collections[k] = v
	}
	b.next.byPK = make(map[int]*Collection, len(base.byPK))
	for k, v := range base.byPK {
		b.next.byPK[k] = v
	}
	return b
}

// Base returns the snapshot the builder started from.
func (b *Builder) Base() *Snapshot { return b.base }

func (b *Builder) writable(entityType string) (*Collection, bool) {
	c, ok := b.next.collections[entityType]
	if !ok {
		return nil, false
	}
	if !b.touched[entityType] {
		c = c.clone()
		b.next.collections[entityType] = c
		b.next.byPK[c.pk] = c
		b.touched[entityType] = true
	}
	return c, true
}

// DefineCollection creates a collection or replaces the schema of an existing
// one. Existing entities must satisfy the new schema.
func (b *Builder) DefineCollection(schema *types.EntitySchema) error {
	if schema == nil || schema.Name == "" {
		return errors.Wrap(errors.ErrInvalidMutation, "entity schema needs a name")
	}
	v, err := NewValidator(schema)
	if err != nil {
		return err
	}
	c, ok := b.writable(schema.Name)
	if !ok {
		s := schema.Clone()
		s.Version = 1
		c = &Collection{
			pk:        b.next.nextCollectionPK,
			schema:    s,
			validator: v,
			entities:  map[int64]*types.Entity{},
			nextPK:    1,
		}
		b.next.nextCollectionPK++
		b.next.collections[schema.Name] = c
		b.next.byPK[c.pk] = c
		b.touched[schema.Name] = true
		b.schemaDirty = true
		return nil
	}
	for _, e := range c.entities {
		if err := v.Validate(e); err != nil {
			return errors.Wrapf(errors.ErrSchemaAltering, "entity %d no longer valid: %v", e.PrimaryKey, err)
		}
	}
	s := schema.Clone()
	s.Version = c.schema.Version + 1
	c.schema = s
	c.validator = v
	b.schemaDirty = true
	return nil
}

// RestoreCollection recreates a collection with its persisted identity.
func (b *Builder) RestoreCollection(pk int, schema *types.EntitySchema, nextPK int64) error {
	v, err := NewValidator(schema)
	if err != nil {
		return err
	}
	c := &Collection{pk: pk, schema: schema.Clone(), validator: v, entities: map[int64]*types.Entity{}, nextPK: nextPK}
	b.next.collections[schema.Name] = c
	b.next.byPK[pk] = c
	b.touched[schema.Name] = true
	if pk >= b.next.nextCollectionPK {
		b.next.nextCollectionPK = pk + 1
	}
	return nil
}

// Upsert inserts or replaces an entity. Unknown collections are created with
// a permissive schema. A zero primary key takes the collection's next key.
func (b *Builder) Upsert(e *types.Entity) (*types.Entity, error) {
	if e == nil || e.Type == "" {
		return nil, errors.Wrap(errors.ErrInvalidMutation, "entity needs a type")
	}
	if e.PrimaryKey < 0 {
		return nil, errors.Wrapf(errors.ErrInvalidMutation, "negative primary key %d", e.PrimaryKey)
	}
	if _, ok := b.next.collections[e.Type]; !ok {
		if err := b.DefineCollection(&types.EntitySchema{Name: e.Type}); err != nil {
			return nil, err
		}
	}
	c, _ := b.writable(e.Type)

	n := e.Clone()
	n.Attributes = types.NormalizeAttributes(n.Attributes)
	if n.PrimaryKey == 0 {
		n.PrimaryKey = c.nextPK
	}
	if err := c.validator.Validate(n); err != nil {
		return nil, err
	}
	if prev, ok := c.entities[n.PrimaryKey]; ok {
		n.Version = prev.Version + 1
	} else {
		n.Version = 1
	}
	c.entities[n.PrimaryKey] = n
	if n.PrimaryKey >= c.nextPK {
		c.nextPK = n.PrimaryKey + 1
	}
	return n, nil
}

// Restore puts an entity as it was persisted, keeping its version.
func (b *Builder) Restore(e *types.Entity) error {
	c, ok := b.writable(e.Type)
	if !ok {
		return errors.Wrapf(errors.ErrCollectionNotFound, "%s", e.Type)
	}
	n := e.Clone()
	n.Attributes = types.NormalizeAttributes(n.Attributes)
	c.entities[e.PrimaryKey] = n
	if e.PrimaryKey >= c.nextPK {
		c.nextPK = e.PrimaryKey + 1
	}
	return nil
}

// Delete removes an entity.
func (b *Builder) Delete(entityType string, pk int64) error {
	c, ok := b.writable(entityType)
	if !ok {
		return errors.Wrapf(errors.ErrCollectionNotFound, "%s", entityType)
	}
	if _, ok := c.entities[pk]; !ok {
		return errors.Wrapf(errors.ErrEntityNotFound, "%s/%d", entityType, pk)
	}
	delete(c.entities, pk)
	return nil
}

// DeleteCollection drops a collection with all its entities.
func (b *Builder) DeleteCollection(entityType string) error {
	c, ok := b.next.collections[entityType]
	if !ok {
		return errors.Wrapf(errors.ErrCollectionNotFound, "%s", entityType)
	}
	delete(b.next.collections, entityType)
	delete(b.next.byPK, c.pk)
	delete(b.touched, entityType)
	b.schemaDirty = true
	return nil
}

// RenameCollection moves a collection to a new entity type, keeping its primary key.
func (b *Builder) RenameCollection(from, to string) error {
	if _, exists := b.next.collections[to]; exists {
		return errors.Wrapf(errors.ErrCollectionExists, "%s", to)
	}
	return b.moveCollection(from, to)
}

// ReplaceCollection makes the collection `with` take the place of `replaced`.
// The replaced collection is dropped.
func (b *Builder) ReplaceCollection(replaced, with string) error {
	if _, ok := b.next.collections[with]; !ok {
		return errors.Wrapf(errors.ErrCollectionNotFound, "%s", with)
	}
	if old, ok := b.next.collections[replaced]; ok {
		delete(b.next.collections, replaced)
		delete(b.next.byPK, old.pk)
		delete(b.touched, replaced)
	}
	return b.moveCollection(with, replaced)
}

func (b *Builder) moveCollection(from, to string) error {
	c, ok := b.writable(from)
	if !ok {
		return errors.Wrapf(errors.ErrCollectionNotFound, "%s", from)
	}
	delete(b.next.collections, from)
	delete(b.touched, from)

	c.schema = c.schema.Clone()
	c.schema.Name = to
	c.schema.Version++
	entities := make(map[int64]*types.Entity, len(c.entities))
	for pk, e := range c.entities {
		n := e.Clone()
		n.Type = to
		entities[pk] = n
	}
	c.entities = entities

	b.next.collections[to] = c
	b.next.byPK[c.pk] = c
	b.touched[to] = true
	b.schemaDirty = true
	return nil
}

// UpdateCatalogDescription changes catalog level schema metadata.
func (b *Builder) UpdateCatalogDescription(description string) {
	b.next.schema.Description = description
	b.schemaDirty = true
}

// SetVersion stamps the catalog version the built snapshot represents.
func (b *Builder) SetVersion(v uint64) {
	b.next.version = v
}

// SetSchemaVersion overrides the schema version, used when restoring.
func (b *Builder) SetSchemaVersion(v uint64) {
	b.next.schema.Version = v
	b.schemaDirty = false
}

// SchemaChanged reports whether any schema mutation was applied.
func (b *Builder) SchemaChanged() bool { return b.schemaDirty }

// Build returns the snapshot of the current state. The snapshot shares
// collections with the builder, so a builder whose snapshot was published
// must not be written to again. A private builder may keep writing, its
// earlier snapshots then observe those writes.
func (b *Builder) Build() *Snapshot {
	s := b.next
	if b.schemaDirty {
		s.schema.Version = b.base.schema.Version + 1
	}
	return &s
}
