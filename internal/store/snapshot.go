package store

import (
	"sort"

	"github.com/kartikbazzad/bunbase/buncat/internal/errors"
	"github.com/kartikbazzad/bunbase/buncat/internal/types"
)

// Snapshot is an immutable view of a catalog at one version. Readers may hold
// it for as long as they like; writers derive a new one through a Builder.
// Entities returned by a Snapshot are shared and must not be modified.
type Snapshot struct {
	catalogID        string
	name             string
	version          uint64
	schema           types.CatalogSchema
	collections      map[string]*Collection
	byPK             map[int]*Collection
	nextCollectionPK int
}

// Collection is an immutable entity collection inside a Snapshot.
type Collection struct {
	pk        int
	schema    *types.EntitySchema
	validator *Validator
	entities  map[int64]*types.Entity
	nextPK    int64
}

// Empty returns the snapshot of a freshly created catalog.
func Empty(catalogID, name string) *Snapshot {
	return &Snapshot{
		catalogID:        catalogID,
		name:             name,
		schema:           types.CatalogSchema{Name: name},
		collections:      map[string]*Collection{},
		byPK:             map[int]*Collection{},
		nextCollectionPK: 1,
	}
}

func (s *Snapshot) CatalogID() string { return s.catalogID }
func (s *Snapshot) Name() string { return s.name }
func (s *Snapshot) Version() uint64 { return s.version }
func (s *Snapshot) SchemaVersion() uint64 { return s.schema.Version }
func (s *Snapshot) CatalogSchema() types.CatalogSchema { return s.schema }

// Renamed returns a copy of s under a different catalog name. Collections are shared.
func (s *Snapshot) Renamed(name string) *Snapshot {
	return s.WithIdentity(s.catalogID, name)
}

// WithIdentity returns a copy of s owned by another catalog, as used for
// duplicates and restores.
func (s *Snapshot) WithIdentity(catalogID, name string) *Snapshot {
	c := *s
	c.catalogID = catalogID
	c.name = name
	c.schema.Name = name
	return &c
}

// Collection looks up a collection by entity type.
func (s *Snapshot) Collection(entityType string) (*Collection, bool) {
	c, ok := s.collections[entityType]
	return c, ok
}

// CollectionByPK looks up a collection by its primary key.
func (s *Snapshot) CollectionByPK(pk int) (*Collection, bool) {
	c, ok := s.byPK[pk]
	return c, ok
}

// EntityTypes returns all entity types in sorted order.
func (s *Snapshot) EntityTypes() []string {
	out := make([]string, 0, len(s.collections))
	for name := range s.collections {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Entity returns one entity or ErrCollectionNotFound / ErrEntityNotFound.
func (s *Snapshot) Entity(entityType string, pk int64) (*types.Entity, error) {
	c, ok := s.collections[entityType]
	if !ok {
		return nil, errors.Wrapf(errors.ErrCollectionNotFound, "%s", entityType)
	}
	e, ok := c.entities[pk]
	if !ok {
		return nil, errors.Wrapf(errors.ErrEntityNotFound, "%s/%d", entityType, pk)
	}
	return e, nil
}

// Size returns the number of entities in a collection, 0 for unknown types.
func (s *Snapshot) Size(entityType string) int {
	if c, ok := s.collections[entityType]; ok {
		return len(c.entities)
	}
	return 0
}

func (c *Collection) PK() int { return c.pk }
func (c *Collection) Schema() *types.EntitySchema { return c.schema }
func (c *Collection) Len() int { return len(c.entities) }
func (c *Collection) NextPK() int64 { return c.nextPK }

// Entities returns the entities ordered by primary key.
func (c *Collection) Entities() []*types.Entity {
	out := make([]*types.Entity, 0, len(c.entities))
	for _, e := range c.entities {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PrimaryKey < out[j].PrimaryKey })
	return out
}

func (c *Collection) clone() *Collection {
	n := *c
	n.entities = make(map[int64]*types.Entity, len(c.entities))
	for k, v := range c.entities {
		n.entities[k] = v
	}
	return &n
}
