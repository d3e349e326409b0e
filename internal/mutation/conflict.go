package mutation

// Scope is the granularity of a conflict key.
type Scope byte

const (
	ScopeNone Scope = iota
	ScopeEntity
	ScopeCollection
	ScopeCatalog
)

// ConflictKey identifies data written by a mutation. Two keys conflict when
// they name the same entity, or when one covers the other.
type ConflictKey struct {
	Scope      Scope
	EntityType string
	PrimaryKey int64
}

func EntityKey(entityType string, pk int64) ConflictKey {
	return ConflictKey{Scope: ScopeEntity, EntityType: entityType, PrimaryKey: pk}
}

func CollectionKey(entityType string) ConflictKey {
	return ConflictKey{Scope: ScopeCollection, EntityType: entityType}
}

func CatalogKey() ConflictKey {
	return ConflictKey{Scope: ScopeCatalog}
}

// Overlaps reports whether k and o conflict.
func (k ConflictKey) Overlaps(o ConflictKey) bool {
	if k.Scope == ScopeNone || o.Scope == ScopeNone {
		return false
	}
	if k.Scope == ScopeCatalog || o.Scope == ScopeCatalog {
		return true
	}
	if k.EntityType != o.EntityType {
		return false
	}
	if k.Scope == ScopeCollection || o.Scope == ScopeCollection {
		return true
	}
	return k.PrimaryKey == o.PrimaryKey
}
