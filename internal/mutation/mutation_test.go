package mutation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kartikbazzad/bunbase/buncat/internal/errors"
	"github.com/kartikbazzad/bunbase/buncat/internal/store"
	"github.com/kartikbazzad/bunbase/buncat/internal/types"
)

func TestApplyAllStopsAtFirstFailure(t *testing.T) {
	b := store.NewBuilder(store.Empty("id", "shop"))
	err := ApplyAll(b, []Mutation{
		&UpsertEntity{Entity: &types.Entity{Type: "product", PrimaryKey: 1}},
		&DeleteEntity{EntityType: "product", PrimaryKey: 42},
		&UpsertEntity{Entity: &types.Entity{Type: "product", PrimaryKey: 2}},
	})
	require.ErrorIs(t, err, errors.ErrEntityNotFound)
	assert.Contains(t, err.Error(), "mutation 1 (delete_entity)")
}

func TestSchemaMutations(t *testing.T) {
	b := store.NewBuilder(store.Empty("id", "shop"))
	require.NoError(t, ApplyAll(b, []Mutation{
		&Schema{Op: DefineEntitySchema, Entity: &types.EntitySchema{Name: "brand"}},
		&Schema{Op: RenameCollection, EntityType: "brand", Target: "maker"},
		&Schema{Op: ModifyCatalog, Description: "spring"},
	}))
	s := b.Build()
	assert.Equal(t, []string{"maker"}, s.EntityTypes())
	assert.Equal(t, "spring", s.CatalogSchema().Description)

	err := (&Schema{Op: SchemaOp(99)}).Apply(b)
	require.ErrorIs(t, err, errors.ErrInvalidMutation)
}

func TestConflictKeys(t *testing.T) {
	a := EntityKey("product", 1)
	assert.True(t, a.Overlaps(EntityKey("product", 1)))
	assert.False(t, a.Overlaps(EntityKey("product", 2)))
	assert.False(t, a.Overlaps(EntityKey("brand", 1)))
	assert.True(t, a.Overlaps(CollectionKey("product")))
	assert.False(t, a.Overlaps(CollectionKey("brand")))
	assert.True(t, CatalogKey().Overlaps(a))
	assert.False(t, (&Transaction{}).ConflictKey().Overlaps(CatalogKey()))

	rename := &Schema{Op: RenameCollection, EntityType: "a", Target: "b"}
	assert.Equal(t, ScopeCatalog, rename.ConflictKey().Scope)
}

func TestCodecKeepsEntityNumbersStable(t *testing.T) {
	for _, compress := range []bool{false, true} {
		c := Codec{Compress: compress}
		payload, flags, err := c.Encode(&UpsertEntity{Entity: &types.Entity{
			Type: "product", PrimaryKey: 5, Attributes: map[string]any{"stock": 3, "price": 9.5},
		}})
		require.NoError(t, err)
		assert.Equal(t, compress, flags&FlagCompressed != 0)

		m, err := c.Decode(flags, payload)
		require.NoError(t, err)
		u := m.(*UpsertEntity)
		assert.Equal(t, int64(5), u.Entity.PrimaryKey)
		assert.Equal(t, int64(3), u.Entity.Attributes["stock"])
		assert.Equal(t, 9.5, u.Entity.Attributes["price"])
	}
}

func TestCodecRejectsGarbage(t *testing.T) {
	c := Codec{}
	_, err := c.Decode(0, []byte("{not json"))
	require.ErrorIs(t, err, errors.ErrCorruptRecord)

	_, err = c.Decode(FlagCompressed, []byte("definitely not snappy"))
	require.ErrorIs(t, err, errors.ErrCorruptRecord)

	_, err = c.Decode(0, []byte(`{"k":77,"m":{}}`))
	require.ErrorIs(t, err, errors.ErrCorruptRecord)
}

func TestEngineCodec(t *testing.T) {
	c := Codec{Compress: true}
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	payload, flags, err := c.EncodeEngine(&Engine{Op: RenameCatalog, Catalog: "a", Target: "b", At: at})
	require.NoError(t, err)
	m, err := c.DecodeEngine(flags, payload)
	require.NoError(t, err)
	assert.Equal(t, RenameCatalog, m.Op)
	assert.Equal(t, "b", m.Target)
	assert.True(t, at.Equal(m.At))
}
