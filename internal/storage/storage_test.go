package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kartikbazzad/bunbase/buncat/internal/store"
	"github.com/kartikbazzad/bunbase/buncat/internal/types"
)

func TestSaveAndLoadCheckpoint(t *testing.T) {
	ctx := context.Background()
	s, err := Open(filepath.Join(t.TempDir(), FileName))
	require.NoError(t, err)
	defer s.Close()

	_, _, ok, err := s.Load(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	b := store.NewBuilder(store.Empty("cat-1", "shop"))
	require.NoError(t, b.DefineCollection(&types.EntitySchema{
		Name:       "product",
		Attributes: map[string]types.AttributeSchema{"name": {Name: "name", Type: types.AttrString}},
	}))
	_, err = b.Upsert(&types.Entity{Type: "product", PrimaryKey: 3, Attributes: map[string]any{"name": "shirt", "stock": 4}})
	require.NoError(t, err)
	_, err = b.Upsert(&types.Entity{Type: "brand", Attributes: map[string]any{"tags": []any{"a", 1.5}}})
	require.NoError(t, err)
	b.UpdateCatalogDescription("spring")
	b.SetVersion(7)
	snap := b.Build()

	live := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.Save(ctx, snap, Header{State: "ALIVE", LiveSince: live, Baseline: 1}))

	loaded, h, ok, err := s.Load(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, "cat-1", h.CatalogID)
	assert.Equal(t, uint64(7), h.Version)
	assert.Equal(t, "ALIVE", h.State)
	assert.True(t, live.Equal(h.LiveSince))
	assert.Equal(t, uint64(1), h.Baseline)

	assert.Equal(t, uint64(7), loaded.Version())
	assert.Equal(t, snap.SchemaVersion(), loaded.SchemaVersion())
	assert.Equal(t, "spring", loaded.CatalogSchema().Description)
	assert.Equal(t, snap.EntityTypes(), loaded.EntityTypes())

	e, err := loaded.Entity("product", 3)
	require.NoError(t, err)
	assert.Equal(t, "shirt", e.Attributes["name"])
	assert.Equal(t, int64(4), e.Attributes["stock"])
	assert.Equal(t, uint64(1), e.Version)

	orig, _ := snap.Collection("product")
	coll, _ := loaded.Collection("product")
	assert.Equal(t, orig.PK(), coll.PK())
	assert.Equal(t, int64(4), coll.NextPK())

	// a second save replaces the first
	b2 := store.NewBuilder(loaded)
	require.NoError(t, b2.DeleteCollection("brand"))
	b2.SetVersion(8)
	require.NoError(t, s.Save(ctx, b2.Build(), Header{State: "ALIVE"}))
	loaded, _, _, err = s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"product"}, loaded.EntityTypes())

	require.NoError(t, s.UpdateState(ctx, "INACTIVE"))
	_, h, _, err = s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "INACTIVE", h.State)
}
