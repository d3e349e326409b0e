package catalog

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kartikbazzad/bunbase/buncat/internal/errors"
	"github.com/kartikbazzad/bunbase/buncat/internal/logger"
)

func TestMachineLifecycle(t *testing.T) {
	m := NewMachine(StateUnknown)
	var changes int32
	m.OnChange(func(from, to State) { atomic.AddInt32(&changes, 1) })

	_, err := m.Begin(OpCreate)
	require.NoError(t, err)
	assert.Equal(t, BeingCreated, m.State())
	assert.False(t, m.State().Servable())

	to, err := m.Complete(OpCreate)
	require.NoError(t, err)
	assert.Equal(t, WarmingUp, to)
	assert.True(t, to.Servable())

	_, err = m.Begin(OpGoLive)
	require.NoError(t, err)
	_, err = m.Begin(OpDeactivate)
	assert.True(t, errors.Is(err, errors.ErrTransitionInProgress))

	to, err = m.Complete(OpGoLive)
	require.NoError(t, err)
	assert.Equal(t, Alive, to)

	_, err = m.Begin(OpGoLive)
	assert.True(t, errors.Is(err, errors.ErrInvalidTransition))

	_, err = m.Begin(OpDeactivate)
	require.NoError(t, err)
	to, err = m.Fail(OpDeactivate)
	require.NoError(t, err)
	assert.Equal(t, Alive, to, "failure reverts")

	assert.Equal(t, int32(6), atomic.LoadInt32(&changes))
}

func TestMachineCorruptedCanOnlyBeDeleted(t *testing.T) {
	m := NewMachine(Alive)
	m.MarkCorrupted()
	assert.Equal(t, Corrupted, m.State())
	assert.False(t, m.State().Servable())

	_, err := m.Begin(OpActivate)
	assert.True(t, errors.Is(err, errors.ErrInvalidTransition))

	_, err = m.Begin(OpDelete)
	require.NoError(t, err)
	to, err := m.Complete(OpDelete)
	require.NoError(t, err)
	assert.Equal(t, StateUnknown, to)
}

func TestCompleteWithoutBegin(t *testing.T) {
	m := NewMachine(Inactive)
	_, err := m.Complete(OpActivate)
	assert.True(t, errors.Is(err, errors.ErrInvalidTransition))
}

func TestParseState(t *testing.T) {
	for s := range facets {
		got, err := ParseState(s.String())
		require.NoError(t, err)
		assert.Equal(t, s, got)
	}
	_, err := ParseState("sleeping")
	assert.Error(t, err)
}

func TestValidateName(t *testing.T) {
	valid := []string{"shop", "shop-2", "Käse", "a.b"}
	for _, n := range valid {
		assert.NoError(t, ValidateName(n), n)
	}
	invalid := []string{"", "a/b", "a\\b", "..", "x..y", ".hidden", "nul\x00", string([]byte{0xff}), string(make([]byte, MaxNameLen+1))}
	for _, n := range invalid {
		assert.True(t, errors.Is(ValidateName(n), errors.ErrInvalidCatalogName), "%q", n)
	}
}

func openRegistry(t *testing.T, path string) *Registry {
	t.Helper()
	r := NewRegistry(path, logger.Discard())
	require.NoError(t, r.Load())
	t.Cleanup(func() { r.Close() })
	return r
}

func TestRegistryPersistsLastEntry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.catalog")
	r := openRegistry(t, path)

	shop, err := r.Create("shop", BeingCreated)
	require.NoError(t, err)
	blog, err := r.Create("blog", WarmingUp)
	require.NoError(t, err)
	_, err = r.Create("shop", WarmingUp)
	assert.True(t, errors.Is(err, errors.ErrCatalogExists))

	require.NoError(t, r.SetState(shop, Alive))
	require.NoError(t, r.SetState(shop, BeingDeactivated), "transitional states are skipped")
	require.NoError(t, r.Rename(shop, "store"))
	require.NoError(t, r.Delete(blog))
	require.NoError(t, r.Close())

	r2 := openRegistry(t, path)
	list := r2.List()
	require.Len(t, list, 1)
	assert.Equal(t, Entry{ID: shop, Name: "store", State: Alive}, list[0])

	_, err = r2.GetByName("shop")
	assert.True(t, errors.Is(err, errors.ErrCatalogNotFound))
	_, err = r2.Get(blog)
	assert.True(t, errors.Is(err, errors.ErrCatalogNotFound))
}

func TestRegistryIgnoresTornTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.catalog")
	r := openRegistry(t, path)
	id, err := r.Create("shop", WarmingUp)
	require.NoError(t, err)
	require.NoError(t, r.Close())

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.Write([]byte{1, 2, 3})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	r2 := openRegistry(t, path)
	e, err := r2.GetByName("shop")
	require.NoError(t, err)
	assert.Equal(t, id, e.ID)

	_, err = r2.Create("blog", WarmingUp)
	require.NoError(t, err)
	require.NoError(t, r2.Close())

	r3 := openRegistry(t, path)
	assert.Len(t, r3.List(), 2)
}

func TestRegistryPut(t *testing.T) {
	r := openRegistry(t, filepath.Join(t.TempDir(), "engine.catalog"))
	id, err := r.Create("shop", WarmingUp)
	require.NoError(t, err)
	require.NoError(t, r.Put(id, "shop-restored", Alive))

	e, err := r.Get(id)
	require.NoError(t, err)
	assert.Equal(t, "shop-restored", e.Name)
	_, err = r.GetByName("shop")
	assert.Error(t, err)
}
