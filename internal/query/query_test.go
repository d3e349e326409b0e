package query

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kartikbazzad/bunbase/buncat/internal/errors"
	"github.com/kartikbazzad/bunbase/buncat/internal/store"
	"github.com/kartikbazzad/bunbase/buncat/internal/types"
)

func catalog(t *testing.T) *store.Snapshot {
	t.Helper()
	b := store.NewBuilder(store.Empty("id", "shop"))
	rows := []map[string]any{
		{"name": "shirt", "price": 20, "onSale": true},
		{"name": "hat", "price": 5.5},
		{"name": "jacket", "price": 120, "onSale": false},
		{"name": "sock"},
	}
	for _, attrs := range rows {
		_, err := b.Upsert(&types.Entity{Type: "product", Attributes: attrs})
		require.NoError(t, err)
	}
	return b.Build()
}

func names(r Response) []string {
	out := make([]string, 0, len(r.Items))
	for _, e := range r.Items {
		out = append(out, e.Attributes["name"].(string))
	}
	return out
}

func TestFilterAndSort(t *testing.T) {
	ev, err := NewCELEvaluator()
	require.NoError(t, err)
	snap := catalog(t)

	resp, err := ev.Evaluate(context.Background(), snap, Request{
		EntityType: "product",
		Filter:     "entity.price > 10",
		OrderBy:    "price",
		Desc:       true,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"jacket", "shirt"}, names(resp))
	assert.Equal(t, 2, resp.TotalCount)

	resp, err = ev.Evaluate(context.Background(), snap, Request{EntityType: "product", Filter: "pk >= 3"})
	require.NoError(t, err)
	assert.Equal(t, []string{"jacket", "sock"}, names(resp))

	resp, err = ev.Evaluate(context.Background(), snap, Request{EntityType: "product", OrderBy: "price"})
	require.NoError(t, err)
	assert.Equal(t, []string{"sock", "hat", "shirt", "jacket"}, names(resp), "missing values first, mixed numbers compare")
}

func TestPaging(t *testing.T) {
	ev, err := NewCELEvaluator()
	require.NoError(t, err)
	snap := catalog(t)

	resp, err := ev.Evaluate(context.Background(), snap, Request{EntityType: "product", Page: 2, PageSize: 3})
	require.NoError(t, err)
	assert.Equal(t, []string{"sock"}, names(resp))
	assert.Equal(t, 2, resp.LastPage())

	resp, err = ev.Evaluate(context.Background(), snap, Request{EntityType: "product", Page: 5, PageSize: 3})
	require.NoError(t, err)
	assert.Empty(t, resp.Items)
	assert.Equal(t, 4, resp.TotalCount)
}

func TestInvalidQueries(t *testing.T) {
	ev, err := NewCELEvaluator()
	require.NoError(t, err)
	snap := catalog(t)

	_, err = ev.Evaluate(context.Background(), snap, Request{EntityType: "product", Filter: "entity.price >"})
	assert.True(t, errors.Is(err, errors.ErrInvalidQuery))
	_, err = ev.Evaluate(context.Background(), snap, Request{EntityType: "product", Filter: "pk + 1"})
	assert.True(t, errors.Is(err, errors.ErrInvalidQuery))
	_, err = ev.Evaluate(context.Background(), snap, Request{EntityType: "brand"})
	assert.True(t, errors.Is(err, errors.ErrCollectionNotFound))
}

func TestProgramsAreCached(t *testing.T) {
	ev, err := NewCELEvaluator()
	require.NoError(t, err)
	a, err := ev.Compile("entity.onSale == true")
	require.NoError(t, err)
	b, err := ev.Compile("entity.onSale == true")
	require.NoError(t, err)
	assert.Equal(t, a, b)
}
