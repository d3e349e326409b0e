package query

import (
	"sort"

	"github.com/kartikbazzad/bunbase/buncat/internal/types"
)

// Sort orders entities by an attribute (or "pk"). Missing values sort
// first, ties keep primary key order.
func Sort(entities []*types.Entity, field string, desc bool) {
	key := func(e *types.Entity) any {
		if field == "pk" {
			return e.PrimaryKey
		}
		return e.Attributes[field]
	}
	sort.SliceStable(entities, func(i, j int) bool {
		c := compare(key(entities[i]), key(entities[j]))
		if c == 0 {
			return entities[i].PrimaryKey < entities[j].PrimaryKey
		}
		if desc {
			return c > 0
		}
		return c < 0
	})
}

// rank orders values of different kinds: nil, bool, number, string, other.
func rank(v any) int {
	switch v.(type) {
	case nil:
		return 0
	case bool:
		return 1
	case int64, float64:
		return 2
	case string:
		return 3
	default:
		return 4
	}
}

func compare(a, b any) int {
	ra, rb := rank(a), rank(b)
	if ra != rb {
		return ra - rb
	}
	switch x := a.(type) {
	case bool:
		y := b.(bool)
		switch {
		case x == y:
			return 0
		case !x:
			return -1
		}
		return 1
	case string:
		y := b.(string)
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		}
		return 0
	case int64, float64:
		fa, fb := number(a), number(b)
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		}
		return 0
	}
	return 0
}

func number(v any) float64 {
	switch n := v.(type) {
	case int64:
		return float64(n)
	case float64:
		return n
	}
	return 0
}
