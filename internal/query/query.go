// Package query evaluates entity queries against a catalog snapshot.
package query

import (
	"context"

	"github.com/kartikbazzad/bunbase/buncat/internal/store"
	"github.com/kartikbazzad/bunbase/buncat/internal/types"
)

const DefaultPageSize = 20

// Request selects entities of one type. Filter is a boolean CEL expression
// over the variables `entity` (attribute map), `pk` and `version`.
type Request struct {
	EntityType string
	Filter     string
	OrderBy    string // attribute name or "pk"
	Desc       bool
	Page       int
	PageSize   int
}

// Response is one page of matching entities.
type Response = types.Page[*types.Entity]

// Evaluator runs requests against a snapshot.
type Evaluator interface {
	Evaluate(ctx context.Context, snap *store.Snapshot, req Request) (Response, error)
}

func (r Request) normalized() Request {
	if r.Page < 1 {
		r.Page = 1
	}
	if r.PageSize <= 0 {
		r.PageSize = DefaultPageSize
	}
	return r
}

// paginate slices the page selected by req out of all matches.
func paginate(all []*types.Entity, req Request) Response {
	resp := Response{Page: req.Page, PageSize: req.PageSize, TotalCount: len(all)}
	start := (req.Page - 1) * req.PageSize
	if start >= len(all) {
		resp.Items = []*types.Entity{}
		return resp
	}
	end := start + req.PageSize
	if end > len(all) {
		end = len(all)
	}
	resp.Items = all[start:end]
	return resp
}
