package query

import (
	"context"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/kartikbazzad/bunbase/buncat/internal/errors"
	"github.com/kartikbazzad/bunbase/buncat/internal/store"
	"github.com/kartikbazzad/bunbase/buncat/internal/types"
)

// CELEvaluator filters entities with CEL expressions. Compiled programs are
// cached by expression text.
type CELEvaluator struct {
	env      *cel.Env
	programs sync.Map // map[string]cel.Program
}

func NewCELEvaluator() (*CELEvaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("entity", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("pk", cel.IntType),
		cel.Variable("version", cel.IntType),
		cel.CrossTypeNumericComparisons(true),
	)
	if err != nil {
		return nil, errors.Wrap(err, "cel environment")
	}
	return &CELEvaluator{env: env}, nil
}

// Compile checks expression and caches its program.
func (e *CELEvaluator) Compile(expression string) (cel.Program, error) {
	if v, ok := e.programs.Load(expression); ok {
		return v.(cel.Program), nil
	}
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, errors.Wrapf(errors.ErrInvalidQuery, "compile %q: %s", expression, issues.Err())
	}
	if ast.OutputType() != cel.BoolType && ast.OutputType() != cel.DynType {
		return nil, errors.Wrapf(errors.ErrInvalidQuery, "%q must be boolean, is %s", expression, ast.OutputType())
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrInvalidQuery, "program %q: %v", expression, err)
	}
	e.programs.Store(expression, prg)
	return prg, nil
}

// Match reports whether entity satisfies the compiled filter. Evaluation
// errors, such as a missing attribute, count as no match.
func Match(prg cel.Program, entity *types.Entity) bool {
	out, _, err := prg.Eval(map[string]any{
		"entity":  entity.Attributes,
		"pk":      entity.PrimaryKey,
		"version": int64(entity.Version),
	})
	if err != nil {
		return false
	}
	b, ok := out.Value().(bool)
	return ok && b
}

func (e *CELEvaluator) Evaluate(ctx context.Context, snap *store.Snapshot, req Request) (Response, error) {
	req = req.normalized()
	c, ok := snap.Collection(req.EntityType)
	if !ok {
		return Response{}, errors.Wrapf(errors.ErrCollectionNotFound, "%s", req.EntityType)
	}

	var prg cel.Program
	if req.Filter != "" {
		var err error
		if prg, err = e.Compile(req.Filter); err != nil {
			return Response{}, err
		}
	}

	all := c.Entities()
	matches := all[:0:0]
	for i, ent := range all {
		if i%256 == 0 {
			if err := ctx.Err(); err != nil {
				return Response{}, err
			}
		}
		if prg == nil || Match(prg, ent) {
			matches = append(matches, ent)
		}
	}
	if req.OrderBy != "" {
		Sort(matches, req.OrderBy, req.Desc)
	} else if req.Desc {
		Sort(matches, "pk", true)
	}
	return paginate(matches, req), nil
}
