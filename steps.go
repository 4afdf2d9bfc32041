package flowtx

import (
	"context"
	"errors"
	"fmt"

	"github.com/petrijr/flowtx/pkg/api"
)

// TypedStep wraps a strongly-typed function into a StepFunc. A nil input is
// passed as the zero value of I.
//
//	flowtx.TypedStep(func(ctx context.Context, o Order) (Receipt, error) { ... })
func TypedStep[I, O any](fn func(context.Context, I) (O, error)) StepFunc {
	return func(ctx context.Context, input any) (any, error) {
		var in I
		if input != nil {
			v, ok := input.(I)
			if !ok {
				return nil, fmt.Errorf("flowtx: expected input of type %T, got %T", in, input)
			}
			in = v
		}
		return fn(ctx, in)
	}
}

// ValueStep returns a step that ignores its input and records v.
func ValueStep(v any) StepFunc {
	return func(ctx context.Context, input any) (any, error) {
		return v, nil
	}
}

// ErrNoEngine is returned by SubWorkflowStep when it runs outside an engine.
var ErrNoEngine = errors.New("flowtx: no engine in context")

// SubWorkflowStep runs the registered workflow name on the current engine,
// inside the caller's transaction. When the sub-run fails only its own
// savepoint is rolled back and the error fails the calling step.
//
// A sub-run that completes hands its rollback handlers to the calling step:
// they run, in reverse order, if a later step of the caller fails.
//
// The input selects the sub-run's actor and params: a *Context passes both
// through, Params (or map[string]any) become the params, anything else runs
// with no params. The step records the sub-run's step results.
func SubWorkflowStep(name string) StepFunc {
	return func(ctx context.Context, input any) (any, error) {
		eng, ok := api.EngineFromContext(ctx)
		if !ok {
			return nil, ErrNoEngine
		}

		var (
			actor  any
			params Params
		)
		switch v := input.(type) {
		case *api.Context:
			actor, params = v.Actor(), v.Params()
		case api.Params:
			params = v
		case map[string]any:
			params = v
		}

		res, err := eng.Run(ctx, name, actor, params)
		if err != nil {
			return nil, err
		}
		return res.Context.Map(), nil
	}
}
