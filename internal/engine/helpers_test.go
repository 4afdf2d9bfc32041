package engine

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"

	"github.com/petrijr/flowtx/pkg/api"
)

// callLog records the order in which steps and rollback handlers ran.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(s string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, s)
}

func (l *callLog) get() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.calls))
	copy(out, l.calls)
	return out
}

func valueStep(name string, v any, log *callLog) *api.StepDefinition {
	return &api.StepDefinition{
		Name: name,
		Fn: func(ctx context.Context, input any) (any, error) {
			if log != nil {
				log.add(name)
			}
			return v, nil
		},
	}
}

func failingStep(name string, err error, log *callLog) *api.StepDefinition {
	return &api.StepDefinition{
		Name: name,
		Fn: func(ctx context.Context, input any) (any, error) {
			if log != nil {
				log.add(name)
			}
			return nil, err
		},
	}
}

func withRollback(s *api.StepDefinition, log *callLog) *api.StepDefinition {
	s.Rollback = func(ctx context.Context, wc *api.Context) error {
		log.add("rollback:" + s.Name)
		return nil
	}
	return s
}

func paramAbove(name string, limit float64) api.Predicate {
	return func(wc *api.Context) bool {
		v, ok := wc.Param(name)
		if !ok {
			return false
		}
		f, ok := v.(float64)
		return ok && f > limit
	}
}

func constant(b bool) api.Predicate {
	return func(*api.Context) bool { return b }
}

func branch(arms []api.BranchArm, def []api.Node, hasDefault bool) *api.BranchNode {
	return &api.BranchNode{Arms: arms, Default: def, HasDefault: hasDefault}
}

func plan(name string, nodes ...api.Node) api.WorkflowDefinition {
	api.NumberBranches(nodes)
	return api.WorkflowDefinition{Name: name, Nodes: nodes}
}

func mustExecute(t *testing.T, eng api.Engine, def api.WorkflowDefinition, params api.Params) *api.ExecutionResult {
	t.Helper()
	res, err := eng.Execute(context.Background(), def, "tester", params)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if res == nil || !res.Success {
		t.Fatalf("expected successful result, got %+v", res)
	}
	return res
}

func executeFailure(t *testing.T, eng api.Engine, def api.WorkflowDefinition, params api.Params) (*api.ExecutionResult, *api.ExecutionError) {
	t.Helper()
	res, err := eng.Execute(context.Background(), def, "tester", params)
	if err == nil {
		t.Fatalf("expected failure, got success: %+v", res)
	}
	if res == nil {
		t.Fatalf("expected a result for a failed run")
	}
	var ee *api.ExecutionError
	if !errors.As(err, &ee) {
		t.Fatalf("expected *api.ExecutionError, got %T: %v", err, err)
	}
	if res.Success || res.Err != ee {
		t.Fatalf("result does not carry the failure: %+v", res)
	}
	return res, ee
}

func assertStrings(t *testing.T, what string, got, want []string) {
	t.Helper()
	if len(got) == 0 && len(want) == 0 {
		return
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("%s = %v, want %v", what, got, want)
	}
}
