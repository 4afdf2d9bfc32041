package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/petrijr/flowtx/pkg/api"
)

func checkoutPlan(log *callLog) api.WorkflowDefinition {
	return plan("checkout",
		valueStep("a", "A", log),
		branch([]api.BranchArm{
			{Condition: paramAbove("total", 100), Nodes: []api.Node{valueStep("premium", "P", log)}},
		}, []api.Node{valueStep("standard", "S", log)}, true),
		valueStep("finalize", "F", log),
	)
}

func TestBranchOnArmMatches(t *testing.T) {
	eng := NewInMemoryEngine()
	res := mustExecute(t, eng, checkoutPlan(nil), api.Params{"total": 150.0})

	assertStrings(t, "steps_executed", res.StepsExecuted(), []string{"a", "premium", "finalize"})
	assertStrings(t, "branches_taken", res.BranchesTaken(), []string{"branch_1:on_1"})
}

func TestBranchOtherwiseTaken(t *testing.T) {
	eng := NewInMemoryEngine()
	res := mustExecute(t, eng, checkoutPlan(nil), api.Params{"total": 50.0})

	assertStrings(t, "steps_executed", res.StepsExecuted(), []string{"a", "standard", "finalize"})
	assertStrings(t, "branches_taken", res.BranchesTaken(), []string{"branch_1:otherwise"})
	if res.Context.Has("premium") {
		t.Fatalf("premium must not be in context")
	}
}

func TestRepeatedRunsProduceIdenticalLedgers(t *testing.T) {
	eng := NewInMemoryEngine()
	def := checkoutPlan(nil)

	first := mustExecute(t, eng, def, api.Params{"total": 150.0})
	for i := 0; i < 5; i++ {
		again := mustExecute(t, eng, def, api.Params{"total": 150.0})
		assertStrings(t, "steps_executed", again.StepsExecuted(), first.StepsExecuted())
		assertStrings(t, "branches_taken", again.BranchesTaken(), first.BranchesTaken())
		if again.RunID == first.RunID {
			t.Fatalf("expected a fresh run id per execution")
		}
	}
}

func TestContextAccumulatesResultsByName(t *testing.T) {
	eng := NewInMemoryEngine()

	def := plan("accumulate",
		&api.StepDefinition{
			Name: "double",
			Input: func(wc *api.Context) any {
				v, _ := api.Value[int](wc, "n")
				return v
			},
			Fn: func(ctx context.Context, input any) (any, error) {
				return input.(int) * 2, nil
			},
		},
		&api.StepDefinition{
			Name: "describe",
			Input: func(wc *api.Context) any {
				v, _ := wc.Result("double")
				return v
			},
			Fn: func(ctx context.Context, input any) (any, error) {
				if input.(int) != 42 {
					return nil, errors.New("unexpected input")
				}
				return "forty-two", nil
			},
		},
	)

	res := mustExecute(t, eng, def, api.Params{"n": 21})

	if got, _ := res.Context.Result("double"); got != 42 {
		t.Fatalf("double = %v, want 42", got)
	}
	if got, _ := res.Context.Result("describe"); got != "forty-two" {
		t.Fatalf("describe = %v", got)
	}
	assertStrings(t, "context keys", res.Context.Keys(), []string{"double", "describe"})
	if res.Context.Actor() != "tester" {
		t.Fatalf("actor = %v, want tester", res.Context.Actor())
	}
}

func TestFirstMatchingArmWins(t *testing.T) {
	eng := NewInMemoryEngine()
	log := &callLog{}

	secondEvaluated := false
	def := plan("first-match",
		branch([]api.BranchArm{
			{Condition: constant(true), Nodes: []api.Node{valueStep("s1", 1, log)}},
			{Condition: func(*api.Context) bool { secondEvaluated = true; return true }, Nodes: []api.Node{valueStep("s2", 2, log)}},
		}, []api.Node{valueStep("d", 3, log)}, true),
	)

	res := mustExecute(t, eng, def, nil)

	assertStrings(t, "steps_executed", res.StepsExecuted(), []string{"s1"})
	assertStrings(t, "branches_taken", res.BranchesTaken(), []string{"branch_1:on_1"})
	assertStrings(t, "calls", log.get(), []string{"s1"})
	if secondEvaluated {
		t.Fatalf("conditions after the first match must not be evaluated")
	}
}

func TestNestedBranchesHaveDistinctIDs(t *testing.T) {
	eng := NewInMemoryEngine()

	def := plan("nested",
		branch([]api.BranchArm{
			{Condition: constant(false), Nodes: []api.Node{valueStep("never", 0, nil)}},
			{Condition: constant(true), Nodes: []api.Node{
				valueStep("outer", 1, nil),
				branch(nil, []api.Node{valueStep("inner", 2, nil)}, true),
			}},
		}, nil, false),
		branch([]api.BranchArm{
			{Condition: constant(true), Nodes: []api.Node{valueStep("sibling", 3, nil)}},
		}, nil, false),
	)

	res := mustExecute(t, eng, def, nil)

	assertStrings(t, "steps_executed", res.StepsExecuted(), []string{"outer", "inner", "sibling"})
	assertStrings(t, "branches_taken", res.BranchesTaken(), []string{"branch_1:on_2", "branch_2:otherwise", "branch_3:on_1"})
}

func TestNoMatchingBranchIsConfigurationFailure(t *testing.T) {
	eng := NewInMemoryEngine()
	log := &callLog{}

	def := plan("no-match",
		valueStep("before", "x", log),
		branch([]api.BranchArm{
			{Condition: constant(false), Nodes: []api.Node{valueStep("arm", 1, log)}},
		}, nil, false),
	)

	res, ee := executeFailure(t, eng, def, nil)

	if ee.Class != api.ClassConfiguration {
		t.Fatalf("class = %q, want configuration", ee.Class)
	}
	if !errors.Is(ee, api.ErrNoMatchingBranch) {
		t.Fatalf("expected ErrNoMatchingBranch, got %v", ee)
	}
	if !api.IsConfigError(ee) {
		t.Fatalf("expected a ConfigError in the chain")
	}
	if ee.FailingStep != "branch_1" {
		t.Fatalf("failing step = %q, want branch_1", ee.FailingStep)
	}
	assertStrings(t, "calls", log.get(), []string{"before"})
	assertStrings(t, "context keys", res.Context.Keys(), []string{"before"})
	assertStrings(t, "branches_taken", res.BranchesTaken(), nil)
}

func TestBranchWithoutArmsOrDefaultFails(t *testing.T) {
	eng := NewInMemoryEngine()
	log := &callLog{}

	def := plan("empty-branch",
		branch(nil, nil, false),
		valueStep("after", 1, log),
	)
	res, ee := executeFailure(t, eng, def, nil)

	if ee.Class != api.ClassConfiguration || !errors.Is(ee, api.ErrNoMatchingBranch) {
		t.Fatalf("unexpected failure: %v", ee)
	}
	if ee.FailingStep != "branch_1" {
		t.Fatalf("failing step = %q, want branch_1", ee.FailingStep)
	}
	assertStrings(t, "calls", log.get(), nil)
	assertStrings(t, "branches_taken", res.BranchesTaken(), nil)
}

func TestRollbackRunsInReverseOrder(t *testing.T) {
	eng := NewInMemoryEngine()
	log := &callLog{}
	boom := errors.New("boom")

	def := plan("reverse",
		withRollback(valueStep("A", 1, log), log),
		withRollback(valueStep("B", 2, log), log),
		withRollback(failingStep("C", boom, log), log),
	)

	_, ee := executeFailure(t, eng, def, nil)

	assertStrings(t, "calls", log.get(), []string{"A", "B", "C", "rollback:B", "rollback:A"})
	if ee.FailingStep != "C" || ee.Class != api.ClassStep {
		t.Fatalf("unexpected failure: step=%q class=%q", ee.FailingStep, ee.Class)
	}
	if !errors.Is(ee, boom) {
		t.Fatalf("original error not preserved: %v", ee)
	}
	var se *api.StepError
	if !errors.As(ee, &se) || se.Step != "C" {
		t.Fatalf("expected StepError for C, got %v", ee)
	}
	assertStrings(t, "partial ledger", ee.Ledger.StepsExecuted(), []string{"A", "B"})
	if len(ee.RollbackErrors) != 0 {
		t.Fatalf("unexpected rollback errors: %v", ee.RollbackErrors)
	}
}

func TestRollbackSkipsStepsThatDidNotRun(t *testing.T) {
	eng := NewInMemoryEngine()
	log := &callLog{}

	skipped := withRollback(valueStep("skipped", 0, log), log)
	skipped.Guard = constant(false)

	def := plan("not-run",
		withRollback(valueStep("first", 1, log), log),
		skipped,
		branch([]api.BranchArm{
			{Condition: constant(false), Nodes: []api.Node{withRollback(valueStep("untaken", 2, log), log)}},
		}, []api.Node{withRollback(valueStep("taken", 3, log), log)}, true),
		failingStep("last", errors.New("fail"), log),
	)

	executeFailure(t, eng, def, nil)

	assertStrings(t, "calls", log.get(), []string{"first", "taken", "last", "rollback:taken", "rollback:first"})
}

func TestRollbackErrorsAreCollectedAndDoNotMaskFailure(t *testing.T) {
	eng := NewInMemoryEngine()
	log := &callLog{}
	original := errors.New("charge declined")

	broken := valueStep("reserve", 2, log)
	broken.Rollback = func(ctx context.Context, wc *api.Context) error {
		log.add("rollback:reserve")
		return errors.New("release failed")
	}
	panicking := valueStep("notify", 3, log)
	panicking.Rollback = func(ctx context.Context, wc *api.Context) error {
		panic("rollback exploded")
	}

	def := plan("rollback-errors",
		withRollback(valueStep("create", 1, log), log),
		broken,
		panicking,
		failingStep("charge", original, log),
	)

	_, ee := executeFailure(t, eng, def, nil)

	if !errors.Is(ee, original) {
		t.Fatalf("original error masked: %v", ee)
	}
	if len(ee.RollbackErrors) != 2 {
		t.Fatalf("expected 2 rollback errors, got %v", ee.RollbackErrors)
	}
	if ee.RollbackErrors[0].Step != "notify" || ee.RollbackErrors[1].Step != "reserve" {
		t.Fatalf("rollback errors out of order: %v", ee.RollbackErrors)
	}
	var pe *api.PanicError
	if !errors.As(ee.RollbackErrors[0], &pe) {
		t.Fatalf("expected recovered panic, got %v", ee.RollbackErrors[0])
	}
	assertStrings(t, "calls", log.get(), []string{"create", "reserve", "notify", "charge", "rollback:reserve", "rollback:create"})
}

func TestRollbackSeesContextAsOfItsOwnStep(t *testing.T) {
	eng := NewInMemoryEngine()

	var seen []string
	var putErr error
	first := valueStep("first", 1, nil)
	first.Rollback = func(ctx context.Context, wc *api.Context) error {
		seen = wc.Keys()
		putErr = wc.Put("extra", true)
		return nil
	}

	def := plan("as-of",
		first,
		valueStep("second", 2, nil),
		failingStep("third", errors.New("fail"), nil),
	)

	executeFailure(t, eng, def, nil)

	assertStrings(t, "rollback context", seen, []string{"first"})
	if !errors.Is(putErr, api.ErrContextFrozen) {
		t.Fatalf("rollback context must be read-only, Put returned %v", putErr)
	}
}

func TestGuardFalseSkipsStep(t *testing.T) {
	eng := NewInMemoryEngine()

	mapperCalled := false
	a := valueStep("A", "a", nil)
	a.Guard = constant(false)
	a.Input = func(wc *api.Context) any {
		mapperCalled = true
		return nil
	}

	res := mustExecute(t, eng, plan("guarded", a), nil)

	assertStrings(t, "steps_executed", res.StepsExecuted(), nil)
	if res.Context.Has("A") {
		t.Fatalf("skipped step must not be in context")
	}
	if mapperCalled {
		t.Fatalf("input mapper must only run when the guard passes")
	}
}

func TestOptionalFailureIsSwallowed(t *testing.T) {
	eng := NewInMemoryEngine()
	log := &callLog{}

	opt := withRollback(failingStep("optional", errors.New("smtp down"), log), log)
	opt.Optional = true

	def := plan("optional", opt, valueStep("B", "b", log))
	res := mustExecute(t, eng, def, nil)

	assertStrings(t, "steps_executed", res.StepsExecuted(), []string{"optional", "B"})
	v, ok := res.Context.Result("optional")
	if !ok || v != nil {
		t.Fatalf("expected nil result recorded for optional step, got %v (present=%v)", v, ok)
	}
}

func TestSwallowedOptionalStepIsNeverRolledBack(t *testing.T) {
	eng := NewInMemoryEngine()
	log := &callLog{}

	opt := withRollback(failingStep("optional", errors.New("soft"), log), log)
	opt.Optional = true

	def := plan("optional-rollback",
		withRollback(valueStep("A", 1, log), log),
		opt,
		failingStep("hard", errors.New("hard"), log),
	)

	executeFailure(t, eng, def, nil)
	assertStrings(t, "calls", log.get(), []string{"A", "optional", "hard", "rollback:A"})
}

func TestIdentityInputIsReadOnlyContext(t *testing.T) {
	eng := NewInMemoryEngine()

	var putErr error
	def := plan("identity",
		valueStep("first", 1, nil),
		&api.StepDefinition{
			Name: "inspect",
			Fn: func(ctx context.Context, input any) (any, error) {
				wc, ok := input.(*api.Context)
				if !ok {
					return nil, errors.New("expected *api.Context input")
				}
				putErr = wc.Put("sneaky", 1)
				v, _ := wc.Result("first")
				return v, nil
			},
		},
	)

	res := mustExecute(t, eng, def, nil)
	if !errors.Is(putErr, api.ErrContextFrozen) {
		t.Fatalf("expected ErrContextFrozen, got %v", putErr)
	}
	if got, _ := res.Context.Result("inspect"); got != 1 {
		t.Fatalf("inspect = %v, want 1", got)
	}
}

// Run with -race: a step may hand its input snapshot to a goroutine that
// keeps reading while later steps record their results.
func TestInputSnapshotReadableWhileRunContinues(t *testing.T) {
	eng := NewInMemoryEngine()

	var wg sync.WaitGroup
	stop := make(chan struct{})
	nodes := []api.Node{
		&api.StepDefinition{
			Name: "a",
			Fn: func(ctx context.Context, input any) (any, error) {
				wc := input.(*api.Context)
				wg.Add(1)
				go func() {
					defer wg.Done()
					for {
						select {
						case <-stop:
							return
						default:
							_ = wc.Has("b")
							_, _ = wc.Get("s10")
						}
					}
				}()
				return "A", nil
			},
		},
	}
	for i := 0; i < 50; i++ {
		nodes = append(nodes, valueStep(fmt.Sprintf("s%d", i), i, nil))
	}

	res := mustExecute(t, eng, plan("snapshot-race", nodes...), nil)
	close(stop)
	wg.Wait()

	if res.Context.Len() != 51 {
		t.Fatalf("context len = %d, want 51", res.Context.Len())
	}
}

func TestExprInputEvaluationErrorFailsStep(t *testing.T) {
	eng := NewInMemoryEngine()
	log := &callLog{}

	m, err := api.ExprInput("order.total.amount()")
	if err != nil {
		t.Fatalf("ExprInput failed: %v", err)
	}
	charge := valueStep("charge", 1, log)
	charge.Input = m

	_, ee := executeFailure(t, eng, plan("bad-input", charge), api.Params{"order": 5})

	if ee.Class != api.ClassStep || ee.FailingStep != "charge" {
		t.Fatalf("unexpected failure: class=%q step=%q", ee.Class, ee.FailingStep)
	}
	var evalErr *api.EvalError
	if !errors.As(ee, &evalErr) {
		t.Fatalf("expected *api.EvalError, got %v", ee)
	}
	assertStrings(t, "calls", log.get(), nil)
}

func TestEmptyPlanSucceeds(t *testing.T) {
	eng := NewInMemoryEngine()
	res := mustExecute(t, eng, plan("empty"), api.Params{"x": 1})

	if res.Context.Len() != 0 || res.Ledger.Len() != 0 {
		t.Fatalf("expected empty context and ledger")
	}
}

func TestPanickingStepIsStepFailure(t *testing.T) {
	eng := NewInMemoryEngine()
	log := &callLog{}

	def := plan("panic",
		withRollback(valueStep("A", 1, log), log),
		&api.StepDefinition{
			Name: "explode",
			Fn: func(ctx context.Context, input any) (any, error) {
				panic("kaboom")
			},
		},
	)

	_, ee := executeFailure(t, eng, def, nil)
	var pe *api.PanicError
	if !errors.As(ee, &pe) || pe.Value != "kaboom" {
		t.Fatalf("expected PanicError, got %v", ee)
	}
	assertStrings(t, "calls", log.get(), []string{"A", "rollback:A"})
}

func TestCancellationIsStepFailure(t *testing.T) {
	eng := NewInMemoryEngine()
	log := &callLog{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	def := plan("cancel",
		&api.StepDefinition{
			Name: "A",
			Fn: func(ctx context.Context, input any) (any, error) {
				log.add("A")
				cancel()
				return 1, nil
			},
			Rollback: func(ctx context.Context, wc *api.Context) error {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				log.add("rollback:A")
				return nil
			},
		},
		valueStep("B", 2, log),
	)

	res, err := eng.Execute(ctx, def, nil, nil)
	if err == nil || res.Success {
		t.Fatalf("expected cancelled run to fail")
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if api.ClassOf(err) != api.ClassStep {
		t.Fatalf("class = %q, want step_execution", api.ClassOf(err))
	}
	if res.Err.FailingStep != "B" {
		t.Fatalf("failing step = %q, want B", res.Err.FailingStep)
	}
	assertStrings(t, "calls", log.get(), []string{"A", "rollback:A"})
}

func TestGuardPanicFailsStep(t *testing.T) {
	eng := NewInMemoryEngine()

	s := valueStep("guarded", 1, nil)
	s.Guard = func(wc *api.Context) bool { panic("bad guard") }

	_, ee := executeFailure(t, eng, plan("guard-panic", s), nil)
	if ee.FailingStep != "guarded" || ee.Class != api.ClassStep {
		t.Fatalf("unexpected failure %+v", ee)
	}
}

func TestConditionPanicIsConfigurationFailure(t *testing.T) {
	eng := NewInMemoryEngine()

	def := plan("condition-panic",
		branch([]api.BranchArm{
			{Condition: func(*api.Context) bool { panic("bad condition") }, Nodes: []api.Node{valueStep("x", 1, nil)}},
		}, nil, false),
	)

	_, ee := executeFailure(t, eng, def, nil)
	if ee.Class != api.ClassConfiguration || ee.FailingStep != "branch_1" {
		t.Fatalf("unexpected failure %+v", ee)
	}
}

func TestStepsReachEngineAndRunThroughContext(t *testing.T) {
	eng := NewInMemoryEngine()

	var gotEngine api.Engine
	var gotRun api.RunInfo
	def := plan("ctx-values", &api.StepDefinition{
		Name: "peek",
		Fn: func(ctx context.Context, input any) (any, error) {
			gotEngine, _ = api.EngineFromContext(ctx)
			gotRun, _ = api.RunFromContext(ctx)
			return nil, nil
		},
	})

	res := mustExecute(t, eng, def, nil)
	if gotEngine != eng {
		t.Fatalf("step context does not carry the engine")
	}
	if gotRun.ID != res.RunID || gotRun.Workflow != "ctx-values" {
		t.Fatalf("step context run = %+v, result run id %q", gotRun, res.RunID)
	}
}
