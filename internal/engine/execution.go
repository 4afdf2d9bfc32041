package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/petrijr/flowtx/pkg/api"
)

// execution is the state of one run. It is owned by a single goroutine.
type execution struct {
	e   *engineImpl
	def api.WorkflowDefinition
	run api.RunInfo
	obs api.Observer

	wc     *api.Context
	ledger api.Ledger

	// steps indexes the plan's steps by name for the rollback walk.
	steps map[string]*api.StepDefinition

	// parent is the run whose step started this one, if any.
	parent *execution

	// nested holds, per step, the compensations of sub-runs that completed
	// during the step's successful attempt.
	nested map[string][]compensation

	// pending collects compensations handed over by sub-runs during the
	// current attempt. Sub-runs may be started from other goroutines.
	mu      sync.Mutex
	pending []compensation

	// abandoned holds rollback failures of attempts that were retried or
	// swallowed.
	abandoned []*api.RollbackError
}

// compensation is a rollback handler owed by a completed step, together
// with the run it belongs to.
type compensation struct {
	run  api.RunInfo
	obs  api.Observer
	step string
	fn   api.RollbackFunc
	wc   *api.Context
}

// savepointError is a failure of the savepoint wrapping a step attempt. The
// run's transaction can no longer be trusted, so the step fails even when
// it is optional or has retries left.
type savepointError struct {
	tx    *api.TransactionError
	cause error
}

func (e *savepointError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%v (after: %v)", e.tx, e.cause)
	}
	return e.tx.Error()
}

func (e *savepointError) Unwrap() []error {
	if e.cause != nil {
		return []error{e.tx, e.cause}
	}
	return []error{e.tx}
}

type executionKey struct{}

func withExecution(ctx context.Context, x *execution) context.Context {
	return context.WithValue(ctx, executionKey{}, x)
}

func executionFrom(ctx context.Context) (*execution, bool) {
	x, ok := ctx.Value(executionKey{}).(*execution)
	return x, ok
}

// failure is a failed walk: the class, the step (or branch label) where the
// walk stopped, and the cause.
type failure struct {
	class api.ErrorClass
	at    string
	err   error
}

func newExecution(e *engineImpl, def api.WorkflowDefinition, run api.RunInfo, wc *api.Context, obs api.Observer) *execution {
	steps := make(map[string]*api.StepDefinition)
	for _, s := range def.Steps() {
		steps[s.Name] = s
	}
	return &execution{
		e:      e,
		def:    def,
		run:    run,
		obs:    obs,
		wc:     wc,
		steps:  steps,
		nested: make(map[string][]compensation),
	}
}

func (x *execution) execute(ctx context.Context) *api.ExecutionResult {
	x.parent, _ = executionFrom(ctx)
	x.obs.OnExecutionStarted(ctx, x.run)

	txCtx, tx, err := x.e.transactor.Begin(ctx)
	if err != nil {
		return x.failed(ctx, &failure{
			class: api.ClassTransaction,
			err:   &api.TransactionError{Op: "begin", Err: err},
		}, nil, nil)
	}

	stepCtx := withExecution(api.WithRun(api.WithEngine(txCtx, x.e), x.run), x)
	f := x.walk(stepCtx, x.def.Nodes)
	if f == nil {
		err := tx.Commit()
		if err == nil {
			// The enclosing step now owns this run's compensations.
			if x.parent != nil {
				x.parent.adopt(x.compensations())
			}
			return x.completed(ctx)
		}
		f = &failure{
			class: api.ClassTransaction,
			err:   &api.TransactionError{Op: "commit", Err: err},
		}
	}

	// Compensations run first, while the store transaction is still open,
	// then the store itself is rolled back.
	rbErrs := x.rollback(context.WithoutCancel(stepCtx))

	var txErr error
	if err := tx.Rollback(); err != nil {
		txErr = &api.TransactionError{Op: "rollback", Err: err}
		x.e.logger.ErrorContext(ctx, "transaction rollback failed",
			slog.String("workflow", x.run.Workflow),
			slog.String("run_id", x.run.ID),
			slog.Any("error", err),
		)
	}
	return x.failed(ctx, f, rbErrs, txErr)
}

func (x *execution) result() *api.ExecutionResult {
	return &api.ExecutionResult{
		RunID:     x.run.ID,
		Workflow:  x.run.Workflow,
		Context:   x.wc.Snapshot(),
		Ledger:    x.ledger.Clone(),
		StartedAt: x.run.StartedAt,
		Duration:  x.e.now().Sub(x.run.StartedAt),
	}
}

func (x *execution) completed(ctx context.Context) *api.ExecutionResult {
	res := x.result()
	res.Success = true
	x.obs.OnExecutionCompleted(ctx, res)
	return res
}

func (x *execution) failed(ctx context.Context, f *failure, rbErrs []*api.RollbackError, txErr error) *api.ExecutionResult {
	res := x.result()
	res.Err = &api.ExecutionError{
		Workflow:       x.run.Workflow,
		RunID:          x.run.ID,
		Class:          f.class,
		FailingStep:    f.at,
		Err:            f.err,
		Ledger:         res.Ledger,
		Context:        res.Context,
		RollbackErrors: append(x.abandoned, rbErrs...),
		TransactionErr: txErr,
	}
	x.obs.OnExecutionFailed(ctx, res, res.Err)
	return res
}

func (x *execution) walk(ctx context.Context, nodes []api.Node) *failure {
	for _, n := range nodes {
		var f *failure
		switch node := n.(type) {
		case *api.StepDefinition:
			f = x.step(ctx, node)
		case *api.BranchNode:
			f = x.branch(ctx, node)
		default:
			f = &failure{
				class: api.ClassConfiguration,
				err:   &api.ConfigError{Workflow: x.run.Workflow, Err: fmt.Errorf("%w: unsupported plan node %T", api.ErrInvalidDefinition, n)},
			}
		}
		if f != nil {
			return f
		}
	}
	return nil
}

func (x *execution) step(ctx context.Context, s *api.StepDefinition) *failure {
	if s.Guard != nil {
		ok, err := evalPredicate(s.Guard, x.wc.Snapshot())
		if err != nil {
			return &failure{class: api.ClassStep, at: s.Name, err: &api.StepError{Step: s.Name, Err: fmt.Errorf("guard: %w", err)}}
		}
		if !ok {
			x.obs.OnStepSkipped(ctx, x.run, s.Name)
			return nil
		}
	}

	input, err := mapInput(s.Input, x.wc.Snapshot())
	if err != nil {
		return &failure{class: api.ClassStep, at: s.Name, err: &api.StepError{Step: s.Name, Err: fmt.Errorf("input: %w", err)}}
	}

	out, attempts, err := x.invoke(ctx, s, input)
	swallowed := false
	if err != nil {
		stepErr := &api.StepError{Step: s.Name, Attempts: attempts, Err: err}
		if _, ok := err.(*savepointError); ok {
			return &failure{class: api.ClassTransaction, at: s.Name, err: stepErr}
		}
		if !s.Optional {
			return &failure{class: api.ClassStep, at: s.Name, err: stepErr}
		}
		x.e.logger.WarnContext(ctx, "optional step failed",
			slog.String("workflow", x.run.Workflow),
			slog.String("run_id", x.run.ID),
			slog.String("step", s.Name),
			slog.Any("error", err),
		)
		out, swallowed = nil, true
	}

	if err := x.wc.Put(s.Name, out); err != nil {
		return &failure{class: api.ClassConfiguration, at: s.Name, err: &api.ConfigError{Workflow: x.run.Workflow, Node: s.Name, Err: err}}
	}
	x.ledger.AppendStep(s.Name, x.wc.Len(), swallowed)
	return nil
}

// invoke calls the step function, retrying per its policy. It returns the
// number of attempts made. Every attempt runs in its own savepoint, so a
// failed attempt leaves nothing behind in the run's transaction.
func (x *execution) invoke(ctx context.Context, s *api.StepDefinition, input any) (any, int, error) {
	maxAttempts := 1
	var (
		backoff    time.Duration
		maxBackoff time.Duration
		multiplier float64
	)
	if s.Retry != nil {
		if s.Retry.MaxAttempts > 0 {
			maxAttempts = s.Retry.MaxAttempts
		}
		backoff = s.Retry.InitialBackoff
		maxBackoff = s.Retry.MaxBackoff
		multiplier = s.Retry.BackoffMultiplier
		if multiplier <= 0 {
			multiplier = 2.0
		}
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		// A cancelled run fails like any other step.
		if err := ctx.Err(); err != nil {
			return nil, attempt - 1, err
		}

		out, err := x.attempt(ctx, s, input)
		if err == nil {
			return out, attempt, nil
		}
		if _, ok := err.(*savepointError); ok {
			return nil, attempt, err
		}
		lastErr = err

		if attempt == maxAttempts {
			break
		}
		if backoff > 0 {
			delay := backoff
			if maxBackoff > 0 && delay > maxBackoff {
				delay = maxBackoff
			}
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, attempt, ctx.Err()
			case <-timer.C:
			}

			next := time.Duration(float64(backoff) * multiplier)
			if maxBackoff > 0 && next > maxBackoff {
				next = maxBackoff
			}
			backoff = next
		}
	}
	return nil, maxAttempts, lastErr
}

// attempt runs one call of the step inside a savepoint. A failed attempt is
// undone before invoke retries or swallows it: compensations of sub-runs
// completed during the attempt run first, then the savepoint is rolled back.
func (x *execution) attempt(ctx context.Context, s *api.StepDefinition, input any) (any, error) {
	attemptCtx, tx, err := x.e.transactor.Begin(ctx)
	if err != nil {
		return nil, &savepointError{tx: &api.TransactionError{Op: "begin", Err: err}}
	}
	x.takePending()

	x.obs.OnStepStart(ctx, x.run, s.Name)
	start := time.Now()
	out, err := callStep(attemptCtx, s.Fn, input)
	if err == nil {
		if cerr := tx.Commit(); cerr != nil {
			err = &savepointError{tx: &api.TransactionError{Op: "commit", Err: cerr}}
		}
	}
	x.obs.OnStepCompleted(ctx, x.run, s.Name, err, time.Since(start))

	comps := x.takePending()
	if err == nil {
		if len(comps) > 0 {
			x.nested[s.Name] = comps
		}
		return out, nil
	}

	x.abandoned = append(x.abandoned, x.compensate(context.WithoutCancel(ctx), comps)...)
	if rerr := tx.Rollback(); rerr != nil {
		return nil, &savepointError{tx: &api.TransactionError{Op: "rollback", Err: rerr}, cause: err}
	}
	return nil, err
}

// adopt hands the compensations of a completed sub-run to the attempt that
// started it.
func (x *execution) adopt(comps []compensation) {
	if len(comps) == 0 {
		return
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	x.pending = append(x.pending, comps...)
}

func (x *execution) takePending() []compensation {
	x.mu.Lock()
	defer x.mu.Unlock()
	comps := x.pending
	x.pending = nil
	return comps
}

func (x *execution) branch(ctx context.Context, b *api.BranchNode) *failure {
	snap := x.wc.Snapshot()
	for i, arm := range b.Arms {
		ok, err := evalPredicate(arm.Condition, snap)
		if err != nil {
			label := api.ArmLabel(b.ID, i+1)
			return &failure{
				class: api.ClassConfiguration,
				at:    b.Label(),
				err:   &api.ConfigError{Workflow: x.run.Workflow, Node: label, Err: fmt.Errorf("condition: %w", err)},
			}
		}
		if ok {
			return x.take(ctx, b, i+1, arm.Nodes)
		}
	}
	if b.HasDefault || len(b.Default) > 0 {
		return x.take(ctx, b, 0, b.Default)
	}
	return &failure{
		class: api.ClassConfiguration,
		at:    b.Label(),
		err:   &api.ConfigError{Workflow: x.run.Workflow, Node: b.Label(), Err: api.ErrNoMatchingBranch},
	}
}

func (x *execution) take(ctx context.Context, b *api.BranchNode, arm int, nodes []api.Node) *failure {
	x.ledger.AppendBranch(b.ID, arm)
	x.obs.OnBranchTaken(ctx, x.run, api.ArmLabel(b.ID, arm))
	return x.walk(ctx, nodes)
}

// compensations lists the rollback handlers owed by the steps that
// completed, in the order they must run: ledger order reversed, each step's
// own handler before those of the sub-runs it started.
func (x *execution) compensations() []compensation {
	var comps []compensation
	entries := x.ledger.Entries()
	for i := len(entries) - 1; i >= 0; i-- {
		entry := entries[i]
		if entry.Kind != api.EntryStep || entry.Swallowed {
			continue
		}
		if s := x.steps[entry.Step]; s != nil && s.Rollback != nil {
			comps = append(comps, compensation{
				run:  x.run,
				obs:  x.obs,
				step: s.Name,
				fn:   s.Rollback,
				wc:   x.wc.AsOf(entry.ContextLen),
			})
		}
		comps = append(comps, x.nested[entry.Step]...)
	}
	return comps
}

// rollback invokes the compensations of every completed step. Handler
// failures are collected, never returned as the run's error.
func (x *execution) rollback(ctx context.Context) []*api.RollbackError {
	return x.compensate(ctx, x.compensations())
}

func (x *execution) compensate(ctx context.Context, comps []compensation) []*api.RollbackError {
	var errs []*api.RollbackError
	for _, c := range comps {
		err := callRollback(ctx, c.fn, c.wc)
		c.obs.OnRollback(ctx, c.run, c.step, err)
		if err != nil {
			x.e.logger.ErrorContext(ctx, "rollback handler failed",
				slog.String("workflow", c.run.Workflow),
				slog.String("run_id", c.run.ID),
				slog.String("step", c.step),
				slog.Any("error", err),
			)
			errs = append(errs, &api.RollbackError{Step: c.step, Err: err})
		}
	}
	return errs
}

func callStep(ctx context.Context, fn api.StepFunc, input any) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, &api.PanicError{Value: r}
		}
	}()
	return fn(ctx, input)
}

func callRollback(ctx context.Context, fn api.RollbackFunc, wc *api.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &api.PanicError{Value: r}
		}
	}()
	return fn(ctx, wc)
}

func evalPredicate(p api.Predicate, wc *api.Context) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			ok, err = false, &api.PanicError{Value: r}
		}
	}()
	return p(wc), nil
}

// mapInput applies m, or passes the Context itself when m is nil.
// Expression mappers signal evaluation failures by panicking with an
// *api.EvalError.
func mapInput(m api.InputMapper, wc *api.Context) (in any, err error) {
	if m == nil {
		return wc, nil
	}
	defer func() {
		if r := recover(); r != nil {
			if ee, ok := r.(*api.EvalError); ok {
				in, err = nil, ee
				return
			}
			in, err = nil, &api.PanicError{Value: r}
		}
	}()
	return m(wc), nil
}
