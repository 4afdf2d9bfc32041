package flowtx

import (
	"fmt"

	"github.com/petrijr/flowtx/pkg/api"
)

// FlowBuilder provides a fluent API for defining execution plans:
//
//	flow := flowtx.New("checkout").
//	    Step("create_order", createOrder, flowtx.WithRollback(cancelOrder)).
//	    Branch(func(b *flowtx.BranchBuilder) {
//	        b.On(flowtx.When("total > 100"), func(f *flowtx.FlowBuilder) {
//	            f.Step("premium_shipping", premium)
//	        })
//	        b.Otherwise(func(f *flowtx.FlowBuilder) {
//	            f.Step("standard_shipping", standard)
//	        })
//	    }).
//	    Step("notify", notify, flowtx.Optional())
//
//	if err := flow.Register(engine); err != nil {
//	    log.Fatal(err)
//	}
//
//	res, err := flowtx.Run(ctx, engine, flow.Name(), actor, params)
//
// Programming errors (empty names, nil functions) panic. Option errors, such
// as an expression that does not compile, are reported by Build.
type FlowBuilder struct {
	name  string
	nodes []api.Node
	err   error
}

// New creates a new workflow builder with the given name.
func New(name string) *FlowBuilder {
	return &FlowBuilder{name: name}
}

// Name returns the workflow name.
func (b *FlowBuilder) Name() string {
	return b.name
}

func (b *FlowBuilder) setErr(err error) {
	if b.err == nil {
		b.err = err
	}
}

// Step appends a step to the current sequence.
func (b *FlowBuilder) Step(name string, fn StepFunc, opts ...StepOption) *FlowBuilder {
	if name == "" {
		panic("flowtx: step name must not be empty")
	}
	if fn == nil {
		panic(fmt.Sprintf("flowtx: step %q has nil function", name))
	}

	s := &api.StepDefinition{Name: name, Fn: fn}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			b.setErr(fmt.Errorf("step %q: %w", name, err))
		}
	}
	b.nodes = append(b.nodes, s)
	return b
}

// StepWithRetry appends a step that uses the given retry policy.
func (b *FlowBuilder) StepWithRetry(name string, fn StepFunc, retry RetryPolicy, opts ...StepOption) *FlowBuilder {
	return b.Step(name, fn, append(opts, WithRetry(retry))...)
}

// Branch appends a branch node whose arms are declared by fn.
func (b *FlowBuilder) Branch(fn func(*BranchBuilder)) *FlowBuilder {
	bb := &BranchBuilder{parent: b, node: &api.BranchNode{}}
	fn(bb)
	b.nodes = append(b.nodes, bb.node)
	return b
}

// Build numbers the plan's branches and validates it.
func (b *FlowBuilder) Build() (WorkflowDefinition, error) {
	if b.err != nil {
		return WorkflowDefinition{}, &api.ConfigError{Workflow: b.name, Err: fmt.Errorf("%w: %v", api.ErrInvalidDefinition, b.err)}
	}
	nodes := make([]api.Node, len(b.nodes))
	copy(nodes, b.nodes)
	api.NumberBranches(nodes)

	def := WorkflowDefinition{Name: b.name, Nodes: nodes}
	if err := def.Validate(); err != nil {
		return WorkflowDefinition{}, err
	}
	return def, nil
}

// MustBuild is like Build but panics on error.
func (b *FlowBuilder) MustBuild() WorkflowDefinition {
	def, err := b.Build()
	if err != nil {
		panic(err)
	}
	return def
}

// Register builds the workflow and registers it with the given engine.
func (b *FlowBuilder) Register(eng Engine) error {
	def, err := b.Build()
	if err != nil {
		return err
	}
	return eng.RegisterWorkflow(def)
}

// MustRegister is like Register but panics on error.
// Useful for initialization in main().
func (b *FlowBuilder) MustRegister(eng Engine) {
	if err := b.Register(eng); err != nil {
		panic(err)
	}
}

// BranchBuilder declares the arms of a branch node. Arms are evaluated in
// declaration order and the first matching one runs.
type BranchBuilder struct {
	parent *FlowBuilder
	node   *api.BranchNode
}

// On adds an arm guarded by cond.
func (bb *BranchBuilder) On(cond Predicate, fn func(*FlowBuilder)) *BranchBuilder {
	if cond == nil {
		panic("flowtx: branch condition must not be nil")
	}
	bb.node.Arms = append(bb.node.Arms, api.BranchArm{
		Condition: cond,
		Nodes:     bb.sequence(fn),
	})
	return bb
}

// OnExpr adds an arm guarded by an expression, see When.
func (bb *BranchBuilder) OnExpr(source string, fn func(*FlowBuilder)) *BranchBuilder {
	cond, err := api.Expr(source)
	if err != nil {
		bb.parent.setErr(err)
		cond = func(*api.Context) bool { return false }
	}
	return bb.On(cond, fn)
}

// Otherwise sets the default sequence, taken when no arm matches. Without
// it, a run where no arm matches fails with ErrNoMatchingBranch.
func (bb *BranchBuilder) Otherwise(fn func(*FlowBuilder)) *BranchBuilder {
	bb.node.Default = bb.sequence(fn)
	bb.node.HasDefault = true
	return bb
}

func (bb *BranchBuilder) sequence(fn func(*FlowBuilder)) []api.Node {
	sub := &FlowBuilder{name: bb.parent.name}
	if fn != nil {
		fn(sub)
	}
	if sub.err != nil {
		bb.parent.setErr(sub.err)
	}
	return sub.nodes
}

// When compiles an expression condition and panics if it does not compile.
// See api.Expr for the evaluation environment.
func When(source string) Predicate {
	return api.MustExpr(source)
}
