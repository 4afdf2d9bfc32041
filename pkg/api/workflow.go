package api

import (
	"context"
	"fmt"
	"strconv"
	"time"
)

// Status represents the outcome of a workflow run.
type Status string

const (
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// StepFunc is a single unit of work in a workflow. input is whatever the
// step's InputMapper produced (or the *Context itself when no mapper is set).
// The returned value is recorded in the Context under the step name.
type StepFunc func(ctx context.Context, input any) (any, error)

// InputMapper derives a step's input from the Context accumulated so far.
type InputMapper func(wc *Context) any

// Predicate is a guard or branch condition evaluated against the Context.
type Predicate func(wc *Context) bool

// RollbackFunc compensates for the side effects of a step that completed
// successfully before a later step failed. wc is the Context as it stood
// right after the step itself completed.
type RollbackFunc func(ctx context.Context, wc *Context) error

// Node is an element of an execution plan: either a *StepDefinition or a
// *BranchNode.
type Node interface {
	planNode()
}

// StepDefinition describes a named step.
type StepDefinition struct {
	Name string
	Fn   StepFunc

	// Input maps the Context to the step input. It is only evaluated when
	// the guard passes.
	Input InputMapper

	// Guard, when set and false, skips the step entirely: no Context entry
	// and no ledger entry.
	Guard Predicate

	Rollback RollbackFunc

	// Optional steps have their failures logged and swallowed; a nil result
	// is recorded and the run continues.
	Optional bool

	Retry *RetryPolicy
}

func (*StepDefinition) planNode() {}

// BranchArm is one (condition, sequence) pair of a BranchNode.
type BranchArm struct {
	Condition Predicate
	Nodes     []Node
}

// BranchNode selects exactly one nested sequence per evaluation: the first
// arm whose condition holds, otherwise the default sequence.
type BranchNode struct {
	// ID is assigned at plan construction time (1-based, pre-order over the
	// whole plan) and is stable across runs of the same plan.
	ID int

	Arms []BranchArm

	Default    []Node
	HasDefault bool
}

func (*BranchNode) planNode() {}

// Label returns the branch identifier used in ledgers, e.g. "branch_2".
func (b *BranchNode) Label() string {
	return "branch_" + strconv.Itoa(b.ID)
}

// WorkflowDefinition is an immutable execution plan: a named, ordered tree of
// steps and branch nodes.
type WorkflowDefinition struct {
	Name  string
	Nodes []Node
}

// Steps returns every step of the plan, including those nested inside
// branch arms and defaults, in declaration order.
func (d WorkflowDefinition) Steps() []*StepDefinition {
	var out []*StepDefinition
	walkSteps(d.Nodes, func(s *StepDefinition) {
		out = append(out, s)
	})
	return out
}

func walkSteps(nodes []Node, fn func(*StepDefinition)) {
	for _, n := range nodes {
		switch v := n.(type) {
		case *StepDefinition:
			fn(v)
		case *BranchNode:
			for _, arm := range v.Arms {
				walkSteps(arm.Nodes, fn)
			}
			walkSteps(v.Default, fn)
		}
	}
}

// Validate checks the structural invariants of the plan. Every failure is a
// *ConfigError.
func (d WorkflowDefinition) Validate() error {
	if d.Name == "" {
		return &ConfigError{Err: fmt.Errorf("%w: workflow name is required", ErrInvalidDefinition)}
	}
	v := &validator{
		workflow: d.Name,
		steps:    make(map[string]struct{}),
		branches: make(map[int]struct{}),
	}
	return v.nodes(d.Nodes)
}

type validator struct {
	workflow string
	steps    map[string]struct{}
	branches map[int]struct{}
}

func (v *validator) fail(node string, err error) error {
	return &ConfigError{Workflow: v.workflow, Node: node, Err: err}
}

func (v *validator) nodes(nodes []Node) error {
	for i, n := range nodes {
		switch node := n.(type) {
		case *StepDefinition:
			if err := v.step(i, node); err != nil {
				return err
			}
		case *BranchNode:
			if err := v.branch(node); err != nil {
				return err
			}
		default:
			return v.fail(strconv.Itoa(i), fmt.Errorf("%w: unsupported plan node %T", ErrInvalidDefinition, n))
		}
	}
	return nil
}

func (v *validator) step(idx int, s *StepDefinition) error {
	if s == nil {
		return v.fail(strconv.Itoa(idx), fmt.Errorf("%w: nil step", ErrInvalidDefinition))
	}
	if s.Name == "" {
		return v.fail(strconv.Itoa(idx), fmt.Errorf("%w: step name must not be empty", ErrInvalidDefinition))
	}
	if s.Fn == nil {
		return v.fail(s.Name, fmt.Errorf("%w: step has nil function", ErrInvalidDefinition))
	}
	if IsReservedKey(s.Name) {
		return v.fail(s.Name, ErrReservedStepName)
	}
	if _, dup := v.steps[s.Name]; dup {
		return v.fail(s.Name, ErrDuplicateStep)
	}
	v.steps[s.Name] = struct{}{}
	return nil
}

func (v *validator) branch(b *BranchNode) error {
	if b == nil {
		return v.fail("branch", fmt.Errorf("%w: nil branch", ErrInvalidDefinition))
	}
	if b.ID <= 0 {
		return v.fail(b.Label(), fmt.Errorf("%w: branch id must be positive", ErrInvalidDefinition))
	}
	if _, dup := v.branches[b.ID]; dup {
		return v.fail(b.Label(), fmt.Errorf("%w: duplicate branch id", ErrInvalidDefinition))
	}
	v.branches[b.ID] = struct{}{}

	for i, arm := range b.Arms {
		if arm.Condition == nil {
			return v.fail(ArmLabel(b.ID, i+1), fmt.Errorf("%w: arm has nil condition", ErrInvalidDefinition))
		}
		if err := v.nodes(arm.Nodes); err != nil {
			return err
		}
	}
	return v.nodes(b.Default)
}

// NumberBranches assigns pre-order IDs, starting at 1, to every branch node
// in nodes. Builders call it once the plan is complete.
func NumberBranches(nodes []Node) {
	next := 0
	var walk func([]Node)
	walk = func(ns []Node) {
		for _, n := range ns {
			b, ok := n.(*BranchNode)
			if !ok {
				continue
			}
			next++
			b.ID = next
			for _, arm := range b.Arms {
				walk(arm.Nodes)
			}
			walk(b.Default)
		}
	}
	walk(nodes)
}

// RetryPolicy controls how a step is retried when it returns an error.
// MaxAttempts includes the first attempt. For example:
//
//	MaxAttempts = 1 => no retries (just the initial call)
//	MaxAttempts = 3 => initial call + up to 2 retries
//
// InitialBackoff is the delay before the first retry. Each subsequent delay
// is multiplied by BackoffMultiplier (default 2.0) and capped at MaxBackoff
// when MaxBackoff > 0.
type RetryPolicy struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	BackoffMultiplier float64
	MaxBackoff        time.Duration
}
