package api

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors. Use errors.Is for matching:
//
//	if errors.Is(err, api.ErrNoMatchingBranch) { ... }
var (
	// ErrNoMatchingBranch is returned when no arm of a branch node matches
	// and the branch has no default sequence.
	ErrNoMatchingBranch = errors.New("no matching branch and no otherwise clause")

	ErrInvalidDefinition = errors.New("invalid workflow definition")
	ErrDuplicateStep     = errors.New("duplicate step name")
	ErrReservedStepName  = errors.New("step name is a reserved context key")

	ErrWorkflowNotFound = errors.New("workflow not found")
	ErrWorkflowExists   = errors.New("workflow already registered")
	ErrRunNotFound      = errors.New("run not found")

	ErrDuplicateKey  = errors.New("context key already set")
	ErrReservedKey   = errors.New("context key is reserved")
	ErrContextFrozen = errors.New("context snapshot is read-only")
)

// ErrorClass classifies a failed run.
type ErrorClass string

const (
	ClassConfiguration ErrorClass = "configuration"
	ClassStep          ErrorClass = "step_execution"
	ClassTransaction   ErrorClass = "transaction"
)

// ConfigError reports a configuration problem: an invalid plan detected at
// construction time, or a branch without a matching arm detected at runtime.
type ConfigError struct {
	Workflow string
	Node     string
	Err      error
}

func (e *ConfigError) Error() string {
	var b strings.Builder
	b.WriteString("configuration error")
	if e.Workflow != "" {
		fmt.Fprintf(&b, " in workflow %q", e.Workflow)
	}
	if e.Node != "" {
		fmt.Fprintf(&b, " at %s", e.Node)
	}
	b.WriteString(": ")
	b.WriteString(e.Err.Error())
	return b.String()
}

func (e *ConfigError) Unwrap() error { return e.Err }

// StepError wraps the error returned by a step function after all attempts
// were exhausted.
type StepError struct {
	Step     string
	Attempts int
	Err      error
}

func (e *StepError) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("step %q failed after %d attempts: %v", e.Step, e.Attempts, e.Err)
	}
	return fmt.Sprintf("step %q failed: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// RollbackError records a rollback handler failure. It is never the primary
// error of a run.
type RollbackError struct {
	Step string
	Err  error
}

func (e *RollbackError) Error() string {
	return fmt.Sprintf("rollback of step %q failed: %v", e.Step, e.Err)
}

func (e *RollbackError) Unwrap() error { return e.Err }

// TransactionError reports a failure of the underlying transactional store.
// Op is "begin", "commit" or "rollback".
type TransactionError struct {
	Op  string
	Err error
}

func (e *TransactionError) Error() string {
	return fmt.Sprintf("transaction %s failed: %v", e.Op, e.Err)
}

func (e *TransactionError) Unwrap() error { return e.Err }

// PanicError is a panic recovered from a step, guard, condition, input
// mapper or rollback handler.
type PanicError struct {
	Value any
}

func (p *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", p.Value)
}

// ExecutionError is returned for every failed run. It carries the original
// failure together with the partial ledger and context.
type ExecutionError struct {
	Workflow string
	RunID    string
	Class    ErrorClass

	// FailingStep is the step (or branch label, for configuration failures)
	// where the run stopped. Empty for commit failures.
	FailingStep string

	// Err is the original failure.
	Err error

	Ledger  Ledger
	Context *Context

	// RollbackErrors are secondary failures of rollback handlers.
	RollbackErrors []*RollbackError

	// TransactionErr is set when rolling back the store itself failed after
	// the original failure; persisted state may be inconsistent.
	TransactionErr error
}

func (e *ExecutionError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "workflow %q failed", e.Workflow)
	if e.FailingStep != "" {
		fmt.Fprintf(&b, " at %s", e.FailingStep)
	}
	fmt.Fprintf(&b, ": %v", e.Err)
	if n := len(e.RollbackErrors); n > 0 {
		fmt.Fprintf(&b, " (%d rollback error(s))", n)
	}
	if e.TransactionErr != nil {
		fmt.Fprintf(&b, " (store rollback failed: %v)", e.TransactionErr)
	}
	return b.String()
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// Inconsistent reports whether the store may hold partial side effects.
func (e *ExecutionError) Inconsistent() bool {
	return e.TransactionErr != nil
}

// IsConfigError reports whether err is a configuration-class failure.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// ClassOf classifies err. Errors that are neither configuration nor
// transaction failures are step execution failures.
func ClassOf(err error) ErrorClass {
	var ee *ExecutionError
	if errors.As(err, &ee) && ee.Class != "" {
		return ee.Class
	}
	var te *TransactionError
	if errors.As(err, &te) {
		return ClassTransaction
	}
	if IsConfigError(err) {
		return ClassConfiguration
	}
	return ClassStep
}
