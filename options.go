package flowtx

import (
	"errors"

	"github.com/petrijr/flowtx/pkg/api"
)

// StepOption customizes a step added with FlowBuilder.Step.
type StepOption func(*api.StepDefinition) error

// WithInput sets the mapper producing the step input. Without it the step
// receives a read-only snapshot of the Context.
func WithInput(m InputMapper) StepOption {
	return func(s *api.StepDefinition) error {
		s.Input = m
		return nil
	}
}

// WithExprInput derives the step input from an expression.
func WithExprInput(source string) StepOption {
	return func(s *api.StepDefinition) error {
		m, err := api.ExprInput(source)
		if err != nil {
			return err
		}
		s.Input = m
		return nil
	}
}

// If runs the step only when p holds.
func If(p Predicate) StepOption {
	return func(s *api.StepDefinition) error {
		if p == nil {
			return errors.New("nil guard")
		}
		s.Guard = p
		return nil
	}
}

// Unless runs the step only when p does not hold.
func Unless(p Predicate) StepOption {
	return func(s *api.StepDefinition) error {
		if p == nil {
			return errors.New("nil guard")
		}
		s.Guard = func(wc *api.Context) bool { return !p(wc) }
		return nil
	}
}

// IfExpr runs the step only when the expression is truthy.
func IfExpr(source string) StepOption {
	return func(s *api.StepDefinition) error {
		p, err := api.Expr(source)
		if err != nil {
			return err
		}
		s.Guard = p
		return nil
	}
}

// WithRollback sets the compensation run when a later step fails.
func WithRollback(fn RollbackFunc) StepOption {
	return func(s *api.StepDefinition) error {
		s.Rollback = fn
		return nil
	}
}

// Optional makes step failures non-fatal: the failure is logged, a nil
// result is recorded and the run continues.
func Optional() StepOption {
	return func(s *api.StepDefinition) error {
		s.Optional = true
		return nil
	}
}

// WithRetry retries the step per p. Use Retry to build policies.
func WithRetry(p RetryPolicy) StepOption {
	return func(s *api.StepDefinition) error {
		// Copy so callers can reuse their policy value.
		r := p
		s.Retry = &r
		return nil
	}
}
