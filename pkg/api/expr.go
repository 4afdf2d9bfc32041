package api

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Expr compiles an expr-lang expression into a Predicate. The expression is
// evaluated against Context.Env(): params and step results by name, plus
// "actor" and "params". Example: "total > 100 && actor.admin".
//
// Compilation happens once, here; evaluation errors at runtime (for example
// a reference to a step that was skipped) evaluate to false.
func Expr(source string) (Predicate, error) {
	program, err := compileExpr(source)
	if err != nil {
		return nil, err
	}
	return func(wc *Context) bool {
		out, err := expr.Run(program, wc.Env())
		if err != nil {
			return false
		}
		return isTruthy(out)
	}, nil
}

// MustExpr is like Expr but panics on compile errors. Useful in plan
// declarations.
func MustExpr(source string) Predicate {
	p, err := Expr(source)
	if err != nil {
		panic(err)
	}
	return p
}

// EvalError is a runtime failure of an expression.
type EvalError struct {
	Source string
	Err    error
}

func (e *EvalError) Error() string {
	return fmt.Sprintf("evaluate expression %q: %v", e.Source, e.Err)
}

func (e *EvalError) Unwrap() error { return e.Err }

// ExprInput compiles an expression producing a step input.
//
// A runtime evaluation error panics with an *EvalError; the engine reports
// it as an input failure of the step instead of passing a nil input on.
// Undefined identifiers are not errors and evaluate to nil.
func ExprInput(source string) (InputMapper, error) {
	program, err := compileExpr(source)
	if err != nil {
		return nil, err
	}
	return func(wc *Context) any {
		out, err := expr.Run(program, wc.Env())
		if err != nil {
			panic(&EvalError{Source: source, Err: err})
		}
		return out
	}, nil
}

// EvalExpr compiles and evaluates source against wc in one go. Runtime
// failures are returned as *EvalError.
func EvalExpr(source string, wc *Context) (any, error) {
	program, err := compileExpr(source)
	if err != nil {
		return nil, err
	}
	out, err := expr.Run(program, wc.Env())
	if err != nil {
		return nil, &EvalError{Source: source, Err: err}
	}
	return out, nil
}

func compileExpr(source string) (*vm.Program, error) {
	if source == "" {
		return nil, fmt.Errorf("%w: empty expression", ErrInvalidDefinition)
	}
	// The environment is only known at runtime, so undefined identifiers are
	// allowed and resolve to nil.
	program, err := expr.Compile(source, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, fmt.Errorf("%w: compile expression %q: %v", ErrInvalidDefinition, source, err)
	}
	return program, nil
}

// isTruthy converts a value to a boolean.
func isTruthy(v any) bool {
	if v == nil {
		return false
	}
	switch val := v.(type) {
	case bool:
		return val
	case string:
		return val != ""
	case int:
		return val != 0
	case int64:
		return val != 0
	case float64:
		return val != 0
	default:
		return true
	}
}
