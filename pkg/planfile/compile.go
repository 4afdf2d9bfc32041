package planfile

import (
	"context"
	"fmt"
	"strings"

	"github.com/petrijr/flowtx/pkg/api"
)

// Compile turns a parsed plan into a validated workflow definition whose
// steps call services from reg.
func Compile(p *Plan, reg *Registry) (api.WorkflowDefinition, error) {
	c := &compiler{reg: reg}
	nodes, err := c.nodes(p.Steps, "steps")
	if err != nil {
		return api.WorkflowDefinition{}, &api.ConfigError{Workflow: p.Name, Err: err}
	}
	api.NumberBranches(nodes)

	def := api.WorkflowDefinition{Name: p.Name, Nodes: nodes}
	if err := def.Validate(); err != nil {
		return api.WorkflowDefinition{}, err
	}
	return def, nil
}

// LoadDefinition loads the plan file at path and compiles it.
func LoadDefinition(path string, reg *Registry) (api.WorkflowDefinition, error) {
	p, err := Load(path)
	if err != nil {
		return api.WorkflowDefinition{}, err
	}
	return Compile(p, reg)
}

type compiler struct {
	reg *Registry
}

func (c *compiler) nodes(in []Node, path string) ([]api.Node, error) {
	out := make([]api.Node, 0, len(in))
	for i, n := range in {
		where := fmt.Sprintf("%s[%d]", path, i)
		switch {
		case n.Step != "" && n.Branch != nil:
			return nil, fmt.Errorf("%w: %s declares both step and branch", api.ErrInvalidDefinition, where)
		case n.Step != "":
			s, err := c.step(n, where)
			if err != nil {
				return nil, err
			}
			out = append(out, s)
		case n.Branch != nil:
			b, err := c.branch(n.Branch, where)
			if err != nil {
				return nil, err
			}
			out = append(out, b)
		default:
			return nil, fmt.Errorf("%w: %s needs a step or a branch", api.ErrInvalidDefinition, where)
		}
	}
	return out, nil
}

func (c *compiler) step(n Node, where string) (*api.StepDefinition, error) {
	where = fmt.Sprintf("%s (%s)", where, n.Step)
	if n.Service == "" {
		return nil, fmt.Errorf("%w: %s has no service", api.ErrInvalidDefinition, where)
	}
	svc, err := c.reg.Lookup(n.Service)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", where, err)
	}

	s := &api.StepDefinition{
		Name:     n.Step,
		Fn:       api.StepFunc(svc),
		Optional: n.Optional,
	}
	if n.Input != nil {
		m, err := compileInput(n.Input)
		if err != nil {
			return nil, fmt.Errorf("%s input: %w", where, err)
		}
		s.Input = m
	}
	if n.If != "" {
		guard, err := api.Expr(n.If)
		if err != nil {
			return nil, fmt.Errorf("%s if: %w", where, err)
		}
		s.Guard = guard
	}
	if n.Retry != nil {
		s.Retry = &api.RetryPolicy{
			MaxAttempts:       n.Retry.MaxAttempts,
			InitialBackoff:    n.Retry.InitialBackoff,
			BackoffMultiplier: n.Retry.Multiplier,
			MaxBackoff:        n.Retry.MaxBackoff,
		}
	}
	if n.Rollback != nil {
		rb, err := c.rollback(n.Rollback)
		if err != nil {
			return nil, fmt.Errorf("%s rollback: %w", where, err)
		}
		s.Rollback = rb
	}
	return s, nil
}

func (c *compiler) rollback(a *Action) (api.RollbackFunc, error) {
	svc, err := c.reg.Lookup(a.Service)
	if err != nil {
		return nil, err
	}
	input := func(wc *api.Context) any { return wc }
	if a.Input != nil {
		m, err := compileInput(a.Input)
		if err != nil {
			return nil, err
		}
		input = m
	}
	return func(ctx context.Context, wc *api.Context) error {
		in, err := rollbackInput(input, wc)
		if err != nil {
			return err
		}
		_, err = svc(ctx, in)
		return err
	}, nil
}

// rollbackInput applies m, returning expression failures as errors.
func rollbackInput(m api.InputMapper, wc *api.Context) (in any, err error) {
	defer func() {
		if r := recover(); r != nil {
			ee, ok := r.(*api.EvalError)
			if !ok {
				panic(r)
			}
			in, err = nil, ee
		}
	}()
	return m(wc), nil
}

func (c *compiler) branch(arms []Arm, where string) (*api.BranchNode, error) {
	b := &api.BranchNode{}
	for i, arm := range arms {
		armWhere := fmt.Sprintf("%s.branch[%d]", where, i)
		if arm.On == "" {
			if b.HasDefault {
				return nil, fmt.Errorf("%w: %s is a second otherwise", api.ErrInvalidDefinition, armWhere)
			}
			if i != len(arms)-1 {
				return nil, fmt.Errorf("%w: %s otherwise must be the last arm", api.ErrInvalidDefinition, armWhere)
			}
			if arm.Steps != nil {
				return nil, fmt.Errorf("%w: %s otherwise takes its steps directly", api.ErrInvalidDefinition, armWhere)
			}
			nodes, err := c.nodes(arm.Otherwise, armWhere+".otherwise")
			if err != nil {
				return nil, err
			}
			b.Default, b.HasDefault = nodes, true
			continue
		}
		if arm.Otherwise != nil {
			return nil, fmt.Errorf("%w: %s mixes on and otherwise", api.ErrInvalidDefinition, armWhere)
		}
		cond, err := api.Expr(arm.On)
		if err != nil {
			return nil, fmt.Errorf("%s on: %w", armWhere, err)
		}
		nodes, err := c.nodes(arm.Steps, armWhere+".steps")
		if err != nil {
			return nil, err
		}
		b.Arms = append(b.Arms, api.BranchArm{Condition: cond, Nodes: nodes})
	}
	if len(b.Arms) == 0 && !b.HasDefault {
		return nil, fmt.Errorf("%w: %s has no arms", api.ErrInvalidDefinition, where)
	}
	return b, nil
}

// compileInput compiles every "${expr}" string inside v and returns a mapper
// rebuilding v with the evaluated values.
func compileInput(v any) (api.InputMapper, error) {
	switch val := v.(type) {
	case string:
		src, ok := exprSource(val)
		if !ok {
			return func(*api.Context) any { return val }, nil
		}
		return api.ExprInput(src)
	case map[string]any:
		fields := make(map[string]api.InputMapper, len(val))
		for k, item := range val {
			m, err := compileInput(item)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			fields[k] = m
		}
		return func(wc *api.Context) any {
			out := make(map[string]any, len(fields))
			for k, m := range fields {
				out[k] = m(wc)
			}
			return out
		}, nil
	case []any:
		items := make([]api.InputMapper, len(val))
		for i, item := range val {
			m, err := compileInput(item)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			items[i] = m
		}
		return func(wc *api.Context) any {
			out := make([]any, len(items))
			for i, m := range items {
				out[i] = m(wc)
			}
			return out
		}, nil
	default:
		return func(*api.Context) any { return val }, nil
	}
}

func exprSource(s string) (string, bool) {
	if !strings.HasPrefix(s, "${") || !strings.HasSuffix(s, "}") {
		return "", false
	}
	return strings.TrimSpace(s[2 : len(s)-1]), true
}
