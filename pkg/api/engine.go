package api

import "context"

// Engine runs workflow definitions.
type Engine interface {
	// RegisterWorkflow validates and registers a definition by name.
	RegisterWorkflow(def WorkflowDefinition) error

	// Execute runs def synchronously. The returned result is non-nil for
	// every run that got past validation; on failure the error is an
	// *ExecutionError that is also available as result.Err.
	Execute(ctx context.Context, def WorkflowDefinition, actor any, params Params) (*ExecutionResult, error)

	// Run executes a registered workflow by name.
	Run(ctx context.Context, name string, actor any, params Params) (*ExecutionResult, error)

	// GetRun looks up a persisted run summary by ID.
	GetRun(ctx context.Context, id string) (*RunRecord, error)

	// ListRuns returns persisted run summaries matching opts.
	ListRuns(ctx context.Context, opts RunListOptions) ([]*RunRecord, error)
}

// HistoryReader allows reading a run's event history.
type HistoryReader interface {
	// ListEvents returns all events for a run in chronological order.
	ListEvents(ctx context.Context, runID string) ([]WorkflowEvent, error)
}

type engineKey struct{}

// WithEngine attaches eng to ctx so steps can start nested workflows.
func WithEngine(ctx context.Context, eng Engine) context.Context {
	return context.WithValue(ctx, engineKey{}, eng)
}

// EngineFromContext returns the engine executing the current step.
func EngineFromContext(ctx context.Context) (Engine, bool) {
	eng, ok := ctx.Value(engineKey{}).(Engine)
	return eng, ok
}

type runKey struct{}

// WithRun attaches the current run to ctx.
func WithRun(ctx context.Context, run RunInfo) context.Context {
	return context.WithValue(ctx, runKey{}, run)
}

// RunFromContext returns the run executing the current step.
func RunFromContext(ctx context.Context) (RunInfo, bool) {
	run, ok := ctx.Value(runKey{}).(RunInfo)
	return run, ok
}
