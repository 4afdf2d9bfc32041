package api

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Observer receives callbacks from the engine for logging and metrics.
//
// Implementations should be fast and non-blocking; heavy work should be done
// asynchronously so as not to delay workflow execution.
type Observer interface {
	// OnExecutionStarted is called once per run, before the transaction is
	// opened.
	OnExecutionStarted(ctx context.Context, run RunInfo)

	// OnExecutionCompleted is called when a run committed successfully.
	OnExecutionCompleted(ctx context.Context, res *ExecutionResult)

	// OnExecutionFailed is called after the rollback cascade of a failed run.
	OnExecutionFailed(ctx context.Context, res *ExecutionResult, err error)

	// OnStepStart is called before each attempt of a step function.
	OnStepStart(ctx context.Context, run RunInfo, step string)

	// OnStepCompleted is called after each attempt, for both successes and
	// failures (err != nil).
	OnStepCompleted(ctx context.Context, run RunInfo, step string, err error, duration time.Duration)

	// OnStepSkipped is called when a step guard evaluated to false.
	OnStepSkipped(ctx context.Context, run RunInfo, step string)

	// OnBranchTaken is called with the ledger label of each branch decision,
	// e.g. "branch_1:on_2".
	OnBranchTaken(ctx context.Context, run RunInfo, label string)

	// OnRollback is called after each rollback handler ran; err is the
	// handler's failure, if any.
	OnRollback(ctx context.Context, run RunInfo, step string, err error)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnExecutionStarted(ctx context.Context, run RunInfo)                      {}
func (NoopObserver) OnExecutionCompleted(ctx context.Context, res *ExecutionResult)           {}
func (NoopObserver) OnExecutionFailed(ctx context.Context, res *ExecutionResult, err error)   {}
func (NoopObserver) OnStepStart(ctx context.Context, run RunInfo, step string)                {}
func (NoopObserver) OnStepSkipped(ctx context.Context, run RunInfo, step string)              {}
func (NoopObserver) OnBranchTaken(ctx context.Context, run RunInfo, label string)             {}
func (NoopObserver) OnRollback(ctx context.Context, run RunInfo, step string, err error)      {}
func (NoopObserver) OnStepCompleted(ctx context.Context, run RunInfo, step string, err error, d time.Duration) {
}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnExecutionStarted(ctx context.Context, run RunInfo) {
	for _, o := range c.observers {
		o.OnExecutionStarted(ctx, run)
	}
}

func (c *CompositeObserver) OnExecutionCompleted(ctx context.Context, res *ExecutionResult) {
	for _, o := range c.observers {
		o.OnExecutionCompleted(ctx, res)
	}
}

func (c *CompositeObserver) OnExecutionFailed(ctx context.Context, res *ExecutionResult, err error) {
	for _, o := range c.observers {
		o.OnExecutionFailed(ctx, res, err)
	}
}

func (c *CompositeObserver) OnStepStart(ctx context.Context, run RunInfo, step string) {
	for _, o := range c.observers {
		o.OnStepStart(ctx, run, step)
	}
}

func (c *CompositeObserver) OnStepCompleted(ctx context.Context, run RunInfo, step string, err error, d time.Duration) {
	for _, o := range c.observers {
		o.OnStepCompleted(ctx, run, step, err, d)
	}
}

func (c *CompositeObserver) OnStepSkipped(ctx context.Context, run RunInfo, step string) {
	for _, o := range c.observers {
		o.OnStepSkipped(ctx, run, step)
	}
}

func (c *CompositeObserver) OnBranchTaken(ctx context.Context, run RunInfo, label string) {
	for _, o := range c.observers {
		o.OnBranchTaken(ctx, run, label)
	}
}

func (c *CompositeObserver) OnRollback(ctx context.Context, run RunInfo, step string, err error) {
	for _, o := range c.observers {
		o.OnRollback(ctx, run, step, err)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs run / step lifecycle
// events using the provided slog.Logger. If logger is nil, slog.Default()
// is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnExecutionStarted(ctx context.Context, run RunInfo) {
	o.Logger.InfoContext(ctx, "execution_started",
		slog.String("workflow", run.Workflow),
		slog.String("run_id", run.ID),
	)
}

func (o *LoggingObserver) OnExecutionCompleted(ctx context.Context, res *ExecutionResult) {
	o.Logger.InfoContext(ctx, "execution_completed",
		slog.String("workflow", res.Workflow),
		slog.String("run_id", res.RunID),
		slog.Int("steps", len(res.Ledger.StepsExecuted())),
		slog.Duration("duration", res.Duration),
	)
}

func (o *LoggingObserver) OnExecutionFailed(ctx context.Context, res *ExecutionResult, err error) {
	attrs := []any{
		slog.String("workflow", res.Workflow),
		slog.String("run_id", res.RunID),
		slog.Duration("duration", res.Duration),
		slog.Any("error", err),
	}
	if res.Err != nil {
		attrs = append(attrs,
			slog.String("failing_step", res.Err.FailingStep),
			slog.String("class", string(res.Err.Class)),
			slog.Int("rollback_errors", len(res.Err.RollbackErrors)),
		)
	}
	o.Logger.ErrorContext(ctx, "execution_failed", attrs...)
}

func (o *LoggingObserver) OnStepStart(ctx context.Context, run RunInfo, step string) {
	o.Logger.DebugContext(ctx, "step_start",
		slog.String("workflow", run.Workflow),
		slog.String("run_id", run.ID),
		slog.String("step", step),
	)
}

func (o *LoggingObserver) OnStepCompleted(ctx context.Context, run RunInfo, step string, err error, d time.Duration) {
	level := slog.LevelDebug
	if err != nil {
		level = slog.LevelWarn
	}
	o.Logger.Log(ctx, level, "step_completed",
		slog.String("workflow", run.Workflow),
		slog.String("run_id", run.ID),
		slog.String("step", step),
		slog.Duration("duration", d),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnStepSkipped(ctx context.Context, run RunInfo, step string) {
	o.Logger.DebugContext(ctx, "step_skipped",
		slog.String("workflow", run.Workflow),
		slog.String("run_id", run.ID),
		slog.String("step", step),
	)
}

func (o *LoggingObserver) OnBranchTaken(ctx context.Context, run RunInfo, label string) {
	o.Logger.DebugContext(ctx, "branch_taken",
		slog.String("workflow", run.Workflow),
		slog.String("run_id", run.ID),
		slog.String("branch", label),
	)
}

func (o *LoggingObserver) OnRollback(ctx context.Context, run RunInfo, step string, err error) {
	level := slog.LevelInfo
	if err != nil {
		level = slog.LevelError
	}
	o.Logger.Log(ctx, level, "step_rolled_back",
		slog.String("workflow", run.Workflow),
		slog.String("run_id", run.ID),
		slog.String("step", step),
		slog.Any("error", err),
	)
}

// BasicMetrics collects simple counters and aggregate step durations.
// It implements Observer, and can be combined with LoggingObserver via
// NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	executionsStarted   atomic.Int64
	executionsCompleted atomic.Int64
	executionsFailed    atomic.Int64
	stepsCompleted      atomic.Int64
	stepsFailed         atomic.Int64
	stepsSkipped        atomic.Int64
	branchesTaken       atomic.Int64
	rollbacks           atomic.Int64
	rollbackFailures    atomic.Int64
	totalStepDuration   atomic.Int64 // nanoseconds
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	ExecutionsStarted   int64
	ExecutionsCompleted int64
	ExecutionsFailed    int64
	InFlight            int64

	StepsCompleted  int64
	StepsFailed     int64
	StepsSkipped    int64
	BranchesTaken   int64
	AvgStepDuration time.Duration

	Rollbacks        int64
	RollbackFailures int64
}

func (m *BasicMetrics) OnExecutionStarted(ctx context.Context, run RunInfo) {
	m.executionsStarted.Add(1)
}

func (m *BasicMetrics) OnExecutionCompleted(ctx context.Context, res *ExecutionResult) {
	m.executionsCompleted.Add(1)
}

func (m *BasicMetrics) OnExecutionFailed(ctx context.Context, res *ExecutionResult, err error) {
	m.executionsFailed.Add(1)
}

func (m *BasicMetrics) OnStepCompleted(ctx context.Context, run RunInfo, step string, err error, d time.Duration) {
	// Only count successful attempts for average duration.
	if err != nil {
		m.stepsFailed.Add(1)
		return
	}
	m.stepsCompleted.Add(1)
	m.totalStepDuration.Add(d.Nanoseconds())
}

func (m *BasicMetrics) OnStepSkipped(ctx context.Context, run RunInfo, step string) {
	m.stepsSkipped.Add(1)
}

func (m *BasicMetrics) OnBranchTaken(ctx context.Context, run RunInfo, label string) {
	m.branchesTaken.Add(1)
}

func (m *BasicMetrics) OnRollback(ctx context.Context, run RunInfo, step string, err error) {
	m.rollbacks.Add(1)
	if err != nil {
		m.rollbackFailures.Add(1)
	}
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	started := m.executionsStarted.Load()
	completed := m.executionsCompleted.Load()
	failed := m.executionsFailed.Load()
	steps := m.stepsCompleted.Load()
	totalNs := m.totalStepDuration.Load()

	var avg time.Duration
	if steps > 0 {
		avg = time.Duration(totalNs / steps)
	}

	return BasicMetricsSnapshot{
		ExecutionsStarted:   started,
		ExecutionsCompleted: completed,
		ExecutionsFailed:    failed,
		InFlight:            started - completed - failed,
		StepsCompleted:      steps,
		StepsFailed:         m.stepsFailed.Load(),
		StepsSkipped:        m.stepsSkipped.Load(),
		BranchesTaken:       m.branchesTaken.Load(),
		AvgStepDuration:     avg,
		Rollbacks:           m.rollbacks.Load(),
		RollbackFailures:    m.rollbackFailures.Load(),
	}
}

// PublishingObserver converts observer callbacks into WorkflowEvents and
// hands them to a Publisher.
type PublishingObserver struct {
	Publisher Publisher
	now       func() time.Time
}

// NewPublishingObserver returns an Observer publishing to p.
func NewPublishingObserver(p Publisher) Observer {
	return &PublishingObserver{Publisher: p, now: time.Now}
}

func (o *PublishingObserver) publish(ctx context.Context, run RunInfo, typ EventType, step, detail string) {
	now := time.Now
	if o.now != nil {
		now = o.now
	}
	o.Publisher.Publish(ctx, WorkflowEvent{
		RunID:    run.ID,
		At:       now(),
		Type:     typ,
		Workflow: run.Workflow,
		Step:     step,
		Detail:   detail,
	})
}

func resultRun(res *ExecutionResult) RunInfo {
	return RunInfo{ID: res.RunID, Workflow: res.Workflow, StartedAt: res.StartedAt}
}

func errDetail(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (o *PublishingObserver) OnExecutionStarted(ctx context.Context, run RunInfo) {
	o.publish(ctx, run, EventExecutionStarted, "", "")
}

func (o *PublishingObserver) OnExecutionCompleted(ctx context.Context, res *ExecutionResult) {
	o.publish(ctx, resultRun(res), EventExecutionCompleted, "", res.Duration.String())
}

func (o *PublishingObserver) OnExecutionFailed(ctx context.Context, res *ExecutionResult, err error) {
	step := ""
	if res.Err != nil {
		step = res.Err.FailingStep
	}
	o.publish(ctx, resultRun(res), EventExecutionFailed, step, errDetail(err))
}

func (o *PublishingObserver) OnStepStart(ctx context.Context, run RunInfo, step string) {
	o.publish(ctx, run, EventStepStarted, step, "")
}

func (o *PublishingObserver) OnStepCompleted(ctx context.Context, run RunInfo, step string, err error, d time.Duration) {
	if err != nil {
		o.publish(ctx, run, EventStepFailed, step, err.Error())
		return
	}
	o.publish(ctx, run, EventStepCompleted, step, d.String())
}

func (o *PublishingObserver) OnStepSkipped(ctx context.Context, run RunInfo, step string) {
	o.publish(ctx, run, EventStepSkipped, step, "")
}

func (o *PublishingObserver) OnBranchTaken(ctx context.Context, run RunInfo, label string) {
	o.publish(ctx, run, EventBranchTaken, label, "")
}

func (o *PublishingObserver) OnRollback(ctx context.Context, run RunInfo, step string, err error) {
	o.publish(ctx, run, EventStepRolledBack, step, errDetail(err))
}
