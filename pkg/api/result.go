package api

import (
	"encoding/json"
	"time"
)

// RunInfo identifies a run in observer callbacks.
type RunInfo struct {
	ID        string
	Workflow  string
	StartedAt time.Time
}

// ExecutionResult is the outcome of one run. It is returned for failed runs
// too, with Success=false and Err set.
type ExecutionResult struct {
	RunID     string
	Workflow  string
	Success   bool
	Context   *Context
	Ledger    Ledger
	StartedAt time.Time
	Duration  time.Duration
	Err       *ExecutionError
}

// Status maps Success to a run status.
func (r *ExecutionResult) Status() Status {
	if r.Success {
		return StatusCompleted
	}
	return StatusFailed
}

// StepsExecuted is a shortcut for r.Ledger.StepsExecuted().
func (r *ExecutionResult) StepsExecuted() []string {
	return r.Ledger.StepsExecuted()
}

// BranchesTaken is a shortcut for r.Ledger.BranchesTaken().
func (r *ExecutionResult) BranchesTaken() []string {
	return r.Ledger.BranchesTaken()
}

type resultJSON struct {
	Success    bool       `json:"success"`
	Context    *Context   `json:"context"`
	Ledger     Ledger     `json:"ledger"`
	DurationMS float64    `json:"duration_ms"`
	Error      *errorJSON `json:"error,omitempty"`
}

type errorJSON struct {
	FailingStep    string     `json:"failing_step"`
	Message        string     `json:"message"`
	Class          ErrorClass `json:"class"`
	OriginalError  string     `json:"original_error,omitempty"`
	RollbackErrors []string   `json:"rollback_errors,omitempty"`
	Transaction    string     `json:"transaction_error,omitempty"`
}

// MarshalJSON renders the result in the wire shape consumed by callers:
//
//	{"success": bool, "context": {...}, "ledger": {...}, "duration_ms": n, "error": {...}}
func (r *ExecutionResult) MarshalJSON() ([]byte, error) {
	out := resultJSON{
		Success:    r.Success,
		Context:    r.Context,
		Ledger:     r.Ledger,
		DurationMS: float64(r.Duration) / float64(time.Millisecond),
	}
	if r.Err != nil {
		ej := &errorJSON{
			FailingStep: r.Err.FailingStep,
			Message:     r.Err.Error(),
			Class:       r.Err.Class,
		}
		if r.Err.Err != nil {
			ej.OriginalError = r.Err.Err.Error()
		}
		for _, re := range r.Err.RollbackErrors {
			ej.RollbackErrors = append(ej.RollbackErrors, re.Error())
		}
		if r.Err.TransactionErr != nil {
			ej.Transaction = r.Err.TransactionErr.Error()
		}
		out.Error = ej
	}
	return json.Marshal(out)
}

// RunRecord is the persisted summary of a run.
type RunRecord struct {
	ID       string
	Workflow string
	Status   Status

	Actor   any
	Params  Params
	Results map[string]any

	StepsExecuted []string
	BranchesTaken []string

	FailingStep string
	ErrorClass  ErrorClass
	Error       string

	StartedAt time.Time
	Duration  time.Duration
}

// NewRunRecord summarizes res for persistence.
func NewRunRecord(res *ExecutionResult) *RunRecord {
	rec := &RunRecord{
		ID:            res.RunID,
		Workflow:      res.Workflow,
		Status:        res.Status(),
		StepsExecuted: res.Ledger.StepsExecuted(),
		BranchesTaken: res.Ledger.BranchesTaken(),
		StartedAt:     res.StartedAt,
		Duration:      res.Duration,
	}
	if res.Context != nil {
		rec.Actor = res.Context.Actor()
		rec.Params = res.Context.Params()
		rec.Results = res.Context.Map()
	}
	if res.Err != nil {
		rec.FailingStep = res.Err.FailingStep
		rec.ErrorClass = res.Err.Class
		rec.Error = res.Err.Error()
	}
	return rec
}

// RunListOptions controls how runs are listed.
// Zero values mean "no filter" for that field.
type RunListOptions struct {
	Workflow string
	Status   Status
}
