package api

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestExecutionResultJSONSuccess(t *testing.T) {
	wc := NewContext("u", nil)
	_ = wc.Put("validate", true)
	var l Ledger
	l.AppendStep("validate", 1, false)
	l.AppendBranch(1, 0)

	res := &ExecutionResult{Success: true, Context: wc, Ledger: l, Duration: 1500 * time.Microsecond}

	b, err := json.Marshal(res)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	want := `{"success":true,"context":{"validate":true},"ledger":{"steps_executed":["validate"],"branches_taken":["branch_1:otherwise"]},"duration_ms":1.5}`
	if string(b) != want {
		t.Fatalf("json = %s\nwant  %s", b, want)
	}
}

func TestExecutionResultJSONFailure(t *testing.T) {
	res := &ExecutionResult{
		Context: NewContext(nil, nil),
		Err: &ExecutionError{
			Workflow:       "checkout",
			Class:          ClassStep,
			FailingStep:    "charge",
			Err:            errors.New("declined"),
			RollbackErrors: []*RollbackError{{Step: "reserve", Err: errors.New("gone")}},
		},
	}

	b, err := json.Marshal(res)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var out struct {
		Success bool `json:"success"`
		Error   struct {
			FailingStep    string   `json:"failing_step"`
			Class          string   `json:"class"`
			OriginalError  string   `json:"original_error"`
			RollbackErrors []string `json:"rollback_errors"`
		} `json:"error"`
	}
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if out.Success || out.Error.FailingStep != "charge" || out.Error.Class != "step_execution" || out.Error.OriginalError != "declined" {
		t.Fatalf("unexpected error json %s", b)
	}
	if len(out.Error.RollbackErrors) != 1 {
		t.Fatalf("rollback errors = %v", out.Error.RollbackErrors)
	}
}

func TestNewRunRecord(t *testing.T) {
	wc := NewContext("u", Params{"p": 1})
	_ = wc.Put("a", "A")
	var l Ledger
	l.AppendStep("a", 1, false)

	started := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	res := &ExecutionResult{RunID: "r1", Workflow: "w", Context: wc, Ledger: l, StartedAt: started, Duration: time.Second}
	res.Err = &ExecutionError{Workflow: "w", Class: ClassTransaction, Err: errors.New("commit")}

	rec := NewRunRecord(res)
	if rec.ID != "r1" || rec.Status != StatusFailed || rec.ErrorClass != ClassTransaction || rec.FailingStep != "" {
		t.Fatalf("unexpected record %+v", rec)
	}
	if rec.Actor != "u" || rec.Params["p"] != 1 || rec.Results["a"] != "A" {
		t.Fatalf("record lost context %+v", rec)
	}
	if len(rec.StepsExecuted) != 1 || !rec.StartedAt.Equal(started) || rec.Duration != time.Second {
		t.Fatalf("unexpected record %+v", rec)
	}
}
