package api

import (
	"encoding/json"
	"strconv"
)

// EntryKind identifies the kind of a ledger entry.
type EntryKind int

const (
	EntryStep EntryKind = iota + 1
	EntryBranch
)

// LedgerEntry is one event of an execution trace.
type LedgerEntry struct {
	Kind EntryKind

	// Step is set for EntryStep.
	Step string
	// Swallowed marks an optional step whose failure was swallowed. Its
	// rollback handler is never invoked.
	Swallowed bool
	// ContextLen is the number of Context entries right after the step
	// recorded its result.
	ContextLen int

	// BranchID and Arm are set for EntryBranch. Arm is 1-based; 0 means the
	// default ("otherwise") sequence was taken.
	BranchID int
	Arm      int
}

// Label renders the entry the way it appears in results: the step name, or
// "branch_<n>:on_<k>" / "branch_<n>:otherwise".
func (e LedgerEntry) Label() string {
	if e.Kind == EntryStep {
		return e.Step
	}
	return ArmLabel(e.BranchID, e.Arm)
}

// ArmLabel formats a branch decision. arm 0 is the default sequence.
func ArmLabel(branchID, arm int) string {
	prefix := "branch_" + strconv.Itoa(branchID)
	if arm == 0 {
		return prefix + ":otherwise"
	}
	return prefix + ":on_" + strconv.Itoa(arm)
}

// Ledger is the ordered execution trace of a run. It is append-only while
// the run is in progress.
type Ledger struct {
	entries []LedgerEntry
}

// AppendStep records a completed (or swallowed) step.
func (l *Ledger) AppendStep(name string, contextLen int, swallowed bool) {
	l.entries = append(l.entries, LedgerEntry{
		Kind:       EntryStep,
		Step:       name,
		Swallowed:  swallowed,
		ContextLen: contextLen,
	})
}

// AppendBranch records a branch decision.
func (l *Ledger) AppendBranch(branchID, arm int) {
	l.entries = append(l.entries, LedgerEntry{
		Kind:     EntryBranch,
		BranchID: branchID,
		Arm:      arm,
	})
}

// Len returns the number of entries.
func (l Ledger) Len() int { return len(l.entries) }

// Entries returns a copy of the entries in execution order.
func (l Ledger) Entries() []LedgerEntry {
	out := make([]LedgerEntry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Clone returns an independent copy.
func (l Ledger) Clone() Ledger {
	return Ledger{entries: l.Entries()}
}

// StepsExecuted returns the names of executed steps in order.
func (l Ledger) StepsExecuted() []string {
	out := make([]string, 0, len(l.entries))
	for _, e := range l.entries {
		if e.Kind == EntryStep {
			out = append(out, e.Step)
		}
	}
	return out
}

// BranchesTaken returns the branch decisions in order.
func (l Ledger) BranchesTaken() []string {
	out := make([]string, 0)
	for _, e := range l.entries {
		if e.Kind == EntryBranch {
			out = append(out, e.Label())
		}
	}
	return out
}

type ledgerJSON struct {
	StepsExecuted []string `json:"steps_executed"`
	BranchesTaken []string `json:"branches_taken"`
}

// MarshalJSON emits {"steps_executed": [...], "branches_taken": [...]}.
func (l Ledger) MarshalJSON() ([]byte, error) {
	return json.Marshal(ledgerJSON{
		StepsExecuted: l.StepsExecuted(),
		BranchesTaken: l.BranchesTaken(),
	})
}
