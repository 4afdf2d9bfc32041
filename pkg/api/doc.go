// Package api contains the core building blocks used by the flowtx workflow
// engine: execution plans, the run Context and Ledger, the error taxonomy,
// the transaction boundary and the observer interfaces.
//
// Most users interact with the higher-level flowtx package, which re-exports
// selected types and offers a fluent builder. The api package is intended
// for custom integrations or for building plans directly.
//
// # Execution Plans
//
// A WorkflowDefinition is an immutable, ordered tree of Nodes. A Node is
// either a *StepDefinition or a *BranchNode; branch arms and defaults hold
// nested node sequences, to any depth.
//
// Step names are unique across the whole plan, including every branch arm,
// because each executed step records its result in the Context under its
// name. Validate enforces this before a plan is registered or executed.
//
// # Context and Ledger
//
// The Context is seeded with the invoking actor and the input params and
// gains one entry per executed step. It never loses entries, so cheap
// read-only snapshots (AsOf) can be handed to rollback handlers.
//
// The Ledger is the ordered trace of executed steps and branch decisions of
// a run. It is read in reverse to drive rollbacks and is returned in every
// ExecutionResult.
//
// # Errors
//
// Failed runs surface as *ExecutionError with an ErrorClass: configuration
// (invalid plans, branches without a matching arm), step execution, or
// transaction (the store failed to begin, commit or roll back). Rollback
// handler failures are attached as secondary diagnostics and never replace
// the original failure.
//
// # Observability
//
// The Observer interface receives run, step, branch and rollback callbacks.
// LoggingObserver, BasicMetrics, CompositeObserver and PublishingObserver
// (which feeds a Publisher such as EventBus) are provided.
package api
