// Package flowtx provides an embeddable, synchronous workflow engine for Go
// with transactional steps, first-match branching and LIFO rollback.
//
// A workflow is an immutable execution plan: an ordered tree of named steps
// and branch nodes. Running a plan walks it depth-first inside a single
// data-store transaction. Every executed step records its result in an
// append-only Context and an entry in the run's Ledger. When a step fails,
// the rollback handlers of the steps that completed are invoked in reverse
// order, the transaction is rolled back, and the caller receives the partial
// ledger and context together with the original failure.
//
// # Core Concepts
//
//  1. Engine
//  2. FlowBuilder
//  3. StepFunc and StepOption
//  4. Transactor
//  5. Observer
//
// # Engine
//
// The Engine stores workflow definitions and executes them synchronously in
// the caller's goroutine. Engines can keep run history in different stores:
//
//   - In-memory (best for tests)
//   - SQLite
//   - Postgres
//   - Redis
//   - MongoDB
//
// The SQLite and Postgres engines also wrap every run in a database/sql
// transaction. Steps reach it through txn.Querier(ctx, db); a workflow
// started from within a step runs inside a savepoint of the caller's
// transaction.
//
// # FlowBuilder
//
// FlowBuilder provides the declarative API used to define plans:
//
//	flowtx.New("checkout").
//	    Step("validate", validate).
//	    Step("reserve", reserve, flowtx.WithRollback(release)).
//	    Branch(func(b *flowtx.BranchBuilder) {
//	        b.On(flowtx.When("total > 100"), func(f *flowtx.FlowBuilder) {
//	            f.Step("premium_shipping", premium)
//	        })
//	        b.Otherwise(func(f *flowtx.FlowBuilder) {
//	            f.Step("standard_shipping", standard)
//	        })
//	    }).
//	    Step("notify", notify, flowtx.Optional())
//
// Branch arms are evaluated in order and the first match wins. Branches are
// numbered in pre-order when the plan is built, so their ledger labels
// ("branch_1:on_1", "branch_2:otherwise") are stable across runs.
//
// # StepFunc
//
//	type StepFunc func(ctx context.Context, input any) (any, error)
//
// Without an input mapper a step receives a read-only snapshot of the
// Context. Options add guards (If, Unless, IfExpr), input mapping
// (WithInput, WithExprInput), compensation (WithRollback), retries
// (WithRetry) and failure tolerance (Optional).
//
// # Errors
//
// Failed runs return an *ExecutionError classified as a configuration,
// step execution or transaction failure. Rollback handler failures are
// attached as secondary diagnostics and never replace the original error.
//
// For examples, see the /examples directory.
package flowtx
