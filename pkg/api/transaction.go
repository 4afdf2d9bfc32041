package api

import "context"

// Transactor opens the data-store transaction that wraps a run.
//
// Begin returns a derived context that carries the transaction; steps reach
// the store through it. Implementations must support nesting: a Begin on a
// context that already carries one of their transactions opens a savepoint,
// so rolling back the inner scope leaves the outer transaction usable.
type Transactor interface {
	Begin(ctx context.Context) (context.Context, Tx, error)
}

// Tx is an open transaction or savepoint. Exactly one of Commit or Rollback
// is called.
type Tx interface {
	Commit() error
	Rollback() error
}

// NoopTransactor is used when no transactional store is configured.
type NoopTransactor struct{}

func (NoopTransactor) Begin(ctx context.Context) (context.Context, Tx, error) {
	return ctx, noopTx{}, nil
}

type noopTx struct{}

func (noopTx) Commit() error   { return nil }
func (noopTx) Rollback() error { return nil }
