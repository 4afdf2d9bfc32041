// Package txn implements the flowtx transaction boundary on top of
// database/sql.
//
// A run opens one *sql.Tx through SQLTransactor.Begin. Nested runs (and any
// other Begin on a context that already carries a transaction for the same
// *sql.DB) open savepoints instead, so an inner failure can be undone
// without discarding the outer transaction. The engine also wraps every step
// attempt in a savepoint. Steps reach the store through
// Querier, which returns the transaction carried by the context.
package txn

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/petrijr/flowtx/pkg/api"
)

// DBTX is the subset of *sql.DB and *sql.Tx used by steps.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

var (
	_ DBTX = (*sql.DB)(nil)
	_ DBTX = (*sql.Tx)(nil)
)

// ctxKey scopes carried transactions per database handle.
type ctxKey struct{ db *sql.DB }

// scope is the state shared by a root transaction and its savepoints.
type scope struct {
	tx *sql.Tx

	mu   sync.Mutex
	next int
}

func (s *scope) savepointName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	return fmt.Sprintf("flowtx_sp_%d", s.next)
}

// SQLTransactor is an api.Transactor backed by a *sql.DB.
type SQLTransactor struct {
	db   *sql.DB
	opts *sql.TxOptions
}

var _ api.Transactor = (*SQLTransactor)(nil)

// NewSQLTransactor returns a Transactor for db. opts may be nil.
func NewSQLTransactor(db *sql.DB, opts *sql.TxOptions) *SQLTransactor {
	return &SQLTransactor{db: db, opts: opts}
}

// DB returns the underlying handle.
func (t *SQLTransactor) DB() *sql.DB { return t.db }

// Begin opens a transaction, or a savepoint when ctx already carries a
// transaction for the same database.
func (t *SQLTransactor) Begin(ctx context.Context) (context.Context, api.Tx, error) {
	key := ctxKey{db: t.db}
	if s, ok := ctx.Value(key).(*scope); ok {
		name := s.savepointName()
		if _, err := s.tx.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
			return ctx, nil, fmt.Errorf("savepoint %s: %w", name, err)
		}
		return ctx, &savepoint{ctx: ctx, tx: s.tx, name: name}, nil
	}

	tx, err := t.db.BeginTx(ctx, t.opts)
	if err != nil {
		return ctx, nil, err
	}
	return context.WithValue(ctx, key, &scope{tx: tx}), &rootTx{tx: tx}, nil
}

type rootTx struct {
	tx *sql.Tx
}

func (r *rootTx) Commit() error { return r.tx.Commit() }

// Rollback treats an already finished transaction as rolled back:
// database/sql aborts transactions on its own when their context is
// cancelled.
func (r *rootTx) Rollback() error {
	if err := r.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return err
	}
	return nil
}

type savepoint struct {
	ctx  context.Context
	tx   *sql.Tx
	name string
}

func (s *savepoint) Commit() error {
	_, err := s.tx.ExecContext(context.WithoutCancel(s.ctx), "RELEASE SAVEPOINT "+s.name)
	return err
}

// Rollback undoes the savepoint. A transaction that database/sql already
// aborted counts as rolled back; the root Rollback reports nothing either.
func (s *savepoint) Rollback() error {
	ctx := context.WithoutCancel(s.ctx)
	_, err := s.tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+s.name)
	if err == nil {
		_, err = s.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+s.name)
	}
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return err
}

// FromContext returns the transaction ctx carries for db, if any.
func FromContext(ctx context.Context, db *sql.DB) (*sql.Tx, bool) {
	s, ok := ctx.Value(ctxKey{db: db}).(*scope)
	if !ok {
		return nil, false
	}
	return s.tx, true
}

// Querier returns the transaction ctx carries for db, or db itself outside
// of a run.
func Querier(ctx context.Context, db *sql.DB) DBTX {
	if tx, ok := FromContext(ctx, db); ok {
		return tx
	}
	return db
}
