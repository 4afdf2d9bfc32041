package flowtx

import (
	"database/sql"
	"log/slog"
)

// Bundle wires together an Engine running inside database transactions, its
// run history in the same database, an EventBus receiving live events and
// BasicMetrics.
type Bundle struct {
	Engine  Engine
	DB      *sql.DB
	Events  *EventBus
	Metrics *BasicMetrics
}

// NewSQLiteBundle constructs a transactional Engine with history, events and
// metrics sharing the same SQLite database.
//
// Typical usage:
//
//	db, _ := sql.Open("sqlite", "file:flowtx.db?_pragma=busy_timeout(5000)")
//	bundle, err := flowtx.NewSQLiteBundle(db, slog.Default())
//	// register workflows on bundle.Engine
func NewSQLiteBundle(db *sql.DB, logger *slog.Logger, opts ...Option) (*Bundle, error) {
	return newBundle(db, logger, WithSQLiteHistory(db), opts)
}

// NewPostgresBundle is NewSQLiteBundle for PostgreSQL. Events are kept in
// memory.
func NewPostgresBundle(db *sql.DB, logger *slog.Logger, opts ...Option) (*Bundle, error) {
	return newBundle(db, logger, WithPostgresHistory(db), opts)
}

func newBundle(db *sql.DB, logger *slog.Logger, history Option, extra []Option) (*Bundle, error) {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bundle{
		DB:      db,
		Events:  NewEventBus(),
		Metrics: &BasicMetrics{},
	}

	opts := []Option{
		WithSQLTransactor(db),
		history,
		WithPublisher(b.Events),
		WithObserver(NewCompositeObserver(NewLoggingObserver(logger), b.Metrics)),
		WithLogger(logger),
	}
	eng, err := NewEngine(append(opts, extra...)...)
	if err != nil {
		return nil, err
	}
	b.Engine = eng
	return b, nil
}
