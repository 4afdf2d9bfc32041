package persistence

import (
	"database/sql"
	"strconv"
)

// PostgresRunStore is a RunStore backed by PostgreSQL.
//
// It expects an *sql.DB that uses a PostgreSQL driver, typically
// "github.com/jackc/pgx/v5/stdlib". The caller is responsible for:
//   - importing the driver for its side effects, e.g.:
//     _ "github.com/jackc/pgx/v5/stdlib"
//   - providing a DSN via sql.Open.
type PostgresRunStore struct {
	sqlRunStore
}

// Ensure PostgresRunStore implements RunStore.
var _ RunStore = (*PostgresRunStore)(nil)

// NewPostgresRunStore initializes the required schema in the given
// database and returns a new PostgresRunStore.
func NewPostgresRunStore(db *sql.DB) (*PostgresRunStore, error) {
	s := &PostgresRunStore{sqlRunStore{
		db:          db,
		placeholder: func(n int) string { return "$" + strconv.Itoa(n) },
	}}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresRunStore) initSchema() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS flowtx_runs (
			id TEXT PRIMARY KEY,
			workflow TEXT NOT NULL,
			status TEXT NOT NULL,
			failing_step TEXT NOT NULL DEFAULT '',
			error_class TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			started_at BIGINT NOT NULL,
			duration_ns BIGINT NOT NULL,
			data BYTEA
		)`); err != nil {
		return err
	}
	_, err := s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_flowtx_runs_workflow ON flowtx_runs(workflow, started_at)`)
	return err
}
