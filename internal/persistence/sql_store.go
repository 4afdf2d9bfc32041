package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/petrijr/flowtx/pkg/api"
)

// sqlRunStore holds the queries shared by the SQLite and PostgreSQL run
// stores. Only placeholders and column types differ between the two.
type sqlRunStore struct {
	db          *sql.DB
	placeholder func(n int) string
}

const runColumns = `id, workflow, status, failing_step, error_class, error, started_at, duration_ns, data`

func (s *sqlRunStore) bind(n int) string {
	ph := make([]string, n)
	for i := range ph {
		ph[i] = s.placeholder(i + 1)
	}
	return strings.Join(ph, ", ")
}

func (s *sqlRunStore) SaveRun(ctx context.Context, rec *api.RunRecord) error {
	data, err := encodeRunData(rec)
	if err != nil {
		return fmt.Errorf("encode run %s: %w", rec.ID, err)
	}

	query := `INSERT INTO flowtx_runs (` + runColumns + `) VALUES (` + s.bind(9) + `)
		ON CONFLICT (id) DO UPDATE SET
			workflow = excluded.workflow,
			status = excluded.status,
			failing_step = excluded.failing_step,
			error_class = excluded.error_class,
			error = excluded.error,
			started_at = excluded.started_at,
			duration_ns = excluded.duration_ns,
			data = excluded.data`

	_, err = s.db.ExecContext(ctx, query,
		rec.ID,
		rec.Workflow,
		string(rec.Status),
		rec.FailingStep,
		string(rec.ErrorClass),
		rec.Error,
		unixNano(rec.StartedAt),
		int64(rec.Duration),
		data,
	)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*api.RunRecord, error) {
	var (
		rec                api.RunRecord
		status, errorClass string
		startedAt, durNs   int64
		data               []byte
	)
	if err := row.Scan(&rec.ID, &rec.Workflow, &status, &rec.FailingStep, &errorClass, &rec.Error, &startedAt, &durNs, &data); err != nil {
		return nil, err
	}
	rec.Status = api.Status(status)
	rec.ErrorClass = api.ErrorClass(errorClass)
	rec.StartedAt = fromUnixNano(startedAt)
	rec.Duration = time.Duration(durNs)
	if err := decodeRunData(data, &rec); err != nil {
		return nil, fmt.Errorf("decode run %s: %w", rec.ID, err)
	}
	return &rec, nil
}

func (s *sqlRunStore) GetRun(ctx context.Context, id string) (*api.RunRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM flowtx_runs WHERE id = `+s.placeholder(1), id)
	rec, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	return rec, err
}

func (s *sqlRunStore) ListRuns(ctx context.Context, filter RunFilter) ([]*api.RunRecord, error) {
	query := `SELECT ` + runColumns + ` FROM flowtx_runs`
	var args []any
	var clauses []string

	if filter.Workflow != "" {
		args = append(args, filter.Workflow)
		clauses = append(clauses, "workflow = "+s.placeholder(len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		clauses = append(clauses, "status = "+s.placeholder(len(args)))
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY started_at ASC, id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*api.RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, rec)
	}
	return runs, rows.Err()
}
