package planfile

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/petrijr/flowtx/pkg/api"
	"github.com/petrijr/flowtx/pkg/txn"
)

// Built-in service names.
const (
	ServiceSQLExec       = "sql.exec"
	ServiceSQLQueryValue = "sql.query_value"
	ServiceLog           = "log"
	ServiceFail          = "fail"
)

// ErrFailRequested is returned by the "fail" service.
var ErrFailRequested = errors.New("failure requested by plan")

// Builtins returns the built-in services. The SQL services run their
// statements inside the run's transaction on db.
func Builtins(db *sql.DB, logger *slog.Logger) map[string]Service {
	if logger == nil {
		logger = slog.Default()
	}
	return map[string]Service{
		ServiceSQLExec:       sqlExec(db),
		ServiceSQLQueryValue: sqlQueryValue(db),
		ServiceLog:           logService(logger),
		ServiceFail:          fail,
	}
}

type sqlInput struct {
	query string
	args  []any
}

func parseSQLInput(input any) (sqlInput, error) {
	m, ok := input.(map[string]any)
	if !ok {
		return sqlInput{}, fmt.Errorf("sql: expected {query, args} input, got %T", input)
	}
	q, _ := m["query"].(string)
	if q == "" {
		return sqlInput{}, errors.New("sql: query is required")
	}
	in := sqlInput{query: q}
	switch args := m["args"].(type) {
	case nil:
	case []any:
		in.args = args
	default:
		return sqlInput{}, fmt.Errorf("sql: args must be a list, got %T", args)
	}
	return in, nil
}

// sqlExec runs a statement and returns the number of affected rows.
func sqlExec(db *sql.DB) Service {
	return func(ctx context.Context, input any) (any, error) {
		in, err := parseSQLInput(input)
		if err != nil {
			return nil, err
		}
		res, err := txn.Querier(ctx, db).ExecContext(ctx, in.query, in.args...)
		if err != nil {
			return nil, err
		}
		return res.RowsAffected()
	}
}

// sqlQueryValue returns the first column of the first row, or nil when the
// query returns no rows.
func sqlQueryValue(db *sql.DB) Service {
	return func(ctx context.Context, input any) (any, error) {
		in, err := parseSQLInput(input)
		if err != nil {
			return nil, err
		}
		var v any
		err = txn.Querier(ctx, db).QueryRowContext(ctx, in.query, in.args...).Scan(&v)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		if b, ok := v.([]byte); ok {
			return string(b), nil
		}
		return v, nil
	}
}

func logService(logger *slog.Logger) Service {
	return func(ctx context.Context, input any) (any, error) {
		attrs := []any{}
		if run, ok := api.RunFromContext(ctx); ok {
			attrs = append(attrs, slog.String("workflow", run.Workflow), slog.String("run_id", run.ID))
		}
		if wc, ok := input.(*api.Context); ok {
			input = wc.Map()
		}
		attrs = append(attrs, slog.Any("input", input))
		logger.InfoContext(ctx, "plan log", attrs...)
		return input, nil
	}
}

// fail always fails. A "message" input field is used as the error text.
func fail(ctx context.Context, input any) (any, error) {
	if m, ok := input.(map[string]any); ok {
		if msg, ok := m["message"].(string); ok && msg != "" {
			return nil, fmt.Errorf("%w: %s", ErrFailRequested, msg)
		}
	}
	return nil, ErrFailRequested
}
