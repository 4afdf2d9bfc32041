package flowtx

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/petrijr/flowtx/internal/engine"
	"github.com/petrijr/flowtx/internal/persistence"
	"github.com/petrijr/flowtx/pkg/api"
	"github.com/petrijr/flowtx/pkg/txn"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Engine               = api.Engine
	WorkflowDefinition   = api.WorkflowDefinition
	StepDefinition       = api.StepDefinition
	BranchNode           = api.BranchNode
	BranchArm            = api.BranchArm
	Node                 = api.Node
	Context              = api.Context
	Ledger               = api.Ledger
	Params               = api.Params
	StepFunc             = api.StepFunc
	InputMapper          = api.InputMapper
	Predicate            = api.Predicate
	RollbackFunc         = api.RollbackFunc
	RetryPolicy          = api.RetryPolicy
	ExecutionResult      = api.ExecutionResult
	ExecutionError       = api.ExecutionError
	ErrorClass           = api.ErrorClass
	RunRecord            = api.RunRecord
	RunListOptions       = api.RunListOptions
	Status               = api.Status
	Transactor           = api.Transactor
	WorkflowEvent        = api.WorkflowEvent
	EventBus             = api.EventBus
	Publisher            = api.Publisher
	Observer             = api.Observer
	LoggingObserver      = api.LoggingObserver
	BasicMetrics         = api.BasicMetrics
	BasicMetricsSnapshot = api.BasicMetricsSnapshot
	CompositeObserver    = api.CompositeObserver
	NoopObserver         = api.NoopObserver
	RunInfo              = api.RunInfo
)

// Re-export common observer helpers.

var (
	NewLoggingObserver    = api.NewLoggingObserver
	NewCompositeObserver  = api.NewCompositeObserver
	NewPublishingObserver = api.NewPublishingObserver
	NewEventBus           = api.NewEventBus
)

const (
	StatusRunning   = api.StatusRunning
	StatusCompleted = api.StatusCompleted
	StatusFailed    = api.StatusFailed

	ClassConfiguration = api.ClassConfiguration
	ClassStep          = api.ClassStep
	ClassTransaction   = api.ClassTransaction
)

// Engine constructors
// These wrap the internal/engine package so external callers
// never need to import internal packages.

// NewInMemoryEngine returns an Engine keeping run and event history in
// memory, with no transactional store.
func NewInMemoryEngine() Engine {
	return engine.NewInMemoryEngine()
}

// NewInMemoryEngineWithObserver returns an in-memory Engine with the given Observer.
func NewInMemoryEngineWithObserver(obs Observer) Engine {
	return engine.NewInMemoryEngineWithObserver(obs)
}

// NewSQLiteEngine returns an Engine whose runs execute inside transactions
// on db. Run and event history live in the same database.
func NewSQLiteEngine(db *sql.DB) (Engine, error) {
	return engine.NewSQLiteEngine(db)
}

// NewSQLiteEngineWithObserver returns a SQLite-backed Engine with the given Observer.
func NewSQLiteEngineWithObserver(db *sql.DB, obs Observer) (Engine, error) {
	return engine.NewSQLiteEngineWithObserver(db, obs)
}

// NewPostgresEngine returns an Engine whose runs execute inside PostgreSQL
// transactions on db.
func NewPostgresEngine(db *sql.DB) (Engine, error) {
	return engine.NewPostgresEngine(db)
}

// NewPostgresEngineWithObserver returns a Postgres-backed Engine with the given Observer.
func NewPostgresEngineWithObserver(db *sql.DB, obs Observer) (Engine, error) {
	return engine.NewPostgresEngineWithObserver(db, obs)
}

// NewRedisEngine returns an Engine that keeps run history in Redis.
func NewRedisEngine(client *redis.Client) Engine {
	return engine.NewRedisEngine(client)
}

// NewRedisEngineWithObserver returns a Redis-backed Engine with the given Observer.
func NewRedisEngineWithObserver(client *redis.Client, obs Observer) Engine {
	return engine.NewRedisEngineWithObserver(client, obs)
}

// NewMongoEngine returns an Engine that keeps run history in MongoDB.
func NewMongoEngine(client *mongo.Client) Engine {
	return engine.NewMongoEngine(client)
}

// NewMongoEngineWithObserver returns a Mongo-backed Engine with the given Observer.
func NewMongoEngineWithObserver(client *mongo.Client, obs Observer) Engine {
	return engine.NewMongoEngineWithObserver(client, obs)
}

// Option configures NewEngine.
type Option func(*options) error

type options struct {
	cfg engine.Config
}

// WithTransactor wraps every run in transactions opened by t.
func WithTransactor(t Transactor) Option {
	return func(o *options) error {
		o.cfg.Transactor = t
		return nil
	}
}

// WithSQLTransactor wraps every run in a database/sql transaction on db.
// Nested runs use savepoints.
func WithSQLTransactor(db *sql.DB) Option {
	return WithTransactor(txn.NewSQLTransactor(db, nil))
}

func WithObserver(obs Observer) Option {
	return func(o *options) error {
		o.cfg.Observer = obs
		return nil
	}
}

// WithPublisher forwards every run event to p as it happens.
func WithPublisher(p Publisher) Option {
	return func(o *options) error {
		o.cfg.Publisher = p
		return nil
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) error {
		o.cfg.Logger = l
		return nil
	}
}

// WithInMemoryHistory keeps run and event history in memory.
func WithInMemoryHistory() Option {
	return func(o *options) error {
		o.cfg.Persistence = persistence.Persistence{
			Runs:   persistence.NewInMemoryRunStore(),
			Events: persistence.NewInMemoryEventStore(),
		}
		return nil
	}
}

// WithSQLiteHistory keeps run and event history in a SQLite database.
func WithSQLiteHistory(db *sql.DB) Option {
	return func(o *options) error {
		runs, err := persistence.NewSQLiteRunStore(db)
		if err != nil {
			return err
		}
		events, err := persistence.NewSQLiteEventStore(db)
		if err != nil {
			return err
		}
		o.cfg.Persistence = persistence.Persistence{Runs: runs, Events: events}
		return nil
	}
}

// WithPostgresHistory keeps run history in PostgreSQL and events in memory.
func WithPostgresHistory(db *sql.DB) Option {
	return func(o *options) error {
		runs, err := persistence.NewPostgresRunStore(db)
		if err != nil {
			return err
		}
		o.cfg.Persistence = persistence.Persistence{
			Runs:   runs,
			Events: persistence.NewInMemoryEventStore(),
		}
		return nil
	}
}

// WithRedisHistory keeps run history in Redis under keys starting with
// prefix, and events in memory.
func WithRedisHistory(client *redis.Client, prefix string) Option {
	return func(o *options) error {
		o.cfg.Persistence = persistence.Persistence{
			Runs:   persistence.NewRedisRunStore(client, prefix),
			Events: persistence.NewInMemoryEventStore(),
		}
		return nil
	}
}

// WithMongoHistory keeps run history in the given MongoDB collection, and
// events in memory.
func WithMongoHistory(client *mongo.Client, database, collection string) Option {
	return func(o *options) error {
		o.cfg.Persistence = persistence.Persistence{
			Runs:   persistence.NewMongoRunStore(client, database, collection),
			Events: persistence.NewInMemoryEventStore(),
		}
		return nil
	}
}

// NewEngine assembles an Engine from opts. Without options it behaves like
// an engine with no transactional store and no history.
func NewEngine(opts ...Option) (Engine, error) {
	var o options
	for _, opt := range opts {
		if err := opt(&o); err != nil {
			return nil, err
		}
	}
	return engine.NewEngineWithConfig(o.cfg), nil
}

// Convenience helpers that just forward to the underlying Engine.

// Run runs a registered workflow synchronously.
func Run(ctx context.Context, eng Engine, name string, actor any, params Params) (*ExecutionResult, error) {
	return eng.Run(ctx, name, actor, params)
}

// Execute runs def without registering it.
func Execute(ctx context.Context, eng Engine, def WorkflowDefinition, actor any, params Params) (*ExecutionResult, error) {
	return eng.Execute(ctx, def, actor, params)
}

// GetRun fetches a run summary by ID.
func GetRun(ctx context.Context, eng Engine, id string) (*RunRecord, error) {
	return eng.GetRun(ctx, id)
}

// ListRuns lists run summaries according to the given options.
func ListRuns(ctx context.Context, eng Engine, opts RunListOptions) ([]*RunRecord, error) {
	return eng.ListRuns(ctx, opts)
}

// ErrHistoryUnsupported is returned by ListEvents for engines that do not
// record event history.
var ErrHistoryUnsupported = errors.New("engine does not record event history")

// ListEvents returns the event history of a run.
func ListEvents(ctx context.Context, eng Engine, runID string) ([]WorkflowEvent, error) {
	hr, ok := eng.(api.HistoryReader)
	if !ok {
		return nil, ErrHistoryUnsupported
	}
	return hr.ListEvents(ctx, runID)
}

// Sentinel errors, re-exported for errors.Is.
var (
	ErrNoMatchingBranch  = api.ErrNoMatchingBranch
	ErrInvalidDefinition = api.ErrInvalidDefinition
	ErrDuplicateStep     = api.ErrDuplicateStep
	ErrWorkflowNotFound  = api.ErrWorkflowNotFound
	ErrWorkflowExists    = api.ErrWorkflowExists
	ErrRunNotFound       = api.ErrRunNotFound
)

// ClassOf classifies a run error.
func ClassOf(err error) ErrorClass {
	return api.ClassOf(err)
}
