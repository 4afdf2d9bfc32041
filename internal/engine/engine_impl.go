package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/petrijr/flowtx/internal/persistence"
	"github.com/petrijr/flowtx/pkg/api"
	"github.com/petrijr/flowtx/pkg/txn"
)

// engineImpl is a synchronous, in-process engine. Each run executes in the
// caller's goroutine; runs share nothing but the registered definitions.
type engineImpl struct {
	workflows  *workflowRegistry
	runs       persistence.RunStore
	events     persistence.EventStore
	transactor api.Transactor
	observer   api.Observer
	publisher  api.Publisher
	logger     *slog.Logger

	now   func() time.Time
	newID func() string
}

var (
	_ api.Engine        = (*engineImpl)(nil)
	_ api.HistoryReader = (*engineImpl)(nil)
)

// Config describes how to construct an engineImpl.
// External callers use the helper functions of the flowtx package.
type Config struct {
	// Persistence holds the optional run and event history stores.
	Persistence persistence.Persistence

	// Transactor wraps every run. Defaults to api.NoopTransactor.
	Transactor api.Transactor

	Observer api.Observer

	// Publisher receives every run event as it happens, e.g. an *api.EventBus.
	Publisher api.Publisher

	Logger *slog.Logger
}

// NewEngineWithConfig creates a new Engine using the given configuration.
func NewEngineWithConfig(cfg Config) api.Engine {
	return newEngine(cfg)
}

func newEngine(cfg Config) *engineImpl {
	e := &engineImpl{
		workflows:  newWorkflowRegistry(),
		runs:       cfg.Persistence.Runs,
		events:     cfg.Persistence.Events,
		transactor: cfg.Transactor,
		observer:   cfg.Observer,
		publisher:  cfg.Publisher,
		logger:     cfg.Logger,
		now:        time.Now,
		newID:      uuid.NewString,
	}
	if e.transactor == nil {
		e.transactor = api.NoopTransactor{}
	}
	if e.observer == nil {
		e.observer = api.NoopObserver{}
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e
}

// NewInMemoryEngine returns an Engine keeping run history in memory, with no
// transactional store.
func NewInMemoryEngine() api.Engine {
	return NewInMemoryEngineWithObserver(nil)
}

// NewInMemoryEngineWithObserver returns an in-memory Engine with the given Observer.
func NewInMemoryEngineWithObserver(obs api.Observer) api.Engine {
	return NewEngineWithConfig(Config{
		Persistence: persistence.Persistence{
			Runs:   persistence.NewInMemoryRunStore(),
			Events: persistence.NewInMemoryEventStore(),
		},
		Observer: obs,
	})
}

// NewSQLiteEngine returns an Engine whose runs execute inside SQLite
// transactions on db, with run and event history kept in the same database.
func NewSQLiteEngine(db *sql.DB) (api.Engine, error) {
	return NewSQLiteEngineWithObserver(db, nil)
}

// NewSQLiteEngineWithObserver returns a SQLite-backed Engine with the given Observer.
func NewSQLiteEngineWithObserver(db *sql.DB, obs api.Observer) (api.Engine, error) {
	runs, err := persistence.NewSQLiteRunStore(db)
	if err != nil {
		return nil, err
	}
	events, err := persistence.NewSQLiteEventStore(db)
	if err != nil {
		return nil, err
	}
	return NewEngineWithConfig(Config{
		Persistence: persistence.Persistence{Runs: runs, Events: events},
		Transactor:  txn.NewSQLTransactor(db, nil),
		Observer:    obs,
	}), nil
}

// NewPostgresEngine returns an Engine whose runs execute inside PostgreSQL
// transactions on db. Run history is stored in the same database; events
// are kept in memory.
func NewPostgresEngine(db *sql.DB) (api.Engine, error) {
	return NewPostgresEngineWithObserver(db, nil)
}

// NewPostgresEngineWithObserver returns a Postgres-backed Engine with the given Observer.
func NewPostgresEngineWithObserver(db *sql.DB, obs api.Observer) (api.Engine, error) {
	runs, err := persistence.NewPostgresRunStore(db)
	if err != nil {
		return nil, err
	}
	return NewEngineWithConfig(Config{
		Persistence: persistence.Persistence{
			Runs:   runs,
			Events: persistence.NewInMemoryEventStore(),
		},
		Transactor: txn.NewSQLTransactor(db, nil),
		Observer:   obs,
	}), nil
}

// NewRedisEngine returns an Engine that keeps run history in Redis.
func NewRedisEngine(client *redis.Client) api.Engine {
	return NewRedisEngineWithObserver(client, nil)
}

// NewRedisEngineWithObserver returns a Redis-backed Engine with the given Observer.
func NewRedisEngineWithObserver(client *redis.Client, obs api.Observer) api.Engine {
	return NewEngineWithConfig(Config{
		Persistence: persistence.Persistence{
			Runs:   persistence.NewRedisRunStore(client, "flowtx:"),
			Events: persistence.NewInMemoryEventStore(),
		},
		Observer: obs,
	})
}

// NewMongoEngine returns an Engine that keeps run history in MongoDB.
func NewMongoEngine(client *mongo.Client) api.Engine {
	return NewMongoEngineWithObserver(client, nil)
}

// NewMongoEngineWithObserver returns a Mongo-backed Engine with the given Observer.
func NewMongoEngineWithObserver(client *mongo.Client, obs api.Observer) api.Engine {
	return NewEngineWithConfig(Config{
		Persistence: persistence.Persistence{
			Runs:   persistence.NewMongoRunStore(client, "flowtx", "runs"),
			Events: persistence.NewInMemoryEventStore(),
		},
		Observer: obs,
	})
}

func (e *engineImpl) RegisterWorkflow(def api.WorkflowDefinition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	return e.workflows.Register(def)
}

// Workflows returns the names of registered workflows.
func (e *engineImpl) Workflows() []string {
	return e.workflows.Names()
}

func (e *engineImpl) Run(ctx context.Context, name string, actor any, params api.Params) (*api.ExecutionResult, error) {
	def, err := e.workflows.Get(name)
	if err != nil {
		return nil, err
	}
	return e.execute(ctx, def, actor, params)
}

func (e *engineImpl) Execute(ctx context.Context, def api.WorkflowDefinition, actor any, params api.Params) (*api.ExecutionResult, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return e.execute(ctx, def, actor, params)
}

func (e *engineImpl) execute(ctx context.Context, def api.WorkflowDefinition, actor any, params api.Params) (*api.ExecutionResult, error) {
	h, nested := e.historyFrom(ctx)
	if !nested {
		h = &history{}
		ctx = e.withHistory(ctx, h)
	}

	run := api.RunInfo{ID: e.newID(), Workflow: def.Name, StartedAt: e.now()}
	x := newExecution(e, def, run, api.NewContext(actor, params), e.runObserver(h))
	res := x.execute(ctx)

	if e.runs != nil {
		h.addRun(api.NewRunRecord(res))
	}
	if !nested {
		e.flush(ctx, h)
	}

	if res.Err != nil {
		return res, res.Err
	}
	return res, nil
}

// runObserver combines the configured observer with event publishing for
// one run.
func (e *engineImpl) runObserver(h *history) api.Observer {
	var sinks []api.Publisher
	if e.events != nil {
		sinks = append(sinks, h)
	}
	if e.publisher != nil {
		sinks = append(sinks, e.publisher)
	}
	if len(sinks) == 0 {
		return e.observer
	}
	pub := api.PublisherFunc(func(ctx context.Context, ev api.WorkflowEvent) {
		for _, p := range sinks {
			p.Publish(ctx, ev)
		}
	})
	return api.NewCompositeObserver(e.observer, api.NewPublishingObserver(pub))
}

func (e *engineImpl) GetRun(ctx context.Context, id string) (*api.RunRecord, error) {
	if e.runs == nil {
		return nil, fmt.Errorf("%w: %s", api.ErrRunNotFound, id)
	}
	rec, err := e.runs.GetRun(ctx, id)
	if err != nil {
		if errors.Is(err, persistence.ErrRunNotFound) {
			return nil, fmt.Errorf("%w: %s", api.ErrRunNotFound, id)
		}
		return nil, err
	}
	return rec, nil
}

func (e *engineImpl) ListRuns(ctx context.Context, opts api.RunListOptions) ([]*api.RunRecord, error) {
	if e.runs == nil {
		return []*api.RunRecord{}, nil
	}
	return e.runs.ListRuns(ctx, persistence.RunFilter{
		Workflow: opts.Workflow,
		Status:   opts.Status,
	})
}

func (e *engineImpl) ListEvents(ctx context.Context, runID string) ([]api.WorkflowEvent, error) {
	if e.events == nil {
		return []api.WorkflowEvent{}, nil
	}
	return e.events.ListEvents(ctx, runID)
}
