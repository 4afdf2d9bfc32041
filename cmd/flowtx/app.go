package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	_ "modernc.org/sqlite"

	"github.com/petrijr/flowtx"
	"github.com/petrijr/flowtx/internal/config"
	"github.com/petrijr/flowtx/pkg/planfile"
)

// app holds the resources shared by the CLI commands.
type app struct {
	engine   flowtx.Engine
	services *planfile.Registry
	logger   *slog.Logger

	closers []func() error
}

func driverName(driver string) string {
	if driver == "postgres" {
		return "pgx"
	}
	return "sqlite"
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{logger: logger, services: planfile.NewRegistry()}

	db, err := sql.Open(driverName(cfg.Database.Driver), cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	a.closers = append(a.closers, db.Close)
	if err := db.PingContext(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	a.services.RegisterAll(planfile.Builtins(db, logger))

	eng, err := a.newEngine(ctx, cfg, db)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.engine = eng
	return a, nil
}

func (a *app) newEngine(ctx context.Context, cfg *config.Config, db *sql.DB) (flowtx.Engine, error) {
	switch cfg.History.Backend {
	case config.BackendDatabase:
		var (
			b   *flowtx.Bundle
			err error
		)
		if cfg.Database.Driver == "postgres" {
			b, err = flowtx.NewPostgresBundle(db, a.logger)
		} else {
			b, err = flowtx.NewSQLiteBundle(db, a.logger)
		}
		if err != nil {
			return nil, err
		}
		return b.Engine, nil

	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.History.RedisAddr})
		a.closers = append(a.closers, client.Close)
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		return a.engineWith(db, flowtx.WithRedisHistory(client, "flowtx:"))

	case config.BackendMongo:
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(cfg.History.MongoURI))
		if err != nil {
			return nil, fmt.Errorf("connect mongo: %w", err)
		}
		a.closers = append(a.closers, func() error {
			return client.Disconnect(context.Background())
		})
		return a.engineWith(db, flowtx.WithMongoHistory(client, "flowtx", "runs"))

	default:
		return a.engineWith(db, flowtx.WithInMemoryHistory())
	}
}

func (a *app) engineWith(db *sql.DB, history flowtx.Option) (flowtx.Engine, error) {
	return flowtx.NewEngine(
		flowtx.WithSQLTransactor(db),
		history,
		flowtx.WithObserver(flowtx.NewLoggingObserver(a.logger)),
		flowtx.WithLogger(a.logger),
	)
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close failed", "err", err)
		}
	}
	a.closers = nil
}
