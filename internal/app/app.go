// Package app holds the bootstrap shared by the api and worker binaries:
// logger construction and backend selection from config.
package app

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/you/enq/internal/config"
	"github.com/you/enq/internal/queue"
	"github.com/you/enq/internal/retry"
	"github.com/you/enq/internal/storage"
)

// Logger builds the process logger: human-readable in development,
// JSON elsewhere.
func Logger(cfg config.Config) (*zap.Logger, error) {
	if cfg.AppEnv == "development" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// Backend constructs the configured queue backend. The returned close
// function releases the underlying connections and is safe to call once.
func Backend(ctx context.Context, cfg config.Config, logger *zap.Logger) (queue.Backend, func(), error) {
	policy := retry.Policy{
		BaseDelay:  cfg.RetryBaseDelay,
		MaxDelay:   cfg.RetryMaxDelay,
		Multiplier: 2,
		JitterFrac: 0.2,
	}

	switch cfg.Backend {
	case "memory":
		m := queue.NewMemory(
			queue.WithMemoryRetention(cfg.Retention),
			queue.WithMemoryRetryPolicy(policy),
		)
		return m, func() {}, nil

	case "redis":
		rdb := r.NewClient(&r.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			_ = rdb.Close()
			return nil, nil, errors.Wrap(err, "ping redis")
		}
		b := queue.NewRedis(rdb, queue.WithRedisRetryPolicy(policy))
		return b, func() { _ = rdb.Close() }, nil

	case "postgres":
		if err := storage.Migrate(cfg.PostgresDSN); err != nil {
			return nil, nil, errors.Wrap(err, "migrate")
		}
		db, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, errors.Wrap(err, "connect postgres")
		}
		if err := db.Ping(ctx); err != nil {
			db.Close()
			return nil, nil, errors.Wrap(err, "ping postgres")
		}
		st := storage.New(db, storage.WithRetryPolicy(policy))
		return st, func() { db.Close() }, nil

	default:
		return nil, nil, errors.Errorf("unknown backend %q", cfg.Backend)
	}
}
