package main

import (
	"context"
	"encoding/json"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/you/enq/internal/app"
	"github.com/you/enq/internal/config"
	"github.com/you/enq/internal/domain"
	"github.com/you/enq/internal/scheduler"
	"github.com/you/enq/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	logger, err := app.Logger(cfg)
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backend, closeBackend, err := app.Backend(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("backend init failed", zap.Error(err))
	}
	defer closeBackend()

	registry := domain.NewRegistry()
	registerHandlers(registry, logger)

	pool, err := worker.NewPool(backend, registry,
		worker.WithQueues(cfg.WorkerQueues...),
		worker.WithConcurrency(cfg.WorkerConcurrency),
		worker.WithLeaseDuration(cfg.LeaseDuration),
		worker.WithJobTimeout(cfg.JobTimeout),
		worker.WithPollInterval(cfg.PollInterval),
		worker.WithShutdownGrace(cfg.ShutdownGrace),
		worker.WithPoolLogger(logger),
	)
	if err != nil {
		logger.Fatal("pool init failed", zap.Error(err))
	}

	maint, err := worker.NewMaintenance(backend,
		worker.WithSweepInterval(cfg.SweepInterval),
		worker.WithRetention(cfg.Retention),
		worker.WithMaintenanceLogger(logger),
	)
	if err != nil {
		logger.Fatal("maintenance init failed", zap.Error(err))
	}

	sched, err := scheduler.New(backend,
		scheduler.WithTickInterval(cfg.SchedulerTick),
		scheduler.WithLogger(logger),
	)
	if err != nil {
		logger.Fatal("scheduler init failed", zap.Error(err))
	}
	if err := registerSchedules(sched, cfg); err != nil {
		logger.Fatal("schedule registration failed", zap.Error(err))
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(pool.Run(ctx))
	g.Go(maint.Run(ctx))
	g.Go(sched.Run(ctx))

	if err := g.Wait(); err != nil {
		logger.Fatal("worker exited", zap.Error(err))
	}
	logger.Info("worker shut down cleanly")
}

type heartbeatPayload struct {
	Source string `json:"source"`
}

// registerHandlers binds job types to their handlers. Application job types
// get registered here alongside the built-in ones.
func registerHandlers(registry *domain.Registry, logger *zap.Logger) {
	registry.Register(
		domain.NewHandler("enq.heartbeat", func(ctx context.Context, p heartbeatPayload) error {
			logger.Debug("heartbeat", zap.String("source", p.Source))
			return nil
		}),
		domain.NewHandler("enq.echo", func(ctx context.Context, p json.RawMessage) error {
			logger.Info("echo", zap.ByteString("payload", p))
			return nil
		}),
	)
}

// registerSchedules declares the recurring jobs this worker fleet owns.
func registerSchedules(sched *scheduler.Scheduler, cfg config.Config) error {
	return sched.Add(scheduler.Definition{
		Name:     "enq.heartbeat",
		Schedule: scheduler.Every(time.Minute),
		Queue:    cfg.WorkerQueues[0],
		JobType:  "enq.heartbeat",
		Payload:  heartbeatPayload{Source: "scheduler"},
	})
}
