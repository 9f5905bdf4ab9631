// Package worker runs the execution side of the queue: a fixed-size pool of
// slots that lease jobs, run them under a timeout, and report the outcome,
// plus the maintenance loop that keeps the backend healthy.
package worker

import (
	"context"
	"encoding/json"
	"math/rand"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/you/enq/internal/domain"
	"github.com/you/enq/internal/queue"
	"github.com/you/enq/internal/retry"
)

// Pool is a fixed set of concurrent execution slots sharing one backend
// handle. Slots coordinate only through the backend's atomic operations.
type Pool struct {
	backend  queue.Backend
	registry *domain.Registry
	logger   *zap.Logger

	workerID       string
	queues         []string
	concurrency    int
	leaseFor       time.Duration
	jobTimeout     time.Duration
	pollInterval   time.Duration
	infraBackoff   time.Duration
	shutdownGrace  time.Duration
	heartbeatEvery time.Duration

	running   atomic.Bool
	active    atomic.Int32
	processed atomic.Int64
	failed    atomic.Int64
	abandoned atomic.Int64
}

// PoolStats exposes execution counters for the status tracker.
type PoolStats struct {
	Processed int64 `json:"processed"`
	Failed    int64 `json:"failed"`
	Abandoned int64 `json:"abandoned"`
	Active    int32 `json:"active"`
	IsRunning bool  `json:"is_running"`
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

func WithQueues(queues ...string) PoolOption {
	return func(p *Pool) {
		if len(queues) > 0 {
			p.queues = queues
		}
	}
}

func WithConcurrency(n int) PoolOption {
	return func(p *Pool) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

// WithLeaseDuration sets the visibility timeout requested on each lease.
func WithLeaseDuration(d time.Duration) PoolOption {
	return func(p *Pool) {
		if d > 0 {
			p.leaseFor = d
		}
	}
}

// WithJobTimeout bounds a single execution. On expiry the slot abandons the
// job and the lease is left to lapse.
func WithJobTimeout(d time.Duration) PoolOption {
	return func(p *Pool) {
		if d > 0 {
			p.jobTimeout = d
		}
	}
}

// WithPollInterval sets the bounded wait between empty lease attempts.
func WithPollInterval(d time.Duration) PoolOption {
	return func(p *Pool) {
		if d > 0 {
			p.pollInterval = d
		}
	}
}

// WithShutdownGrace bounds how long Start waits for in-flight jobs after
// the context is cancelled before force-abandoning them.
func WithShutdownGrace(d time.Duration) PoolOption {
	return func(p *Pool) {
		if d > 0 {
			p.shutdownGrace = d
		}
	}
}

func WithPoolLogger(l *zap.Logger) PoolOption {
	return func(p *Pool) {
		if l != nil {
			p.logger = l
		}
	}
}

func NewPool(backend queue.Backend, registry *domain.Registry, opts ...PoolOption) (*Pool, error) {
	if backend == nil {
		return nil, errors.New("backend is required")
	}
	if registry == nil {
		return nil, errors.New("registry is required")
	}
	host, _ := os.Hostname()
	p := &Pool{
		backend:       backend,
		registry:      registry,
		logger:        zap.NewNop(),
		workerID:      host + ":" + uuid.NewString(),
		queues:        []string{queue.DefaultQueue},
		concurrency:   4,
		leaseFor:      time.Minute,
		jobTimeout:    5 * time.Minute,
		pollInterval:  time.Second,
		infraBackoff:  time.Second,
		shutdownGrace: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.heartbeatEvery = p.leaseFor / 3
	if p.heartbeatEvery < time.Second {
		p.heartbeatEvery = time.Second
	}
	return p, nil
}

// Start runs the slots until ctx is cancelled, then waits up to the
// shutdown grace for in-flight jobs. Jobs still running after the grace are
// abandoned; their leases expire and the next live pool reclaims them.
func (p *Pool) Start(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return errors.New("pool already started")
	}
	defer p.running.Store(false)

	// Closed shutdownGrace after ctx cancellation; slots blocked on an
	// in-flight job give up waiting when it fires.
	force := make(chan struct{})
	go func() {
		<-ctx.Done()
		t := time.NewTimer(p.shutdownGrace)
		defer t.Stop()
		<-t.C
		close(force)
	}()

	p.logger.Info("worker pool started",
		zap.String("worker_id", p.workerID),
		zap.Strings("queues", p.queues),
		zap.Int("concurrency", p.concurrency))

	g := new(errgroup.Group)
	for i := 0; i < p.concurrency; i++ {
		slot := i
		g.Go(func() error {
			p.runSlot(ctx, slot, force)
			return nil
		})
	}
	err := g.Wait()
	p.logger.Info("worker pool stopped", zap.String("worker_id", p.workerID))
	return err
}

// Run adapts Start to the errgroup pattern used in cmd/worker.
func (p *Pool) Run(ctx context.Context) func() error {
	return func() error { return p.Start(ctx) }
}

func (p *Pool) Stats() PoolStats {
	return PoolStats{
		Processed: p.processed.Load(),
		Failed:    p.failed.Load(),
		Abandoned: p.abandoned.Load(),
		Active:    p.active.Load(),
		IsRunning: p.running.Load(),
	}
}

// runSlot is one execution slot: lease, execute, report, repeat.
func (p *Pool) runSlot(ctx context.Context, slot int, force <-chan struct{}) {
	log := p.logger.With(zap.String("worker_id", p.workerID), zap.Int("slot", slot))
	infraFailures := 0

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		j, err := p.backend.Lease(ctx, p.queues, p.workerID, p.leaseFor)
		switch {
		case errors.Is(err, queue.ErrNoJob):
			infraFailures = 0
			p.sleep(ctx, p.pollJitter())
			continue
		case errors.Is(err, queue.ErrUnavailable):
			// Infrastructure trouble is the pool's problem, never the
			// job's: back off locally and retry the lease.
			infraFailures++
			wait := p.infraWait(infraFailures)
			log.Warn("backend unavailable, backing off",
				zap.Duration("wait", wait), zap.Error(err))
			p.sleep(ctx, wait)
			continue
		case err != nil:
			if ctx.Err() != nil {
				return
			}
			infraFailures++
			log.Error("lease failed", zap.Error(err))
			p.sleep(ctx, p.infraWait(infraFailures))
			continue
		}
		infraFailures = 0

		p.execute(ctx, log, j, force)
	}
}

// execute runs one leased job to an ack/nack or an abandon.
func (p *Pool) execute(ctx context.Context, log *zap.Logger, j *domain.Job, force <-chan struct{}) {
	log = log.With(zap.String("job_id", j.ID), zap.String("job_type", j.Type), zap.String("queue", j.Queue))
	p.active.Add(1)
	defer p.active.Add(-1)

	handler, err := p.registry.Resolve(j.Type)
	if err != nil {
		// No handler means every retry would fail the same way; dead
		// letter immediately so an operator can requeue after deploying
		// the missing handler.
		log.Error("no handler registered for job type")
		p.failed.Add(1)
		if nerr := p.backend.Nack(ctx, j.ID, err.Error(), false); nerr != nil {
			log.Error("nack failed", zap.Error(nerr))
		}
		return
	}

	// Execution is detached from the pool context: shutdown must not
	// interrupt a running job mid-flight, the job timeout bounds it.
	execCtx, cancel := context.WithTimeout(context.Background(), p.jobTimeout)
	defer cancel()

	var leaseLost atomic.Bool
	stopHeartbeat := p.heartbeat(execCtx, log, j.ID, &leaseLost, cancel)
	defer stopHeartbeat()

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		done <- p.runHandler(execCtx, handler, j)
	}()

	select {
	case err := <-done:
		stopHeartbeat()
		if leaseLost.Load() {
			// Another worker holds the job now; reporting would violate
			// the single-holder invariant.
			p.abandoned.Add(1)
			log.Warn("lease lost during execution, abandoning result")
			return
		}
		p.report(log, j, err, time.Since(start))

	case <-execCtx.Done():
		// Timed out: abandon the in-flight handler and let the lease
		// expire. The goroutine keeps running; its result is discarded.
		p.abandoned.Add(1)
		log.Error("job timed out, abandoning", zap.Duration("timeout", p.jobTimeout))

	case <-force:
		p.abandoned.Add(1)
		log.Warn("shutdown grace exceeded, abandoning job")
	}
}

func (p *Pool) runHandler(ctx context.Context, handler domain.Handler, j *domain.Job) (retErr error) {
	// A panicking handler must not take the slot down with it.
	defer func() {
		if r := recover(); r != nil {
			retErr = errors.Errorf("panic in handler: %v", r)
		}
	}()
	return handler.Handle(ctx, json.RawMessage(j.Payload))
}

// report acks a success or nacks a failure with its classified retryability.
// The retry policy inside the backend is the single authority on
// requeue-vs-dead-letter; the pool only supplies the classification.
func (p *Pool) report(log *zap.Logger, j *domain.Job, execErr error, took time.Duration) {
	// Reporting happens on a fresh context: the pool may already be
	// shutting down and the outcome still has to reach the backend.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if execErr == nil {
		if err := p.backend.Ack(ctx, j.ID); err != nil {
			log.Error("ack failed", zap.Error(err))
			return
		}
		p.processed.Add(1)
		log.Info("job completed", zap.Duration("took", took), zap.Int("attempt", j.Attempts+1))
		return
	}

	class := retry.Classify(execErr)
	p.failed.Add(1)
	log.Warn("job failed",
		zap.String("class", class.String()),
		zap.Int("attempt", j.Attempts+1),
		zap.Int("max_attempts", j.MaxAttempts),
		zap.Duration("took", took),
		zap.Error(execErr))

	if err := p.backend.Nack(ctx, j.ID, execErr.Error(), class.Retryable()); err != nil {
		log.Error("nack failed", zap.Error(err))
	}
}

// heartbeat extends the lease on a timer while the job runs. Losing the
// lease cancels execution and flags the slot to discard the result.
func (p *Pool) heartbeat(ctx context.Context, log *zap.Logger, id string, leaseLost *atomic.Bool, cancelExec context.CancelFunc) func() {
	stop := make(chan struct{})
	var stopped atomic.Bool

	go func() {
		ticker := time.NewTicker(p.heartbeatEvery)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				hbCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				err := p.backend.ExtendLease(hbCtx, id, p.workerID, p.leaseFor)
				cancel()
				if errors.Is(err, queue.ErrLeaseLost) {
					log.Warn("heartbeat found lease reclaimed")
					leaseLost.Store(true)
					cancelExec()
					return
				}
				if err != nil {
					log.Debug("heartbeat failed", zap.Error(err))
				}
			}
		}
	}()

	return func() {
		if stopped.CompareAndSwap(false, true) {
			close(stop)
		}
	}
}

// pollJitter spreads empty-queue polls so idle slots do not hit the
// backend in lockstep.
func (p *Pool) pollJitter() time.Duration {
	half := p.pollInterval / 2
	return half + time.Duration(rand.Int63n(int64(p.pollInterval)))
}

func (p *Pool) infraWait(failures int) time.Duration {
	wait := p.infraBackoff * time.Duration(1<<uint(minInt(failures-1, 5)))
	if wait > 30*time.Second {
		wait = 30 * time.Second
	}
	return wait
}

func (p *Pool) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
