package worker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/you/enq/internal/domain"
	"github.com/you/enq/internal/queue"
	"github.com/you/enq/internal/retry"
)

func fastPolicy() retry.Policy {
	return retry.Policy{BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}
}

func newTestBackend() *queue.Memory {
	return queue.NewMemory(
		queue.WithMemoryRetryPolicy(fastPolicy()),
		queue.WithMemoryRetention(time.Hour),
	)
}

func newTestPool(t *testing.T, backend queue.Backend, registry *domain.Registry, opts ...PoolOption) *Pool {
	t.Helper()
	base := []PoolOption{
		WithConcurrency(1),
		WithPollInterval(5 * time.Millisecond),
		WithLeaseDuration(time.Second),
		WithJobTimeout(time.Second),
		WithShutdownGrace(2 * time.Second),
	}
	p, err := NewPool(backend, registry, append(base, opts...)...)
	require.NoError(t, err)
	return p
}

// startPool runs the pool in the background and returns a stop function
// that cancels it and waits for Start to return.
func startPool(t *testing.T, p *Pool) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Start(ctx) }()

	return func() {
		cancel()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("pool did not stop in time")
		}
	}
}

func enqueue(t *testing.T, backend queue.Backend, jobType string, opts ...queue.EnqueueOption) string {
	t.Helper()
	id, err := queue.NewEnqueuer(backend).Enqueue(context.Background(), "default", jobType, nil, opts...)
	require.NoError(t, err)
	return id
}

func waitForStatus(t *testing.T, backend queue.Backend, id string, want domain.Status) *domain.Job {
	t.Helper()
	var got *domain.Job
	require.Eventually(t, func() bool {
		j, err := backend.Get(context.Background(), id)
		if err != nil {
			return false
		}
		got = j
		return j.Status == want
	}, 5*time.Second, 5*time.Millisecond, "job %s never reached %s", id, want)
	return got
}

func TestPoolRetriesTransientFailuresThenSucceeds(t *testing.T) {
	t.Parallel()
	backend := newTestBackend()

	var calls atomic.Int32
	registry := domain.NewRegistry()
	registry.Register(domain.NewHandler("flaky", func(ctx context.Context, _ struct{}) error {
		if calls.Add(1) <= 2 {
			return errors.New("upstream hiccup")
		}
		return nil
	}))

	stop := startPool(t, newTestPool(t, backend, registry))
	defer stop()

	id := enqueue(t, backend, "flaky", queue.WithMaxAttempts(5))

	j := waitForStatus(t, backend, id, domain.Completed)
	assert.Equal(t, 3, j.Attempts, "two failed executions plus the successful one")
	assert.Equal(t, int32(3), calls.Load())
}

func TestPoolDeadLettersPermanentFailureImmediately(t *testing.T) {
	t.Parallel()
	backend := newTestBackend()

	var calls atomic.Int32
	registry := domain.NewRegistry()
	registry.Register(domain.NewHandler("doomed", func(ctx context.Context, _ struct{}) error {
		calls.Add(1)
		return retry.MarkPermanent(errors.New("validation failed"))
	}))

	stop := startPool(t, newTestPool(t, backend, registry))
	defer stop()

	id := enqueue(t, backend, "doomed", queue.WithMaxAttempts(5))

	j := waitForStatus(t, backend, id, domain.DeadLettered)
	assert.Equal(t, 1, j.Attempts, "permanent failures must not burn retries")
	assert.Equal(t, int32(1), calls.Load())

	dls, err := backend.DeadLetters(context.Background(), "default", 10, 0)
	require.NoError(t, err)
	require.Len(t, dls, 1)
	assert.Contains(t, dls[0].LastError, "validation failed")
}

func TestPoolDeadLettersAfterMaxAttempts(t *testing.T) {
	t.Parallel()
	backend := newTestBackend()

	var calls atomic.Int32
	registry := domain.NewRegistry()
	registry.Register(domain.NewHandler("always-fails", func(ctx context.Context, _ struct{}) error {
		calls.Add(1)
		return errors.New("still broken")
	}))

	stop := startPool(t, newTestPool(t, backend, registry))
	defer stop()

	id := enqueue(t, backend, "always-fails", queue.WithMaxAttempts(2))

	j := waitForStatus(t, backend, id, domain.DeadLettered)
	assert.Equal(t, 2, j.Attempts)
	assert.Equal(t, int32(2), calls.Load())
	require.NotNil(t, j.LastError)
	assert.Equal(t, "still broken", *j.LastError)
}

func TestPoolDeadLettersUnknownJobType(t *testing.T) {
	t.Parallel()
	backend := newTestBackend()

	registry := domain.NewRegistry()
	registry.Register(domain.NewHandler("known", func(ctx context.Context, _ struct{}) error {
		return nil
	}))

	stop := startPool(t, newTestPool(t, backend, registry))
	defer stop()

	id := enqueue(t, backend, "unknown-type", queue.WithMaxAttempts(5))

	j := waitForStatus(t, backend, id, domain.DeadLettered)
	assert.Equal(t, 1, j.Attempts)
	require.NotNil(t, j.LastError)
	assert.Contains(t, *j.LastError, "unknown job type")
}

func TestPoolDeadLettersPanickingHandler(t *testing.T) {
	t.Parallel()
	backend := newTestBackend()

	registry := domain.NewRegistry()
	registry.Register(domain.NewHandler("panics", func(ctx context.Context, _ struct{}) error {
		panic("handler bug")
	}))

	stop := startPool(t, newTestPool(t, backend, registry))
	defer stop()

	id := enqueue(t, backend, "panics", queue.WithMaxAttempts(1))

	j := waitForStatus(t, backend, id, domain.DeadLettered)
	require.NotNil(t, j.LastError)
	assert.Contains(t, *j.LastError, "panic in handler")
}

func TestPoolAbandonsTimedOutJob(t *testing.T) {
	t.Parallel()
	backend := newTestBackend()

	registry := domain.NewRegistry()
	registry.Register(domain.NewHandler("slow", func(ctx context.Context, _ struct{}) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Second):
			return nil
		}
	}))

	pool := newTestPool(t, backend, registry,
		WithJobTimeout(30*time.Millisecond),
		WithLeaseDuration(80*time.Millisecond),
	)
	stop := startPool(t, pool)

	id := enqueue(t, backend, "slow", queue.WithMaxAttempts(3))

	require.Eventually(t, func() bool {
		return pool.Stats().Abandoned >= 1
	}, 5*time.Second, 5*time.Millisecond)
	stop()

	// The abandoned job is neither acked nor nacked: it stays leased until
	// the lease lapses and maintenance hands it back.
	j, err := backend.Get(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, domain.Leased, j.Status)
	assert.Zero(t, j.Attempts)

	time.Sleep(100 * time.Millisecond)
	n, err := backend.ReclaimExpired(context.Background())
	require.NoError(t, err)
	require.GreaterOrEqual(t, n, 1)

	j, err = backend.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.Pending, j.Status)
	assert.Zero(t, j.Attempts, "a timeout is not a recorded execution failure")
}

func TestPoolDrainsInFlightJobOnShutdown(t *testing.T) {
	t.Parallel()
	backend := newTestBackend()

	started := make(chan struct{})
	registry := domain.NewRegistry()
	registry.Register(domain.NewHandler("steady", func(ctx context.Context, _ struct{}) error {
		close(started)
		time.Sleep(100 * time.Millisecond)
		return nil
	}))

	pool := newTestPool(t, backend, registry)
	stop := startPool(t, pool)

	id := enqueue(t, backend, "steady")

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("job never started")
	}
	stop()

	j, err := backend.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.Completed, j.Status)
	assert.Equal(t, int64(1), pool.Stats().Processed)
}

func TestPoolConcurrentSlotsShareTheQueue(t *testing.T) {
	t.Parallel()
	backend := newTestBackend()

	var done atomic.Int32
	registry := domain.NewRegistry()
	registry.Register(domain.NewHandler("count", func(ctx context.Context, _ struct{}) error {
		done.Add(1)
		return nil
	}))

	pool := newTestPool(t, backend, registry, WithConcurrency(4))
	stop := startPool(t, pool)
	defer stop()

	const jobs = 20
	ids := make([]string, jobs)
	for i := range ids {
		ids[i] = enqueue(t, backend, "count")
	}

	require.Eventually(t, func() bool {
		return done.Load() == jobs
	}, 5*time.Second, 5*time.Millisecond)

	for _, id := range ids {
		waitForStatus(t, backend, id, domain.Completed)
	}
	assert.Equal(t, int64(jobs), pool.Stats().Processed)
}

func TestNewPoolValidation(t *testing.T) {
	t.Parallel()

	_, err := NewPool(nil, domain.NewRegistry())
	require.Error(t, err)

	_, err = NewPool(newTestBackend(), nil)
	require.Error(t, err)
}
