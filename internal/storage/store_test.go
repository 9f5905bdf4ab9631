package storage

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/you/enq/internal/domain"
	"github.com/you/enq/internal/queue"
	"github.com/you/enq/internal/retry"
)

// setupStore connects to the database named by POSTGRES_DSN, applies
// migrations and wipes the tables. Tests are skipped when no DSN is set.
func setupStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_DSN not set")
	}

	require.NoError(t, Migrate(dsn))

	ctx := context.Background()
	db, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(db.Close)

	_, err = db.Exec(ctx, `truncate jobs, dead_letters, schedules`)
	require.NoError(t, err)

	return New(db, WithRetryPolicy(retry.Policy{
		BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2,
	}))
}

func pgJob(queueName string, mutate ...func(*domain.Job)) *domain.Job {
	now := time.Now().UTC()
	j := &domain.Job{
		ID:          uuid.NewString(),
		Queue:       queueName,
		Type:        "work",
		Payload:     []byte(`{}`),
		Status:      domain.Pending,
		MaxAttempts: 3,
		AvailableAt: now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	for _, fn := range mutate {
		fn(j)
	}
	return j
}

func TestStoreLeaseLifecycle(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	j := pgJob("default")
	require.NoError(t, s.Enqueue(ctx, j))

	got, err := s.Lease(ctx, []string{"default"}, "w1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, j.ID, got.ID)
	assert.Equal(t, domain.Leased, got.Status)
	require.NotNil(t, got.LeaseOwner)
	assert.Equal(t, "w1", *got.LeaseOwner)

	_, err = s.Lease(ctx, []string{"default"}, "w2", time.Minute)
	require.ErrorIs(t, err, queue.ErrNoJob)

	require.NoError(t, s.Ack(ctx, j.ID))
	final, err := s.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.Completed, final.Status)
	assert.Equal(t, 1, final.Attempts)
}

func TestStoreConcurrentLeaseIsExclusive(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	const jobs = 20
	for i := 0; i < jobs; i++ {
		require.NoError(t, s.Enqueue(ctx, pgJob("default")))
	}

	var mu sync.Mutex
	claimed := make(map[string]int)
	var wg sync.WaitGroup
	for w := 0; w < 2*jobs; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			j, err := s.Lease(ctx, []string{"default"}, uuid.NewString(), time.Minute)
			if err != nil {
				return
			}
			mu.Lock()
			claimed[j.ID]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Len(t, claimed, jobs)
	for id, n := range claimed {
		assert.Equal(t, 1, n, "job %s claimed twice", id)
	}
}

func TestStoreLeaseOrdering(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	at := time.Now().UTC().Add(-time.Second)
	low := pgJob("default", func(j *domain.Job) { j.Priority = 0; j.CreatedAt = at })
	high := pgJob("default", func(j *domain.Job) { j.Priority = 9; j.CreatedAt = at.Add(time.Millisecond) })
	require.NoError(t, s.Enqueue(ctx, low))
	require.NoError(t, s.Enqueue(ctx, high))

	first, err := s.Lease(ctx, []string{"default"}, "w", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, high.ID, first.ID)
}

func TestStoreNackRetryAndDeadLetter(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	j := pgJob("default", func(j *domain.Job) { j.MaxAttempts = 2 })
	require.NoError(t, s.Enqueue(ctx, j))

	_, err := s.Lease(ctx, []string{"default"}, "w", time.Minute)
	require.NoError(t, err)
	require.NoError(t, s.Nack(ctx, j.ID, "try 1", true))

	got, err := s.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.Pending, got.Status)
	assert.Equal(t, 1, got.Attempts)

	// Let the millisecond backoff lapse, then fail the final attempt.
	require.Eventually(t, func() bool {
		_, err := s.Lease(ctx, []string{"default"}, "w", time.Minute)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, s.Nack(ctx, j.ID, "try 2", true))

	got, err = s.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DeadLettered, got.Status)
	assert.Equal(t, 2, got.Attempts)

	dls, err := s.DeadLetters(ctx, "default", 10, 0)
	require.NoError(t, err)
	require.Len(t, dls, 1)
	assert.Equal(t, j.ID, dls[0].JobID)
	assert.Equal(t, "try 2", dls[0].LastError)
}

func TestStoreReclaimAndExtend(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	j := pgJob("default")
	require.NoError(t, s.Enqueue(ctx, j))
	_, err := s.Lease(ctx, []string{"default"}, "w1", 50*time.Millisecond)
	require.NoError(t, err)

	require.NoError(t, s.ExtendLease(ctx, j.ID, "w1", 50*time.Millisecond))
	require.ErrorIs(t, s.ExtendLease(ctx, j.ID, "intruder", time.Minute), queue.ErrLeaseLost)

	time.Sleep(100 * time.Millisecond)
	n, err := s.ReclaimExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.ErrorIs(t, s.ExtendLease(ctx, j.ID, "w1", time.Minute), queue.ErrLeaseLost)

	got, err := s.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.Pending, got.Status)
	assert.Zero(t, got.Attempts)
}

func TestStorePromoteDue(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	due := pgJob("default", func(j *domain.Job) {
		j.Status = domain.Delayed
		j.AvailableAt = time.Now().UTC().Add(-time.Second)
	})
	notYet := pgJob("default", func(j *domain.Job) {
		j.Status = domain.Delayed
		j.AvailableAt = time.Now().UTC().Add(time.Hour)
	})
	require.NoError(t, s.Enqueue(ctx, due))
	require.NoError(t, s.Enqueue(ctx, notYet))

	n, err := s.PromoteDue(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.Get(ctx, due.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.Pending, got.Status)

	got, err = s.Get(ctx, notYet.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.Delayed, got.Status)
}

func TestStoreDedupeKey(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	key := "order-42"
	first := pgJob("default", func(j *domain.Job) { j.DedupeKey = &key })
	require.NoError(t, s.Enqueue(ctx, first))

	dup := pgJob("default", func(j *domain.Job) { j.DedupeKey = &key })
	require.ErrorIs(t, s.Enqueue(ctx, dup), queue.ErrDuplicate)

	// The partial index frees the key once the holder is terminal.
	_, err := s.Lease(ctx, []string{"default"}, "w", time.Minute)
	require.NoError(t, err)
	require.NoError(t, s.Ack(ctx, first.ID))

	again := pgJob("default", func(j *domain.Job) { j.DedupeKey = &key })
	require.NoError(t, s.Enqueue(ctx, again))
}

func TestStoreRequeue(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	j := pgJob("default", func(j *domain.Job) { j.MaxAttempts = 1 })
	require.NoError(t, s.Enqueue(ctx, j))
	_, err := s.Lease(ctx, []string{"default"}, "w", time.Minute)
	require.NoError(t, err)
	require.NoError(t, s.Nack(ctx, j.ID, "boom", true))

	require.NoError(t, s.Requeue(ctx, j.ID))

	got, err := s.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.Pending, got.Status)
	assert.Zero(t, got.Attempts)

	dls, err := s.DeadLetters(ctx, "", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, dls)

	require.ErrorIs(t, s.Requeue(ctx, uuid.NewString()), queue.ErrNotFound)
}

func TestStoreStats(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	require.NoError(t, s.Enqueue(ctx, pgJob("q")))
	require.NoError(t, s.Enqueue(ctx, pgJob("q", func(j *domain.Job) {
		j.Status = domain.Delayed
		j.AvailableAt = time.Now().UTC().Add(time.Hour)
	})))
	leased := pgJob("q")
	require.NoError(t, s.Enqueue(ctx, leased))

	// Claim the oldest pending job, then the newer one stays pending.
	_, err := s.Lease(ctx, []string{"q"}, "w", time.Minute)
	require.NoError(t, err)

	st, err := s.Stats(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Pending)
	assert.Equal(t, int64(1), st.Delayed)
	assert.Equal(t, int64(1), st.Leased)
}

func TestStoreScheduleCommit(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	_, ok, err := s.NextRun(ctx, "reports")
	require.NoError(t, err)
	require.False(t, ok)

	first := time.Now().UTC().Add(time.Minute).Truncate(time.Second)
	require.NoError(t, s.CommitRun(ctx, "reports", time.Time{}, first, nil))

	due, ok, err := s.NextRun(ctx, "reports")
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, first.Equal(due))

	// Re-initialization loses without error surface beyond staleness.
	err = s.CommitRun(ctx, "reports", time.Time{}, first.Add(time.Hour), nil)
	require.ErrorIs(t, err, queue.ErrStaleSchedule)

	next := first.Add(time.Minute)
	instance := pgJob("q", func(j *domain.Job) { j.Type = "reports.generate" })
	require.NoError(t, s.CommitRun(ctx, "reports", first, next, instance))

	got, err := s.Get(ctx, instance.ID)
	require.NoError(t, err)
	assert.Equal(t, "reports.generate", got.Type)

	stale := pgJob("q")
	err = s.CommitRun(ctx, "reports", first, next.Add(time.Minute), stale)
	require.ErrorIs(t, err, queue.ErrStaleSchedule)
	_, err = s.Get(ctx, stale.ID)
	require.ErrorIs(t, err, queue.ErrNotFound)
}
