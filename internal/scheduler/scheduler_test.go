package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/you/enq/internal/queue"
)

// fakeClock lets ticks happen at controlled instants.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{now: start}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func pendingCount(t *testing.T, backend *queue.Memory, q string) int64 {
	t.Helper()
	st, err := backend.Stats(context.Background(), q)
	require.NoError(t, err)
	return st.Pending + st.Delayed
}

func newTestScheduler(t *testing.T, store Store, clock *fakeClock) *Scheduler {
	t.Helper()
	s, err := New(store, withClock(clock.Now))
	require.NoError(t, err)
	return s
}

func addEverySecond(t *testing.T, s *Scheduler, name string) {
	t.Helper()
	require.NoError(t, s.Add(Definition{
		Name:     name,
		Schedule: Every(time.Second),
		Queue:    "q",
		JobType:  "tick",
	}))
}

func TestSchedulerFiresOncePerOccurrence(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	backend := queue.NewMemory()
	clock := newFakeClock(time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC))

	// Two competing scheduler processes sharing one store.
	s1 := newTestScheduler(t, backend, clock)
	s2 := newTestScheduler(t, backend, clock)
	addEverySecond(t, s1, "metrics.rollup")
	addEverySecond(t, s2, "metrics.rollup")

	// First sighting initializes the marker without enqueueing.
	s1.tick(ctx)
	s2.tick(ctx)
	assert.Zero(t, pendingCount(t, backend, "q"))

	// Past the occurrence: both tick, exactly one instance lands.
	clock.Advance(1500 * time.Millisecond)
	s1.tick(ctx)
	s2.tick(ctx)
	assert.Equal(t, int64(1), pendingCount(t, backend, "q"))
	assert.Equal(t, int64(1), s1.Stats().Fired+s2.Stats().Fired)

	// Next occurrence, other order.
	clock.Advance(time.Second)
	s2.tick(ctx)
	s1.tick(ctx)
	assert.Equal(t, int64(2), pendingCount(t, backend, "q"))
	assert.Equal(t, int64(2), s1.Stats().Fired+s2.Stats().Fired)
}

func TestSchedulerOneSecondIntervalOverObservationWindow(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	backend := queue.NewMemory()
	clock := newFakeClock(time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC))

	s := newTestScheduler(t, backend, clock)
	addEverySecond(t, s, "heartbeat")
	s.tick(ctx)

	// Ticking every 250ms across a 3.5s window yields exactly three
	// occurrences: no duplicates, no gaps.
	for i := 0; i < 14; i++ {
		clock.Advance(250 * time.Millisecond)
		s.tick(ctx)
	}
	assert.Equal(t, int64(3), pendingCount(t, backend, "q"))
	assert.Equal(t, int64(3), s.Stats().Fired)
}

func TestSchedulerCollapsesMissedOccurrences(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	backend := queue.NewMemory()
	clock := newFakeClock(time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC))

	s := newTestScheduler(t, backend, clock)
	addEverySecond(t, s, "reports.daily")
	s.tick(ctx)

	// Scheduler was down for ten occurrences; a single catch-up fires.
	clock.Advance(10 * time.Second)
	s.tick(ctx)
	assert.Equal(t, int64(1), pendingCount(t, backend, "q"))

	// The marker moved past now, so the next tick is quiet.
	s.tick(ctx)
	assert.Equal(t, int64(1), pendingCount(t, backend, "q"))
}

func TestSchedulerInstanceCarriesDefinition(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	backend := queue.NewMemory()
	clock := newFakeClock(time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC))

	s := newTestScheduler(t, backend, clock)
	require.NoError(t, s.Add(Definition{
		Name:        "cleanup",
		Schedule:    Every(time.Second),
		Queue:       "housekeeping",
		JobType:     "tmp.cleanup",
		Payload:     map[string]string{"dir": "/tmp"},
		Priority:    3,
		MaxAttempts: 7,
	}))

	s.tick(ctx)
	clock.Advance(2 * time.Second)
	s.tick(ctx)

	j, err := backend.Lease(ctx, []string{"housekeeping"}, "w", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "tmp.cleanup", j.Type)
	assert.Equal(t, 3, j.Priority)
	assert.Equal(t, 7, j.MaxAttempts)
	assert.JSONEq(t, `{"dir":"/tmp"}`, string(j.Payload))
}

func TestSchedulerAddValidation(t *testing.T) {
	t.Parallel()
	backend := queue.NewMemory()
	s, err := New(backend)
	require.NoError(t, err)

	assert.Error(t, s.Add(Definition{Schedule: Every(time.Second), JobType: "x"}), "missing name")
	assert.Error(t, s.Add(Definition{Name: "a", JobType: "x"}), "missing schedule")
	assert.Error(t, s.Add(Definition{Name: "a", Schedule: Every(time.Second)}), "missing job type")

	err = s.Add(Definition{Name: "bad-payload", Schedule: Every(time.Second), JobType: "x", Payload: make(chan int)})
	require.ErrorIs(t, err, queue.ErrSerialization)

	require.NoError(t, s.Add(Definition{Name: "a", Schedule: Every(time.Second), JobType: "x"}))
	assert.Error(t, s.Add(Definition{Name: "a", Schedule: Every(time.Second), JobType: "x"}), "duplicate name")
}
