package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/you/enq/internal/domain"
	"github.com/you/enq/internal/retry"
)

// Memory implements Backend over process-local maps. Data is lost on
// restart; meant for tests and low-durability workloads. All structural
// mutations happen under one mutex, which is what makes Lease atomic here.
type Memory struct {
	mu     sync.Mutex
	jobs   map[string]*domain.Job
	seq    map[string]uint64 // enqueue order per job id, FIFO tiebreak
	nextSq uint64
	dlq    []*domain.DeadLetter
	dedupe map[string]string // dedupe key -> non-terminal job id

	schedules map[string]time.Time // schedule name -> next run

	policy    retry.Policy
	retention time.Duration // 0: completed jobs purged immediately on ack

	completed    map[string]int64 // per-queue counters surviving purge
	deadlettered map[string]int64
}

// MemoryOption configures the in-memory backend.
type MemoryOption func(*Memory)

// WithMemoryRetention keeps Completed jobs around for stats inspection
// instead of purging them at ack time.
func WithMemoryRetention(d time.Duration) MemoryOption {
	return func(m *Memory) {
		if d > 0 {
			m.retention = d
		}
	}
}

// WithMemoryRetryPolicy overrides the backoff policy applied on Nack.
func WithMemoryRetryPolicy(p retry.Policy) MemoryOption {
	return func(m *Memory) { m.policy = p }
}

func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		jobs:         make(map[string]*domain.Job),
		seq:          make(map[string]uint64),
		dedupe:       make(map[string]string),
		schedules:    make(map[string]time.Time),
		policy:       retry.DefaultPolicy(),
		completed:    make(map[string]int64),
		deadlettered: make(map[string]int64),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Memory) lock()   { m.mu.Lock() }
func (m *Memory) unlock() { m.mu.Unlock() }

func (m *Memory) Enqueue(ctx context.Context, j *domain.Job) error {
	if j == nil {
		return errors.New("nil job")
	}
	m.lock()
	defer m.unlock()

	if _, exists := m.jobs[j.ID]; exists {
		return errors.Errorf("job %s already exists", j.ID)
	}
	if j.DedupeKey != nil {
		if _, held := m.dedupe[*j.DedupeKey]; held {
			return errors.Wrap(ErrDuplicate, *j.DedupeKey)
		}
		m.dedupe[*j.DedupeKey] = j.ID
	}

	cp := *j
	m.nextSq++
	m.jobs[j.ID] = &cp
	m.seq[j.ID] = m.nextSq
	return nil
}

func (m *Memory) Lease(ctx context.Context, queues []string, workerID string, leaseFor time.Duration) (*domain.Job, error) {
	m.lock()
	defer m.unlock()

	now := time.Now().UTC()
	var best *domain.Job
	for _, j := range m.jobs {
		if j.Status != domain.Pending && j.Status != domain.Delayed {
			continue
		}
		if !contains(queues, j.Queue) {
			continue
		}
		if j.AvailableAt.After(now) {
			continue
		}
		if best == nil || m.before(j, best) {
			best = j
		}
	}
	if best == nil {
		return nil, ErrNoJob
	}

	expires := now.Add(leaseFor)
	best.Status = domain.Leased
	best.LeaseOwner = &workerID
	best.LeaseExpiresAt = &expires
	best.UpdatedAt = now

	cp := *best
	return &cp, nil
}

// before orders jobs priority-desc, then AvailableAt asc, then enqueue order.
func (m *Memory) before(a, b *domain.Job) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.AvailableAt.Equal(b.AvailableAt) {
		return a.AvailableAt.Before(b.AvailableAt)
	}
	return m.seq[a.ID] < m.seq[b.ID]
}

func (m *Memory) Ack(ctx context.Context, id string) error {
	m.lock()
	defer m.unlock()

	j, ok := m.jobs[id]
	if !ok {
		return errors.Wrap(ErrNotFound, id)
	}
	if j.Status != domain.Leased {
		return errors.Errorf("job %s is not leased", id)
	}

	now := time.Now().UTC()
	j.Attempts++
	j.Status = domain.Completed
	j.LeaseOwner = nil
	j.LeaseExpiresAt = nil
	j.UpdatedAt = now

	m.completed[j.Queue]++
	m.releaseDedupe(j)
	if m.retention == 0 {
		m.drop(id)
	}
	return nil
}

func (m *Memory) Nack(ctx context.Context, id string, lastErr string, retryable bool) error {
	m.lock()
	defer m.unlock()

	j, ok := m.jobs[id]
	if !ok {
		return errors.Wrap(ErrNotFound, id)
	}
	if j.Status != domain.Leased {
		return errors.Errorf("job %s is not leased", id)
	}

	now := time.Now().UTC()
	j.Attempts++
	j.LastError = &lastErr
	j.LeaseOwner = nil
	j.LeaseExpiresAt = nil
	j.UpdatedAt = now

	if retryable && j.Attempts < j.MaxAttempts {
		j.Status = domain.Pending
		j.AvailableAt = now.Add(m.policy.NextDelay(j.Attempts))
		return nil
	}

	j.Status = domain.DeadLettered
	m.deadlettered[j.Queue]++
	m.dlq = append(m.dlq, &domain.DeadLetter{
		ID:        uuid.NewString(),
		JobID:     j.ID,
		Queue:     j.Queue,
		Type:      j.Type,
		Payload:   j.Payload,
		Priority:  j.Priority,
		Attempts:  j.Attempts,
		LastError: lastErr,
		FailedAt:  now,
		CreatedAt: j.CreatedAt,
	})
	m.releaseDedupe(j)
	return nil
}

func (m *Memory) ExtendLease(ctx context.Context, id, workerID string, extendBy time.Duration) error {
	m.lock()
	defer m.unlock()

	j, ok := m.jobs[id]
	if !ok {
		return errors.Wrap(ErrLeaseLost, id)
	}
	now := time.Now().UTC()
	if j.Status != domain.Leased || j.LeaseOwner == nil || *j.LeaseOwner != workerID {
		return errors.Wrap(ErrLeaseLost, id)
	}
	if j.LeaseExpiresAt != nil && j.LeaseExpiresAt.Before(now) {
		return errors.Wrap(ErrLeaseLost, id)
	}
	expires := now.Add(extendBy)
	j.LeaseExpiresAt = &expires
	j.UpdatedAt = now
	return nil
}

func (m *Memory) ReclaimExpired(ctx context.Context) (int, error) {
	m.lock()
	defer m.unlock()

	now := time.Now().UTC()
	freed := 0
	for _, j := range m.jobs {
		if j.Status != domain.Leased || j.LeaseExpiresAt == nil || !j.LeaseExpiresAt.Before(now) {
			continue
		}
		// Holder presumed crashed: the job itself did not fail, so
		// attempts stays put.
		j.Status = domain.Pending
		j.LeaseOwner = nil
		j.LeaseExpiresAt = nil
		j.UpdatedAt = now
		freed++
	}
	return freed, nil
}

// PromoteDue is a no-op: Lease checks AvailableAt directly, so Delayed jobs
// become eligible without a separate promotion step.
func (m *Memory) PromoteDue(ctx context.Context, limit int) (int, error) {
	m.lock()
	defer m.unlock()

	now := time.Now().UTC()
	n := 0
	for _, j := range m.jobs {
		if j.Status == domain.Delayed && !j.AvailableAt.After(now) {
			j.Status = domain.Pending
			j.UpdatedAt = now
			n++
			if limit > 0 && n >= limit {
				break
			}
		}
	}
	return n, nil
}

func (m *Memory) PurgeTerminal(ctx context.Context, olderThan time.Duration) (int, error) {
	m.lock()
	defer m.unlock()

	cutoff := time.Now().UTC().Add(-olderThan)
	purged := 0
	for id, j := range m.jobs {
		if j.Status.Terminal() && j.UpdatedAt.Before(cutoff) {
			m.drop(id)
			purged++
		}
	}
	return purged, nil
}

func (m *Memory) Get(ctx context.Context, id string) (*domain.Job, error) {
	m.lock()
	defer m.unlock()

	j, ok := m.jobs[id]
	if !ok {
		return nil, errors.Wrap(ErrNotFound, id)
	}
	cp := *j
	return &cp, nil
}

func (m *Memory) DeadLetters(ctx context.Context, queue string, limit, offset int) ([]domain.DeadLetter, error) {
	m.lock()
	defer m.unlock()

	matched := make([]*domain.DeadLetter, 0, len(m.dlq))
	for _, d := range m.dlq {
		if queue == "" || d.Queue == queue {
			matched = append(matched, d)
		}
	}
	sort.Slice(matched, func(i, k int) bool { return matched[i].FailedAt.After(matched[k].FailedAt) })

	if offset >= len(matched) {
		return nil, nil
	}
	matched = matched[offset:]
	if limit > 0 && limit < len(matched) {
		matched = matched[:limit]
	}
	out := make([]domain.DeadLetter, len(matched))
	for i, d := range matched {
		out[i] = *d
	}
	return out, nil
}

func (m *Memory) Requeue(ctx context.Context, jobID string) error {
	m.lock()
	defer m.unlock()

	idx := -1
	for i, d := range m.dlq {
		if d.JobID == jobID {
			idx = i
			break
		}
	}
	if idx == -1 {
		return errors.Wrap(ErrNotFound, jobID)
	}
	d := m.dlq[idx]
	m.dlq = append(m.dlq[:idx], m.dlq[idx+1:]...)

	now := time.Now().UTC()
	if j, ok := m.jobs[jobID]; ok {
		j.Status = domain.Pending
		j.Attempts = 0
		j.AvailableAt = now
		j.LastError = nil
		j.UpdatedAt = now
		return nil
	}
	m.nextSq++
	m.jobs[jobID] = &domain.Job{
		ID:          jobID,
		Queue:       d.Queue,
		Type:        d.Type,
		Payload:     d.Payload,
		Priority:    d.Priority,
		Status:      domain.Pending,
		MaxAttempts: maxInt(d.Attempts, 1),
		AvailableAt: now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	m.seq[jobID] = m.nextSq
	return nil
}

func (m *Memory) Stats(ctx context.Context, queue string) (domain.QueueStats, error) {
	m.lock()
	defer m.unlock()

	now := time.Now().UTC()
	st := domain.QueueStats{Queue: queue}
	for _, j := range m.jobs {
		if queue != "" && j.Queue != queue {
			continue
		}
		switch j.Status {
		case domain.Pending:
			if j.AvailableAt.After(now) {
				st.Delayed++
			} else {
				st.Pending++
			}
		case domain.Delayed:
			st.Delayed++
		case domain.Leased:
			st.Leased++
		}
	}
	for q, n := range m.completed {
		if queue == "" || q == queue {
			st.Completed += n
		}
	}
	for q, n := range m.deadlettered {
		if queue == "" || q == queue {
			st.DeadLettered += n
		}
	}
	return st, nil
}

// NextRun reports the persisted next-due time for a recurring definition.
func (m *Memory) NextRun(ctx context.Context, name string) (time.Time, bool, error) {
	m.lock()
	defer m.unlock()

	t, ok := m.schedules[name]
	return t, ok, nil
}

// CommitRun enqueues a schedule instance and advances next_run_at in one
// critical section. The commit only applies while the persisted next-run
// still equals due, so a restarted or competing tick loop cannot double-fire
// an occurrence.
func (m *Memory) CommitRun(ctx context.Context, name string, due, next time.Time, instance *domain.Job) error {
	m.lock()
	defer m.unlock()

	if cur, ok := m.schedules[name]; ok && !cur.Equal(due) {
		return errors.Wrap(ErrStaleSchedule, name)
	}
	if instance != nil {
		if _, exists := m.jobs[instance.ID]; exists {
			return errors.Errorf("job %s already exists", instance.ID)
		}
		cp := *instance
		m.nextSq++
		m.jobs[instance.ID] = &cp
		m.seq[instance.ID] = m.nextSq
	}
	m.schedules[name] = next
	return nil
}

func (m *Memory) releaseDedupe(j *domain.Job) {
	if j.DedupeKey != nil {
		if held, ok := m.dedupe[*j.DedupeKey]; ok && held == j.ID {
			delete(m.dedupe, *j.DedupeKey)
		}
	}
}

func (m *Memory) drop(id string) {
	if j, ok := m.jobs[id]; ok {
		m.releaseDedupe(j)
	}
	delete(m.jobs, id)
	delete(m.seq, id)
}

func contains(set []string, s string) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
