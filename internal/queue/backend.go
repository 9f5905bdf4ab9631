// Package queue defines the storage-agnostic backend contract plus the
// in-memory and Redis implementations. The Postgres implementation lives in
// internal/storage.
package queue

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/you/enq/internal/domain"
)

var (
	// ErrNoJob means no eligible job exists; the caller backs off and polls again.
	ErrNoJob = errors.New("no job available")
	// ErrLeaseLost means the lease expired and was reclaimed; the holder must
	// abandon the job and must not ack.
	ErrLeaseLost = errors.New("lease lost")
	// ErrUnavailable marks transient infrastructure failures. The worker pool
	// retries with its own backoff; the failure never counts against a job.
	ErrUnavailable = errors.New("backend unavailable")
	// ErrNotFound means the job id does not exist (or is already purged).
	ErrNotFound = errors.New("job not found")
	// ErrDuplicate means a non-terminal job already holds the dedupe key.
	ErrDuplicate = errors.New("duplicate job")
	// ErrStaleSchedule means another scheduler instance already committed
	// this occurrence; the caller skips the enqueue.
	ErrStaleSchedule = errors.New("schedule already advanced")
)

// Backend is the single seam between the queue core and its stores. Lease
// must be atomic with respect to concurrent callers: two simultaneous calls
// never return the same job id.
type Backend interface {
	// Enqueue inserts a new job. Status is Delayed when AvailableAt is in
	// the future, Pending otherwise.
	Enqueue(ctx context.Context, j *domain.Job) error

	// Lease atomically claims the highest-priority oldest-eligible pending
	// job across the given queues, marks it Leased for leaseFor, and
	// returns it. Returns ErrNoJob when nothing is eligible.
	Lease(ctx context.Context, queues []string, workerID string, leaseFor time.Duration) (*domain.Job, error)

	// Ack records a successful execution: attempts+1, status Completed.
	Ack(ctx context.Context, id string) error

	// Nack records a failed execution: attempts+1, then either Pending with
	// a policy-computed AvailableAt (retryable and attempts under the
	// ceiling) or DeadLettered with lastErr retained.
	Nack(ctx context.Context, id string, lastErr string, retryable bool) error

	// ExtendLease pushes LeaseExpiresAt forward for the named holder.
	// Returns ErrLeaseLost when the lease has expired or moved on.
	ExtendLease(ctx context.Context, id, workerID string, extendBy time.Duration) error

	// ReclaimExpired returns Leased jobs with expired leases to Pending
	// without touching attempts. Invoked by the maintenance loop.
	ReclaimExpired(ctx context.Context) (int, error)

	// PromoteDue moves due Delayed jobs to Pending. Backends whose Lease
	// already checks AvailableAt may treat this as a no-op.
	PromoteDue(ctx context.Context, limit int) (int, error)

	// PurgeTerminal drops Completed and DeadLettered job rows older than
	// the retention window. Dead letter history is never purged.
	PurgeTerminal(ctx context.Context, olderThan time.Duration) (int, error)

	// Get fetches a job by id for inspection.
	Get(ctx context.Context, id string) (*domain.Job, error)

	// DeadLetters lists dead letter records, newest first. Empty queue
	// means all queues.
	DeadLetters(ctx context.Context, queue string, limit, offset int) ([]domain.DeadLetter, error)

	// Requeue resurrects a dead-lettered job as a fresh Pending job with
	// attempts reset to zero. The only path out of the dead letter sink.
	Requeue(ctx context.Context, jobID string) error

	// Stats returns per-queue counters for observability.
	Stats(ctx context.Context, queue string) (domain.QueueStats, error)

	// NextRun reports the persisted next-due marker for a recurring
	// schedule, with ok=false when the schedule has never been seen.
	NextRun(ctx context.Context, name string) (time.Time, bool, error)

	// CommitRun atomically enqueues a schedule instance and advances the
	// marker from due to next. It applies only while the persisted marker
	// still equals due and returns ErrStaleSchedule otherwise, which keeps
	// each occurrence at most once across scheduler instances. A nil
	// instance initializes the marker; due is then the zero time.
	CommitRun(ctx context.Context, name string, due, next time.Time, instance *domain.Job) error
}
