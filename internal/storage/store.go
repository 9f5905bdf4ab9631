// Package storage implements the relational queue backend on Postgres.
// The jobs table is the source of truth; lease claims are conditional
// updates guarded by FOR UPDATE SKIP LOCKED.
package storage

import (
	"context"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/you/enq/internal/domain"
	"github.com/you/enq/internal/queue"
	"github.com/you/enq/internal/retry"
)

// Advisory lock keys so only one node runs each maintenance scan.
const (
	reclaimLockKey = 4201
	promoteLockKey = 4202
)

type Store struct {
	db     *pgxpool.Pool
	policy retry.Policy
}

// StoreOption configures the Postgres backend.
type StoreOption func(*Store)

// WithRetryPolicy overrides the backoff policy applied on Nack.
func WithRetryPolicy(p retry.Policy) StoreOption {
	return func(s *Store) { s.policy = p }
}

func New(db *pgxpool.Pool, opts ...StoreOption) *Store {
	s := &Store{db: db, policy: retry.DefaultPolicy()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

const jobColumns = `id, queue_name, job_type, payload, priority, status, attempts, max_attempts,
available_at, dedupe_key, lease_owner, lease_expires_at, last_error, created_at, updated_at`

func scanJob(row pgx.Row) (*domain.Job, error) {
	var j domain.Job
	var status string
	if err := row.Scan(
		&j.ID, &j.Queue, &j.Type, &j.Payload, &j.Priority, &status, &j.Attempts, &j.MaxAttempts,
		&j.AvailableAt, &j.DedupeKey, &j.LeaseOwner, &j.LeaseExpiresAt, &j.LastError, &j.CreatedAt, &j.UpdatedAt,
	); err != nil {
		return nil, err
	}
	j.Status = domain.Status(status)
	return &j, nil
}

func (s *Store) Enqueue(ctx context.Context, j *domain.Job) error {
	if j == nil {
		return errors.New("nil job")
	}
	_, err := s.db.Exec(ctx, `insert into jobs(
id, queue_name, job_type, payload, priority, status, attempts, max_attempts,
available_at, dedupe_key, created_at, updated_at
) values ($1,$2,$3,$4,$5,$6,0,$7,$8,$9,$10,$10)`,
		j.ID, j.Queue, j.Type, j.Payload, j.Priority, string(j.Status),
		j.MaxAttempts, j.AvailableAt, j.DedupeKey, j.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return errors.Wrap(queue.ErrDuplicate, j.Type)
		}
		return errors.Wrapf(queue.ErrUnavailable, "enqueue: %v", err)
	}
	return nil
}

// Lease claims the highest-priority oldest-eligible job in one statement.
// SKIP LOCKED makes concurrent claims pick disjoint rows, which is the
// whole atomicity story for this backend.
func (s *Store) Lease(ctx context.Context, queues []string, workerID string, leaseFor time.Duration) (*domain.Job, error) {
	row := s.db.QueryRow(ctx, `
with candidate as (
  select id from jobs
   where queue_name = any($1)
     and status in ('pending','delayed')
     and available_at <= now()
   order by priority desc, created_at asc, id asc
   limit 1
   for update skip locked
)
update jobs j
   set status = 'leased',
       lease_owner = $2,
       lease_expires_at = now() + make_interval(secs => $3),
       updated_at = now()
  from candidate
 where j.id = candidate.id
returning `+prefixed("j.", jobColumns), queues, workerID, leaseFor.Seconds())

	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, queue.ErrNoJob
		}
		return nil, errors.Wrapf(queue.ErrUnavailable, "lease: %v", err)
	}
	return j, nil
}

func (s *Store) Ack(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `
update jobs
   set status = 'completed',
       attempts = attempts + 1,
       lease_owner = null,
       lease_expires_at = null,
       updated_at = now()
 where id = $1 and status = 'leased'`, id)
	if err != nil {
		return errors.Wrapf(queue.ErrUnavailable, "ack: %v", err)
	}
	if tag.RowsAffected() == 0 {
		return errors.Errorf("job %s is not leased", id)
	}
	return nil
}

func (s *Store) Nack(ctx context.Context, id string, lastErr string, retryable bool) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return errors.Wrapf(queue.ErrUnavailable, "nack begin: %v", err)
	}
	defer tx.Rollback(ctx)

	j, err := scanJob(tx.QueryRow(ctx,
		`select `+jobColumns+` from jobs where id = $1 and status = 'leased' for update`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return errors.Errorf("job %s is not leased", id)
		}
		return errors.Wrapf(queue.ErrUnavailable, "nack select: %v", err)
	}

	attempts := j.Attempts + 1
	if retryable && attempts < j.MaxAttempts {
		availableAt := time.Now().UTC().Add(s.policy.NextDelay(attempts))
		if _, err := tx.Exec(ctx, `
update jobs
   set status = 'pending',
       attempts = $2,
       available_at = $3,
       last_error = $4,
       lease_owner = null,
       lease_expires_at = null,
       updated_at = now()
 where id = $1`, id, attempts, availableAt, lastErr); err != nil {
			return errors.Wrapf(queue.ErrUnavailable, "nack retry: %v", err)
		}
		return errors.Wrap(tx.Commit(ctx), "nack commit")
	}

	if _, err := tx.Exec(ctx, `
update jobs
   set status = 'dead_lettered',
       attempts = $2,
       last_error = $3,
       lease_owner = null,
       lease_expires_at = null,
       updated_at = now()
 where id = $1`, id, attempts, lastErr); err != nil {
		return errors.Wrapf(queue.ErrUnavailable, "nack dead: %v", err)
	}
	if _, err := tx.Exec(ctx, `
insert into dead_letters(job_id, queue_name, job_type, payload, priority, attempts, last_error, failed_at, created_at)
values ($1,$2,$3,$4,$5,$6,$7,now(),$8)`,
		j.ID, j.Queue, j.Type, j.Payload, j.Priority, attempts, lastErr, j.CreatedAt); err != nil {
		return errors.Wrapf(queue.ErrUnavailable, "nack history: %v", err)
	}
	return errors.Wrap(tx.Commit(ctx), "nack commit")
}

func (s *Store) ExtendLease(ctx context.Context, id, workerID string, extendBy time.Duration) error {
	tag, err := s.db.Exec(ctx, `
update jobs
   set lease_expires_at = now() + make_interval(secs => $3),
       updated_at = now()
 where id = $1
   and status = 'leased'
   and lease_owner = $2
   and lease_expires_at > now()`, id, workerID, extendBy.Seconds())
	if err != nil {
		return errors.Wrapf(queue.ErrUnavailable, "extend lease: %v", err)
	}
	if tag.RowsAffected() == 0 {
		return errors.Wrap(queue.ErrLeaseLost, id)
	}
	return nil
}

// ReclaimExpired returns crashed workers' jobs to pending without touching
// attempts. A transaction-scoped advisory lock keeps the scan single-node.
func (s *Store) ReclaimExpired(ctx context.Context) (int, error) {
	return s.guardedUpdate(ctx, reclaimLockKey, `
update jobs
   set status = 'pending',
       lease_owner = null,
       lease_expires_at = null,
       updated_at = now()
 where status = 'leased' and lease_expires_at < now()`)
}

func (s *Store) PromoteDue(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 200
	}
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return 0, errors.Wrapf(queue.ErrUnavailable, "promote begin: %v", err)
	}
	defer tx.Rollback(ctx)

	var held bool
	if err := tx.QueryRow(ctx, `select pg_try_advisory_xact_lock($1)`, promoteLockKey).Scan(&held); err != nil {
		return 0, errors.Wrapf(queue.ErrUnavailable, "promote lock: %v", err)
	}
	if !held {
		return 0, nil
	}
	tag, err := tx.Exec(ctx, `
update jobs
   set status = 'pending', updated_at = now()
 where id in (
   select id from jobs
    where status = 'delayed' and available_at <= now()
    limit $1
    for update skip locked
 )`, limit)
	if err != nil {
		return 0, errors.Wrapf(queue.ErrUnavailable, "promote: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, errors.Wrapf(queue.ErrUnavailable, "promote commit: %v", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) PurgeTerminal(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	tag, err := s.db.Exec(ctx,
		`delete from jobs where status in ('completed','dead_lettered') and updated_at < $1`, cutoff)
	if err != nil {
		return 0, errors.Wrapf(queue.ErrUnavailable, "purge: %v", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) Get(ctx context.Context, id string) (*domain.Job, error) {
	j, err := scanJob(s.db.QueryRow(ctx, `select `+jobColumns+` from jobs where id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errors.Wrap(queue.ErrNotFound, id)
		}
		return nil, errors.Wrapf(queue.ErrUnavailable, "get: %v", err)
	}
	return j, nil
}

func (s *Store) DeadLetters(ctx context.Context, queueName string, limit, offset int) ([]domain.DeadLetter, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(ctx, `
select id, job_id, queue_name, job_type, payload, priority, attempts, last_error, failed_at, created_at
  from dead_letters
 where ($1 = '' or queue_name = $1)
 order by failed_at desc
 limit $2 offset $3`, queueName, limit, offset)
	if err != nil {
		return nil, errors.Wrapf(queue.ErrUnavailable, "dlq list: %v", err)
	}
	defer rows.Close()

	var out []domain.DeadLetter
	for rows.Next() {
		var d domain.DeadLetter
		if err := rows.Scan(&d.ID, &d.JobID, &d.Queue, &d.Type, &d.Payload, &d.Priority,
			&d.Attempts, &d.LastError, &d.FailedAt, &d.CreatedAt); err != nil {
			return nil, errors.Wrapf(queue.ErrUnavailable, "dlq scan: %v", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) Requeue(ctx context.Context, jobID string) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return errors.Wrapf(queue.ErrUnavailable, "requeue begin: %v", err)
	}
	defer tx.Rollback(ctx)

	var d domain.DeadLetter
	err = tx.QueryRow(ctx, `
select job_id, queue_name, job_type, payload, priority, attempts
  from dead_letters where job_id = $1
 order by failed_at desc limit 1 for update`, jobID).
		Scan(&d.JobID, &d.Queue, &d.Type, &d.Payload, &d.Priority, &d.Attempts)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return errors.Wrap(queue.ErrNotFound, jobID)
		}
		return errors.Wrapf(queue.ErrUnavailable, "requeue select: %v", err)
	}

	tag, err := tx.Exec(ctx, `
update jobs
   set status = 'pending',
       attempts = 0,
       available_at = now(),
       last_error = null,
       updated_at = now()
 where id = $1`, jobID)
	if err != nil {
		return errors.Wrapf(queue.ErrUnavailable, "requeue update: %v", err)
	}
	if tag.RowsAffected() == 0 {
		// Job row already purged; rebuild it from the history record.
		if _, err := tx.Exec(ctx, `
insert into jobs(id, queue_name, job_type, payload, priority, status, attempts, max_attempts,
                 available_at, created_at, updated_at)
values ($1,$2,$3,$4,$5,'pending',0,$6,now(),now(),now())`,
			d.JobID, d.Queue, d.Type, d.Payload, d.Priority, maxAttemptsFloor(d.Attempts)); err != nil {
			return errors.Wrapf(queue.ErrUnavailable, "requeue insert: %v", err)
		}
	}
	if _, err := tx.Exec(ctx, `delete from dead_letters where job_id = $1`, jobID); err != nil {
		return errors.Wrapf(queue.ErrUnavailable, "requeue clear: %v", err)
	}
	return errors.Wrap(tx.Commit(ctx), "requeue commit")
}

func (s *Store) Stats(ctx context.Context, queueName string) (domain.QueueStats, error) {
	st := domain.QueueStats{Queue: queueName}
	err := s.db.QueryRow(ctx, `
select
  count(*) filter (where status = 'pending' and available_at <= now()),
  count(*) filter (where status = 'delayed' or (status = 'pending' and available_at > now())),
  count(*) filter (where status = 'leased'),
  count(*) filter (where status = 'completed')
from jobs where ($1 = '' or queue_name = $1)`, queueName).
		Scan(&st.Pending, &st.Delayed, &st.Leased, &st.Completed)
	if err != nil {
		return st, errors.Wrapf(queue.ErrUnavailable, "stats: %v", err)
	}
	err = s.db.QueryRow(ctx,
		`select count(*) from dead_letters where ($1 = '' or queue_name = $1)`, queueName).
		Scan(&st.DeadLettered)
	if err != nil {
		return st, errors.Wrapf(queue.ErrUnavailable, "stats dlq: %v", err)
	}
	return st, nil
}

// NextRun reports the persisted next-due time for a recurring definition.
func (s *Store) NextRun(ctx context.Context, name string) (time.Time, bool, error) {
	var next time.Time
	err := s.db.QueryRow(ctx, `select next_run_at from schedules where name = $1`, name).Scan(&next)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, errors.Wrapf(queue.ErrUnavailable, "next run: %v", err)
	}
	return next.UTC(), true, nil
}

// CommitRun advances next_run_at and inserts the job instance in one
// transaction, conditioned on the stored next-run still matching due.
// Losing the condition means another node committed this occurrence.
func (s *Store) CommitRun(ctx context.Context, name string, due, next time.Time, instance *domain.Job) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return errors.Wrapf(queue.ErrUnavailable, "commit run begin: %v", err)
	}
	defer tx.Rollback(ctx)

	var tag pgconn.CommandTag
	if due.IsZero() {
		tag, err = tx.Exec(ctx, `
insert into schedules(name, next_run_at) values ($1, $2)
on conflict (name) do nothing`, name, next)
	} else {
		tag, err = tx.Exec(ctx, `
insert into schedules(name, next_run_at) values ($1, $2)
on conflict (name) do update set next_run_at = excluded.next_run_at
where schedules.next_run_at = $3`, name, next, due)
	}
	if err != nil {
		return errors.Wrapf(queue.ErrUnavailable, "commit run: %v", err)
	}
	if tag.RowsAffected() == 0 {
		return errors.Wrap(queue.ErrStaleSchedule, name)
	}

	if instance != nil {
		if _, err := tx.Exec(ctx, `insert into jobs(
id, queue_name, job_type, payload, priority, status, attempts, max_attempts,
available_at, created_at, updated_at
) values ($1,$2,$3,$4,$5,$6,0,$7,$8,$9,$9)`,
			instance.ID, instance.Queue, instance.Type, instance.Payload, instance.Priority,
			string(instance.Status), instance.MaxAttempts, instance.AvailableAt, instance.CreatedAt); err != nil {
			return errors.Wrapf(queue.ErrUnavailable, "commit run insert: %v", err)
		}
	}
	return errors.Wrap(tx.Commit(ctx), "commit run")
}

func (s *Store) guardedUpdate(ctx context.Context, lockKey int, stmt string) (int, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return 0, errors.Wrapf(queue.ErrUnavailable, "begin: %v", err)
	}
	defer tx.Rollback(ctx)

	var held bool
	if err := tx.QueryRow(ctx, `select pg_try_advisory_xact_lock($1)`, lockKey).Scan(&held); err != nil {
		return 0, errors.Wrapf(queue.ErrUnavailable, "advisory lock: %v", err)
	}
	if !held {
		return 0, nil
	}
	tag, err := tx.Exec(ctx, stmt)
	if err != nil {
		return 0, errors.Wrapf(queue.ErrUnavailable, "update: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, errors.Wrapf(queue.ErrUnavailable, "commit: %v", err)
	}
	return int(tag.RowsAffected()), nil
}

func maxAttemptsFloor(attempts int) int {
	if attempts < 1 {
		return 1
	}
	return attempts
}

// prefixed qualifies each column in cols with p for RETURNING clauses.
func prefixed(p, cols string) string {
	parts := strings.Split(cols, ",")
	for i, c := range parts {
		parts[i] = p + strings.TrimSpace(c)
	}
	return strings.Join(parts, ", ")
}
