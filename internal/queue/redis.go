package queue

import (
	"context"
	"strconv"
	"time"

	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"

	"github.com/you/enq/internal/domain"
	"github.com/you/enq/internal/retry"
)

// Keys holds the Redis key layout under a common prefix.
type Keys struct {
	prefix string
}

func KeysForPrefix(prefix string) Keys { return Keys{prefix: prefix} }

func (k Keys) ready(q string) string    { return k.prefix + "ready:" + q }
func (k Keys) delayed(q string) string  { return k.prefix + "delayed:" + q }
func (k Keys) lease(q string) string    { return k.prefix + "lease:" + q }
func (k Keys) done(q string) string     { return k.prefix + "done:" + q }
func (k Keys) dlq(q string) string      { return k.prefix + "dlq:" + q }
func (k Keys) statDone(q string) string { return k.prefix + "stat:completed:" + q }
func (k Keys) statDead(q string) string { return k.prefix + "stat:dead:" + q }
func (k Keys) job(id string) string     { return k.prefix + "job:" + id }
func (k Keys) jobPrefix() string        { return k.prefix + "job:" }
func (k Keys) dedupePrefix() string     { return k.prefix + "dedupe:" }
func (k Keys) schedule(n string) string { return k.prefix + "sched:" + n }
func (k Keys) queues() string           { return k.prefix + "queues" }
func (k Keys) seq() string              { return k.prefix + "seq" }

// Safety net for dedupe keys orphaned by a crash between reservation and insert.
const dedupeTTL = 24 * time.Hour

// Redis implements Backend on a Redis-like store. Claim atomicity comes
// from server-side Lua: every state transition that could race between
// workers is a single script invocation.
type Redis struct {
	rdb    *r.Client
	keys   Keys
	policy retry.Policy
}

// RedisOption configures the Redis backend.
type RedisOption func(*Redis)

// WithRedisKeyPrefix overrides the default "enq:" key prefix.
func WithRedisKeyPrefix(prefix string) RedisOption {
	return func(b *Redis) {
		if prefix != "" {
			b.keys = KeysForPrefix(prefix)
		}
	}
}

// WithRedisRetryPolicy overrides the backoff policy applied on Nack.
func WithRedisRetryPolicy(p retry.Policy) RedisOption {
	return func(b *Redis) { b.policy = p }
}

func NewRedis(rdb *r.Client, opts ...RedisOption) *Redis {
	b := &Redis{
		rdb:    rdb,
		keys:   KeysForPrefix("enq:"),
		policy: retry.DefaultPolicy(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Ready-set scores order by priority desc then enqueue sequence asc. The
// float64 mantissa holds 53 bits; priority is clamped to int32 and shifted
// past a 20-bit sequence window, which keeps both exact.
const seqWindow = 1 << 20

func readyScore(priority int, seq int64) float64 {
	if priority > 1<<30 {
		priority = 1 << 30
	}
	if priority < -(1 << 30) {
		priority = -(1 << 30)
	}
	return float64(-priority)*seqWindow + float64(seq%seqWindow)
}

var leaseScript = r.NewScript(`
local ids = redis.call('ZRANGE', KEYS[1], 0, 0)
if #ids == 0 then return false end
local id = ids[1]
redis.call('ZREM', KEYS[1], id)
redis.call('ZADD', KEYS[2], ARGV[2], id)
redis.call('HSET', ARGV[3]..id, 'status', 'leased', 'lease_owner', ARGV[4], 'lease_expires_at', ARGV[2], 'updated_at', ARGV[1])
return id
`)

var ackScript = r.NewScript(`
local jk = ARGV[2]..ARGV[1]
local st = redis.call('HGET', jk, 'status')
if st ~= 'leased' then return redis.error_reply('job not leased') end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HINCRBY', jk, 'attempts', 1)
redis.call('HSET', jk, 'status', 'completed', 'updated_at', ARGV[3])
redis.call('HDEL', jk, 'lease_owner', 'lease_expires_at')
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[1])
redis.call('INCR', ARGV[5])
local dk = redis.call('HGET', jk, 'dedupe_key')
if dk then redis.call('DEL', ARGV[4]..dk) end
return 1
`)

var nackScript = r.NewScript(`
local jk = ARGV[2]..ARGV[1]
local st = redis.call('HGET', jk, 'status')
if st ~= 'leased' then return redis.error_reply('job not leased') end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HINCRBY', jk, 'attempts', 1)
redis.call('HDEL', jk, 'lease_owner', 'lease_expires_at')
redis.call('HSET', jk, 'last_error', ARGV[4], 'updated_at', ARGV[3])
if ARGV[5] == 'retry' then
  redis.call('HSET', jk, 'status', 'pending', 'available_at', ARGV[6])
  redis.call('ZADD', KEYS[2], ARGV[6], ARGV[1])
else
  redis.call('HSET', jk, 'status', 'dead_lettered', 'failed_at', ARGV[3])
  redis.call('LPUSH', KEYS[3], ARGV[1])
  redis.call('INCR', ARGV[8])
  local dk = redis.call('HGET', jk, 'dedupe_key')
  if dk then redis.call('DEL', ARGV[7]..dk) end
end
return 1
`)

var extendScript = r.NewScript(`
local jk = ARGV[4]..ARGV[1]
local owner = redis.call('HGET', jk, 'lease_owner')
if owner ~= ARGV[2] then return 0 end
local cur = redis.call('ZSCORE', KEYS[1], ARGV[1])
if not cur or tonumber(cur) < tonumber(ARGV[5]) then return 0 end
redis.call('ZADD', KEYS[1], ARGV[3], ARGV[1])
redis.call('HSET', jk, 'lease_expires_at', ARGV[3])
return 1
`)

var reclaimScript = r.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
for _, id in ipairs(expired) do
  redis.call('ZREM', KEYS[1], id)
  local score = redis.call('HGET', ARGV[2]..id, 'score')
  redis.call('ZADD', KEYS[2], score, id)
  redis.call('HDEL', ARGV[2]..id, 'lease_owner', 'lease_expires_at')
  redis.call('HSET', ARGV[2]..id, 'status', 'pending', 'updated_at', ARGV[1])
end
return #expired
`)

var promoteScript = r.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, id in ipairs(due) do
  local score = redis.call('HGET', ARGV[3]..id, 'score')
  redis.call('ZREM', KEYS[1], id)
  redis.call('ZADD', KEYS[2], score, id)
  redis.call('HSET', ARGV[3]..id, 'status', 'pending')
end
return #due
`)

var requeueScript = r.NewScript(`
local jk = ARGV[2]..ARGV[1]
if redis.call('EXISTS', jk) == 0 then return redis.error_reply('job not found') end
local removed = redis.call('LREM', KEYS[1], 0, ARGV[1])
if removed == 0 then return redis.error_reply('job not found') end
local seq = redis.call('INCR', ARGV[5])
local prio = tonumber(redis.call('HGET', jk, 'priority')) or 0
local score = -prio * 1048576 + (seq % 1048576)
redis.call('HSET', jk, 'status', 'pending', 'attempts', 0, 'available_at', ARGV[3], 'updated_at', ARGV[3], 'score', score)
redis.call('HDEL', jk, 'last_error', 'failed_at')
redis.call('ZADD', KEYS[2], score, ARGV[1])
return 1
`)

var commitRunScript = r.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur and ARGV[1] ~= '' and cur ~= ARGV[1] then return 0 end
redis.call('SET', KEYS[1], ARGV[2])
return 1
`)

func (b *Redis) Enqueue(ctx context.Context, j *domain.Job) error {
	if j == nil {
		return errors.New("nil job")
	}
	if j.DedupeKey != nil {
		ok, err := b.rdb.SetNX(ctx, b.keys.dedupePrefix()+*j.DedupeKey, j.ID, dedupeTTL).Result()
		if err != nil {
			return errors.Wrapf(ErrUnavailable, "dedupe reserve: %v", err)
		}
		if !ok {
			return errors.Wrap(ErrDuplicate, *j.DedupeKey)
		}
	}

	seq, err := b.rdb.Incr(ctx, b.keys.seq()).Result()
	if err != nil {
		return errors.Wrapf(ErrUnavailable, "seq: %v", err)
	}
	score := readyScore(j.Priority, seq)

	pipe := b.rdb.TxPipeline()
	pipe.HSet(ctx, b.keys.job(j.ID), b.jobFields(j, score))
	pipe.SAdd(ctx, b.keys.queues(), j.Queue)
	if j.Status == domain.Delayed {
		pipe.ZAdd(ctx, b.keys.delayed(j.Queue), r.Z{Score: float64(j.AvailableAt.UnixMilli()), Member: j.ID})
	} else {
		pipe.ZAdd(ctx, b.keys.ready(j.Queue), r.Z{Score: score, Member: j.ID})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrapf(ErrUnavailable, "enqueue: %v", err)
	}
	return nil
}

func (b *Redis) Lease(ctx context.Context, queues []string, workerID string, leaseFor time.Duration) (*domain.Job, error) {
	now := time.Now().UTC()
	expires := now.Add(leaseFor)
	for _, q := range queues {
		res, err := leaseScript.Run(ctx, b.rdb,
			[]string{b.keys.ready(q), b.keys.lease(q)},
			now.UnixMilli(), expires.UnixMilli(), b.keys.jobPrefix(), workerID,
		).Result()
		if err == r.Nil {
			continue
		}
		if err != nil {
			return nil, errors.Wrapf(ErrUnavailable, "lease: %v", err)
		}
		id, _ := res.(string)
		if id == "" {
			continue
		}
		return b.getJob(ctx, id)
	}
	return nil, ErrNoJob
}

func (b *Redis) Ack(ctx context.Context, id string) error {
	j, err := b.getJob(ctx, id)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if _, err := ackScript.Run(ctx, b.rdb,
		[]string{b.keys.lease(j.Queue), b.keys.done(j.Queue)},
		id, b.keys.jobPrefix(), now.UnixMilli(), b.keys.dedupePrefix(), b.keys.statDone(j.Queue),
	).Result(); err != nil {
		if isScriptReject(err) {
			return errors.Wrap(err, id)
		}
		return errors.Wrapf(ErrUnavailable, "ack: %v", err)
	}
	return nil
}

func (b *Redis) Nack(ctx context.Context, id string, lastErr string, retryable bool) error {
	j, err := b.getJob(ctx, id)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	attempts := j.Attempts + 1

	decision := "dead"
	availableAt := now
	if retryable && attempts < j.MaxAttempts {
		decision = "retry"
		availableAt = now.Add(b.policy.NextDelay(attempts))
	}

	if _, err := nackScript.Run(ctx, b.rdb,
		[]string{b.keys.lease(j.Queue), b.keys.delayed(j.Queue), b.keys.dlq(j.Queue)},
		id, b.keys.jobPrefix(), now.UnixMilli(), lastErr,
		decision, availableAt.UnixMilli(), b.keys.dedupePrefix(), b.keys.statDead(j.Queue),
	).Result(); err != nil {
		if isScriptReject(err) {
			return errors.Wrap(err, id)
		}
		return errors.Wrapf(ErrUnavailable, "nack: %v", err)
	}
	return nil
}

func (b *Redis) ExtendLease(ctx context.Context, id, workerID string, extendBy time.Duration) error {
	j, err := b.getJob(ctx, id)
	if err != nil {
		return errors.Wrap(ErrLeaseLost, id)
	}
	now := time.Now().UTC()
	res, err := extendScript.Run(ctx, b.rdb,
		[]string{b.keys.lease(j.Queue)},
		id, workerID, now.Add(extendBy).UnixMilli(), b.keys.jobPrefix(), now.UnixMilli(),
	).Int64()
	if err != nil {
		return errors.Wrapf(ErrUnavailable, "extend lease: %v", err)
	}
	if res == 0 {
		return errors.Wrap(ErrLeaseLost, id)
	}
	return nil
}

func (b *Redis) ReclaimExpired(ctx context.Context) (int, error) {
	queues, err := b.queueNames(ctx)
	if err != nil {
		return 0, err
	}
	now := time.Now().UTC().UnixMilli()
	total := 0
	for _, q := range queues {
		n, err := reclaimScript.Run(ctx, b.rdb,
			[]string{b.keys.lease(q), b.keys.ready(q)},
			now, b.keys.jobPrefix(),
		).Int64()
		if err != nil {
			return total, errors.Wrapf(ErrUnavailable, "reclaim %s: %v", q, err)
		}
		total += int(n)
	}
	return total, nil
}

func (b *Redis) PromoteDue(ctx context.Context, limit int) (int, error) {
	queues, err := b.queueNames(ctx)
	if err != nil {
		return 0, err
	}
	if limit <= 0 {
		limit = 200
	}
	now := time.Now().UTC().UnixMilli()
	total := 0
	for _, q := range queues {
		n, err := promoteScript.Run(ctx, b.rdb,
			[]string{b.keys.delayed(q), b.keys.ready(q)},
			now, limit, b.keys.jobPrefix(),
		).Int64()
		if err != nil {
			return total, errors.Wrapf(ErrUnavailable, "promote %s: %v", q, err)
		}
		total += int(n)
	}
	return total, nil
}

func (b *Redis) PurgeTerminal(ctx context.Context, olderThan time.Duration) (int, error) {
	queues, err := b.queueNames(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := strconv.FormatInt(time.Now().UTC().Add(-olderThan).UnixMilli(), 10)
	purged := 0
	for _, q := range queues {
		ids, err := b.rdb.ZRangeByScore(ctx, b.keys.done(q), &r.ZRangeBy{Min: "-inf", Max: cutoff}).Result()
		if err != nil {
			return purged, errors.Wrapf(ErrUnavailable, "purge scan %s: %v", q, err)
		}
		if len(ids) == 0 {
			continue
		}
		pipe := b.rdb.TxPipeline()
		for _, id := range ids {
			pipe.Del(ctx, b.keys.job(id))
			pipe.ZRem(ctx, b.keys.done(q), id)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return purged, errors.Wrapf(ErrUnavailable, "purge %s: %v", q, err)
		}
		purged += len(ids)
	}
	return purged, nil
}

func (b *Redis) Get(ctx context.Context, id string) (*domain.Job, error) {
	return b.getJob(ctx, id)
}

func (b *Redis) DeadLetters(ctx context.Context, queue string, limit, offset int) ([]domain.DeadLetter, error) {
	queues := []string{queue}
	if queue == "" {
		all, err := b.queueNames(ctx)
		if err != nil {
			return nil, err
		}
		queues = all
	}
	if limit <= 0 {
		limit = 50
	}

	var out []domain.DeadLetter
	for _, q := range queues {
		ids, err := b.rdb.LRange(ctx, b.keys.dlq(q), int64(offset), int64(offset+limit-1)).Result()
		if err != nil {
			return nil, errors.Wrapf(ErrUnavailable, "dlq list %s: %v", q, err)
		}
		for _, id := range ids {
			j, err := b.getJob(ctx, id)
			if err != nil {
				continue // purged body; history entry no longer resolvable
			}
			dl := domain.DeadLetter{
				ID:        j.ID,
				JobID:     j.ID,
				Queue:     j.Queue,
				Type:      j.Type,
				Payload:   j.Payload,
				Priority:  j.Priority,
				Attempts:  j.Attempts,
				FailedAt:  j.UpdatedAt,
				CreatedAt: j.CreatedAt,
			}
			if j.LastError != nil {
				dl.LastError = *j.LastError
			}
			out = append(out, dl)
			if len(out) >= limit {
				return out, nil
			}
		}
	}
	return out, nil
}

func (b *Redis) Requeue(ctx context.Context, jobID string) error {
	j, err := b.getJob(ctx, jobID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if _, err := requeueScript.Run(ctx, b.rdb,
		[]string{b.keys.dlq(j.Queue), b.keys.ready(j.Queue)},
		jobID, b.keys.jobPrefix(), now.UnixMilli(), "", b.keys.seq(),
	).Result(); err != nil {
		if isScriptReject(err) {
			return errors.Wrap(ErrNotFound, jobID)
		}
		return errors.Wrapf(ErrUnavailable, "requeue: %v", err)
	}
	return nil
}

func (b *Redis) Stats(ctx context.Context, queue string) (domain.QueueStats, error) {
	queues := []string{queue}
	if queue == "" {
		all, err := b.queueNames(ctx)
		if err != nil {
			return domain.QueueStats{}, err
		}
		queues = all
	}

	st := domain.QueueStats{Queue: queue}
	for _, q := range queues {
		pipe := b.rdb.Pipeline()
		ready := pipe.ZCard(ctx, b.keys.ready(q))
		delayed := pipe.ZCard(ctx, b.keys.delayed(q))
		leased := pipe.ZCard(ctx, b.keys.lease(q))
		completed := pipe.Get(ctx, b.keys.statDone(q))
		dead := pipe.Get(ctx, b.keys.statDead(q))
		if _, err := pipe.Exec(ctx); err != nil && err != r.Nil {
			return st, errors.Wrapf(ErrUnavailable, "stats %s: %v", q, err)
		}
		st.Pending += ready.Val()
		st.Delayed += delayed.Val()
		st.Leased += leased.Val()
		if n, err := strconv.ParseInt(completed.Val(), 10, 64); err == nil {
			st.Completed += n
		}
		if n, err := strconv.ParseInt(dead.Val(), 10, 64); err == nil {
			st.DeadLettered += n
		}
	}
	return st, nil
}

// NextRun reports the persisted next-due time for a recurring definition.
func (b *Redis) NextRun(ctx context.Context, name string) (time.Time, bool, error) {
	v, err := b.rdb.Get(ctx, b.keys.schedule(name)).Result()
	if err == r.Nil {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, errors.Wrapf(ErrUnavailable, "next run: %v", err)
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, false, errors.Wrapf(err, "schedule %s", name)
	}
	return time.UnixMilli(ms).UTC(), true, nil
}

// CommitRun advances next_run_at conditioned on the persisted value still
// matching due, then enqueues the instance. The conditional set is the
// at-most-once guard; the instance insert rides behind it, so a competing
// tick loop observes ErrStaleSchedule and skips.
func (b *Redis) CommitRun(ctx context.Context, name string, due, next time.Time, instance *domain.Job) error {
	expected := ""
	if !due.IsZero() {
		expected = strconv.FormatInt(due.UnixMilli(), 10)
	}
	res, err := commitRunScript.Run(ctx, b.rdb,
		[]string{b.keys.schedule(name)},
		expected, strconv.FormatInt(next.UnixMilli(), 10),
	).Int64()
	if err != nil {
		return errors.Wrapf(ErrUnavailable, "commit run: %v", err)
	}
	if res == 0 {
		return errors.Wrap(ErrStaleSchedule, name)
	}
	if instance == nil {
		return nil
	}
	return b.Enqueue(ctx, instance)
}

func (b *Redis) queueNames(ctx context.Context) ([]string, error) {
	queues, err := b.rdb.SMembers(ctx, b.keys.queues()).Result()
	if err != nil {
		return nil, errors.Wrapf(ErrUnavailable, "queues: %v", err)
	}
	return queues, nil
}

func (b *Redis) getJob(ctx context.Context, id string) (*domain.Job, error) {
	fields, err := b.rdb.HGetAll(ctx, b.keys.job(id)).Result()
	if err != nil {
		return nil, errors.Wrapf(ErrUnavailable, "get job: %v", err)
	}
	if len(fields) == 0 {
		return nil, errors.Wrap(ErrNotFound, id)
	}
	return jobFromFields(id, fields), nil
}

func (b *Redis) jobFields(j *domain.Job, score float64) map[string]any {
	fields := map[string]any{
		"queue":        j.Queue,
		"type":         j.Type,
		"payload":      string(j.Payload),
		"priority":     j.Priority,
		"status":       string(j.Status),
		"attempts":     j.Attempts,
		"max_attempts": j.MaxAttempts,
		"available_at": j.AvailableAt.UnixMilli(),
		"created_at":   j.CreatedAt.UnixMilli(),
		"updated_at":   j.UpdatedAt.UnixMilli(),
		"score":        score,
	}
	if j.DedupeKey != nil {
		fields["dedupe_key"] = *j.DedupeKey
	}
	return fields
}

func jobFromFields(id string, f map[string]string) *domain.Job {
	j := &domain.Job{
		ID:      id,
		Queue:   f["queue"],
		Type:    f["type"],
		Payload: []byte(f["payload"]),
		Status:  domain.Status(f["status"]),
	}
	j.Priority, _ = strconv.Atoi(f["priority"])
	j.Attempts, _ = strconv.Atoi(f["attempts"])
	j.MaxAttempts, _ = strconv.Atoi(f["max_attempts"])
	j.AvailableAt = msField(f, "available_at")
	j.CreatedAt = msField(f, "created_at")
	j.UpdatedAt = msField(f, "updated_at")
	if v, ok := f["dedupe_key"]; ok {
		j.DedupeKey = &v
	}
	if v, ok := f["lease_owner"]; ok {
		j.LeaseOwner = &v
	}
	if v, ok := f["lease_expires_at"]; ok {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			t := time.UnixMilli(ms).UTC()
			j.LeaseExpiresAt = &t
		}
	}
	if v, ok := f["last_error"]; ok {
		j.LastError = &v
	}
	return j
}

func msField(f map[string]string, key string) time.Time {
	ms, err := strconv.ParseInt(f[key], 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// isScriptReject distinguishes a Lua-level contract violation (stale job
// state) from connectivity failures, which map to ErrUnavailable.
func isScriptReject(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return msg == "job not leased" || msg == "job not found"
}
