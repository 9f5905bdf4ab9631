package scheduler

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/you/enq/internal/domain"
	"github.com/you/enq/internal/queue"
)

// Store persists the next-due marker per definition. CommitRun must apply
// the instance and the new marker atomically, and only while the persisted
// marker still equals due; a stale commit returns queue.ErrStaleSchedule.
// All three backends satisfy this.
type Store interface {
	NextRun(ctx context.Context, name string) (time.Time, bool, error)
	CommitRun(ctx context.Context, name string, due, next time.Time, instance *domain.Job) error
}

// Definition describes one recurring job: when it fires and what gets
// enqueued each time.
type Definition struct {
	Name        string
	Schedule    Schedule
	Queue       string
	JobType     string
	Payload     any
	Priority    int
	MaxAttempts int
}

// Scheduler fires registered definitions through a shared Store. Multiple
// scheduler processes may run the same definitions; the conditional commit
// guarantees each occurrence enqueues at most one instance.
type Scheduler struct {
	store     Store
	logger    *zap.Logger
	tickEvery time.Duration
	now       func() time.Time

	mu   sync.RWMutex
	defs map[string]*definition

	running atomic.Bool
	fired   atomic.Int64
	skipped atomic.Int64
}

type definition struct {
	Definition
	payload []byte
}

// SchedulerStats exposes tick-loop counters for the status tracker.
type SchedulerStats struct {
	Definitions int   `json:"definitions"`
	Fired       int64 `json:"fired"`
	Skipped     int64 `json:"skipped"`
	IsRunning   bool  `json:"is_running"`
}

// Option configures a Scheduler.
type Option func(*Scheduler)

func WithTickInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.tickEvery = d
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

func withClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

func New(store Store, opts ...Option) (*Scheduler, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	s := &Scheduler{
		store:     store,
		logger:    zap.NewNop(),
		tickEvery: time.Second,
		now:       time.Now,
		defs:      make(map[string]*definition),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Add registers a recurring definition. The payload is marshalled once here
// so a bad payload fails at registration, not on the first fire.
func (s *Scheduler) Add(def Definition) error {
	if def.Name == "" {
		return errors.New("definition name is required")
	}
	if def.Schedule == nil {
		return errors.Errorf("definition %s: schedule is required", def.Name)
	}
	if def.JobType == "" {
		return errors.Errorf("definition %s: job type is required", def.Name)
	}
	if def.Queue == "" {
		def.Queue = queue.DefaultQueue
	}
	if def.MaxAttempts <= 0 {
		def.MaxAttempts = 3
	}

	var payload []byte
	if def.Payload != nil {
		b, err := json.Marshal(def.Payload)
		if err != nil {
			return errors.Wrapf(queue.ErrSerialization, "definition %s: %v", def.Name, err)
		}
		payload = b
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.defs[def.Name]; exists {
		return errors.Errorf("definition %s already registered", def.Name)
	}
	s.defs[def.Name] = &definition{Definition: def, payload: payload}
	return nil
}

// Start runs the tick loop until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("scheduler already started")
	}
	defer s.running.Store(false)

	s.mu.RLock()
	n := len(s.defs)
	s.mu.RUnlock()
	s.logger.Info("scheduler started", zap.Int("definitions", n), zap.Duration("tick", s.tickEvery))

	ticker := time.NewTicker(s.tickEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return nil
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// Run adapts Start to the errgroup pattern used in cmd/worker.
func (s *Scheduler) Run(ctx context.Context) func() error {
	return func() error { return s.Start(ctx) }
}

func (s *Scheduler) Stats() SchedulerStats {
	s.mu.RLock()
	n := len(s.defs)
	s.mu.RUnlock()
	return SchedulerStats{
		Definitions: n,
		Fired:       s.fired.Load(),
		Skipped:     s.skipped.Load(),
		IsRunning:   s.running.Load(),
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	s.mu.RLock()
	defs := make([]*definition, 0, len(s.defs))
	for _, d := range s.defs {
		defs = append(defs, d)
	}
	s.mu.RUnlock()

	for _, d := range defs {
		if ctx.Err() != nil {
			return
		}
		if err := s.fire(ctx, d); err != nil {
			s.logger.Warn("schedule tick failed", zap.String("schedule", d.Name), zap.Error(err))
		}
	}
}

// fire enqueues at most one instance of d if its persisted due time has
// passed, then advances the marker past now. Missed occurrences collapse
// into the single catch-up fire rather than replaying a backlog.
func (s *Scheduler) fire(ctx context.Context, d *definition) error {
	now := s.now()

	due, ok, err := s.store.NextRun(ctx, d.Name)
	if err != nil {
		return err
	}
	if !ok {
		// First sighting of this definition: persist the initial marker
		// without enqueueing. A competing instance winning this commit is
		// fine, the marker ends up equivalent either way.
		first := d.Schedule.Next(now)
		err := s.store.CommitRun(ctx, d.Name, time.Time{}, first, nil)
		if errors.Is(err, queue.ErrStaleSchedule) {
			return nil
		}
		return err
	}
	if now.Before(due) {
		return nil
	}

	next := d.Schedule.Next(now)
	instance := &domain.Job{
		ID:          uuid.NewString(),
		Queue:       d.Queue,
		Type:        d.JobType,
		Payload:     d.payload,
		Priority:    d.Priority,
		Status:      domain.Pending,
		MaxAttempts: d.MaxAttempts,
		AvailableAt: due,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	err = s.store.CommitRun(ctx, d.Name, due, next, instance)
	if errors.Is(err, queue.ErrStaleSchedule) {
		// Another scheduler already fired this occurrence.
		s.skipped.Add(1)
		s.logger.Debug("occurrence taken by another scheduler",
			zap.String("schedule", d.Name), zap.Time("due", due))
		return nil
	}
	if err != nil {
		return err
	}

	s.fired.Add(1)
	s.logger.Info("schedule fired",
		zap.String("schedule", d.Name),
		zap.String("job_id", instance.ID),
		zap.Time("due", due),
		zap.Time("next", next))
	return nil
}
