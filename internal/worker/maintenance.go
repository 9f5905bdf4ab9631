package worker

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/you/enq/internal/queue"
)

// Maintenance is the background sweep shared by all backends: promote
// delayed jobs that became due, reclaim jobs whose lease expired, and purge
// terminal rows past their retention. Any live worker process may run it;
// the backends make each sweep safe to run concurrently.
type Maintenance struct {
	backend      queue.Backend
	logger       *zap.Logger
	interval     time.Duration
	promoteBatch int
	retention    time.Duration

	promoted  atomic.Int64
	reclaimed atomic.Int64
	purged    atomic.Int64
}

// MaintenanceStats exposes sweep counters for the status tracker.
type MaintenanceStats struct {
	Promoted  int64 `json:"promoted"`
	Reclaimed int64 `json:"reclaimed"`
	Purged    int64 `json:"purged"`
}

// MaintenanceOption configures a Maintenance loop.
type MaintenanceOption func(*Maintenance)

func WithSweepInterval(d time.Duration) MaintenanceOption {
	return func(m *Maintenance) {
		if d > 0 {
			m.interval = d
		}
	}
}

func WithPromoteBatch(n int) MaintenanceOption {
	return func(m *Maintenance) {
		if n > 0 {
			m.promoteBatch = n
		}
	}
}

// WithRetention sets how long completed and dead-lettered rows are kept
// before purge. Zero disables purging entirely.
func WithRetention(d time.Duration) MaintenanceOption {
	return func(m *Maintenance) { m.retention = d }
}

func WithMaintenanceLogger(l *zap.Logger) MaintenanceOption {
	return func(m *Maintenance) {
		if l != nil {
			m.logger = l
		}
	}
}

func NewMaintenance(backend queue.Backend, opts ...MaintenanceOption) (*Maintenance, error) {
	if backend == nil {
		return nil, errors.New("backend is required")
	}
	m := &Maintenance{
		backend:      backend,
		logger:       zap.NewNop(),
		interval:     5 * time.Second,
		promoteBatch: 100,
		retention:    24 * time.Hour,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Start sweeps on the configured interval until ctx is cancelled.
func (m *Maintenance) Start(ctx context.Context) error {
	m.logger.Info("maintenance started",
		zap.Duration("interval", m.interval),
		zap.Duration("retention", m.retention))

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("maintenance stopped")
			return nil
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

// Run adapts Start to the errgroup pattern used in cmd/worker.
func (m *Maintenance) Run(ctx context.Context) func() error {
	return func() error { return m.Start(ctx) }
}

func (m *Maintenance) Stats() MaintenanceStats {
	return MaintenanceStats{
		Promoted:  m.promoted.Load(),
		Reclaimed: m.reclaimed.Load(),
		Purged:    m.purged.Load(),
	}
}

func (m *Maintenance) sweep(ctx context.Context) {
	if n, err := m.backend.PromoteDue(ctx, m.promoteBatch); err != nil {
		m.logSweepErr("promote due", err)
	} else if n > 0 {
		m.promoted.Add(int64(n))
		m.logger.Debug("promoted due jobs", zap.Int("count", n))
	}

	if n, err := m.backend.ReclaimExpired(ctx); err != nil {
		m.logSweepErr("reclaim expired", err)
	} else if n > 0 {
		m.reclaimed.Add(int64(n))
		m.logger.Info("reclaimed expired leases", zap.Int("count", n))
	}

	if m.retention > 0 {
		if n, err := m.backend.PurgeTerminal(ctx, m.retention); err != nil {
			m.logSweepErr("purge terminal", err)
		} else if n > 0 {
			m.purged.Add(int64(n))
			m.logger.Debug("purged terminal jobs", zap.Int("count", n))
		}
	}
}

func (m *Maintenance) logSweepErr(step string, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	m.logger.Warn("maintenance sweep step failed", zap.String("step", step), zap.Error(err))
}
