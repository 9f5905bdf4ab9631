package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/you/enq/internal/domain"
)

// ErrSerialization is returned synchronously when a payload cannot be
// serialized. Unparseable data is never enqueued.
var ErrSerialization = errors.New("payload serialization failed")

// DefaultQueue is used when the caller does not name a queue.
const DefaultQueue = "default"

const defaultMaxAttempts = 3

// EnqueueOption tunes a single enqueue call.
type EnqueueOption func(*enqueueOptions)

type enqueueOptions struct {
	delay       time.Duration
	availableAt *time.Time
	priority    int
	maxAttempts int
	dedupeKey   *string
}

// WithDelay makes the job ineligible for leasing until now+d.
func WithDelay(d time.Duration) EnqueueOption {
	return func(o *enqueueOptions) {
		if d > 0 {
			o.delay = d
		}
	}
}

// WithAvailableAt pins the earliest lease time explicitly. Overrides WithDelay.
func WithAvailableAt(t time.Time) EnqueueOption {
	return func(o *enqueueOptions) { o.availableAt = &t }
}

// WithPriority sets the job priority; higher is served first within a queue.
func WithPriority(p int) EnqueueOption {
	return func(o *enqueueOptions) { o.priority = p }
}

// WithMaxAttempts caps execution attempts before dead-lettering.
func WithMaxAttempts(n int) EnqueueOption {
	return func(o *enqueueOptions) {
		if n > 0 {
			o.maxAttempts = n
		}
	}
}

// WithDedupeKey suppresses the enqueue with ErrDuplicate while another
// non-terminal job holds the same key.
func WithDedupeKey(key string) EnqueueOption {
	return func(o *enqueueOptions) {
		if key != "" {
			o.dedupeKey = &key
		}
	}
}

// Enqueuer validates and serializes work, then hands it to the backend.
type Enqueuer struct {
	backend Backend
}

func NewEnqueuer(b Backend) *Enqueuer {
	return &Enqueuer{backend: b}
}

// Enqueue serializes payload and inserts a new job, returning its id.
// Serialization failures are reported synchronously and nothing is stored.
func (e *Enqueuer) Enqueue(ctx context.Context, queueName, jobType string, payload any, opts ...EnqueueOption) (string, error) {
	if jobType == "" {
		return "", errors.New("job type is required")
	}
	if queueName == "" {
		queueName = DefaultQueue
	}

	options := &enqueueOptions{maxAttempts: defaultMaxAttempts}
	for _, opt := range opts {
		opt(options)
	}

	var body []byte
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return "", errors.Wrapf(ErrSerialization, "%s: %v", jobType, err)
		}
		body = b
	}

	now := time.Now().UTC()
	availableAt := now
	if options.availableAt != nil {
		availableAt = options.availableAt.UTC()
	} else if options.delay > 0 {
		availableAt = now.Add(options.delay)
	}

	status := domain.Pending
	if availableAt.After(now) {
		status = domain.Delayed
	}

	j := &domain.Job{
		ID:          uuid.NewString(),
		Queue:       queueName,
		Type:        jobType,
		Payload:     body,
		Priority:    options.priority,
		Status:      status,
		MaxAttempts: options.maxAttempts,
		AvailableAt: availableAt,
		DedupeKey:   options.dedupeKey,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := e.backend.Enqueue(ctx, j); err != nil {
		return "", err
	}
	return j.ID, nil
}
