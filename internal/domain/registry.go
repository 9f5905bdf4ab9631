package domain

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/pkg/errors"

	"github.com/you/enq/internal/retry"
)

// ErrUnknownJobType is returned by Resolve when no handler is registered
// for a job type. Workers treat it as a permanent failure.
var ErrUnknownJobType = errors.New("unknown job type")

type (
	// Handler executes one job type. The payload is the raw bytes the
	// enqueuer serialized; the handler owns decoding it.
	Handler interface {
		Name() string
		Handle(ctx context.Context, payload json.RawMessage) error
	}

	// HandlerFunc is a type-safe handler over a concrete payload shape.
	HandlerFunc[T any] func(ctx context.Context, payload T) error
)

// NewHandler adapts a typed function into a Handler registered under name.
// A payload that fails to decode is a permanent failure: the bytes will
// never parse differently on retry, so the job goes straight to the
// dead letter sink.
func NewHandler[T any](name string, fn HandlerFunc[T]) Handler {
	return &typedHandler[T]{name: name, fn: fn}
}

type typedHandler[T any] struct {
	name string
	fn   HandlerFunc[T]
}

func (h *typedHandler[T]) Name() string { return h.name }

func (h *typedHandler[T]) Handle(ctx context.Context, payload json.RawMessage) error {
	var t T
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &t); err != nil {
			return retry.MarkPermanent(errors.Wrapf(err, "decode %q payload", h.name))
		}
	}
	return h.fn(ctx, t)
}

// Registry maps job type keys to handlers. Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register associates a type key with executable logic. Re-registering a
// key replaces the previous handler.
func (r *Registry) Register(handlers ...Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, h := range handlers {
		if h == nil {
			continue
		}
		r.handlers[h.Name()] = h
	}
}

// Resolve returns the handler for jobType or ErrUnknownJobType.
func (r *Registry) Resolve(jobType string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[jobType]
	if !ok {
		return nil, errors.Wrap(ErrUnknownJobType, jobType)
	}
	return h, nil
}

// Len returns the number of registered handlers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}
