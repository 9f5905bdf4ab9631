package domain

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/you/enq/internal/retry"
)

type greetPayload struct {
	Name string `json:"name"`
}

func TestRegistryResolve(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	reg.Register(NewHandler("greet", func(ctx context.Context, p greetPayload) error {
		return nil
	}))

	t.Run("known type", func(t *testing.T) {
		t.Parallel()
		h, err := reg.Resolve("greet")
		require.NoError(t, err)
		assert.Equal(t, "greet", h.Name())
	})

	t.Run("unknown type", func(t *testing.T) {
		t.Parallel()
		_, err := reg.Resolve("nonexistent")
		require.ErrorIs(t, err, ErrUnknownJobType)
	})
}

func TestRegistryReplacesOnReRegister(t *testing.T) {
	t.Parallel()

	calls := 0
	reg := NewRegistry()
	reg.Register(NewHandler("dup", func(ctx context.Context, _ struct{}) error {
		calls++
		return nil
	}))
	reg.Register(NewHandler("dup", func(ctx context.Context, _ struct{}) error {
		calls += 100
		return nil
	}))
	require.Equal(t, 1, reg.Len())

	h, err := reg.Resolve("dup")
	require.NoError(t, err)
	require.NoError(t, h.Handle(context.Background(), nil))
	assert.Equal(t, 100, calls)
}

func TestTypedHandlerDecodesPayload(t *testing.T) {
	t.Parallel()

	var got greetPayload
	h := NewHandler("greet", func(ctx context.Context, p greetPayload) error {
		got = p
		return nil
	})

	require.NoError(t, h.Handle(context.Background(), json.RawMessage(`{"name":"ada"}`)))
	assert.Equal(t, "ada", got.Name)
}

func TestTypedHandlerBadPayloadIsPermanent(t *testing.T) {
	t.Parallel()

	h := NewHandler("greet", func(ctx context.Context, p greetPayload) error {
		t.Fatal("handler must not run on a payload that fails to decode")
		return nil
	})

	err := h.Handle(context.Background(), json.RawMessage(`{broken`))
	require.Error(t, err)
	assert.Equal(t, retry.Permanent, retry.Classify(err))
}

func TestTypedHandlerPropagatesHandlerError(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	h := NewHandler("greet", func(ctx context.Context, p greetPayload) error {
		return boom
	})

	err := h.Handle(context.Background(), json.RawMessage(`{"name":"x"}`))
	require.ErrorIs(t, err, boom)
}
