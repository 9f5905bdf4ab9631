package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCronSchedule(t *testing.T) {
	t.Parallel()

	t.Run("daily expression", func(t *testing.T) {
		t.Parallel()
		s, err := Cron("0 3 * * *")
		require.NoError(t, err)

		after := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
		assert.Equal(t, time.Date(2026, 4, 2, 3, 0, 0, 0, time.UTC), s.Next(after))
	})

	t.Run("every five minutes", func(t *testing.T) {
		t.Parallel()
		s, err := Cron("*/5 * * * *")
		require.NoError(t, err)

		after := time.Date(2026, 4, 1, 10, 2, 0, 0, time.UTC)
		assert.Equal(t, time.Date(2026, 4, 1, 10, 5, 0, 0, time.UTC), s.Next(after))
	})

	t.Run("evaluates in UTC regardless of input zone", func(t *testing.T) {
		t.Parallel()
		s, err := Cron("0 3 * * *")
		require.NoError(t, err)

		loc := time.FixedZone("UTC+5", 5*3600)
		after := time.Date(2026, 4, 1, 10, 0, 0, 0, loc) // 05:00 UTC
		assert.Equal(t, time.Date(2026, 4, 2, 3, 0, 0, 0, time.UTC), s.Next(after))
	})

	t.Run("invalid expression", func(t *testing.T) {
		t.Parallel()
		_, err := Cron("not a cron")
		require.Error(t, err)
	})
}

func TestMustCronPanicsOnInvalid(t *testing.T) {
	t.Parallel()

	assert.Panics(t, func() { MustCron("61 * * * *") })
	assert.NotPanics(t, func() { MustCron("30 2 * * 1") })
}

func TestEvery(t *testing.T) {
	t.Parallel()

	s := Every(90 * time.Second)
	after := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	assert.Equal(t, after.Add(90*time.Second), s.Next(after))
}
