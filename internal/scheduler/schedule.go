// Package scheduler turns recurring definitions and persisted next-run
// markers into enqueued jobs, at most once per occurrence across any number
// of running scheduler instances.
package scheduler

import (
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
)

// Schedule yields the next occurrence strictly after a given instant.
type Schedule interface {
	Next(after time.Time) time.Time
}

// Cron parses a standard five-field cron expression evaluated in UTC.
func Cron(expr string) (Schedule, error) {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, errors.Wrapf(err, "parse cron %q", expr)
	}
	return cronSchedule{inner: sched}, nil
}

// MustCron is Cron for expressions known at compile time.
func MustCron(expr string) Schedule {
	s, err := Cron(expr)
	if err != nil {
		panic(err)
	}
	return s
}

// Every fires on a fixed interval, truncated to whole seconds like cron.
func Every(d time.Duration) Schedule {
	return cronSchedule{inner: cron.Every(d)}
}

type cronSchedule struct {
	inner cron.Schedule
}

func (c cronSchedule) Next(after time.Time) time.Time {
	return c.inner.Next(after.UTC())
}
