// Package schedule evaluates the probe cron expression and emits trigger
// ticks.
package schedule

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// ErrInvalidSchedule is wrapped into parse/occurrence failures at startup.
var ErrInvalidSchedule = fmt.Errorf("invalid schedule")

// cronParser accepts standard 6-field expressions (sec min hour dom mon dow).
var cronParser = cron.NewParser(
	cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Parse compiles a cron expression and verifies it has a future occurrence
// within the next 365 days.
func Parse(expr string, loc *time.Location) (cron.Schedule, error) {
	if loc == nil {
		loc = time.UTC
	}
	spec, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidSchedule, expr, err)
	}
	now := time.Now().In(loc)
	next := spec.Next(now)
	if next.IsZero() || next.After(now.AddDate(1, 0, 0)) {
		return nil, fmt.Errorf("%w: %q has no occurrence within 365 days", ErrInvalidSchedule, expr)
	}
	return spec, nil
}

// Trigger sleeps until each cron fire time and emits the fire time on C.
// The next fire time is computed from the previous fire time, not wall-clock
// now, so a slow consumer does not drift the schedule. At most one pending
// tick is buffered; further ticks coalesce.
type Trigger struct {
	C <-chan time.Time

	spec   cron.Schedule
	out    chan time.Time
	loc    *time.Location
	logger *zap.Logger
}

// NewTrigger creates a trigger for a pre-parsed schedule.
func NewTrigger(spec cron.Schedule, loc *time.Location, logger *zap.Logger) *Trigger {
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	out := make(chan time.Time, 1)
	return &Trigger{C: out, spec: spec, out: out, loc: loc, logger: logger}
}

// Run emits ticks until ctx is cancelled. On cancellation it returns without
// emitting a final tick.
func (t *Trigger) Run(ctx context.Context) {
	fireAt := t.spec.Next(time.Now().In(t.loc))
	for {
		timer := time.NewTimer(time.Until(fireAt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		select {
		case t.out <- fireAt:
		default:
			// Previous batch still draining; coalesce this tick.
			t.logger.Debug("trigger tick coalesced", zap.Time("fire_at", fireAt))
		}

		fireAt = t.spec.Next(fireAt)
	}
}
