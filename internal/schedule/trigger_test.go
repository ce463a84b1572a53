package schedule

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestParseValidExpressions(t *testing.T) {
	cases := []string{
		"0 */5 * * * *",
		"*/10 * * * * *",
		"0 0 3 * * *",
		"@hourly",
	}
	for _, expr := range cases {
		if _, err := Parse(expr, time.UTC); err != nil {
			t.Errorf("%q should parse: %v", expr, err)
		}
	}
}

func TestParseInvalidExpressions(t *testing.T) {
	cases := []string{
		"",
		"not a cron",
		"99 * * * * *",
		"* * * *",
	}
	for _, expr := range cases {
		if _, err := Parse(expr, time.UTC); !errors.Is(err, ErrInvalidSchedule) {
			t.Errorf("%q should fail with ErrInvalidSchedule, got %v", expr, err)
		}
	}
}

func TestParseNoOccurrenceWithinYear(t *testing.T) {
	// February 30th never happens.
	if _, err := Parse("0 0 0 30 2 *", time.UTC); !errors.Is(err, ErrInvalidSchedule) {
		t.Fatalf("impossible date should be rejected, got %v", err)
	}
}

func TestTriggerEmitsTicks(t *testing.T) {
	spec, err := Parse("* * * * * *", time.UTC) // every second
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	trig := NewTrigger(spec, time.UTC, nil)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go trig.Run(ctx)

	select {
	case fireAt := <-trig.C:
		if fireAt.IsZero() {
			t.Fatal("tick carried zero time")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no tick within 3s for an every-second schedule")
	}
}

func TestTriggerStopsOnCancel(t *testing.T) {
	spec, err := Parse("* * * * * *", time.UTC)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	trig := NewTrigger(spec, time.UTC, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		trig.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("trigger did not stop after cancellation")
	}
}

func TestTriggerCoalescesWhenConsumerSlow(t *testing.T) {
	spec, err := Parse("* * * * * *", time.UTC)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	trig := NewTrigger(spec, time.UTC, nil)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go trig.Run(ctx)

	// Let several fire times pass without consuming.
	time.Sleep(3100 * time.Millisecond)

	// At most one tick is buffered.
	count := 0
	for {
		select {
		case <-trig.C:
			count++
		default:
			if count != 1 {
				t.Fatalf("expected exactly one buffered tick, drained %d", count)
			}
			return
		}
	}
}
