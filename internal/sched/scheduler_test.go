package sched

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chriswritescode-dev/opencode-manager/internal/config"
)

// waitFor polls check at short intervals until it returns true or the deadline
// elapses. This avoids fixed time.Sleep calls that cause flaky tests.
func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// markDue rewinds every entry so the next tick fires it.
func markDue(s *Scheduler) {
	s.mu.Lock()
	for _, e := range s.entries {
		e.nextRun = time.Now().Add(-time.Second)
	}
	s.mu.Unlock()
}

func TestNewSchedulerRejectsUnknownJob(t *testing.T) {
	_, err := NewScheduler(Config{
		Schedules: []config.ScheduleConfig{
			{Name: "nightly", Cron: "0 3 * * *", Job: "no_such_job"},
		},
		Jobs:   map[string]Job{},
		Logger: testLogger(),
	})
	if err == nil {
		t.Fatal("unknown job accepted")
	}
}

func TestNewSchedulerRejectsBadExpression(t *testing.T) {
	_, err := NewScheduler(Config{
		Schedules: []config.ScheduleConfig{
			{Name: "broken", Cron: "not a cron", Job: "sweep"},
		},
		Jobs: map[string]Job{
			"sweep": func(ctx context.Context) error { return nil },
		},
		Logger: testLogger(),
	})
	if err == nil {
		t.Fatal("invalid cron expression accepted")
	}
}

func TestSchedulerFiresDueJob(t *testing.T) {
	var fired atomic.Int64
	s, err := NewScheduler(Config{
		Schedules: []config.ScheduleConfig{
			{Name: "every-minute", Cron: "* * * * *", Job: "sweep"},
		},
		Jobs: map[string]Job{
			"sweep": func(ctx context.Context) error {
				fired.Add(1)
				return nil
			},
		},
		Logger:   testLogger(),
		Interval: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	markDue(s)

	s.Start(context.Background())
	defer s.Stop()

	waitFor(t, 2*time.Second, func() bool { return fired.Load() >= 1 })

	// After firing, the next run moves to the future; the job must not fire
	// again on every tick.
	n := fired.Load()
	time.Sleep(100 * time.Millisecond)
	if fired.Load() != n {
		t.Fatalf("job refired before coming due: %d then %d", n, fired.Load())
	}
	for _, next := range s.NextRuns() {
		if !next.After(time.Now().Add(-time.Second)) {
			t.Fatalf("next run not advanced: %v", next)
		}
	}
}

func TestSchedulerSurvivesFailingJob(t *testing.T) {
	var calls atomic.Int64
	s, err := NewScheduler(Config{
		Schedules: []config.ScheduleConfig{
			{Name: "flaky", Cron: "* * * * *", Job: "fail"},
		},
		Jobs: map[string]Job{
			"fail": func(ctx context.Context) error {
				calls.Add(1)
				return errors.New("job exploded")
			},
		},
		Logger:   testLogger(),
		Interval: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	markDue(s)

	s.Start(context.Background())
	defer s.Stop()

	waitFor(t, 2*time.Second, func() bool { return calls.Load() >= 1 })
}

func TestNextRunTime(t *testing.T) {
	after := time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)
	next, err := NextRunTime("0 3 * * *", after)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := time.Date(2026, 3, 2, 3, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}

	if _, err := NextRunTime("bogus", after); err == nil {
		t.Fatal("bogus expression parsed")
	}
}
