// Package sched runs the configured maintenance jobs on cron schedules,
// such as forced discovery sweeps and session refreshes.
package sched

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/chriswritescode-dev/opencode-manager/internal/config"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Job is one runnable maintenance action.
type Job func(ctx context.Context) error

type entry struct {
	name    string
	jobName string
	expr    string
	job     Job
	nextRun time.Time
}

// Config holds the scheduler's dependencies.
type Config struct {
	Schedules []config.ScheduleConfig
	Jobs      map[string]Job
	Logger    *slog.Logger
	Interval  time.Duration // tick interval; defaults to 30 seconds if zero
}

// Scheduler fires configured jobs when their cron expressions come due.
type Scheduler struct {
	logger   *slog.Logger
	interval time.Duration

	mu      sync.Mutex
	entries []*entry

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler builds a Scheduler from the configured schedules. A schedule
// naming an unregistered job or carrying a bad expression is an error.
func NewScheduler(cfg Config) (*Scheduler, error) {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	now := time.Now()
	var entries []*entry
	for _, sc := range cfg.Schedules {
		job, ok := cfg.Jobs[sc.Job]
		if !ok {
			return nil, fmt.Errorf("schedule %q references unknown job %q", sc.Name, sc.Job)
		}
		next, err := NextRunTime(sc.Cron, now)
		if err != nil {
			return nil, fmt.Errorf("schedule %q has invalid cron expression %q: %w", sc.Name, sc.Cron, err)
		}
		entries = append(entries, &entry{
			name:    sc.Name,
			jobName: sc.Job,
			expr:    sc.Cron,
			job:     job,
			nextRun: next,
		})
	}

	return &Scheduler{
		logger:   logger,
		interval: interval,
		entries:  entries,
	}, nil
}

// Start begins the scheduler loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("maintenance scheduler started",
		"schedules", len(s.entries), "interval", s.interval)
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("maintenance scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick fires every due entry. A failing job never stops future ticks.
func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now()

	s.mu.Lock()
	var due []*entry
	for _, e := range s.entries {
		if !now.Before(e.nextRun) {
			due = append(due, e)
		}
	}
	s.mu.Unlock()

	for _, e := range due {
		s.fire(ctx, e, now)
	}
}

func (s *Scheduler) fire(ctx context.Context, e *entry, now time.Time) {
	if err := e.job(ctx); err != nil {
		s.logger.Error("scheduled job failed",
			"schedule", e.name, "job", e.jobName, "error", err)
	}

	next, err := NextRunTime(e.expr, now)
	if err != nil {
		// Validated at construction; a parse failure here disables the entry.
		s.logger.Error("cron expression no longer parses, disabling schedule",
			"schedule", e.name, "cron_expr", e.expr, "error", err)
		next = now.Add(100 * 365 * 24 * time.Hour)
	}

	s.mu.Lock()
	e.nextRun = next
	s.mu.Unlock()

	s.logger.Info("schedule fired",
		"schedule", e.name, "job", e.jobName, "next_run_at", next)
}

// NextRuns reports each schedule's next fire time, for diagnostics.
func (s *Scheduler) NextRuns() map[string]time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]time.Time, len(s.entries))
	for _, e := range s.entries {
		out[e.name] = e.nextRun
	}
	return out
}

// NextRunTime parses the cron expression and returns the next run time after
// the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
