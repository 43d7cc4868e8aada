// Package cron fires trigger-corridor submissions for schedules whose
// cron expression is due, mirroring the periodic-tick scheduler shape
// used elsewhere in this ecosystem.
package cron

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/goclawd/internal/enqueue"
	"github.com/basket/goclawd/internal/priority"
	"github.com/basket/goclawd/internal/store"
)

// cronParser parses standard 5-field cron expressions (minute, hour,
// day-of-month, month, day-of-week).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Config holds the dependencies for the cron scheduler.
type Config struct {
	Store    *store.Store
	Enqueue  *enqueue.Service
	Logger   *slog.Logger
	Interval time.Duration // tick interval; defaults to 1 minute if zero
}

// Scheduler periodically checks every enabled schedule's cron
// expression and enqueues a trigger-sourced execution for any that
// are due.
type Scheduler struct {
	store    *store.Store
	enqueue  *enqueue.Service
	logger   *slog.Logger
	interval time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler builds a Scheduler with the given config.
func NewScheduler(cfg Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{store: cfg.Store, enqueue: cfg.Enqueue, logger: logger, interval: interval}
}

// Start begins the scheduler loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("cron scheduler started", "interval", s.interval)
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("cron scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now()
	schedules, err := s.store.ListEnabledSchedules(ctx)
	if err != nil {
		s.logger.Error("cron: failed to list schedules", "error", err)
		return
	}
	for _, sched := range schedules {
		due, err := isDue(sched.CronExpr, sched.LastRunAt, now)
		if err != nil {
			s.logger.Error("cron: bad cron expression", "schedule_id", sched.ID, "expr", sched.CronExpr, "error", err)
			continue
		}
		if due {
			s.fire(ctx, sched, now)
		}
	}
}

func (s *Scheduler) fire(ctx context.Context, sched store.Schedule, now time.Time) {
	id, err := s.enqueue.Execution(ctx, sched.AgentID, sched.Payload, priority.SourceTrigger, "", 0)
	if err != nil {
		s.logger.Error("cron: failed to enqueue execution for schedule", "schedule_id", sched.ID, "error", err)
		return
	}
	if err := s.store.RecordScheduleRun(ctx, sched.ID, now); err != nil {
		s.logger.Error("cron: failed to record schedule run", "schedule_id", sched.ID, "error", err)
		return
	}
	s.logger.Info("cron: schedule fired", "schedule_id", sched.ID, "execution_id", id)
}

// isDue reports whether a schedule with expr and lastRun should fire
// at now: true when expr's next occurrence strictly after lastRun is
// not after now.
func isDue(expr string, lastRun, now time.Time) (bool, error) {
	parsed, err := cronParser.Parse(expr)
	if err != nil {
		return false, err
	}
	next := parsed.Next(lastRun)
	return !next.After(now), nil
}
