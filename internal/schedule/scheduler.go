// Package schedule fires cron-defined auto-replies by enqueueing their
// messages into the conversation message queue when due.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/go-cue/internal/store"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// NextRunTime computes the next fire time for a cron expression after now.
func NextRunTime(expr string, now time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", expr, err)
	}
	return sched.Next(now), nil
}

// ValidateExpr reports whether a cron expression parses.
func ValidateExpr(expr string) error {
	_, err := cronParser.Parse(expr)
	if err != nil {
		return fmt.Errorf("parse cron expression %q: %w", expr, err)
	}
	return nil
}

// Config holds the dependencies for the schedule scheduler.
type Config struct {
	Store    *store.Store
	Logger   *slog.Logger
	Interval time.Duration // tick interval; defaults to 1 minute if zero
}

// Scheduler periodically queries the store for due schedules and enqueues
// their messages.
type Scheduler struct {
	store    *store.Store
	logger   *slog.Logger
	interval time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a new Scheduler with the given config.
func NewScheduler(cfg Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:    cfg.Store,
		logger:   logger,
		interval: interval,
	}
}

// Start begins the scheduler loop. It runs in a background goroutine
// and respects the provided context for shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("schedule scheduler started", "interval", s.interval)
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("schedule scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Fire immediately on startup, then on each tick.
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

// tick queries for due schedules and fires each one.
func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now()
	due, err := s.store.DueSchedules(ctx, now)
	if err != nil {
		s.logger.Error("schedule: failed to query due schedules", "error", err)
		return
	}
	for _, sched := range due {
		s.fire(ctx, sched, now)
	}
}

// fire enqueues the schedule's message and advances its run timestamps.
// A schedule whose cron expression no longer parses is disabled rather than
// retried forever.
func (s *Scheduler) fire(ctx context.Context, sched store.Schedule, now time.Time) {
	if _, err := s.store.Enqueue(ctx, sched.ConvType, sched.ConvID, sched.MessageJSON); err != nil {
		s.logger.Error("schedule: failed to enqueue message",
			"schedule_id", sched.ID,
			"conv_type", sched.ConvType,
			"conv_id", sched.ConvID,
			"error", err,
		)
		return
	}

	nextRun, err := NextRunTime(sched.CronExpr, now)
	if err != nil {
		s.logger.Error("schedule: invalid cron expression, disabling",
			"schedule_id", sched.ID, "cron_expr", sched.CronExpr, "error", err)
		if derr := s.store.SetScheduleEnabled(ctx, sched.ID, false); derr != nil {
			s.logger.Error("schedule: failed to disable", "schedule_id", sched.ID, "error", derr)
		}
		return
	}

	if err := s.store.MarkScheduleRun(ctx, sched.ID, now, nextRun); err != nil {
		s.logger.Error("schedule: failed to record run",
			"schedule_id", sched.ID, "error", err)
		return
	}
	s.logger.Info("schedule fired",
		"schedule_id", sched.ID,
		"conv_type", sched.ConvType,
		"conv_id", sched.ConvID,
		"next_run_at", nextRun,
	)
}
