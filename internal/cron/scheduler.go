// Package cron runs the retention sweep on a cron schedule.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/maksec/msgguard/internal/store"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Config holds the dependencies for the retention scheduler.
type Config struct {
	Store    *store.Store
	Logger   *slog.Logger
	Schedule string        // cron expression; default hourly
	MaxAge   time.Duration // rows older than this are purged; 0 disables
	Interval time.Duration // tick interval; defaults to 1 minute
}

// Scheduler fires the retention sweep whenever the schedule comes due.
type Scheduler struct {
	store    *store.Store
	logger   *slog.Logger
	schedule cronlib.Schedule
	maxAge   time.Duration
	interval time.Duration

	mu      sync.Mutex
	nextRun time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewScheduler(cfg Config) (*Scheduler, error) {
	expr := cfg.Schedule
	if expr == "" {
		expr = "0 * * * *"
	}
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parse retention schedule %q: %w", expr, err)
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:    cfg.Store,
		logger:   logger.With("component", "retention"),
		schedule: schedule,
		maxAge:   cfg.MaxAge,
		interval: interval,
		nextRun:  schedule.Next(time.Now()),
	}, nil
}

// Start begins the scheduler loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	if s.maxAge <= 0 {
		s.logger.Info("retention disabled")
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("retention scheduler started", "max_age", s.maxAge, "next_run", s.NextRun())
}

// Stop cancels the loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// NextRun reports when the sweep fires next.
func (s *Scheduler) NextRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextRun
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
			s.tick(ctx, time.Now())
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	s.mu.Lock()
	due := !now.Before(s.nextRun)
	if due {
		s.nextRun = s.schedule.Next(now)
	}
	s.mu.Unlock()
	if !due {
		return
	}
	s.RunSweep(ctx)
}

// RunSweep executes one retention pass immediately. Exported for tests
// and for the admin surface.
func (s *Scheduler) RunSweep(ctx context.Context) {
	ev, err := s.store.SweepOlderThan(ctx, s.maxAge)
	if err != nil {
		s.logger.Error("retention sweep failed", "error", err)
		return
	}
	s.logger.Info("retention sweep done",
		"purged_messages", ev.PurgedMessages,
		"purged_users", ev.PurgedUsers,
		"purged_chats", ev.PurgedChats,
		"next_run", s.NextRun())
}

// NextRunTime parses a cron expression and returns the next fire time
// after the given instant. Used to validate configured schedules.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
