package refresh

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser accepts standard 5-field expressions and descriptors such as
// "@every 1m" or "@hourly".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

type Config struct {
	Reloader *Reloader
	Logger   *slog.Logger
	// Spec is the cron expression; empty disables the scheduler.
	Spec string
}

// Scheduler rebuilds the registry each time the cron expression fires, which
// picks up agents persisted by other processes.
type Scheduler struct {
	reloader *Reloader
	logger   *slog.Logger
	schedule cronlib.Schedule

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler returns nil, nil when cfg.Spec is empty.
func NewScheduler(cfg Config) (*Scheduler, error) {
	if cfg.Spec == "" {
		return nil, nil
	}
	sched, err := cronParser.Parse(cfg.Spec)
	if err != nil {
		return nil, fmt.Errorf("parse registry refresh spec %q: %w", cfg.Spec, err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		reloader: cfg.Reloader,
		logger:   logger.With("component", "refresh"),
		schedule: sched,
	}, nil
}

// Start runs the loop in a background goroutine until ctx is done or Stop
// is called.
func (s *Scheduler) Start(ctx context.Context) {
	if s == nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("registry refresh scheduler started", "next_run_at", s.schedule.Next(time.Now()))
}

func (s *Scheduler) Stop() {
	if s == nil {
		return
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("registry refresh scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	for {
		now := time.Now()
		wait := s.schedule.Next(now).Sub(now)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			_, _ = s.reloader.Reload(ctx, "scheduled")
		}
	}
}

// NextRunTime parses spec and returns the next fire time after the given time.
func NextRunTime(spec string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(spec)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
