package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"

	"github.com/lox/criteriasync/internal/models"
)

type DayRunner interface {
	RunDay(ctx context.Context, day time.Time) error
}

// Scheduler runs the full pipeline for the current day on a cron schedule.
// A run still in progress when the next one fires causes that one to be
// skipped.
type Scheduler struct {
	runner DayRunner
	spec   string
	clock  clockwork.Clock
	logger *slog.Logger
	onRun  func(day time.Time, err error)
}

func NewScheduler(runner DayRunner, spec string, clock clockwork.Clock, logger *slog.Logger) (*Scheduler, error) {
	if _, err := cron.ParseStandard(spec); err != nil {
		return nil, fmt.Errorf("schedule %q: %w", spec, err)
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		runner: runner,
		spec:   spec,
		clock:  clock,
		logger: logger.With("component", "scheduler"),
	}, nil
}

// OnRun registers fn to be called after every run.
func (s *Scheduler) OnRun(fn func(day time.Time, err error)) {
	s.onRun = fn
}

// Run blocks until ctx is cancelled, then waits for a running day to finish.
// Days run detached from ctx so shutdown never interrupts one midway.
func (s *Scheduler) Run(ctx context.Context) error {
	dayCtx := context.WithoutCancel(ctx)
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	if _, err := c.AddFunc(s.spec, func() { s.Tick(dayCtx) }); err != nil {
		return fmt.Errorf("schedule %q: %w", s.spec, err)
	}

	s.logger.Info("scheduler started", "schedule", s.spec)
	c.Start()
	<-ctx.Done()
	s.logger.Info("scheduler: shutting down")
	<-c.Stop().Done()
	return nil
}

// Tick runs the pipeline once for the clock's current UTC day.
func (s *Scheduler) Tick(ctx context.Context) error {
	day := models.Day(s.clock.Now())
	err := s.runner.RunDay(ctx, day)
	if s.onRun != nil {
		s.onRun(day, err)
	}
	if err != nil {
		s.logger.Error("scheduled run failed", "day", models.DateString(day), "error", err)
		return err
	}
	return nil
}
