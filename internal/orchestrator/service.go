// Package orchestrator drives synchronization, simulation and harvesting for
// one day or a range of days.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/lox/criteriasync/internal/config"
	"github.com/lox/criteriasync/internal/harvest"
	"github.com/lox/criteriasync/internal/ingest"
	"github.com/lox/criteriasync/internal/metrics"
	"github.com/lox/criteriasync/internal/models"
	"github.com/lox/criteriasync/internal/simulation"
	"github.com/lox/criteriasync/internal/store"
)

// KnowledgeStore is the subset of the knowledge-store client used here.
type KnowledgeStore interface {
	ingest.Querier
	harvest.Updater
}

type Engine interface {
	Run(ctx context.Context) (simulation.Result, error)
}

type Mode int

const (
	ModeFull Mode = iota
	ModeWeatherOnly
	ModeCopy
)

func (m Mode) String() string {
	switch m {
	case ModeFull:
		return "full"
	case ModeWeatherOnly:
		return "weather_only"
	case ModeCopy:
		return "copy"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

type Service struct {
	cfg    config.Config
	kb     KnowledgeStore
	engine Engine
	logger *slog.Logger
}

func NewService(cfg config.Config, kb KnowledgeStore, engine Engine, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{cfg: cfg, kb: kb, engine: engine, logger: logger}
}

// RunDay synchronizes the scenario database, runs the engine and publishes
// its results for day.
func (s *Service) RunDay(ctx context.Context, day time.Time) error {
	day = models.Day(day)
	logger := s.runLogger(ModeFull, day)

	if err := s.synchronize(ctx, day, logger); err != nil {
		return s.finish(ModeFull, logger, err)
	}

	res, err := s.engine.Run(ctx)
	if err != nil {
		return s.finish(ModeFull, logger, err)
	}
	if res.ExitCode != 0 {
		logger.Warn("publishing results of a failed simulation", "exit_code", res.ExitCode)
	}

	return s.finish(ModeFull, logger, s.harvest(ctx, day, s.cfg.ForecastDays, false, logger))
}

// SetWeatherOnly refreshes the scenario database for day without running the
// engine.
func (s *Service) SetWeatherOnly(ctx context.Context, day time.Time) error {
	day = models.Day(day)
	logger := s.runLogger(ModeWeatherOnly, day)
	return s.finish(ModeWeatherOnly, logger, s.synchronize(ctx, day, logger))
}

// CopyOutput republishes days of stored results starting at day as realized
// observations. Nothing is recomputed.
func (s *Service) CopyOutput(ctx context.Context, day time.Time, days int) error {
	day = models.Day(day)
	logger := s.runLogger(ModeCopy, day).With("days", days)
	return s.finish(ModeCopy, logger, s.harvest(ctx, day, days, true, logger))
}

// RunRange processes every day in [from, to]. Cancellation is honoured
// between days only; the first fatal error stops the range.
func (s *Service) RunRange(ctx context.Context, from, to time.Time, mode Mode) error {
	from, to = models.Day(from), models.Day(to)
	if to.Before(from) {
		return fmt.Errorf("range end %s is before start %s", models.DateString(to), models.DateString(from))
	}

	if mode == ModeCopy {
		return s.CopyOutput(ctx, from, models.DaysBetween(from, to)+1)
	}

	dayCtx := context.WithoutCancel(ctx)
	for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
		if err := ctx.Err(); err != nil {
			s.logger.Info("range interrupted", "next", models.DateString(d))
			return err
		}

		var err error
		switch mode {
		case ModeFull:
			err = s.RunDay(dayCtx, d)
		case ModeWeatherOnly:
			err = s.SetWeatherOnly(dayCtx, d)
		default:
			err = fmt.Errorf("unknown mode %v", mode)
		}
		if err != nil {
			return fmt.Errorf("%s: %w", models.DateString(d), err)
		}
	}
	return nil
}

func (s *Service) synchronize(ctx context.Context, day time.Time, logger *slog.Logger) error {
	st, err := store.Open(s.cfg.ScenarioDB, s.cfg.StatementTimeout)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.EnsureWeatherTables(ctx, s.cfg.StationTables()); err != nil {
		return err
	}

	report, err := ingest.NewSynchronizer(s.kb, st, s.cfg.Stations, logger).Synchronize(ctx, day, s.cfg.ForecastDays)
	if err != nil {
		return fmt.Errorf("synchronize: %w", err)
	}
	if missErr := report.MissErr(); missErr != nil {
		logger.Warn("synchronized with missing data", "misses", len(report.Misses), "error", missErr)
	}
	return nil
}

func (s *Service) harvest(ctx context.Context, day time.Time, days int, copyMode bool, logger *slog.Logger) error {
	st, err := store.Open(s.cfg.OutputDB, s.cfg.StatementTimeout)
	if err != nil {
		return err
	}
	defer st.Close()

	report, err := harvest.NewHarvester(st, s.kb, s.cfg.Places, logger).Harvest(ctx, day, days, copyMode)
	if err != nil {
		return fmt.Errorf("harvest: %w", err)
	}
	if len(report.Failures) > 0 {
		logger.Warn("harvested with publish failures", "failures", len(report.Failures))
	}
	return nil
}

func (s *Service) runLogger(mode Mode, day time.Time) *slog.Logger {
	logger := s.logger.With("run_id", uuid.NewString(), "mode", mode.String(), "day", models.DateString(day))
	logger.Info("run starting")
	return logger
}

func (s *Service) finish(mode Mode, logger *slog.Logger, err error) error {
	if err != nil {
		metrics.DaysProcessed.WithLabelValues(mode.String(), "failed").Inc()
		logger.Error("run failed", "error", err)
		return err
	}
	metrics.DaysProcessed.WithLabelValues(mode.String(), "ok").Inc()
	logger.Info("run finished")
	return nil
}
