// Package simulation runs the external crop and water-balance engine.
package simulation

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/lox/criteriasync/internal/metrics"
)

const maxLineSize = 1024 * 1024

// Result describes a finished execution. The engine reports through the
// output database, so a non-zero ExitCode is returned for the caller to
// judge rather than as an error.
type Result struct {
	ExitCode int
	Lines    int
	Duration time.Duration
}

type Runner struct {
	program string
	args    []string
	dir     string
	logger  *slog.Logger
}

// NewRunner splits commandLine on whitespace into program and arguments.
func NewRunner(commandLine string, logger *slog.Logger) (*Runner, error) {
	fields := strings.Fields(commandLine)
	if len(fields) == 0 {
		return nil, errors.New("empty simulation command line")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		program: fields[0],
		args:    fields[1:],
		logger:  logger.With("component", "simulation", "program", fields[0]),
	}, nil
}

// WithDir sets the working directory of the child process.
func (r *Runner) WithDir(dir string) *Runner {
	cp := *r
	cp.dir = dir
	return &cp
}

// Run starts the engine with stderr merged into stdout, logs each output
// line and blocks until the process exits. No timeout is applied; ctx only
// kills the child when cancelled.
func (r *Runner) Run(ctx context.Context) (Result, error) {
	cmd := exec.CommandContext(ctx, r.program, r.args...)
	cmd.Dir = r.dir
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Result{}, fmt.Errorf("simulation pipe: %w", err)
	}
	cmd.Stderr = cmd.Stdout

	start := time.Now()
	r.logger.Info("simulation starting", "args", r.args)
	if err := cmd.Start(); err != nil {
		metrics.SimulationRuns.WithLabelValues("start_failed").Inc()
		return Result{}, fmt.Errorf("start simulation %s: %w", r.program, err)
	}

	var res Result
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		res.Lines++
		r.logger.Debug(scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		// keep the pipe empty so the child never blocks on a full buffer
		r.logger.Warn("simulation output truncated", "error", err)
		if _, err := io.Copy(io.Discard, stdout); err != nil {
			r.logger.Warn("drain simulation output", "error", err)
		}
	}

	waitErr := cmd.Wait()
	res.Duration = time.Since(start)
	metrics.SimulationDuration.Observe(res.Duration.Seconds())

	if ctx.Err() != nil {
		metrics.SimulationRuns.WithLabelValues("cancelled").Inc()
		return res, fmt.Errorf("simulation %s: %w", r.program, ctx.Err())
	}

	var exitErr *exec.ExitError
	switch {
	case waitErr == nil:
		metrics.SimulationRuns.WithLabelValues("ok").Inc()
	case errors.As(waitErr, &exitErr):
		res.ExitCode = exitErr.ExitCode()
		metrics.SimulationRuns.WithLabelValues("nonzero_exit").Inc()
		r.logger.Warn("simulation exited with non-zero status", "exit_code", res.ExitCode)
	default:
		metrics.SimulationRuns.WithLabelValues("wait_failed").Inc()
		return res, fmt.Errorf("wait for simulation %s: %w", r.program, waitErr)
	}

	r.logger.Info("simulation finished",
		"exit_code", res.ExitCode,
		"lines", res.Lines,
		"duration", res.Duration.Round(time.Millisecond))
	return res, nil
}
