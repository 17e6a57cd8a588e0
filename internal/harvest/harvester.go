// Package harvest publishes simulation results back to the knowledge store.
package harvest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/lox/criteriasync/internal/kb"
	"github.com/lox/criteriasync/internal/metrics"
	"github.com/lox/criteriasync/internal/models"
)

const UpdateAddObservationForecast = "ADD_OBSERVATION_FORECAST"

type OutputStore interface {
	OutputValues(ctx context.Context, table, column string, date time.Time) ([]float64, error)
}

type Updater interface {
	Update(ctx context.Context, name string, bindings kb.Bindings) error
}

// Failure is an observation that could not be published. Harvesting goes on
// after a failure.
type Failure struct {
	Observation models.Observation
	Err         error
}

func (f Failure) Error() string {
	return fmt.Sprintf("publish %s %s %s: %v",
		f.Observation.Feature, f.Observation.Property, models.DateString(f.Observation.PredictedAt), f.Err)
}

func (f Failure) Unwrap() error { return f.Err }

type Report struct {
	Published int
	Failures  []Failure
}

// FailureErr summarises every failed publication, or returns nil.
func (r Report) FailureErr() error {
	var result *multierror.Error
	for _, f := range r.Failures {
		result = multierror.Append(result, f)
	}
	return result.ErrorOrNil()
}

type Harvester struct {
	store  OutputStore
	kb     Updater
	places []models.Place
	fields []models.OutputField
	logger *slog.Logger
}

func NewHarvester(st OutputStore, u Updater, places []models.Place, logger *slog.Logger) *Harvester {
	if logger == nil {
		logger = slog.Default()
	}
	return &Harvester{
		store:  st,
		kb:     u,
		places: places,
		fields: models.OutputFields,
		logger: logger.With("component", "harvester"),
	}
}

// Harvest publishes every output value of every place for the dates in
// [day, day+horizonDays). Outside copy mode each observation is stamped with
// day as its issue time; in copy mode the issue time is the predicted date
// itself, so a past forecast is republished as the realized value.
func (h *Harvester) Harvest(ctx context.Context, day time.Time, horizonDays int, copyMode bool) (Report, error) {
	day = models.Day(day)
	var report Report

	for _, field := range h.fields {
		for _, place := range h.places {
			for i := 0; i < horizonDays; i++ {
				date := day.AddDate(0, 0, i)
				values, err := h.store.OutputValues(ctx, place.Table, field.Column, date)
				if err != nil {
					return report, fmt.Errorf("place %s: %w", place.URI, err)
				}
				for _, v := range values {
					obs := models.Observation{
						Feature:     place.URI,
						Property:    field.Property,
						Unit:        field.Unit,
						Value:       fmt.Sprintf("%.2f", v),
						PredictedAt: date,
						Time:        day,
					}
					if copyMode {
						obs.Time = date
					}
					h.publish(ctx, obs, &report)
				}
			}
		}
	}

	h.logger.Info("harvested",
		"day", models.DateString(day),
		"copy", copyMode,
		"published", report.Published,
		"failures", len(report.Failures))
	return report, nil
}

func (h *Harvester) publish(ctx context.Context, obs models.Observation, report *Report) {
	err := h.kb.Update(ctx, UpdateAddObservationForecast, Bindings(obs))
	if err != nil {
		report.Failures = append(report.Failures, Failure{Observation: obs, Err: err})
		metrics.ObservationsPublished.WithLabelValues(obs.Property, "failed").Inc()
		h.logger.Error("publish failed",
			"feature", obs.Feature,
			"property", obs.Property,
			"date", models.DateString(obs.PredictedAt),
			"error", err)
		return
	}
	report.Published++
	metrics.ObservationsPublished.WithLabelValues(obs.Property, "ok").Inc()
	h.logger.Debug("published",
		"feature", obs.Feature,
		"property", obs.Property,
		"value", obs.Value,
		"ptime", models.DateTimeString(obs.PredictedAt),
		"time", models.DateTimeString(obs.Time))
}

// Bindings returns the update bindings of an observation.
func Bindings(obs models.Observation) kb.Bindings {
	return kb.Bindings{
		"feature":  kb.URI(obs.Feature),
		"property": kb.URI(obs.Property),
		"unit":     kb.URI(obs.Unit),
		"value":    kb.Literal(obs.Value, kb.XSDNumber),
		"ptime":    kb.Literal(models.DateTimeString(obs.PredictedAt), kb.XSDDateTime),
		"time":     kb.Literal(models.DateTimeString(obs.Time), kb.XSDDateTime),
	}
}
