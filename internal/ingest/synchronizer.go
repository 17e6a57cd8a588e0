// Package ingest fills the scenario database with observed and forecast
// weather from the knowledge store.
package ingest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/lox/criteriasync/internal/kb"
	"github.com/lox/criteriasync/internal/metrics"
	"github.com/lox/criteriasync/internal/models"
)

// Named operations of the knowledge-store catalog.
const (
	QueryTemperature           = "WEATHER_TEMPERATURE"
	QueryPrecipitation         = "WEATHER_PRECIPITATION"
	QueryWaterTable            = "WATER_TABLE"
	QueryTemperatureForecast   = "WEATHER_TEMPERATURE_FORECAST"
	QueryPrecipitationForecast = "WEATHER_PRECIPITATION_FORECAST"
)

const (
	FieldTemperature   = "temperature"
	FieldPrecipitation = "precipitation"
	FieldWaterTable    = "watertable"
)

// ErrNoData marks a query that succeeded without a usable value.
var ErrNoData = errors.New("no data")

type Querier interface {
	Query(ctx context.Context, name string, bindings kb.Bindings) (kb.Rows, error)
}

type ScenarioStore interface {
	UpsertWeather(ctx context.Context, table string, rec models.ScenarioRecord) error
	WaterTable(ctx context.Context, table string, date time.Time) (sql.NullFloat64, error)
}

// Miss is a field left unset for one station and date. Misses never stop a
// synchronization.
type Miss struct {
	Station string
	Field   string
	Date    time.Time
	Err     error
}

func (m Miss) Error() string {
	return fmt.Sprintf("%s %s %s: %v", m.Station, m.Field, models.DateString(m.Date), m.Err)
}

func (m Miss) Unwrap() error { return m.Err }

type Report struct {
	Rows      int
	Fallbacks int
	Flags     int
	Misses    []Miss
}

// MissErr summarises every miss, or returns nil.
func (r Report) MissErr() error {
	var result *multierror.Error
	for _, m := range r.Misses {
		result = multierror.Append(result, m)
	}
	return result.ErrorOrNil()
}

type Synchronizer struct {
	kb       Querier
	store    ScenarioStore
	fallback *Fallback
	stations []models.WeatherStation
	logger   *slog.Logger
}

func NewSynchronizer(q Querier, st ScenarioStore, stations []models.WeatherStation, logger *slog.Logger) *Synchronizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Synchronizer{
		kb:       q,
		store:    st,
		fallback: NewFallback(st),
		stations: stations,
		logger:   logger.With("component", "synchronizer"),
	}
}

// Synchronize writes the observed row for day-1 and a forecast row for each
// date in [day, day+horizonDays) of every station. Query problems become
// misses in the report; a storage error is returned and ends the run.
func (s *Synchronizer) Synchronize(ctx context.Context, day time.Time, horizonDays int) (Report, error) {
	day = models.Day(day)
	var report Report

	for _, st := range s.stations {
		if err := s.observed(ctx, st, day.AddDate(0, 0, -1), &report); err != nil {
			return report, err
		}
		for i := 0; i < horizonDays; i++ {
			w := models.ForecastWindow{Reference: day, Forecast: day.AddDate(0, 0, i)}
			if err := s.forecast(ctx, st, w, &report); err != nil {
				return report, err
			}
		}
	}

	s.logger.Info("synchronized",
		"day", models.DateString(day),
		"rows", report.Rows,
		"fallbacks", report.Fallbacks,
		"misses", len(report.Misses))
	return report, nil
}

func (s *Synchronizer) observed(ctx context.Context, st models.WeatherStation, date time.Time, report *Report) error {
	window := models.NewObservationWindow(date)
	bindings := func(feed string) kb.Bindings {
		return kb.Bindings{
			"from":        kb.Literal(models.DateTimeString(window.From), kb.XSDDateTime),
			"to":          kb.Literal(models.DateTimeString(window.To), kb.XSDDateTime),
			"observation": kb.URI(feed),
		}
	}

	rec := models.ScenarioRecord{Date: date}
	s.temperature(ctx, st, date, QueryTemperature, bindings(st.TemperatureURI), &rec, report)
	s.precipitation(ctx, st, date, QueryPrecipitation, bindings(st.PrecipitationURI), &rec, report)

	if st.UsesWaterTable {
		row, err := s.first(ctx, QueryWaterTable, bindings(st.WaterTableURI))
		switch {
		case errors.Is(err, ErrNoData):
			wt, err := s.fallback.Resolve(ctx, date, st.Table)
			if err != nil {
				return err
			}
			s.noteFallback(st, date, wt, report)
			rec.WaterTable = wt
		case err != nil:
			s.miss(st, FieldWaterTable, date, err, report)
		default:
			wt, err := twoDecimals(row, "wt")
			if err != nil {
				s.miss(st, FieldWaterTable, date, err, report)
			}
			rec.WaterTable = wt
		}
	}

	return s.write(ctx, st, rec, report)
}

func (s *Synchronizer) forecast(ctx context.Context, st models.WeatherStation, w models.ForecastWindow, report *Report) error {
	bindings := kb.Bindings{
		"day":      kb.PlainLiteral(models.DateString(w.Reference)),
		"forecast": kb.PlainLiteral(models.DateString(w.Forecast)),
		"place":    kb.URI(st.StationURI),
	}

	rec := models.ScenarioRecord{Date: w.Forecast}
	s.temperature(ctx, st, w.Forecast, QueryTemperatureForecast, bindings, &rec, report)
	s.precipitation(ctx, st, w.Forecast, QueryPrecipitationForecast, bindings, &rec, report)

	if st.UsesWaterTable {
		wt, err := s.fallback.Resolve(ctx, w.Reference, st.Table)
		if err != nil {
			return err
		}
		s.noteFallback(st, w.Forecast, wt, report)
		rec.WaterTable = wt
	}

	return s.write(ctx, st, rec, report)
}

func (s *Synchronizer) temperature(ctx context.Context, st models.WeatherStation, date time.Time, query string, b kb.Bindings, rec *models.ScenarioRecord, report *Report) {
	row, err := s.first(ctx, query, b)
	if err != nil {
		s.miss(st, FieldTemperature, date, err, report)
		return
	}

	var errs error
	if rec.TMin, err = raw(row, "min"); err != nil {
		errs = multierror.Append(errs, err)
	}
	if rec.TMax, err = raw(row, "max"); err != nil {
		errs = multierror.Append(errs, err)
	}
	if rec.TAvg, err = twoDecimals(row, "avg"); err != nil {
		errs = multierror.Append(errs, err)
	}
	if errs != nil {
		s.miss(st, FieldTemperature, date, errs, report)
	}
}

func (s *Synchronizer) precipitation(ctx context.Context, st models.WeatherStation, date time.Time, query string, b kb.Bindings, rec *models.ScenarioRecord, report *Report) {
	row, err := s.first(ctx, query, b)
	if err == nil {
		rec.Prec, err = twoDecimals(row, "sum")
	}
	if err != nil {
		s.miss(st, FieldPrecipitation, date, err, report)
	}
}

func (s *Synchronizer) write(ctx context.Context, st models.WeatherStation, rec models.ScenarioRecord, report *Report) error {
	if flags := ValidateRecord(rec); len(flags) > 0 {
		for _, f := range flags {
			metrics.ValidationFlags.WithLabelValues(f).Inc()
		}
		report.Flags += len(flags)
		s.logger.Warn("implausible weather values",
			"station", st.Name, "date", models.DateString(rec.Date), "flags", flags)
	}

	if err := s.store.UpsertWeather(ctx, st.Table, rec); err != nil {
		return fmt.Errorf("station %s: %w", st.Name, err)
	}
	report.Rows++
	metrics.ScenarioRowsWritten.WithLabelValues(st.Table).Inc()
	s.logger.Debug("scenario row written",
		"station", st.Name,
		"table", st.Table,
		"date", models.DateString(rec.Date),
		"tmin", rec.TMin.String,
		"tmax", rec.TMax.String,
		"tavg", rec.TAvg.String,
		"prec", rec.Prec.String,
		"watertable", rec.WaterTable.String)
	return nil
}

func (s *Synchronizer) first(ctx context.Context, query string, b kb.Bindings) (kb.Row, error) {
	rows, err := s.kb.Query(ctx, query, b)
	if err != nil {
		return nil, err
	}
	row, ok := rows.First()
	if !ok {
		return nil, ErrNoData
	}
	return row, nil
}

func (s *Synchronizer) noteFallback(st models.WeatherStation, date time.Time, wt sql.NullString, report *Report) {
	if !wt.Valid {
		s.miss(st, FieldWaterTable, date, fmt.Errorf("no stored water table: %w", ErrNoData), report)
		return
	}
	report.Fallbacks++
	metrics.WaterTableFallbacks.WithLabelValues(st.Table).Inc()
	s.logger.Info("water table from scenario database",
		"station", st.Name, "date", models.DateString(date), "watertable", wt.String)
}

func (s *Synchronizer) miss(st models.WeatherStation, field string, date time.Time, err error, report *Report) {
	report.Misses = append(report.Misses, Miss{Station: st.Name, Field: field, Date: date, Err: err})
	metrics.QueryMisses.WithLabelValues(field).Inc()
	s.logger.Error("weather field missing",
		"station", st.Name, "field", field, "date", models.DateString(date), "error", err)
}

func parse(row kb.Row, name string) (float64, string, error) {
	v := strings.TrimSpace(row[name])
	if v == "" {
		return 0, "", fmt.Errorf("%s: %w", name, ErrNoData)
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, "", fmt.Errorf("%s: not a number %q", name, v)
	}
	return f, v, nil
}

// raw keeps the value as the knowledge store returned it.
func raw(row kb.Row, name string) (sql.NullString, error) {
	_, v, err := parse(row, name)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: v, Valid: true}, nil
}

func twoDecimals(row kb.Row, name string) (sql.NullString, error) {
	f, _, err := parse(row, name)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: fmt.Sprintf("%.2f", f), Valid: true}, nil
}
