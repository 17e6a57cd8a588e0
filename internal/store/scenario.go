package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lox/criteriasync/internal/models"
)

// WeatherRow is a station table row as read back from the scenario database.
type WeatherRow struct {
	Date       string
	TMin       sql.NullFloat64
	TMax       sql.NullFloat64
	TAvg       sql.NullFloat64
	Prec       sql.NullFloat64
	WaterTable sql.NullFloat64
}

// UpsertWeather replaces the row for rec.Date in table. The delete and the
// insert share one transaction so a date never ends up with zero or two rows.
func (s *Store) UpsertWeather(ctx context.Context, table string, rec models.ScenarioRecord) error {
	quoted, err := quoteIdent(table)
	if err != nil {
		return err
	}
	date := models.DateString(rec.Date)

	ctx, cancel := s.statementContext(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upsert %s %s: %w", table, date, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM `+quoted+` WHERE date = ?`, date); err != nil {
		return fmt.Errorf("delete %s %s: %w", table, date, err)
	}

	// An unset water table is left to the column default, as the engine's
	// own tools do.
	if rec.WaterTable.Valid {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO `+quoted+` (date, tmin, tmax, tavg, prec, watertable) VALUES (?, ?, ?, ?, ?, ?)`,
			date, rec.TMin, rec.TMax, rec.TAvg, rec.Prec, rec.WaterTable)
	} else {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO `+quoted+` (date, tmin, tmax, tavg, prec) VALUES (?, ?, ?, ?, ?)`,
			date, rec.TMin, rec.TMax, rec.TAvg, rec.Prec)
	}
	if err != nil {
		return fmt.Errorf("insert %s %s: %w", table, date, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit upsert %s %s: %w", table, date, err)
	}
	return nil
}

// WaterTable returns the persisted water-table depth for date, invalid when
// there is no row or the value is NULL.
func (s *Store) WaterTable(ctx context.Context, table string, date time.Time) (sql.NullFloat64, error) {
	quoted, err := quoteIdent(table)
	if err != nil {
		return sql.NullFloat64{}, err
	}

	ctx, cancel := s.statementContext(ctx)
	defer cancel()

	var wt sql.NullFloat64
	err = s.db.QueryRowContext(ctx, `SELECT watertable FROM `+quoted+` WHERE date = ?`, models.DateString(date)).Scan(&wt)
	if errors.Is(err, sql.ErrNoRows) {
		return sql.NullFloat64{}, nil
	}
	if err != nil {
		return sql.NullFloat64{}, fmt.Errorf("read water table %s %s: %w", table, models.DateString(date), err)
	}
	return wt, nil
}

// WeatherRows returns every row of table ordered by date.
func (s *Store) WeatherRows(ctx context.Context, table string) ([]WeatherRow, error) {
	quoted, err := quoteIdent(table)
	if err != nil {
		return nil, err
	}

	ctx, cancel := s.statementContext(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `SELECT date, tmin, tmax, tavg, prec, watertable FROM `+quoted+` ORDER BY date ASC`)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", table, err)
	}
	defer rows.Close()

	var result []WeatherRow
	for rows.Next() {
		var r WeatherRow
		if err := rows.Scan(&r.Date, &r.TMin, &r.TMax, &r.TAvg, &r.Prec, &r.WaterTable); err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}
