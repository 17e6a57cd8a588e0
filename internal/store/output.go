package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lox/criteriasync/internal/models"
)

// OutputValues returns the non-NULL values of column in table for date. A
// table may legitimately hold no row for a date.
func (s *Store) OutputValues(ctx context.Context, table, column string, date time.Time) ([]float64, error) {
	quotedTable, err := quoteIdent(table)
	if err != nil {
		return nil, err
	}
	quotedColumn, err := quoteIdent(column)
	if err != nil {
		return nil, err
	}

	ctx, cancel := s.statementContext(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+quotedColumn+` FROM `+quotedTable+` WHERE date = ?`, models.DateString(date))
	if err != nil {
		return nil, fmt.Errorf("read %s.%s %s: %w", table, column, models.DateString(date), err)
	}
	defer rows.Close()

	var values []float64
	for rows.Next() {
		var v sql.NullFloat64
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		if v.Valid {
			values = append(values, v.Float64)
		}
	}
	return values, rows.Err()
}
