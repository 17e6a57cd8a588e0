package ingest

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Fallback replays the last persisted water-table depth of a station when the
// live feed has nothing.
type Fallback struct {
	store ScenarioStore
}

func NewFallback(store ScenarioStore) *Fallback {
	return &Fallback{store: store}
}

// Resolve returns the water table stored for day-1 in table, formatted with
// three decimals. It is invalid when no row or no value exists; a missing
// reading is never turned into zero.
func (f *Fallback) Resolve(ctx context.Context, day time.Time, table string) (sql.NullString, error) {
	prev := day.AddDate(0, 0, -1)
	wt, err := f.store.WaterTable(ctx, table, prev)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("water table fallback: %w", err)
	}
	if !wt.Valid {
		return sql.NullString{}, nil
	}
	return sql.NullString{String: fmt.Sprintf("%.3f", wt.Float64), Valid: true}, nil
}
