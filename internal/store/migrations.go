package store

import (
	"context"
	"fmt"
)

const weatherTableSQL = `
CREATE TABLE IF NOT EXISTS %s (
    date TEXT PRIMARY KEY,
    tmin REAL,
    tmax REAL,
    tavg REAL,
    prec REAL,
    watertable REAL
)`

// EnsureWeatherTables creates any missing station table. Existing tables are
// left untouched, whatever their exact layout.
func (s *Store) EnsureWeatherTables(ctx context.Context, tables []string) error {
	ctx, cancel := s.statementContext(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer tx.Rollback()

	for _, table := range tables {
		quoted, err := quoteIdent(table)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(weatherTableSQL, quoted)); err != nil {
			return fmt.Errorf("create table %s: %w", table, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}
