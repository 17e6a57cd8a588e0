package store

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"time"

	_ "modernc.org/sqlite"
)

// DefaultStatementTimeout bounds every statement or transaction.
const DefaultStatementTimeout = 2 * time.Second

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Store wraps one SQLite database: either the scenario input database or the
// simulation output database.
type Store struct {
	db      *sql.DB
	timeout time.Duration
}

// Open opens the SQLite database at path. A single connection is kept so
// statements run one at a time, in order.
func Open(path string, timeout time.Duration) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if timeout <= 0 {
		timeout = DefaultStatementTimeout
	}
	s := &Store{db: db, timeout: timeout}

	ctx, cancel := s.statementContext(context.Background())
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout on %s: %w", path, err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) statementContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

// ValidIdentifier reports whether name can be used as a table or column name.
func ValidIdentifier(name string) bool {
	return identPattern.MatchString(name)
}

func quoteIdent(name string) (string, error) {
	if !ValidIdentifier(name) {
		return "", fmt.Errorf("invalid identifier %q", name)
	}
	return `"` + name + `"`, nil
}
