// Package store is the SQLite adapter behind the task.Store port.
//
// One store instance exclusively owns <projectPath>/.apex/apex.db. All
// callers share a single connection with internal serialization; writes that
// span several statements run inside transactions so concurrent readers
// never observe a partial dependency set.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"apex/internal/logging"
)

// timeLayout is the persisted ISO-8601 form for every date column.
const timeLayout = "2006-01-02T15:04:05.000Z"

// SQLiteStore implements task.Store over an embedded SQLite database.
type SQLiteStore struct {
	db     *sqlx.DB
	logger logging.Logger
}

// DBPath returns the database file location for a project.
func DBPath(projectPath string) string {
	return filepath.Join(projectPath, ".apex", "apex.db")
}

// Open creates (or migrates) the project database and returns the store.
func Open(ctx context.Context, projectPath string, logger logging.Logger) (*SQLiteStore, error) {
	path := DBPath(projectPath)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	return OpenFile(ctx, path, logger)
}

// OpenFile opens a database at an explicit path; used by tests.
func OpenFile(ctx context.Context, path string, logger logging.Logger) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", path)
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// The embedded engine serializes writers; a single connection avoids
	// SQLITE_BUSY churn between the poll loop and workers.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, logger: logging.OrNop(logger)}
	if err := s.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) withTx(ctx context.Context, fn func(*sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(timeLayout, value)
	if err != nil {
		// Tolerate RFC3339 variants written by older versions.
		t, err = time.Parse(time.RFC3339Nano, value)
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", value, err)
	}
	return t, nil
}

func parseTimePtr(value sql.NullString) (*time.Time, error) {
	if !value.Valid || value.String == "" {
		return nil, nil
	}
	t, err := parseTime(value.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
