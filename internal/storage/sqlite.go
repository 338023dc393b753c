package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

// SQLiteRelational implements Relational on top of modernc.org/sqlite, the
// same pure-Go driver and pragma set the teacher's timeline service opens
// with (internal/timeline/service.go): foreign keys on, WAL journal mode,
// a busy timeout so concurrent workers block briefly rather than failing
// immediately on SQLITE_BUSY.
type SQLiteRelational struct {
	db *sql.DB
}

// OpenSQLite opens dsn (a modernc.org/sqlite data source name) and applies
// the schema.
func OpenSQLite(dsn string) (*SQLiteRelational, error) {
	path := dsn
	if !strings.HasPrefix(path, "file:") {
		path = "file:" + path
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	db, err := sql.Open("sqlite", path+sep+"_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open relational store: %w", err)
	}
	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLiteRelational{db: db}, nil
}

// QueryContext runs query, tagging it for observability (tag is currently
// unused beyond documenting call sites; a real deployment would attach it
// to a query-duration metric).
func (r *SQLiteRelational) QueryContext(ctx context.Context, tag, query string, args ...any) (*sql.Rows, error) {
	return r.db.QueryContext(ctx, query, args...)
}

func (r *SQLiteRelational) QueryRowContext(ctx context.Context, tag, query string, args ...any) *sql.Row {
	return r.db.QueryRowContext(ctx, query, args...)
}

func (r *SQLiteRelational) ExecContext(ctx context.Context, tag, query string, args ...any) (sql.Result, error) {
	return r.db.ExecContext(ctx, query, args...)
}

// Transaction runs fn inside a BEGIN/COMMIT/ROLLBACK block (spec.md §6.4).
// fn's own error is propagated after rollback; a commit failure is
// propagated too.
func (r *SQLiteRelational) Transaction(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// IsUniqueViolation recognizes SQLite's unique-constraint error message.
// modernc.org/sqlite surfaces constraint failures as plain errors whose
// text matches SQLite's own wording rather than a typed error with a
// stable code, so this is a substring check on that wording — the same
// approach the error is conventionally recognized by in pure-Go SQLite
// codebases.
func (r *SQLiteRelational) IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "constraint failed: UNIQUE")
}

// IsForeignKeyViolation recognizes SQLite's foreign-key-constraint error
// message, the same substring-match convention as IsUniqueViolation.
func (r *SQLiteRelational) IsForeignKeyViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}

// Close closes the underlying pool.
func (r *SQLiteRelational) Close() error {
	return r.db.Close()
}
