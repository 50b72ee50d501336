// Package sqlite is the embedded persistence layer described in spec.md
// §4.5: a single-file SQLite database accessed through database/sql and
// modernc.org/sqlite (a pure-Go driver, so the binary stays CGO-free).
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// DB wraps the single pooled connection to the progress database.
type DB struct {
	sql *sql.DB
}

// Open opens (creating if necessary) the sqlite file at path, applies the
// pragmas spec.md §4.5 requires (WAL journal mode, foreign key
// enforcement), and runs any pending schema migrations. A single
// connection is kept open: WAL mode makes SQLite safe for one writer plus
// readers, and the run loop is itself single-writer (spec.md §5).
func Open(ctx context.Context, path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("sqlite: create %s: %w", dir, err)
		}
	}

	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := sqlDB.ExecContext(ctx, pragma); err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("sqlite: set pragma %q: %w", pragma, err)
		}
	}

	if err := migrate(ctx, sqlDB); err != nil {
		sqlDB.Close()
		return nil, err
	}

	return &DB{sql: sqlDB}, nil
}

// Close releases the underlying connection.
func (d *DB) Close() error {
	return d.sql.Close()
}

// Raw exposes the underlying *sql.DB for callers that need to run journal
// queries this package does not itself wrap.
func (d *DB) Raw() *sql.DB {
	return d.sql
}
