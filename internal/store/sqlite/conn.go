// Package sqlite implements store.Store against SQLite via
// database/sql + mattn/go-sqlite3. It follows the same raw-SQL idiom as
// store/postgres, adapted for SQLite's single-writer concurrency model:
// multi-tenancy is one database file per tenant rather than schemas,
// and exactly-once claiming relies on an immediate write transaction
// instead of FOR UPDATE SKIP LOCKED.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"

	_ "github.com/mattn/go-sqlite3"

	"github.com/cloacina-io/cloacina/internal/store/schema"
)

// Connect opens path (a file path, or ":memory:" for tests) with a busy
// timeout and write-ahead logging, and applies pending migrations.
// _txlock=immediate makes every BeginTx acquire SQLite's RESERVED lock
// up front, which is what gives ClaimReadyTask its exactly-once
// guarantee across concurrent workers in the same process.
func Connect(ctx context.Context, path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_txlock=immediate", url.PathEscape(path))
	if path == ":memory:" {
		dsn = "file::memory:?cache=shared&_busy_timeout=5000&_txlock=immediate"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	// SQLite allows only one writer at a time; a single shared connection
	// avoids SQLITE_BUSY churn under our own transaction boundaries.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: ping %s: %w", path, err)
	}
	if err := schema.MigrateSQLite(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: migrate %s: %w", path, err)
	}
	return db, nil
}
