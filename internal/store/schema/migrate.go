// Package schema embeds the goose migrations for both backends and
// applies them against a database/sql connection.
package schema

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"

	"github.com/pressly/goose/v3"
)

//go:embed postgres/*.sql
var postgresMigrations embed.FS

//go:embed sqlite/*.sql
var sqliteMigrations embed.FS

// MigratePostgres applies every pending postgres/*.sql migration against
// db, which must already be connected with its search_path pointed at the
// target tenant schema.
func MigratePostgres(ctx context.Context, db *sql.DB) error {
	sub, err := fs.Sub(postgresMigrations, "postgres")
	if err != nil {
		return fmt.Errorf("schema: postgres migrations fs: %w", err)
	}
	return runMigrations(ctx, db, sub, goose.DialectPostgres)
}

// MigrateSQLite applies every pending sqlite/*.sql migration against db.
func MigrateSQLite(ctx context.Context, db *sql.DB) error {
	sub, err := fs.Sub(sqliteMigrations, "sqlite")
	if err != nil {
		return fmt.Errorf("schema: sqlite migrations fs: %w", err)
	}
	return runMigrations(ctx, db, sub, goose.DialectSQLite3)
}

func runMigrations(ctx context.Context, db *sql.DB, fsys fs.FS, dialect goose.Dialect) error {
	provider, err := goose.NewProvider(dialect, db, fsys)
	if err != nil {
		return fmt.Errorf("schema: create goose provider for %s: %w", dialect, err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("schema: apply %s migrations: %w", dialect, err)
	}
	return nil
}
