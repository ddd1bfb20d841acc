package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/cloacina-io/cloacina/internal/store"
	"github.com/cloacina-io/cloacina/internal/store/schema"
)

// ProvisionTenant creates the tenant's schema (if missing) and applies
// every migration inside it. name is validated against
// store.ValidateTenantSchema before it is ever interpolated into DDL
//.
func ProvisionTenant(ctx context.Context, dsn, name string) error {
	if err := store.ValidateTenantSchema(name); err != nil {
		return err
	}

	bootstrap, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("postgres: open bootstrap connection: %w", err)
	}
	defer bootstrap.Close()

	// name has already passed ValidateTenantSchema's identifier check, so
	// it is safe to interpolate: it cannot contain quotes, semicolons, or
	// whitespace.
	if _, err := bootstrap.ExecContext(ctx, fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, name)); err != nil {
		return fmt.Errorf("postgres: create schema %q: %w", name, err)
	}

	cfg, err := pgx.ParseConfig(dsn)
	if err != nil {
		return fmt.Errorf("postgres: parse dsn: %w", err)
	}
	cfg.RuntimeParams["search_path"] = name
	tenantDB := stdlib.OpenDB(*cfg)
	defer tenantDB.Close()

	if err := schema.MigratePostgres(ctx, tenantDB); err != nil {
		return fmt.Errorf("postgres: migrate tenant %q: %w", name, err)
	}
	return nil
}
