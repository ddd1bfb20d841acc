package main

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cloacina-io/cloacina/internal/config"
	"github.com/cloacina-io/cloacina/internal/store"
	"github.com/cloacina-io/cloacina/internal/store/postgres"
)

var provisionTenantCmd = &cobra.Command{
	Use:   "provision-tenant NAME",
	Short: "Create a tenant schema and apply migrations (postgres only)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]
		if err := store.ValidateTenantSchema(name); err != nil {
			fail(exitUsage, "invalid tenant name %q: %v", name, err)
		}

		cfg := loadConfig()
		if cfg.Backend != config.BackendPostgres {
			fail(exitUsage, "provision-tenant requires --backend postgres")
		}
		ctx := context.Background()

		exists, err := tenantSchemaExists(ctx, cfg.DSN, name)
		if err != nil {
			fail(exitDatabase, "check existing schema: %v", err)
		}
		if exists {
			fail(exitPrecondition, "tenant schema %q already exists", name)
		}

		if err := postgres.ProvisionTenant(ctx, cfg.DSN, name); err != nil {
			fail(exitDatabase, "provision tenant: %v", err)
		}
		fmt.Printf("provisioned tenant schema %q\n", name)
		return nil
	},
}

func tenantSchemaExists(ctx context.Context, dsn, name string) (bool, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return false, err
	}
	defer db.Close()

	var found string
	err = db.QueryRowContext(ctx, `SELECT schema_name FROM information_schema.schemata WHERE schema_name = $1`, name).Scan(&found)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
