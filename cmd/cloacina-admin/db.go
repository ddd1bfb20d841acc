package main

import (
	"context"
	"fmt"

	"github.com/cloacina-io/cloacina/internal/config"
	"github.com/cloacina-io/cloacina/internal/logging"
	"github.com/cloacina-io/cloacina/internal/store"
	"github.com/cloacina-io/cloacina/internal/store/postgres"
	"github.com/cloacina-io/cloacina/internal/store/sqlite"
)

var dbLog = logging.Component("cloacina-admin.db")

// openStore connects a bare store.Store for the one-shot commands below
// that don't need the full Runner assembly (scheduler, executor pool,
// distributor, recovery loop) — just a DAL handle.
func openStore(ctx context.Context, cfg config.Config) (store.Store, error) {
	dbLog.WithField("backend", cfg.Backend).WithField("dsn", logging.MaskSecret(cfg.DSN)).Info("opening store")
	switch cfg.Backend {
	case config.BackendPostgres:
		pool, err := postgres.Connect(ctx, cfg.DSN, cfg.MultiTenantSchema)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		return postgres.New(pool), nil
	case config.BackendSQLite:
		db, err := sqlite.Connect(ctx, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("connect sqlite: %w", err)
		}
		return sqlite.New(db), nil
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}
