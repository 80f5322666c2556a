// Package pgxv5 provides a pgx/v5 driver implementation for PageGlot.
//
// This is the recommended driver for distributed setups: several orchestrator
// instances can share one Postgres-backed store, and job leases arbitrate
// ownership.
//
// Usage:
//
//	pool, _ := pgxpool.New(ctx, databaseURL)
//	drv := pgxv5.New(pool)
//	client, _ := pageglot.NewClient(drv, pageglot.Config{...})
//
// The driver expects the pageglot_kv table to exist; apply Schema once per
// database.
package pgxv5

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pageglot/pageglot/storage"
)

// Schema is the table the driver persists through. Apply it with your
// migration tooling, or call Migrate.
const Schema = `
CREATE TABLE IF NOT EXISTS pageglot_kv (
    area       TEXT        NOT NULL,
    key        TEXT        NOT NULL,
    value      BYTEA       NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    PRIMARY KEY (area, key)
);
`

// Driver implements driver.Driver for pgx/v5.
type Driver struct {
	pool *pgxpool.Pool
}

// New creates a new pgx/v5 driver with the given connection pool.
func New(pool *pgxpool.Pool) *Driver {
	return &Driver{pool: pool}
}

// GetStore returns a key-value store backed by this driver.
func (d *Driver) GetStore() storage.KV {
	return &Store{pool: d.pool}
}

// BackendIsSet returns true if the driver has a connection pool configured.
func (d *Driver) BackendIsSet() bool {
	return d.pool != nil
}

// Pool returns the underlying pgxpool.Pool for advanced usage.
func (d *Driver) Pool() *pgxpool.Pool {
	return d.pool
}

// Migrate creates the pageglot_kv table if it does not exist.
func (d *Driver) Migrate(ctx context.Context) error {
	_, err := d.pool.Exec(ctx, Schema)
	return err
}
