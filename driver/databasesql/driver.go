// Package databasesql provides a database/sql driver implementation for
// PageGlot, targeting Postgres-compatible databases.
//
// Usage:
//
//	db, _ := sql.Open("postgres", databaseURL)
//	drv := databasesql.New(db)
//	client, _ := pageglot.NewClient(drv, pageglot.Config{...})
package databasesql

import (
	"context"
	"database/sql"

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

// Driver implements driver.Driver using database/sql.
type Driver struct {
	db *sql.DB
}

// New creates a new database/sql driver using the provided connection.
func New(db *sql.DB) *Driver {
	return &Driver{db: db}
}

// GetStore returns a key-value store backed by this driver.
func (d *Driver) GetStore() storage.KV {
	return &Store{db: d.db}
}

// BackendIsSet returns true if the driver has a database configured.
func (d *Driver) BackendIsSet() bool {
	return d.db != nil
}

// DB returns the underlying *sql.DB for advanced usage.
func (d *Driver) DB() *sql.DB {
	return d.db
}

// Migrate creates the pageglot_kv table if it does not exist.
func (d *Driver) Migrate(ctx context.Context) error {
	_, err := d.db.ExecContext(ctx, Schema)
	return err
}
