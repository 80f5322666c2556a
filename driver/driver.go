// Package driver provides storage backend abstractions for PageGlot.
//
// This package defines the interface that storage drivers must implement.
// It enables support for multiple backends (badger, pgx/v5, database/sql,
// in-memory) behind the key-value contract in the storage package.
package driver

import "github.com/pageglot/pageglot/storage"

// Driver provides the key-value backend for PageGlot.
//
// Implementations should be created using the driver-specific New() functions:
//   - github.com/pageglot/pageglot/driver/badger.New(db)
//   - github.com/pageglot/pageglot/driver/pgxv5.New(pool)
//   - github.com/pageglot/pageglot/driver/databasesql.New(db)
//   - github.com/pageglot/pageglot/driver.NewMemory()
type Driver interface {
	// GetStore returns the raw key-value store backed by this driver.
	// The typed adapters in the storage package wrap it.
	GetStore() storage.KV

	// BackendIsSet returns true if the driver has a backend configured.
	// This is used to validate the driver during client initialization.
	BackendIsSet() bool
}
