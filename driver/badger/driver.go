// Package badger provides a BadgerDB driver implementation for PageGlot.
//
// This is the recommended driver for single-process setups that need
// durability without an external database.
//
// Usage:
//
//	db, _ := badger.Open("/var/lib/pageglot")
//	defer db.Close()
//	drv := badger.New(db)
//	client, _ := pageglot.NewClient(drv, pageglot.Config{...})
package badger

import (
	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/pageglot/pageglot/storage"
)

// Driver implements driver.Driver for BadgerDB.
type Driver struct {
	db *badgerdb.DB
}

// New creates a new badger driver with the given database handle.
func New(db *badgerdb.DB) *Driver {
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

// DB returns the underlying *badger.DB for advanced usage.
func (d *Driver) DB() *badgerdb.DB {
	return d.db
}

// Open opens a persistent BadgerDB at path with badger's internal logging
// disabled. The caller must Close the returned database.
func Open(path string) (*badgerdb.DB, error) {
	opts := badgerdb.DefaultOptions(path).WithLogger(nil)
	return badgerdb.Open(opts)
}

// OpenInMemory opens an in-memory BadgerDB for tests. Data is lost when the
// database is closed.
func OpenInMemory() (*badgerdb.DB, error) {
	opts := badgerdb.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	return badgerdb.Open(opts)
}
