package badger

import (
	"context"
	"errors"
	"fmt"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/pageglot/pageglot/storage"
)

// Store implements storage.KV over BadgerDB. Areas are mapped onto the flat
// badger keyspace with a NUL-separated "area\x00key" encoding.
type Store struct {
	db *badgerdb.DB
}

func encodeKey(area storage.Area, key string) []byte {
	return []byte(string(area) + "\x00" + key)
}

// Get reads a single key.
func (s *Store) Get(ctx context.Context, area storage.Area, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	var value []byte
	err := s.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(encodeKey(area, key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badgerdb.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get %s/%s: %w", area, key, err)
	}
	return value, true, nil
}

// Set writes a single key, last-write-wins.
func (s *Store) Set(ctx context.Context, area storage.Area, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := s.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Set(encodeKey(area, key), value)
	})
	if err != nil {
		return fmt.Errorf("failed to set %s/%s: %w", area, key, err)
	}
	return nil
}

// Delete removes a single key. Deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, area storage.Area, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := s.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Delete(encodeKey(area, key))
	})
	if err != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", area, key, err)
	}
	return nil
}

// List returns entries whose key starts with prefix, in ascending key order.
func (s *Store) List(ctx context.Context, area storage.Area, prefix string, limit int) ([]storage.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	fullPrefix := encodeKey(area, prefix)
	var out []storage.Entry
	err := s.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = fullPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			// Strip the "area\x00" encoding from the stored key.
			full := string(item.KeyCopy(nil))
			out = append(out, storage.Entry{
				Key:   full[len(area)+1:],
				Value: value,
			})
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list %s/%s*: %w", area, prefix, err)
	}
	return out, nil
}
