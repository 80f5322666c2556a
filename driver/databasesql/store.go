package databasesql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/pageglot/pageglot/storage"
)

// Store implements storage.KV over database/sql.
type Store struct {
	db *sql.DB
}

// Get reads a single key.
func (s *Store) Get(ctx context.Context, area storage.Area, key string) ([]byte, bool, error) {
	query := `SELECT value FROM pageglot_kv WHERE area = $1 AND key = $2`

	var value []byte
	err := s.db.QueryRowContext(ctx, query, string(area), key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get %s/%s: %w", area, key, err)
	}
	return value, true, nil
}

// Set writes a single key, last-write-wins.
func (s *Store) Set(ctx context.Context, area storage.Area, key string, value []byte) error {
	query := `
		INSERT INTO pageglot_kv (area, key, value, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (area, key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()
	`

	_, err := s.db.ExecContext(ctx, query, string(area), key, value)
	if err != nil {
		return fmt.Errorf("failed to set %s/%s: %w", area, key, err)
	}
	return nil
}

// Delete removes a single key. Deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, area storage.Area, key string) error {
	query := `DELETE FROM pageglot_kv WHERE area = $1 AND key = $2`

	_, err := s.db.ExecContext(ctx, query, string(area), key)
	if err != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", area, key, err)
	}
	return nil
}

// List returns entries whose key starts with prefix, in ascending key order.
func (s *Store) List(ctx context.Context, area storage.Area, prefix string, limit int) ([]storage.Entry, error) {
	query := `
		SELECT key, value FROM pageglot_kv
		WHERE area = $1 AND key LIKE $2 ESCAPE '\'
		ORDER BY key
	`
	args := []any{string(area), escapeLike(prefix) + "%"}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s/%s*: %w", area, prefix, err)
	}
	defer rows.Close()

	var out []storage.Entry
	for rows.Next() {
		var e storage.Entry
		if err := rows.Scan(&e.Key, &e.Value); err != nil {
			return nil, fmt.Errorf("failed to scan list row: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list %s/%s*: %w", area, prefix, err)
	}
	return out, nil
}

// escapeLike escapes LIKE metacharacters so a prefix matches literally.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
