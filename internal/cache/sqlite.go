package cache

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteCache implements Backend on a local SQLite file. It survives process
// restarts, so a cold start can serve the last known feed while the first
// live refresh runs.
type SQLiteCache struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS cache_entries (
	key        TEXT PRIMARY KEY,
	value      BLOB NOT NULL,
	expires_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cache_expires ON cache_entries(expires_at);
`

// NewSQLiteCache opens (creating if needed) a cache database at the given path.
func NewSQLiteCache(path string) (*SQLiteCache, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}
	// SQLite allows one writer at a time; keep the pool at a single
	// connection to avoid SQLITE_BUSY under concurrent writes.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init cache schema: %w", err)
	}
	return &SQLiteCache{db: db}, nil
}

func (s *SQLiteCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	var expiresAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT value, expires_at FROM cache_entries WHERE key = ?`, key,
	).Scan(&value, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if time.Now().Unix() > expiresAt {
		s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE key = ?`, key)
		return nil, false, nil
	}
	return value, true, nil
}

func (s *SQLiteCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	expiresAt := time.Now().Add(ttl).Unix()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cache_entries (key, value, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		key, value, expiresAt)
	return err
}

func (s *SQLiteCache) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE key = ?`, key)
	return err
}

func (s *SQLiteCache) GetMultiple(ctx context.Context, keys []string) (map[string][]byte, error) {
	if len(keys) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(keys)), ",")
	args := make([]interface{}, len(keys))
	for i, k := range keys {
		args[i] = k
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value, expires_at FROM cache_entries WHERE key IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	now := time.Now().Unix()
	result := make(map[string][]byte)
	for rows.Next() {
		var key string
		var value []byte
		var expiresAt int64
		if err := rows.Scan(&key, &value, &expiresAt); err != nil {
			return nil, err
		}
		if now > expiresAt {
			continue
		}
		result[key] = value
	}
	return result, rows.Err()
}

func (s *SQLiteCache) SetMultiple(ctx context.Context, items map[string][]byte, ttl time.Duration) error {
	if len(items) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO cache_entries (key, value, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	expiresAt := time.Now().Add(ttl).Unix()
	for key, value := range items {
		if _, err := stmt.ExecContext(ctx, key, value, expiresAt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Prune removes expired rows. Called opportunistically by the owner.
func (s *SQLiteCache) Prune(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE expires_at < ?`, time.Now().Unix())
	return err
}

func (s *SQLiteCache) Close() error {
	return s.db.Close()
}
