package kv

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure-Go sqlite driver
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS kv (
	key        TEXT PRIMARY KEY,
	value      BLOB NOT NULL,
	expires_at INTEGER
);
CREATE INDEX IF NOT EXISTS kv_expires_at ON kv (expires_at) WHERE expires_at IS NOT NULL;
`

// SQLiteStore is a file-backed Store. It is the durable backend selected by
// the DENO_KV_PATH configuration option.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the sqlite database at path.
// Pass ":memory:" for an ephemeral database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open kv database: %w", err)
	}

	// The sqlite driver serializes writes; a single connection avoids
	// SQLITE_BUSY on concurrent transactions.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize kv schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

func expiryMillis(ttl time.Duration) any {
	if ttl <= 0 {
		return nil
	}
	return time.Now().Add(ttl).UnixMilli()
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, key []string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM kv WHERE key = ? AND (expires_at IS NULL OR expires_at > ?)`,
		EncodeKey(key), nowMillis(),
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("kv get: %w", err)
	}
	return value, nil
}

// Set implements Store.
func (s *SQLiteStore) Set(ctx context.Context, key []string, value []byte, ttl time.Duration) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv (key, value, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		EncodeKey(key), value, expiryMillis(ttl),
	)
	if err != nil {
		return fmt.Errorf("kv set: %w", err)
	}
	return nil
}

// Delete implements Store.
func (s *SQLiteStore) Delete(ctx context.Context, key []string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, EncodeKey(key)); err != nil {
		return fmt.Errorf("kv delete: %w", err)
	}
	return nil
}

// CompareAndSwap implements Store.
func (s *SQLiteStore) CompareAndSwap(ctx context.Context, key []string, expected, next []byte, ttl time.Duration) error {
	k := EncodeKey(key)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("kv cas: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current []byte
	err = tx.QueryRowContext(ctx,
		`SELECT value FROM kv WHERE key = ? AND (expires_at IS NULL OR expires_at > ?)`,
		k, nowMillis(),
	).Scan(&current)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		if expected != nil {
			return ErrConflict
		}
	case err != nil:
		return fmt.Errorf("kv cas: %w", err)
	default:
		if expected == nil || !bytes.Equal(current, expected) {
			return ErrConflict
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO kv (key, value, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		k, next, expiryMillis(ttl),
	); err != nil {
		return fmt.Errorf("kv cas: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("kv cas: %w", err)
	}
	return nil
}

// Take implements Store.
func (s *SQLiteStore) Take(ctx context.Context, key []string) ([]byte, error) {
	k := EncodeKey(key)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("kv take: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var value []byte
	err = tx.QueryRowContext(ctx,
		`SELECT value FROM kv WHERE key = ? AND (expires_at IS NULL OR expires_at > ?)`,
		k, nowMillis(),
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("kv take: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, k); err != nil {
		return nil, fmt.Errorf("kv take: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("kv take: %w", err)
	}
	return value, nil
}

// ListPrefix implements Store.
func (s *SQLiteStore) ListPrefix(ctx context.Context, prefix []string) ([]Entry, error) {
	p := EncodePrefix(prefix)
	upper := PrefixUpperBound(p)

	query := `SELECT key, value FROM kv WHERE key >= ? AND (expires_at IS NULL OR expires_at > ?)`
	args := []any{p, nowMillis()}
	if upper != "" {
		query += ` AND key < ?`
		args = append(args, upper)
	}
	query += ` ORDER BY key ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("kv list: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			k string
			v []byte
		)
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("kv list: %w", err)
		}
		out = append(out, Entry{Key: DecodeKey(k), Value: v})
	}
	return out, rows.Err()
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Sweep deletes expired rows.
func (s *SQLiteStore) Sweep(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM kv WHERE expires_at IS NOT NULL AND expires_at <= ?`, nowMillis())
	return err
}
