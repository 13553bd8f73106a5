package db

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// SQLite is the default single-node backend.
type SQLite struct {
	DB *sql.DB
}

var _ KV = (*SQLite)(nil)

func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
	_, _ = db.ExecContext(ctx, "PRAGMA synchronous = NORMAL")

	if _, err := db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS kv_store (
		   key        TEXT PRIMARY KEY,
		   value      BLOB NOT NULL,
		   updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		 )`); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &SQLite{DB: db}, nil
}

func (s *SQLite) Close() error { return s.DB.Close() }

func (s *SQLite) Get(ctx context.Context, keys ...string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	args := make([]any, len(keys))
	for i, k := range keys {
		args[i] = k
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(keys)), ",")

	rows, err := s.DB.QueryContext(ctx,
		`SELECT key, value FROM kv_store WHERE key IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			key   string
			value []byte
		)
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		out[key] = value
	}

	return out, rows.Err()
}

func (s *SQLite) Set(ctx context.Context, values map[string][]byte) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for k, v := range values {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO kv_store (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP`,
			k, v); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (s *SQLite) Remove(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}

	args := make([]any, len(keys))
	for i, k := range keys {
		args[i] = k
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(keys)), ",")

	_, err := s.DB.ExecContext(ctx, `DELETE FROM kv_store WHERE key IN (`+placeholders+`)`, args...)
	return err
}
