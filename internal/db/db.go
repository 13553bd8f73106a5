package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is the Postgres backend.
type Store struct {
	Pool *pgxpool.Pool
}

var _ KV = (*Store)(nil)

func New(ctx context.Context, conn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, conn)
	if err != nil {
		return nil, err
	}

	s := &Store{Pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres migrate: %w", err)
	}

	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.Pool.Exec(ctx,
		`CREATE TABLE IF NOT EXISTS kv_store (
		   key        TEXT PRIMARY KEY,
		   value      JSONB NOT NULL,
		   updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		 )`)
	return err
}

func (s *Store) Close() error {
	s.Pool.Close()
	return nil
}

func (s *Store) Get(ctx context.Context, keys ...string) (map[string][]byte, error) {

	out := make(map[string][]byte, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	rows, err := s.Pool.Query(ctx,
		`SELECT key, value::text
		 FROM kv_store
		 WHERE key = ANY($1)`,
		keys,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			key   string
			value string
		)
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		out[key] = []byte(value)
	}

	return out, rows.Err()
}

func (s *Store) Set(ctx context.Context, values map[string][]byte) error {

	batch := &pgx.Batch{}
	for k, v := range values {
		batch.Queue(
			`INSERT INTO kv_store (key, value, updated_at)
			 VALUES ($1, $2::jsonb, NOW())
			 ON CONFLICT (key) DO UPDATE
			 SET value = EXCLUDED.value,
			     updated_at = NOW()`,
			k,
			string(v),
		)
	}

	return pgx.BeginFunc(ctx, s.Pool, func(tx pgx.Tx) error {
		return tx.SendBatch(ctx, batch).Close()
	})
}

func (s *Store) Remove(ctx context.Context, keys ...string) error {

	if len(keys) == 0 {
		return nil
	}

	_, err := s.Pool.Exec(ctx,
		`DELETE FROM kv_store WHERE key = ANY($1)`,
		keys,
	)

	return err
}
