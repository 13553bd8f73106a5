package db

import (
	"context"
	"fmt"
	"strings"
)

// KV is the key-value persistence the send core runs on. Values are opaque
// JSON documents; missing keys are simply absent from Get's result.
type KV interface {
	Get(ctx context.Context, keys ...string) (map[string][]byte, error)
	Set(ctx context.Context, values map[string][]byte) error
	Remove(ctx context.Context, keys ...string) error
	Close() error
}

type Options struct {
	Driver      string
	SQLitePath  string
	RedisURL    string
	RedisPrefix string
	DatabaseURL string
}

// Open connects the backend selected by opts.Driver.
func Open(ctx context.Context, opts Options) (KV, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Driver)) {
	case "memory":
		return NewMemory(), nil
	case "", "sqlite":
		return OpenSQLite(ctx, opts.SQLitePath)
	case "redis":
		return OpenRedis(ctx, opts.RedisURL, opts.RedisPrefix)
	case "postgres", "pg":
		return New(ctx, opts.DatabaseURL)
	default:
		return nil, fmt.Errorf("unknown store driver %q", opts.Driver)
	}
}
