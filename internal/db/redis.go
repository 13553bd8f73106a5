package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-redis/redis/v8"
)

// Redis stores every key under a common prefix.
type Redis struct {
	Client *redis.Client
	Prefix string
}

var _ KV = (*Redis)(nil)

func OpenRedis(ctx context.Context, url, prefix string) (*Redis, error) {
	if url == "" {
		return nil, errors.New("redis url is required")
	}

	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return NewRedis(client, prefix), nil
}

func NewRedis(client *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = "bulksend:"
	}
	return &Redis{Client: client, Prefix: prefix}
}

func (r *Redis) Close() error { return r.Client.Close() }

func (r *Redis) Get(ctx context.Context, keys ...string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	values, err := r.Client.MGet(ctx, r.keys(keys)...).Result()
	if err != nil {
		return nil, err
	}

	for i, v := range values {
		if s, ok := v.(string); ok {
			out[keys[i]] = []byte(s)
		}
	}
	return out, nil
}

func (r *Redis) Set(ctx context.Context, values map[string][]byte) error {
	_, err := r.Client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for k, v := range values {
			p.Set(ctx, r.Prefix+k, v, 0)
		}
		return nil
	})
	return err
}

func (r *Redis) Remove(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return r.Client.Del(ctx, r.keys(keys)...).Err()
}

func (r *Redis) keys(keys []string) []string {
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = r.Prefix + k
	}
	return out
}
