package db_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"BulkSend/internal/db"
)

func testKV(t *testing.T, kv db.KV) {
	ctx := context.Background()

	t.Run("missing keys are absent", func(t *testing.T) {
		got, err := kv.Get(ctx, "nope")
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("set get overwrite", func(t *testing.T) {
		require.NoError(t, kv.Set(ctx, map[string][]byte{
			"stats":    []byte(`{"sent":1}`),
			"lastDate": []byte(`"2026-10-19"`),
		}))
		require.NoError(t, kv.Set(ctx, map[string][]byte{"stats": []byte(`{"sent":2}`)}))

		got, err := kv.Get(ctx, "stats", "lastDate", "other")
		require.NoError(t, err)
		assert.JSONEq(t, `{"sent":2}`, string(got["stats"]))
		assert.JSONEq(t, `"2026-10-19"`, string(got["lastDate"]))
		assert.NotContains(t, got, "other")
	})

	t.Run("remove", func(t *testing.T) {
		require.NoError(t, kv.Remove(ctx, "stats", "never-set"))
		got, err := kv.Get(ctx, "stats", "lastDate")
		require.NoError(t, err)
		assert.NotContains(t, got, "stats")
		assert.Contains(t, got, "lastDate")
	})

	t.Run("empty calls", func(t *testing.T) {
		got, err := kv.Get(ctx)
		require.NoError(t, err)
		assert.Empty(t, got)
		assert.NoError(t, kv.Remove(ctx))
	})
}

func TestMemory(t *testing.T) {
	kv := db.NewMemory()
	defer kv.Close()
	testKV(t, kv)
}

func TestSQLite(t *testing.T) {
	kv, err := db.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "state", "bulksend.db"))
	require.NoError(t, err)
	defer kv.Close()
	testKV(t, kv)
}

func TestRedis(t *testing.T) {
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})

	kv := db.NewRedis(client, "")
	defer kv.Close()
	testKV(t, kv)

	assert.True(t, s.Exists("bulksend:lastDate"))
}

func TestPostgres(t *testing.T) {
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	kv, err := db.New(context.Background(), dsn)
	require.NoError(t, err)
	defer kv.Close()

	require.NoError(t, kv.Remove(context.Background(), "stats", "lastDate"))
	testKV(t, kv)
}

func TestOpen(t *testing.T) {
	kv, err := db.Open(context.Background(), db.Options{Driver: "memory"})
	require.NoError(t, err)
	assert.IsType(t, &db.Memory{}, kv)

	_, err = db.Open(context.Background(), db.Options{Driver: "etcd"})
	assert.Error(t, err)

	_, err = db.Open(context.Background(), db.Options{Driver: "redis"})
	assert.Error(t, err)
}
