package idempotency

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	store, err := NewRedisStore("redis://" + s.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store, s
}

func TestNewRedisStoreRejectsBadURL(t *testing.T) {
	_, err := NewRedisStore("://bad")
	assert.Error(t, err)
}

func TestRedisStoreKeepsFirstOutcome(t *testing.T) {
	store, _ := setupTestRedis(t)
	ctx := context.Background()
	key := Key{User: "u1", ID: "m1"}

	_, err := store.Get(ctx, key)
	require.ErrorIs(t, err, ErrNotFound)

	first := Outcome{Name: "rename", Version: 1, Applied: true, Result: json.RawMessage(`{"id":"d1"}`)}
	require.NoError(t, store.Put(ctx, key, first, time.Hour))
	require.NoError(t, store.Put(ctx, key, Outcome{Name: "rename", Applied: false, Reason: "conflict"}, time.Hour))

	got, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.True(t, got.Applied)
	assert.JSONEq(t, `{"id":"d1"}`, string(got.Result))

	_, err = store.Get(ctx, Key{User: "u2", ID: "m1"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStoreExpires(t *testing.T) {
	store, s := setupTestRedis(t)
	ctx := context.Background()
	key := Key{User: "u1", ID: "m1"}

	require.NoError(t, store.Put(ctx, key, Outcome{Applied: true}, time.Minute))
	assert.True(t, s.Exists("mutation:{u1}:m1"))

	s.FastForward(2 * time.Minute)
	_, err := store.Get(ctx, key)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreRetentionWindow(t *testing.T) {
	store := NewMemoryStore()
	now := time.Now()
	store.now = func() time.Time { return now }
	ctx := context.Background()
	key := Key{User: "u1", ID: "m1"}

	require.NoError(t, store.Put(ctx, key, Outcome{Applied: true}, time.Minute))
	require.NoError(t, store.Put(ctx, key, Outcome{Applied: false}, time.Minute))
	got, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.True(t, got.Applied)

	now = now.Add(time.Minute)
	_, err = store.Get(ctx, key)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.Put(ctx, key, Outcome{Applied: false, Reason: "forbidden"}, time.Minute))
	got, err = store.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "forbidden", got.Reason)
}
