package distlock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client, mr
}

func TestRedisLock_MutualExclusion(t *testing.T) {
	client, _ := setupRedis(t)
	ctx := context.Background()

	a := NewRedisLock(client, "sweep", time.Minute)
	b := NewRedisLock(client, "sweep", time.Minute)

	ok, err := a.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, a.Release(ctx))

	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisLock_ReleaseRequiresOwnership(t *testing.T) {
	client, _ := setupRedis(t)
	ctx := context.Background()

	a := NewRedisLock(client, "sweep", time.Minute)
	b := NewRedisLock(client, "sweep", time.Minute)

	ok, err := a.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	// A non-owner release must not free the lock.
	require.NoError(t, b.Release(ctx))

	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisLock_ExpiresAfterTTL(t *testing.T) {
	client, mr := setupRedis(t)
	ctx := context.Background()

	a := NewRedisLock(client, "sweep", time.Second)
	ok, err := a.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Second)

	b := NewRedisLock(client, "sweep", time.Second)
	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisLock_Extend(t *testing.T) {
	client, mr := setupRedis(t)
	ctx := context.Background()

	a := NewRedisLock(client, "sweep", time.Second)
	ok, err := a.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, a.Extend(ctx, time.Minute))
	mr.FastForward(2 * time.Second)

	// Still held after the original TTL.
	b := NewRedisLock(client, "sweep", time.Second)
	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNew_PicksBackend(t *testing.T) {
	client, _ := setupRedis(t)

	lock := New(client, nil, "sweep", time.Minute)
	_, isRedis := lock.(*RedisLock)
	assert.True(t, isRedis)

	lock = New(nil, nil, "sweep", time.Minute)
	_, isPG := lock.(*PGAdvisoryLock)
	assert.True(t, isPG)
}
