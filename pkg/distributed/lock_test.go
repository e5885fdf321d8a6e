package distributed

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client, mr
}

func TestDistributedLock_Exclusive(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()
	lm := NewLockManager(client, "test:lock:")

	first := lm.AcquireLock("sweep", time.Minute)
	second := lm.AcquireLock("sweep", time.Minute)

	ok, err := first.TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = second.TryLock(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	// Only the holder can release it.
	assert.Error(t, second.Unlock(ctx))
	require.NoError(t, first.Unlock(ctx))

	locked, err := first.IsLocked(ctx)
	require.NoError(t, err)
	assert.False(t, locked)

	ok, err = second.TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, second.Unlock(ctx))
}

func TestDistributedLock_Expires(t *testing.T) {
	client, mr := newTestClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	lm := NewLockManager(client, "test:lock:")

	lock := lm.AcquireLock("sweep", 10*time.Second)
	ok, err := lock.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	cancel() // stop renewal

	mr.FastForward(11 * time.Second)

	other := lm.AcquireLock("sweep", 10*time.Second)
	ok, err = other.TryLock(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, other.Unlock(context.Background()))
}
