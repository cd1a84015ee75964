package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	backend "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runLockerContract(t *testing.T, locker Locker) {
	t.Helper()
	ctx := context.Background()

	lease, err := locker.TryLock(ctx, "proj", time.Minute)
	require.NoError(t, err)

	_, err = locker.TryLock(ctx, "proj", time.Minute)
	assert.ErrorIs(t, err, ErrLocked)

	other, err := locker.TryLock(ctx, "other", time.Minute)
	require.NoError(t, err)
	require.NoError(t, other.Release(ctx))

	require.NoError(t, lease.Refresh(ctx, time.Minute))
	require.NoError(t, lease.Release(ctx))

	again, err := locker.TryLock(ctx, "proj", time.Minute)
	require.NoError(t, err)
	require.NoError(t, again.Release(ctx))
}

func TestMemoryLocker(t *testing.T) {
	runLockerContract(t, NewMemoryLocker())
}

func TestRedisLocker(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	client := backend.NewClient(&backend.Options{Addr: mr.Addr()})
	defer client.Close()

	locker := NewRedisLocker(client, "patchwork:")
	runLockerContract(t, locker)

	lease, err := locker.TryLock(context.Background(), "proj", time.Second)
	require.NoError(t, err)
	assert.True(t, mr.Exists("patchwork:lock:proj"))

	mr.FastForward(2 * time.Second)
	assert.False(t, mr.Exists("patchwork:lock:proj"))
	assert.ErrorIs(t, lease.Refresh(context.Background(), time.Second), ErrLocked)

	stolen, err := locker.TryLock(context.Background(), "proj", time.Minute)
	require.NoError(t, err)
	require.NoError(t, lease.Release(context.Background()), "stale release is a no-op")
	assert.True(t, mr.Exists("patchwork:lock:proj"))
	require.NoError(t, stolen.Release(context.Background()))
	assert.False(t, mr.Exists("patchwork:lock:proj"))
}
