package locks

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	backend "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedis(t *testing.T, opts ...RedisOption) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := backend.NewClient(&backend.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedis(client, opts...), mr
}

func lockers(t *testing.T) map[string]Locker {
	r, _ := newRedis(t)
	return map[string]Locker{
		"memory": NewMemory(),
		"redis":  r,
	}
}

func TestLocker_Exclusive(t *testing.T) {
	ctx := context.Background()
	for name, l := range lockers(t) {
		t.Run(name, func(t *testing.T) {
			ok, err := l.TryLock(ctx, "Reader", "m1")
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = l.TryLock(ctx, "Reader", "m1")
			require.NoError(t, err)
			assert.True(t, ok, "holder can relock")

			ok, err = l.TryLock(ctx, "Reader", "m2")
			require.NoError(t, err)
			assert.False(t, ok)

			owner, err := l.Owner(ctx, "Reader")
			require.NoError(t, err)
			assert.Equal(t, "m1", owner)
		})
	}
}

func TestLocker_Unlock(t *testing.T) {
	ctx := context.Background()
	for name, l := range lockers(t) {
		t.Run(name, func(t *testing.T) {
			_, err := l.TryLock(ctx, "Reader", "m1")
			require.NoError(t, err)

			assert.ErrorIs(t, l.Unlock(ctx, "Reader", "m2"), ErrNotOwner)
			require.NoError(t, l.Unlock(ctx, "Reader", "m1"))

			owner, err := l.Owner(ctx, "Reader")
			require.NoError(t, err)
			assert.Empty(t, owner)

			ok, err := l.TryLock(ctx, "Reader", "m2")
			require.NoError(t, err)
			assert.True(t, ok)
		})
	}
}

func TestRedis_KeyPrefixAndTTL(t *testing.T) {
	ctx := context.Background()
	r, mr := newRedis(t, WithPrefix("lab:"), WithTTL(time.Minute))

	ok, err := r.TryLock(ctx, "Reader", "m1")
	require.NoError(t, err)
	require.True(t, ok)

	assert.True(t, mr.Exists("lab:Reader"))
	assert.Equal(t, time.Minute, mr.TTL("lab:Reader"))

	mr.FastForward(2 * time.Minute)
	owner, err := r.Owner(ctx, "Reader")
	require.NoError(t, err)
	assert.Empty(t, owner)
}

func TestRedis_Unreachable(t *testing.T) {
	r, mr := newRedis(t)
	mr.Close()

	_, err := r.TryLock(context.Background(), "Reader", "m1")
	assert.Error(t, err)
}

func TestResource_NotifiesOnChange(t *testing.T) {
	ctx := context.Background()
	locker := NewMemory()
	changes := 0
	reader := NewResource("Reader", locker, OnChange(func() { changes++ }))

	ok, err := reader.ObtainLock(ctx, "m1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, reader.IsLocked())
	assert.Equal(t, "m1", reader.LockOwner())

	ok, err = reader.ObtainLock(ctx, "m2")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, reader.ReleaseLock(ctx, "m2"), "releasing an unheld lock is a no-op")
	assert.True(t, reader.IsLocked())

	require.NoError(t, reader.ReleaseLock(ctx, "m1"))
	assert.False(t, reader.IsLocked())
	assert.Equal(t, 2, changes)
}
