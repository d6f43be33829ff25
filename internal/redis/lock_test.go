package redisclient_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	redisclient "github.com/hackgods/appointment-automation/internal/redis"
)

func newLocker(t *testing.T) (redisclient.Locker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return redisclient.NewRedisLocker(client, 5*time.Second), mr
}

func TestRedisLocker(t *testing.T) {
	ctx := context.Background()
	key := redisclient.AppointmentLockKey("clinic-a", uuid.New())

	t.Run("runs fn and releases the key", func(t *testing.T) {
		locker, mr := newLocker(t)

		ran := false
		err := locker.WithLock(ctx, key, func(ctx context.Context) error {
			ran = true
			assert.True(t, mr.Exists(key))
			return nil
		})
		require.NoError(t, err)
		assert.True(t, ran)
		assert.False(t, mr.Exists(key))
	})

	t.Run("second holder is rejected", func(t *testing.T) {
		locker, _ := newLocker(t)

		err := locker.WithLock(ctx, key, func(ctx context.Context) error {
			inner := locker.WithLock(ctx, key, func(context.Context) error {
				t.Fatal("inner critical section must not run")
				return nil
			})
			assert.ErrorIs(t, inner, redisclient.ErrLockNotAcquired)
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("fn error is returned and key released", func(t *testing.T) {
		locker, mr := newLocker(t)
		boom := errors.New("boom")

		err := locker.WithLock(ctx, key, func(context.Context) error { return boom })
		assert.ErrorIs(t, err, boom)
		assert.False(t, mr.Exists(key))
	})

	t.Run("foreign token is not deleted", func(t *testing.T) {
		locker, mr := newLocker(t)

		err := locker.WithLock(ctx, key, func(context.Context) error {
			// simulate expiry and takeover by another process
			require.NoError(t, mr.Set(key, "someone-else"))
			return nil
		})
		require.NoError(t, err)
		got, err := mr.Get(key)
		require.NoError(t, err)
		assert.Equal(t, "someone-else", got)
	})
}

func TestLocalLocker(t *testing.T) {
	ctx := context.Background()
	locker := redisclient.NewLocalLocker()
	key := redisclient.PollLockKey("clinic-a")

	err := locker.WithLock(ctx, key, func(ctx context.Context) error {
		return locker.WithLock(ctx, key, func(context.Context) error { return nil })
	})
	assert.ErrorIs(t, err, redisclient.ErrLockNotAcquired)

	// released after the outer section returns
	err = locker.WithLock(ctx, key, func(context.Context) error { return nil })
	assert.NoError(t, err)
}
