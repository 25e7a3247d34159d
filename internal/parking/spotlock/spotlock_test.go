package spotlock_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/example/parkspot/internal/parking/domain"
	"github.com/example/parkspot/internal/parking/spotlock"
)

func newRedisClient(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	return client, mr
}

func lockers(t *testing.T, timeout time.Duration) map[string]domain.SpotLocker {
	client, _ := newRedisClient(t)
	return map[string]domain.SpotLocker{
		"memory": spotlock.NewKeyedLocker(timeout),
		"redis":  spotlock.NewRedisLocker(client, "", spotlock.RedisConfig{Timeout: timeout, Backoff: time.Millisecond}),
	}
}

func TestLockerMutualExclusion(t *testing.T) {
	for name, locker := range lockers(t, 5*time.Second) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			var (
				wg      sync.WaitGroup
				inside  int32
				maxSeen int32
			)
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					unlock, err := locker.Lock(ctx, 1)
					require.NoError(t, err)
					n := atomic.AddInt32(&inside, 1)
					if n > atomic.LoadInt32(&maxSeen) {
						atomic.StoreInt32(&maxSeen, n)
					}
					time.Sleep(2 * time.Millisecond)
					atomic.AddInt32(&inside, -1)
					unlock()
				}()
			}
			wg.Wait()
			require.Equal(t, int32(1), atomic.LoadInt32(&maxSeen))
		})
	}
}

func TestLockerTimeout(t *testing.T) {
	for name, locker := range lockers(t, 50*time.Millisecond) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			unlock, err := locker.Lock(ctx, 7)
			require.NoError(t, err)

			_, err = locker.Lock(ctx, 7)
			require.ErrorIs(t, err, spotlock.ErrTimeout)

			other, err := locker.Lock(ctx, 8)
			require.NoError(t, err, "different spots must not contend")
			other()

			unlock()
			again, err := locker.Lock(ctx, 7)
			require.NoError(t, err)
			again()
		})
	}
}

func TestKeyedLockerHonoursContext(t *testing.T) {
	locker := spotlock.NewKeyedLocker(time.Minute)
	unlock, err := locker.Lock(context.Background(), 1)
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = locker.Lock(ctx, 1)
	require.ErrorIs(t, err, context.Canceled)
}

func TestRedisLockerExpiresStaleHolder(t *testing.T) {
	client, mr := newRedisClient(t)
	locker := spotlock.NewRedisLocker(client, "", spotlock.RedisConfig{TTL: time.Second, Timeout: 50 * time.Millisecond, Backoff: time.Millisecond})
	ctx := context.Background()

	_, err := locker.Lock(ctx, 3)
	require.NoError(t, err)

	mr.FastForward(2 * time.Second)

	unlock, err := locker.Lock(ctx, 3)
	require.NoError(t, err, "lock should be free after TTL expiry")
	unlock()
	require.False(t, mr.Exists("lock:spot:3"))
}

func TestRedisLockerReleaseKeepsForeignLock(t *testing.T) {
	client, mr := newRedisClient(t)
	locker := spotlock.NewRedisLocker(client, "", spotlock.RedisConfig{TTL: time.Second, Timeout: 50 * time.Millisecond})
	ctx := context.Background()

	staleUnlock, err := locker.Lock(ctx, 4)
	require.NoError(t, err)
	mr.FastForward(2 * time.Second)

	fresh, err := locker.Lock(ctx, 4)
	require.NoError(t, err)

	staleUnlock()
	require.True(t, mr.Exists("lock:spot:4"), "stale holder must not release the new lock")
	fresh()
}
