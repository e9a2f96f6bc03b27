package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exerciseMutualExclusion(t *testing.T, l Locker) {
	t.Helper()
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		holders int32
		maxSeen int32
	)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := l.Acquire(ctx, "source-1")
			if !assert.NoError(t, err) {
				return
			}
			n := atomic.AddInt32(&holders, 1)
			for {
				seen := atomic.LoadInt32(&maxSeen)
				if n <= seen || atomic.CompareAndSwapInt32(&maxSeen, seen, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&holders, -1)
			release()
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxSeen)
}

func exerciseTimeout(t *testing.T, l Locker) {
	t.Helper()
	release, err := l.Acquire(context.Background(), "source-2")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(ctx, "source-2")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// other keys are independent
	other, err := l.Acquire(context.Background(), "source-3")
	require.NoError(t, err)
	other()

	release()
	release() // releasing twice is harmless
	again, err := l.Acquire(context.Background(), "source-2")
	require.NoError(t, err)
	again()
}

func TestMemoryLocker(t *testing.T) {
	exerciseMutualExclusion(t, NewMemory())
	exerciseTimeout(t, NewMemory())
}

func TestRedisLocker(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	defer client.Close()

	exerciseMutualExclusion(t, NewRedis(client, time.Second))
	exerciseTimeout(t, NewRedis(client, time.Second))
}

func TestRedisLockExpires(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	defer client.Close()
	l := NewRedis(client, time.Second)

	_, err := l.Acquire(context.Background(), "crashed")
	require.NoError(t, err)
	srv.FastForward(2 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	release, err := l.Acquire(ctx, "crashed")
	require.NoError(t, err)
	release()
}
