package lock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func exerciseMutualExclusion(t *testing.T, l Locker) {
	t.Helper()
	ctx := context.Background()

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(ctx, "sensor-1/energy_spike")
			if !assert.NoError(t, err) {
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInside)
}

func TestKeyedMutex_Exclusive(t *testing.T) {
	km := NewKeyedMutex()
	exerciseMutualExclusion(t, km)
	assert.Equal(t, 0, km.Len())
}

func TestKeyedMutex_IndependentKeys(t *testing.T) {
	km := NewKeyedMutex()
	ctx := context.Background()

	unlockA, err := km.Lock(ctx, "a")
	require.NoError(t, err)
	unlockB, err := km.Lock(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, 2, km.Len())

	unlockA()
	unlockA()
	unlockB()
	assert.Equal(t, 0, km.Len())
}

func TestKeyedMutex_ContextCancel(t *testing.T) {
	km := NewKeyedMutex()
	unlock, err := km.Lock(context.Background(), "k")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = km.Lock(ctx, "k")
	assert.ErrorIs(t, err, ErrNotAcquired)
	assert.Equal(t, 1, km.Len())
}

func newTestRedisLocker(t *testing.T) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	l := NewRedisLockerFromClient(client, RedisOptions{RetryWait: time.Millisecond}, zaptest.NewLogger(t))
	t.Cleanup(func() { _ = l.Close() })
	return l, mr
}

func TestRedisLocker_Exclusive(t *testing.T) {
	l, _ := newTestRedisLocker(t)
	exerciseMutualExclusion(t, l)
}

func TestRedisLocker_ReleaseDeletesKey(t *testing.T) {
	l, mr := newTestRedisLocker(t)

	unlock, err := l.Lock(context.Background(), "k")
	require.NoError(t, err)
	assert.True(t, mr.Exists(DefaultKeyPrefix+"k"))
	assert.Equal(t, DefaultLockTTL, mr.TTL(DefaultKeyPrefix+"k"))

	unlock()
	assert.False(t, mr.Exists(DefaultKeyPrefix+"k"))
}

func TestRedisLocker_ExpiredHolderKeepsNewLock(t *testing.T) {
	l, mr := newTestRedisLocker(t)
	ctx := context.Background()

	unlockOld, err := l.Lock(ctx, "k")
	require.NoError(t, err)
	mr.FastForward(DefaultLockTTL + time.Second)

	unlockNew, err := l.Lock(ctx, "k")
	require.NoError(t, err)

	unlockOld()
	assert.True(t, mr.Exists(DefaultKeyPrefix+"k"), "stale release must not drop the new holder")
	unlockNew()
	assert.False(t, mr.Exists(DefaultKeyPrefix+"k"))
}

func TestRedisLocker_Timeout(t *testing.T) {
	l, _ := newTestRedisLocker(t)

	unlock, err := l.Lock(context.Background(), "k")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "k")
	assert.ErrorIs(t, err, ErrNotAcquired)
}

func TestNewRedisLocker_Unreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := NewRedisLocker(context.Background(), RedisOptions{Addr: addr}, nil)
	assert.Error(t, err)
}
