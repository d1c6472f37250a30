package keylock

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

func newLeases(t *testing.T, n int) (*miniredis.Miniredis, []*RedisLease) {
	t.Helper()
	mr := miniredis.RunT(t)

	leases := make([]*RedisLease, n)
	for i := range leases {
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { client.Close() })
		leases[i] = NewRedisLease(client, "", time.Minute)
		leases[i].retry = time.Millisecond
	}
	return mr, leases
}

func TestRedisLease_SerializesAcrossClients(t *testing.T) {
	mr, leases := newLeases(t, 2)
	var inside, maxInside int32
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(l *RedisLease) {
			defer wg.Done()
			unlock, err := l.Lock(context.Background(), "conn-1")
			if !assert.NoError(t, err) {
				return
			}
			defer unlock()

			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			atomic.AddInt32(&inside, -1)
		}(leases[i%2])
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside)
	assert.False(t, mr.Exists("lock:conn-1"))
}

func TestRedisLease_ContextCancel(t *testing.T) {
	_, leases := newLeases(t, 2)

	unlock, err := leases[0].Lock(context.Background(), "a")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = leases[1].Lock(ctx, "a")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRedisLease_ExpiredHolderDoesNotReleaseNewOwner(t *testing.T) {
	mr, leases := newLeases(t, 2)

	staleUnlock, err := leases[0].Lock(context.Background(), "a")
	require.NoError(t, err)

	mr.FastForward(2 * time.Minute)

	unlock, err := leases[1].Lock(context.Background(), "a")
	require.NoError(t, err)

	staleUnlock()
	assert.True(t, mr.Exists("lock:a"), "stale holder must not delete the new lease")

	unlock()
	unlock() // second call is a no-op
	assert.False(t, mr.Exists("lock:a"))
}
