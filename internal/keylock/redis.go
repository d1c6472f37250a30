package keylock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	defaultLeasePrefix = "lock:"
	defaultLeaseRetry  = 50 * time.Millisecond
)

// Only the holder's token may delete the key, so a lease that expired and was
// taken by another process is left alone.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLease is a lock shared by every process talking to the same Redis.
// Holders get the key for at most ttl; a crashed holder never blocks others
// for longer than that.
type RedisLease struct {
	client    redis.UniversalClient
	keyPrefix string
	ttl       time.Duration
	retry     time.Duration
}

func NewRedisLease(client redis.UniversalClient, keyPrefix string, ttl time.Duration) *RedisLease {
	if keyPrefix == "" {
		keyPrefix = defaultLeasePrefix
	}
	return &RedisLease{
		client:    client,
		keyPrefix: keyPrefix,
		ttl:       ttl,
		retry:     defaultLeaseRetry,
	}
}

// Lock polls SET NX PX until the key is free or ctx is done. The returned
// func releases the lease and is safe to call more than once.
func (l *RedisLease) Lock(ctx context.Context, key string) (func(), error) {
	redisKey := l.keyPrefix + key
	token := uuid.NewString()

	for {
		ok, err := l.client.SetNX(ctx, redisKey, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to acquire lease %s: %w", key, err)
		}
		if ok {
			break
		}

		timer := time.NewTimer(l.retry)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			// On failure the key still expires after ttl.
			_ = releaseScript.Run(releaseCtx, l.client, []string{redisKey}, token).Err()
		})
	}, nil
}
