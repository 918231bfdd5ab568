package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultLockKey is the Redis key guarding ingestion runs across processes.
const DefaultLockKey = "djen:run:lock"

// Locker provides exclusivity beyond a single process. TryLock returns
// ok=false when another holder owns the lock.
type Locker interface {
	TryLock(ctx context.Context) (unlock func(), ok bool, err error)
}

// releaseScript deletes the key only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
  return redis.call("del", KEYS[1])
end
return 0
`)

// RedisLocker is a SET NX lock with a TTL so a crashed holder cannot block runs forever.
type RedisLocker struct {
	rdb redis.UniversalClient
	key string
	ttl time.Duration
}

func NewRedisLocker(rdb redis.UniversalClient, key string, ttl time.Duration) *RedisLocker {
	if key == "" {
		key = DefaultLockKey
	}
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &RedisLocker{rdb: rdb, key: key, ttl: ttl}
}

func (l *RedisLocker) TryLock(ctx context.Context) (func(), bool, error) {
	token := uuid.NewString()
	ok, err := l.rdb.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("redis setnx %s: %w", l.key, err)
	}
	if !ok {
		return nil, false, nil
	}
	unlock := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = releaseScript.Run(ctx, l.rdb, []string{l.key}, token).Err()
	}
	return unlock, true, nil
}
