package validator

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Locker — один проход валидатора на инсталляцию одновременно.
type Locker interface {
	// TryLock возвращает ok=false, если блокировку держит другой инстанс.
	TryLock(ctx context.Context) (unlock func(), ok bool, err error)
}

// unlockScript снимает блокировку, только если она все еще наша.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// RedisLocker — блокировка на SETNX с TTL. TTL должен превышать длительность прохода.
type RedisLocker struct {
	rdb *redis.Client
	key string
	ttl time.Duration
}

func NewRedisLocker(rdb *redis.Client, key string, ttl time.Duration) *RedisLocker {
	return &RedisLocker{rdb: rdb, key: key, ttl: ttl}
}

func (l *RedisLocker) TryLock(ctx context.Context) (func(), bool, error) {
	token := uuid.New().String()
	ok, err := l.rdb.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil || !ok {
		return nil, false, err
	}
	return func() {
		_ = unlockScript.Run(context.WithoutCancel(ctx), l.rdb, []string{l.key}, token).Err()
	}, true, nil
}
