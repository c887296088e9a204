package engine

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const warmupLockTTL = 30 * time.Second

// WarmupState прогревает L1 (RAM) и L2 (Redis) из источника истины (БД).
// L1 обновляется всегда; Redis заливает только тот инстанс, кто взял блокировку,
// и только если Set пуст.
func WarmupState(
	ctx context.Context,
	rdb *redis.Client,
	logger *zap.Logger,
	ids []string,
	redisKey string,
	lockKey string,
	updateL1 func([]string), // Callback для обновления локальной мапы
) error {
	updateL1(ids)
	if rdb == nil || len(ids) == 0 {
		return nil
	}

	ok, err := rdb.SetNX(ctx, lockKey, "processing", warmupLockTTL).Result()
	if err != nil {
		logger.Warn("warm-up lock unavailable, skipping L2 warm-up", zap.String("key", lockKey), zap.Error(err))
		return nil
	}
	if !ok {
		return nil // Другой инстанс уже греет кэш
	}
	defer rdb.Del(context.WithoutCancel(ctx), lockKey)

	count, err := rdb.SCard(ctx, redisKey).Result()
	if err != nil {
		count = 0
		logger.Warn("could not check Redis set size, proceeding with warm-up",
			zap.String("key", redisKey), zap.Error(err))
	}
	if count > 0 {
		return nil
	}

	logger.Info("Redis set is empty, performing warm-up from DB",
		zap.String("key", redisKey), zap.Int("count", len(ids)))

	members := make([]interface{}, len(ids))
	for i, id := range ids {
		members[i] = id
	}
	return rdb.SAdd(ctx, redisKey, members...).Err()
}
