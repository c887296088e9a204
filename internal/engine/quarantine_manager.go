package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-trustvault/internal/infra"
)

// QuarantineManager — реестр карантинных записей для горячего пути чтения.
// L1 — карта в памяти, L2 — Redis Set, изменения расходятся через Pub/Sub.
// Без Redis (rdb == nil) работает только L1: один инстанс, тесты.
//
// Карантин терминален, поэтому сигнала снятия нет: ":off" игнорируется.
type QuarantineManager struct {
	mu      sync.RWMutex
	records map[string]struct{}
	rdb     *redis.Client
	logger  *zap.Logger
}

func NewQuarantineManager(rdb *redis.Client, logger *zap.Logger) *QuarantineManager {
	return &QuarantineManager{
		records: make(map[string]struct{}),
		rdb:     rdb,
		logger:  logger.Named("quarantine"),
	}
}

// Init загружает карантинные id из БД (ids) и из Redis при старте.
func (m *QuarantineManager) Init(ctx context.Context, ids []string) error {
	if err := WarmupState(ctx, m.rdb, m.logger, ids,
		infra.RedisKeyQuarantinedRecords, infra.RedisKeyLockWarmupQuarantine, m.markAll); err != nil {
		return fmt.Errorf("quarantine warm-up: %w", err)
	}
	return m.syncFromRedis(ctx)
}

// Start запускает подписку на сигналы других инстансов. Блокируется до отмены ctx.
func (m *QuarantineManager) Start(ctx context.Context) {
	if m.rdb == nil {
		return
	}
	ListenStateResilient(ctx, m.rdb, m.logger, infra.RedisChanQuarantine,
		func() error { return m.syncFromRedis(ctx) },
		func(id string, on bool) {
			if on {
				m.markAll([]string{id})
			}
		})
}

// Quarantine помечает запись локально и оповещает остальные инстансы.
// Ошибка Redis не отменяет локальную пометку: источник истины — БД.
func (m *QuarantineManager) Quarantine(ctx context.Context, recordID string) error {
	m.markAll([]string{recordID})
	if m.rdb == nil {
		return nil
	}

	pipe := m.rdb.TxPipeline()
	pipe.SAdd(ctx, infra.RedisKeyQuarantinedRecords, recordID)
	pipe.Publish(ctx, infra.RedisChanQuarantine, recordID+":on")
	if _, err := pipe.Exec(ctx); err != nil {
		m.logger.Warn("failed to broadcast quarantine", zap.String("record_id", recordID), zap.Error(err))
		return fmt.Errorf("broadcast quarantine %s: %w", recordID, err)
	}
	return nil
}

// IsQuarantined — проверка на горячем пути, без обращения к сети.
func (m *QuarantineManager) IsQuarantined(recordID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.records[recordID]
	return ok
}

func (m *QuarantineManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

func (m *QuarantineManager) markAll(ids []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		m.records[id] = struct{}{}
	}
}

func (m *QuarantineManager) syncFromRedis(ctx context.Context) error {
	if m.rdb == nil {
		return nil
	}
	ids, err := m.rdb.SMembers(ctx, infra.RedisKeyQuarantinedRecords).Result()
	if err != nil {
		return fmt.Errorf("load quarantine set: %w", err)
	}
	m.markAll(ids)
	return nil
}
