package infra

import "fmt"

const (
	// RedisNamespace Базовый префикс для изоляции данных проекта в Redis
	RedisNamespace = "trustvault"
)

// Ключи для Sets (состояние)
const (
	RedisKeyQuarantinedRecords   = RedisNamespace + ":records:quarantine_set"
	RedisKeyLockWarmupQuarantine = RedisNamespace + ":lock:warmup:quarantine"
)

// Каналы Pub/Sub (события)
const (
	// RedisChanQuarantine — рассылка новых карантинов всем инстансам ("record_id:on").
	RedisChanQuarantine = RedisNamespace + ":records:quarantine-signal"
)

// GetWarmupLockKey Генератор ключей для блокировок (если нужны динамические)
func GetWarmupLockKey(resource string) string {
	return fmt.Sprintf("%s:lock:warmup:%s", RedisNamespace, resource)
}

// GetValidatorLockKey — блокировка прохода валидатора: один писатель на инсталляцию.
func GetValidatorLockKey(installationID string) string {
	return fmt.Sprintf("%s:lock:validator:%s", RedisNamespace, installationID)
}
