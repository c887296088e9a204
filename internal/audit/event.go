package audit

import "time"

// Типы событий безопасности.
const (
	EventTrustTransition      = "trust.transition"
	EventConsistencyViolation = "trust.consistency_violation"
	EventDecryptAttempt       = "vault.decrypt"
	EventValidatorFailure     = "validator.record_failed"
	EventQuarantineSkipped    = "storage.quarantine_skipped"
	EventKeyReleased          = "transfer.key_released"
	EventTransferCompleted    = "transfer.completed"
	EventTransferFailed       = "transfer.failed"
)

// Уровни важности событий.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// SecurityEvent — запись журнала безопасности.
// Details никогда не содержит опасного текста или ключевого материала.
type SecurityEvent struct {
	ID        string                 `json:"id"`       // UUID события
	Type      string                 `json:"type"`     // Что произошло
	Severity  string                 `json:"severity"` // info / warning / critical
	Source    string                 `json:"source"`   // Компонент-источник
	Details   map[string]interface{} `json:"details"`
	TraceID   string                 `json:"trace_id,omitempty"` // Сквозной ID запроса, в том числе между инсталляциями
	Timestamp time.Time              `json:"timestamp"`
}
