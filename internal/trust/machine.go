// Package trust реализует автомат доверия записи:
// UNTRUSTED → VALIDATED | FLAGGED | QUARANTINED, все три состояния терминальные.
package trust

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-trustvault/internal/audit"
	"github.com/xela07ax/spaceai-trustvault/internal/domain"
)

const auditSource = "trust-machine"

// Decision — результат классификации находок.
type Decision struct {
	Next     domain.TrustLevel
	Findings []domain.Finding // Все находки, для аудита
	Vault    []domain.Finding // Что отдать хранилищу фрагментов (только для FLAGGED)
}

// Classify применяет правило перехода:
// нет находок → VALIDATED; хотя бы одна находка не ниже порога явной атаки →
// QUARANTINED (без шифрования); иначе → FLAGGED с передачей находок в хранилище.
func Classify(findings []domain.Finding) Decision {
	switch {
	case len(findings) == 0:
		return Decision{Next: domain.TrustValidated}
	case domain.MaxSeverity(findings) >= domain.ExplicitAttackThreshold:
		return Decision{Next: domain.TrustQuarantined, Findings: findings}
	default:
		return Decision{Next: domain.TrustFlagged, Findings: findings, Vault: findings}
	}
}

// Outcome — результат работы хранилища фрагментов для FLAGGED.
type Outcome struct {
	SanitizedContent string
	Patterns         []domain.VaultedPattern
}

// Transition — подготовленный, но еще не объявленный переход.
type Transition struct {
	Record   *domain.Record
	From     domain.TrustLevel
	To       domain.TrustLevel
	Findings []domain.Finding
}

type Machine struct {
	auditor audit.Logger
	logger  *zap.Logger
	now     func() time.Time
}

func NewMachine(auditor audit.Logger, logger *zap.Logger) *Machine {
	return &Machine{
		auditor: auditor,
		logger:  logger.Named("trust"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Apply строит новую версию записи в терминальном состоянии.
// Исходная запись не меняется: сохранение делает вызывающий одной атомарной
// записью, после чего объявляет переход через Announce.
func (m *Machine) Apply(rec *domain.Record, d Decision, out Outcome) (Transition, error) {
	if rec.TrustLevel != domain.TrustUntrusted {
		m.reportViolation(rec, d.Next)
		return Transition{}, fmt.Errorf("%w: record %s is %s", domain.ErrTerminalState, rec.ID, rec.TrustLevel)
	}
	if !d.Next.IsTerminal() {
		m.reportViolation(rec, d.Next)
		return Transition{}, fmt.Errorf("%w: target state %q is not terminal", domain.ErrInvariant, d.Next)
	}

	next := rec.Clone()
	next.TrustLevel = d.Next
	ts := m.now()
	next.ValidatedAt = &ts

	switch d.Next {
	case domain.TrustFlagged:
		if len(out.Patterns) == 0 || out.SanitizedContent == "" {
			return Transition{}, fmt.Errorf("%w: FLAGGED transition without vault outcome", domain.ErrInvariant)
		}
		next.SanitizedContent = out.SanitizedContent
		next.VaultedPatterns = out.Patterns
	case domain.TrustValidated, domain.TrustQuarantined:
		// Карантинное содержимое никогда не шифруется: оно просто исключается из чтения
		next.SanitizedContent = ""
		next.VaultedPatterns = nil
	}

	if err := next.CheckInvariants(); err != nil {
		return Transition{}, err
	}
	return Transition{Record: next, From: rec.TrustLevel, To: d.Next, Findings: d.Findings}, nil
}

// Announce пишет событие аудита о сохраненном переходе.
func (m *Machine) Announce(tr Transition) {
	severity := audit.SeverityInfo
	switch tr.To {
	case domain.TrustFlagged:
		severity = audit.SeverityWarning
	case domain.TrustQuarantined:
		severity = audit.SeverityCritical
	}

	m.auditor.LogSecurityEvent(audit.SecurityEvent{
		Type:     audit.EventTrustTransition,
		Severity: severity,
		Source:   auditSource,
		Details: map[string]interface{}{
			"record_id":      tr.Record.ID,
			"record_source":  tr.Record.Source,
			"previous_state": string(tr.From),
			"new_state":      string(tr.To),
			"findings":       domain.Summarize(tr.Findings),
		},
	})

	m.logger.Info("trust level changed",
		zap.String("record_id", tr.Record.ID),
		zap.String("from", string(tr.From)),
		zap.String("to", string(tr.To)),
		zap.Int("findings", len(tr.Findings)))
}

// reportViolation — попытка перехода из терминального состояния.
// В корректной системе недостижимо, поэтому логируется как ошибка программиста.
func (m *Machine) reportViolation(rec *domain.Record, target domain.TrustLevel) {
	m.logger.Error("illegal trust transition",
		zap.String("record_id", rec.ID),
		zap.String("current", string(rec.TrustLevel)),
		zap.String("target", string(target)))

	m.auditor.LogSecurityEvent(audit.SecurityEvent{
		Type:     audit.EventConsistencyViolation,
		Severity: audit.SeverityCritical,
		Source:   auditSource,
		Details: map[string]interface{}{
			"record_id":     rec.ID,
			"current_state": string(rec.TrustLevel),
			"target_state":  string(target),
		},
	})
}
