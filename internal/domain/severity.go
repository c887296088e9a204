package domain

import (
	"fmt"
	"strings"
)

// Severity — ранг опасной находки. Сравнимы как числа.
type Severity int

const (
	SeverityLow Severity = iota + 1
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// ExplicitAttackThreshold — начиная с этого ранга запись уходит в карантин,
// ниже — фрагменты шифруются и запись помечается FLAGGED.
const ExplicitAttackThreshold = SeverityHigh

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "LOW"
	case SeverityMedium:
		return "MEDIUM"
	case SeverityHigh:
		return "HIGH"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return fmt.Sprintf("SEVERITY(%d)", int(s))
	}
}

// ParseSeverity принимает имя ранга без учета регистра.
func ParseSeverity(s string) (Severity, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "LOW":
		return SeverityLow, nil
	case "MEDIUM":
		return SeverityMedium, nil
	case "HIGH":
		return SeverityHigh, nil
	case "CRITICAL":
		return SeverityCritical, nil
	}
	return 0, fmt.Errorf("unknown severity %q", s)
}

// MarshalText позволяет хранить ранг строкой в JSON, YAML и БД.
func (s Severity) MarshalText() ([]byte, error) {
	if s < SeverityLow || s > SeverityCritical {
		return nil, fmt.Errorf("invalid severity %d", int(s))
	}
	return []byte(s.String()), nil
}

func (s *Severity) UnmarshalText(text []byte) error {
	v, err := ParseSeverity(string(text))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Finding — одно срабатывание детектора. Offset и Length в байтах исходного текста.
type Finding struct {
	RuleID      string   `json:"rule_id"`
	Class       string   `json:"class"`
	Severity    Severity `json:"severity"`
	Description string   `json:"description"`
	Offset      int      `json:"offset"`
	Length      int      `json:"length"`
}

// End — позиция сразу за фрагментом.
func (f Finding) End() int { return f.Offset + f.Length }

// FindingSummary — редактированное описание находки для аудита: без самого текста.
type FindingSummary struct {
	RuleID   string `json:"rule_id"`
	Class    string `json:"class"`
	Severity string `json:"severity"`
	Offset   int    `json:"offset"`
	Length   int    `json:"length"`
}

// Summarize отбрасывает все, что могло бы воспроизвести опасный текст.
func Summarize(findings []Finding) []FindingSummary {
	out := make([]FindingSummary, 0, len(findings))
	for _, f := range findings {
		out = append(out, FindingSummary{
			RuleID:   f.RuleID,
			Class:    f.Class,
			Severity: f.Severity.String(),
			Offset:   f.Offset,
			Length:   f.Length,
		})
	}
	return out
}

// MaxSeverity возвращает наивысший ранг среди находок (0 для пустого списка).
func MaxSeverity(findings []Finding) Severity {
	var top Severity
	for _, f := range findings {
		if f.Severity > top {
			top = f.Severity
		}
	}
	return top
}
