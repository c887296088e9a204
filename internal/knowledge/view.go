package knowledge

import (
	"fmt"
	"time"

	"github.com/xela07ax/spaceai-trustvault/internal/domain"
)

// PatternInfo — публичное описание вырезанного фрагмента. Текста в нем нет.
type PatternInfo struct {
	Reference   string `json:"reference"`
	Description string `json:"description"`
	Severity    string `json:"severity"`
}

// View — запись в том виде, в котором ее можно отдать агенту.
type View struct {
	ID          string            `json:"id"`
	TrustLevel  domain.TrustLevel `json:"trust_level"`
	Content     string            `json:"content,omitempty"`
	Redacted    bool              `json:"redacted"`
	Notice      string            `json:"notice,omitempty"`
	Pending     bool              `json:"pending,omitempty"` // Еще не проверена: содержимое не отдается
	Patterns    []PatternInfo     `json:"patterns,omitempty"`
	Source      string            `json:"source"`
	Tags        []string          `json:"tags,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	ValidatedAt *time.Time        `json:"validated_at,omitempty"`
}

func redactionNotice(n int) string {
	return fmt.Sprintf("[!] %d dangerous pattern(s) were removed from this record and stored encrypted. "+
		"Placeholders such as [PATTERN_1] mark where they were. The removed text is not shown.", n)
}

func baseView(r *domain.Record) *View {
	return &View{
		ID:          r.ID,
		TrustLevel:  r.TrustLevel,
		Source:      r.Source,
		Tags:        r.Tags,
		Metadata:    r.Metadata,
		CreatedAt:   r.CreatedAt,
		ValidatedAt: r.ValidatedAt,
	}
}

// readVisitor — чтение одной записи: все, кроме VALIDATED и FLAGGED, — ошибка.
type readVisitor struct{}

func (readVisitor) Untrusted(r *domain.Record) (*View, error) {
	return nil, fmt.Errorf("%w: record %s", domain.ErrNeedsValidation, r.ID)
}

func (readVisitor) Validated(r *domain.Record) (*View, error) {
	v := baseView(r)
	v.Content = r.Content
	return v, nil
}

func (readVisitor) Flagged(r *domain.Record) (*View, error) {
	v := baseView(r)
	v.Content = r.SanitizedContent
	v.Redacted = true
	v.Notice = redactionNotice(len(r.VaultedPatterns))
	v.Patterns = make([]PatternInfo, 0, len(r.VaultedPatterns))
	for _, p := range r.VaultedPatterns {
		v.Patterns = append(v.Patterns, PatternInfo{Reference: p.Reference, Description: p.Description, Severity: p.Severity.String()})
	}
	return v, nil
}

func (readVisitor) Quarantined(r *domain.Record) (*View, error) {
	return nil, fmt.Errorf("%w: record %s", domain.ErrQuarantined, r.ID)
}

// listVisitor — элемент списка. Непроверенные записи видны без содержимого,
// карантинные не попадают в список вовсе (nil без ошибки).
type listVisitor struct{ readVisitor }

func (listVisitor) Untrusted(r *domain.Record) (*View, error) {
	v := baseView(r)
	v.Pending = true
	return v, nil
}

func (listVisitor) Quarantined(*domain.Record) (*View, error) {
	return nil, nil
}
