// Package detector находит опасные конструкции в тексте записи.
//
// Детектор не хранит состояния и детерминирован: одинаковый текст всегда дает
// одинаковые находки. Регулярные выражения RE2 не используют откат, поэтому
// время работы линейно даже на враждебном вводе. Ограничение размера входа —
// забота вызывающего (см. Validate).
package detector

import (
	"errors"
	"fmt"
	"sort"
	"unicode/utf8"

	"github.com/xela07ax/spaceai-trustvault/internal/domain"
)

var (
	ErrMalformedInput = errors.New("detector: malformed input")
	ErrInputTooLarge  = errors.New("detector: input too large")
)

type Detector struct {
	cat *Catalogue
}

func New(cat *Catalogue) *Detector {
	return &Detector{cat: cat}
}

// Default — детектор над встроенным каталогом.
func Default() *Detector {
	return New(Builtin())
}

// CatalogueVersion нужен для аудита: по нему видно, каким набором правил
// классифицирована запись.
func (d *Detector) CatalogueVersion() string { return d.cat.Version }

// Validate проверяет вход до детекции: размер и корректность UTF-8.
func Validate(text string, maxBytes int) error {
	if maxBytes > 0 && len(text) > maxBytes {
		return fmt.Errorf("%w: %d bytes (limit %d)", ErrInputTooLarge, len(text), maxBytes)
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("%w: invalid UTF-8", ErrMalformedInput)
	}
	return nil
}

type candidate struct {
	finding domain.Finding
	order   int // Позиция правила в каталоге для стабильного выбора
}

// Detect возвращает находки, отсортированные по смещению.
// Пересекающиеся срабатывания сливаются в одну находку по объединенному
// диапазону с наивысшим рангом: фрагменты для шифрования не пересекаются.
// Пустой результат — единственный признак отсутствия находок.
func (d *Detector) Detect(text string) []domain.Finding {
	var cands []candidate
	for i, rule := range d.cat.Rules {
		for _, loc := range rule.re.FindAllStringIndex(text, -1) {
			if loc[1] <= loc[0] {
				continue
			}
			cands = append(cands, candidate{
				finding: domain.Finding{
					RuleID:      rule.ID,
					Class:       rule.Class,
					Severity:    rule.Severity,
					Description: rule.Description,
					Offset:      loc[0],
					Length:      loc[1] - loc[0],
				},
				order: i,
			})
		}
	}
	if len(cands) == 0 {
		return []domain.Finding{}
	}

	sort.Slice(cands, func(i, j int) bool {
		a, b := cands[i].finding, cands[j].finding
		if a.Offset != b.Offset {
			return a.Offset < b.Offset
		}
		if a.End() != b.End() {
			return a.End() > b.End()
		}
		return cands[i].order < cands[j].order
	})

	out := make([]domain.Finding, 0, len(cands))
	start := 0
	for start < len(cands) {
		end := cands[start].finding.End()
		best := start
		next := start + 1
		for next < len(cands) && cands[next].finding.Offset < end {
			if e := cands[next].finding.End(); e > end {
				end = e
			}
			if outranks(cands[next], cands[best]) {
				best = next
			}
			next++
		}

		merged := cands[best].finding
		merged.Offset = cands[start].finding.Offset
		merged.Length = end - merged.Offset
		out = append(out, merged)
		start = next
	}
	return out
}

// outranks: выше ранг, затем длиннее срабатывание, затем раньше в каталоге.
func outranks(a, b candidate) bool {
	if a.finding.Severity != b.finding.Severity {
		return a.finding.Severity > b.finding.Severity
	}
	if a.finding.Length != b.finding.Length {
		return a.finding.Length > b.finding.Length
	}
	return a.order < b.order
}

// Detect прогоняет текст через встроенный каталог.
func Detect(text string) []domain.Finding {
	return defaultDetector.Detect(text)
}

var defaultDetector = Default()
