package detector

import (
	_ "embed"
	"fmt"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/xela07ax/spaceai-trustvault/internal/domain"
)

// Классы опасных конструкций.
const (
	ClassExecution              = "execution"
	ClassCredentialExfiltration = "credential-exfiltration"
	ClassInstructionOverride    = "instruction-override"
)

//go:embed catalogue.yaml
var catalogueYAML []byte

// Rule — одно правило каталога в скомпилированном виде.
type Rule struct {
	ID          string
	Class       string
	Severity    domain.Severity
	Description string
	re          *regexp.Regexp
}

// Catalogue — фиксированный версионированный набор правил.
type Catalogue struct {
	Version string
	Rules   []Rule
}

type catalogueFile struct {
	Version string `yaml:"version"`
	Rules   []struct {
		ID          string          `yaml:"id"`
		Class       string          `yaml:"class"`
		Severity    domain.Severity `yaml:"severity"`
		Description string          `yaml:"description"`
		Pattern     string          `yaml:"pattern"`
	} `yaml:"rules"`
}

// Встроенный каталог компилируется один раз. Битый каталог — ошибка сборки,
// поэтому паникуем при инициализации, как regexp.MustCompile.
var builtin = mustParseCatalogue(catalogueYAML)

// Builtin возвращает встроенный каталог.
func Builtin() *Catalogue { return builtin }

func mustParseCatalogue(data []byte) *Catalogue {
	c, err := ParseCatalogue(data)
	if err != nil {
		panic(fmt.Sprintf("detector: embedded catalogue: %v", err))
	}
	return c
}

// ParseCatalogue разбирает и компилирует каталог в формате YAML.
func ParseCatalogue(data []byte) (*Catalogue, error) {
	var f catalogueFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse catalogue: %w", err)
	}
	if f.Version == "" {
		return nil, fmt.Errorf("catalogue version is required")
	}

	c := &Catalogue{Version: f.Version, Rules: make([]Rule, 0, len(f.Rules))}
	seen := make(map[string]struct{}, len(f.Rules))
	for _, r := range f.Rules {
		if r.ID == "" || r.Pattern == "" {
			return nil, fmt.Errorf("rule %q: id and pattern are required", r.ID)
		}
		if _, dup := seen[r.ID]; dup {
			return nil, fmt.Errorf("rule %q: duplicate id", r.ID)
		}
		seen[r.ID] = struct{}{}

		switch r.Class {
		case ClassExecution, ClassCredentialExfiltration, ClassInstructionOverride:
		default:
			return nil, fmt.Errorf("rule %q: unknown class %q", r.ID, r.Class)
		}
		if r.Severity == 0 {
			return nil, fmt.Errorf("rule %q: severity is required", r.ID)
		}

		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", r.ID, err)
		}
		c.Rules = append(c.Rules, Rule{
			ID:          r.ID,
			Class:       r.Class,
			Severity:    r.Severity,
			Description: r.Description,
			re:          re,
		})
	}
	return c, nil
}
