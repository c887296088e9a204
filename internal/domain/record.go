package domain

import (
	"fmt"
	"time"
)

// Record — атомарная единица знаний, записанная агентом.
// Content пишется один раз, TrustLevel меняет только автомат доверия.
type Record struct {
	ID               string            `json:"id"`
	CreatedAt        time.Time         `json:"created_at"`
	Content          string            `json:"content"`
	SanitizedContent string            `json:"sanitized_content,omitempty"` // Только для FLAGGED
	TrustLevel       TrustLevel        `json:"trust_level"`
	VaultedPatterns  []VaultedPattern  `json:"vaulted_patterns,omitempty"` // Только для FLAGGED
	Source           string            `json:"source"`                     // Тег происхождения, например "web-scrape"
	Tags             []string          `json:"tags,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	ValidatedAt      *time.Time        `json:"validated_at,omitempty"` // Момент терминального перехода
}

// VaultedPattern — опасный фрагмент, вырезанный из записи и зашифрованный.
// Ключ не хранится никогда: только соль для его повторного вывода.
type VaultedPattern struct {
	Reference         string   `json:"reference"` // PATTERN_n, подставляется в SanitizedContent
	Description       string   `json:"description"`
	Severity          Severity `json:"severity"`
	Offset            int      `json:"offset"` // Позиция в Content; у перенесенной записи — позиция токена
	Length            int      `json:"length"`
	Ciphertext        []byte   `json:"ciphertext"`
	IV                []byte   `json:"iv"`
	AuthTag           []byte   `json:"auth_tag"`
	KeyDerivationSalt []byte   `json:"key_derivation_salt"`
}

// Placeholder — токен, которым фрагмент заменен в SanitizedContent.
func (p VaultedPattern) Placeholder() string {
	return "[" + p.Reference + "]"
}

// PatternReference формирует имя n-го (с единицы) фрагмента.
func PatternReference(n int) string {
	return fmt.Sprintf("PATTERN_%d", n)
}

// Pattern ищет фрагмент по ссылке.
func (r *Record) Pattern(ref string) (VaultedPattern, bool) {
	for _, p := range r.VaultedPatterns {
		if p.Reference == ref {
			return p, true
		}
	}
	return VaultedPattern{}, false
}

// CheckInvariants проверяет согласованность полей с уровнем доверия.
// FLAGGED тогда и только тогда, когда есть и фрагменты, и очищенный текст.
func (r *Record) CheckInvariants() error {
	if r.ID == "" {
		return fmt.Errorf("%w: empty record id", ErrInvariant)
	}
	if !r.TrustLevel.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownTrustLevel, r.TrustLevel)
	}
	hasVault := len(r.VaultedPatterns) > 0 || r.SanitizedContent != ""
	if r.TrustLevel == TrustFlagged {
		if len(r.VaultedPatterns) == 0 || r.SanitizedContent == "" {
			return fmt.Errorf("%w: FLAGGED record %s without vaulted patterns", ErrInvariant, r.ID)
		}
		return nil
	}
	if hasVault {
		return fmt.Errorf("%w: %s record %s carries vault data", ErrInvariant, r.TrustLevel, r.ID)
	}
	return nil
}

// Clone делает глубокую копию, чтобы хранилища не делили срезы с вызывающим.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	if r.Tags != nil {
		c.Tags = append([]string(nil), r.Tags...)
	}
	if r.Metadata != nil {
		c.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			c.Metadata[k] = v
		}
	}
	if r.ValidatedAt != nil {
		t := *r.ValidatedAt
		c.ValidatedAt = &t
	}
	if r.VaultedPatterns != nil {
		c.VaultedPatterns = make([]VaultedPattern, len(r.VaultedPatterns))
		for i, p := range r.VaultedPatterns {
			p.Ciphertext = append([]byte(nil), p.Ciphertext...)
			p.IV = append([]byte(nil), p.IV...)
			p.AuthTag = append([]byte(nil), p.AuthTag...)
			p.KeyDerivationSalt = append([]byte(nil), p.KeyDerivationSalt...)
			c.VaultedPatterns[i] = p
		}
	}
	return &c
}

// TrustStats — счетчики записей по уровням доверия для дашборда.
type TrustStats struct {
	Untrusted   int64 `json:"untrusted"`
	Validated   int64 `json:"validated"`
	Flagged     int64 `json:"flagged"`
	Quarantined int64 `json:"quarantined"`
}
